package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	constraintActiveSlot    = "appointments_active_slot_uq"
	constraintPaymentAppt   = "payments_appointment_id_key"
	constraintMedRecordAppt = "medical_records_appointment_id_key"
)

// logOrderLockKey names the transaction-scoped advisory lock taken before a
// log row gets its id. Holding it until commit makes log ids visible in commit
// order, which ListLogsAfter cursors depend on.
const logOrderLockKey int64 = 0x6170_7074_6c6f_6773

type queryable interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PgStore is the Postgres-backed Store.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) RunInTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, &PgRepository{q: tx})
	})
	return mapPgError(err)
}

func (s *PgStore) ListLogsAfter(ctx context.Context, afterID int64, limit int) ([]AppointmentLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, appointment_id, event_type, message, payload, created_at
		FROM appointment_logs
		WHERE id > $1
		ORDER BY id
		LIMIT NULLIF($2, 0)
	`, afterID, limit)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var result []AppointmentLog
	for rows.Next() {
		var l AppointmentLog
		if err := rows.Scan(&l.ID, &l.AppointmentID, &l.EventType, &l.Message, &l.Payload, &l.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err)
	}
	return result, nil
}

// PgRepository runs every statement on the transaction it was created for.
type PgRepository struct {
	q queryable
}

// Helpers

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.FullName, &p.DateOfBirth, &p.Phone, &p.Email, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, mapPgError(err)
	}
	return &p, nil
}

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	var fee string
	err := row.Scan(&d.ID, &d.FullName, &d.Specialty, &fee, &d.IsActive, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, mapPgError(err)
	}
	if d.ConsultationFee, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("parse consultation fee: %w", err)
	}
	return &d, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.ScheduledAt, &a.Status, &a.Notes, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, mapPgError(err)
	}
	a.ScheduledAt = a.ScheduledAt.UTC()
	return &a, nil
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	var amount string
	err := row.Scan(&p.ID, &p.AppointmentID, &amount, &p.Method, &p.Status, &p.TransactionReference, &p.PaidAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, mapPgError(err)
	}
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse payment amount: %w", err)
	}
	return &p, nil
}

func scanMedicalRecord(row pgx.Row) (*MedicalRecord, error) {
	var r MedicalRecord
	err := row.Scan(&r.ID, &r.PatientID, &r.DoctorID, &r.AppointmentID, &r.Diagnosis, &r.Prescription, &r.Notes, &r.RecordedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMedicalRecordNotFound
		}
		return nil, mapPgError(err)
	}
	return &r, nil
}

// mapPgError turns uniqueness violations into domain sentinels and marks
// serialization failures, deadlocks and timeouts as transient.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			switch pgErr.ConstraintName {
			case constraintActiveSlot:
				return ErrSlotConflict
			case constraintPaymentAppt:
				return ErrDuplicatePayment
			case constraintMedRecordAppt:
				return ErrDuplicateMedicalRecord
			}
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %s (%s)", ErrStorageTransient, pgErr.Message, pgErr.Code)
		}
		return err
	}

	if pgconn.Timeout(err) {
		return fmt.Errorf("%w: %v", ErrStorageTransient, err)
	}
	return err
}

const appointmentCols = `id, patient_id, doctor_id, scheduled_at, status, notes, created_at, updated_at`

// Interface methods

func (r *PgRepository) GetPatientByID(ctx context.Context, id int64) (*Patient, error) {
	row := r.q.QueryRow(ctx, `
		SELECT id, full_name, date_of_birth, phone, email, created_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetDoctorByID(ctx context.Context, id int64) (*Doctor, error) {
	row := r.q.QueryRow(ctx, `
		SELECT id, full_name, specialty, consultation_fee::text, is_active, created_at
		FROM doctors
		WHERE id = $1
	`, id)
	return scanDoctor(row)
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id int64) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `SELECT `+appointmentCols+` FROM appointments WHERE id = $1`, id)
	return scanAppointment(row)
}

func (r *PgRepository) LockAppointment(ctx context.Context, id int64) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `SELECT `+appointmentCols+` FROM appointments WHERE id = $1 FOR UPDATE`, id)
	return scanAppointment(row)
}

func (r *PgRepository) FindActiveAppointmentAt(ctx context.Context, doctorID int64, at time.Time, excludeID int64) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments
		WHERE doctor_id = $1
		  AND scheduled_at = $2
		  AND status <> 'cancelled'
		  AND id <> $3
		LIMIT 1
	`, doctorID, at, excludeID)
	return scanAppointment(row)
}

func (r *PgRepository) InsertAppointment(ctx context.Context, a *Appointment) error {
	err := r.q.QueryRow(ctx, `
		INSERT INTO appointments (patient_id, doctor_id, scheduled_at, status, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING id, updated_at
	`, a.PatientID, a.DoctorID, a.ScheduledAt, a.Status, a.Notes, a.CreatedAt).Scan(&a.ID, &a.UpdatedAt)
	return mapPgError(err)
}

func (r *PgRepository) UpdateAppointment(ctx context.Context, a *Appointment) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE appointments
		SET patient_id = $2,
		    doctor_id = $3,
		    scheduled_at = $4,
		    status = $5,
		    notes = $6,
		    updated_at = $7
		WHERE id = $1
	`, a.ID, a.PatientID, a.DoctorID, a.ScheduledAt, a.Status, a.Notes, a.UpdatedAt)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) DeleteAppointment(ctx context.Context, id int64) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

const paymentCols = `id, appointment_id, amount::text, method, status, transaction_reference, paid_at`

func (r *PgRepository) GetPaymentByID(ctx context.Context, id int64) (*Payment, error) {
	row := r.q.QueryRow(ctx, `SELECT `+paymentCols+` FROM payments WHERE id = $1`, id)
	return scanPayment(row)
}

func (r *PgRepository) GetPaymentByAppointment(ctx context.Context, appointmentID int64) (*Payment, error) {
	row := r.q.QueryRow(ctx, `SELECT `+paymentCols+` FROM payments WHERE appointment_id = $1`, appointmentID)
	return scanPayment(row)
}

func (r *PgRepository) InsertPayment(ctx context.Context, p *Payment) error {
	err := r.q.QueryRow(ctx, `
		INSERT INTO payments (appointment_id, amount, method, status, transaction_reference, paid_at)
		VALUES ($1, $2::numeric, $3, $4, $5, $6)
		RETURNING id
	`, p.AppointmentID, p.Amount.String(), p.Method, p.Status, p.TransactionReference, p.PaidAt).Scan(&p.ID)
	return mapPgError(err)
}

func (r *PgRepository) UpdatePaymentStatus(ctx context.Context, id int64, status PaymentStatus) error {
	tag, err := r.q.Exec(ctx, `UPDATE payments SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (r *PgRepository) DeletePayment(ctx context.Context, id int64) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM payments WHERE id = $1`, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (r *PgRepository) GetMedicalRecordByAppointment(ctx context.Context, appointmentID int64) (*MedicalRecord, error) {
	row := r.q.QueryRow(ctx, `
		SELECT id, patient_id, doctor_id, appointment_id, diagnosis, prescription, notes, recorded_at
		FROM medical_records
		WHERE appointment_id = $1
	`, appointmentID)
	return scanMedicalRecord(row)
}

func (r *PgRepository) InsertMedicalRecord(ctx context.Context, rec *MedicalRecord) error {
	err := r.q.QueryRow(ctx, `
		INSERT INTO medical_records (patient_id, doctor_id, appointment_id, diagnosis, prescription, notes, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, rec.PatientID, rec.DoctorID, rec.AppointmentID, rec.Diagnosis, rec.Prescription, rec.Notes, rec.RecordedAt).Scan(&rec.ID)
	return mapPgError(err)
}

func (r *PgRepository) DeleteMedicalRecord(ctx context.Context, id int64) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM medical_records WHERE id = $1`, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMedicalRecordNotFound
	}
	return nil
}

func (r *PgRepository) InsertLog(ctx context.Context, l *AppointmentLog) error {
	if _, err := r.q.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, logOrderLockKey); err != nil {
		return fmt.Errorf("lock appointment log order: %w", mapPgError(err))
	}
	err := r.q.QueryRow(ctx, `
		INSERT INTO appointment_logs (appointment_id, event_type, message, payload, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
		RETURNING id, created_at
	`, l.AppointmentID, l.EventType, l.Message, l.Payload, nullableTime(l.CreatedAt)).Scan(&l.ID, &l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert appointment log: %w", mapPgError(err))
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
