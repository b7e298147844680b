package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/hackgods/clinic-appointment-engine/internal/config"
	redisclient "github.com/hackgods/clinic-appointment-engine/internal/redis"
)

const instrumentationName = "github.com/hackgods/clinic-appointment-engine/internal/appointment"

// Column limits of the appointments, payments and medical_records tables.
const (
	MaxNotesLen          = 255
	MaxDiagnosisLen      = 500
	MaxPrescriptionLen   = 500
	MaxRecordNotesLen    = 1000
	MaxMethodLen         = 50
	MaxTransactionRefLen = 100
)

// MaxPaymentAmount is the largest value payments.amount NUMERIC(10,2) holds.
var MaxPaymentAmount = decimal.RequireFromString("99999999.99")

// RescheduleRequest moves an appointment. DoctorID and ScheduledAt are the
// target slot; PatientID and Notes are left untouched when nil.
type RescheduleRequest struct {
	DoctorID    int64
	ScheduledAt time.Time
	PatientID   *int64
	Notes       *string
}

// PaymentRequest records the single payment of an appointment. Status
// defaults to PaymentPaid.
type PaymentRequest struct {
	Amount               decimal.Decimal
	Method               string
	Status               PaymentStatus
	TransactionReference string
}

// Service is the entry point for every lifecycle mutation. Each operation runs
// as one unit of work on the Store; operations that decide whether a slot is
// free also hold the slot lock for the whole unit.
type Service struct {
	store    Store
	locker   redisclient.Locker
	detector ConflictDetector
	cfg      config.Config
	log      zerolog.Logger
	now      func() time.Time

	tracer      trace.Tracer
	conflicts   metric.Int64Counter
	transitions metric.Int64Counter
}

func NewService(store Store, locker redisclient.Locker, cfg config.Config, logger zerolog.Logger) *Service {
	s := &Service{
		store:  store,
		locker: locker,
		cfg:    cfg,
		log:    logger.With().Str("component", "appointment").Logger(),
		now:    func() time.Time { return NormalizeSlotTime(time.Now()) },
		tracer: otel.Tracer(instrumentationName),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	if s.conflicts, err = meter.Int64Counter("appointment.slot_conflicts",
		metric.WithDescription("Create or reschedule attempts rejected because the slot was taken")); err != nil {
		s.log.Warn().Err(err).Msg("slot conflict counter unavailable")
		s.conflicts = noop.Int64Counter{}
	}
	if s.transitions, err = meter.Int64Counter("appointment.transitions",
		metric.WithDescription("Committed lifecycle events")); err != nil {
		s.log.Warn().Err(err).Msg("transition counter unavailable")
		s.transitions = noop.Int64Counter{}
	}
	return s
}

// CreateAppointment books a Pending appointment in a free slot.
func (s *Service) CreateAppointment(ctx context.Context, patientID, doctorID int64, at time.Time, notes string) (*Appointment, error) {
	const op = "create appointment"
	at = NormalizeSlotTime(at)
	ids := Error{PatientID: patientID, DoctorID: doctorID, ScheduledAt: at}

	ctx, span := s.tracer.Start(ctx, "appointment.Create", trace.WithAttributes(
		attribute.Int64("patient.id", patientID),
		attribute.Int64("doctor.id", doctorID),
		attribute.String("appointment.scheduled_at", slotString(at)),
	))
	defer span.End()

	if at.IsZero() {
		return nil, s.fail(span, op, validationError(op, "scheduled_at is required"), ids)
	}
	if err := checkLen(op, "notes", notes, MaxNotesLen); err != nil {
		return nil, s.fail(span, op, err, ids)
	}

	var created *Appointment
	err := s.locker.WithSlotLock(ctx, SlotKey(doctorID, at), func(ctx context.Context) error {
		return s.inTx(ctx, op, func(ctx context.Context, repo Repository) error {
			if _, err := repo.GetPatientByID(ctx, patientID); err != nil {
				return err
			}
			if err := s.requireActiveDoctor(ctx, repo, doctorID); err != nil {
				return err
			}
			status, err := NextStatus("", EventCreate)
			if err != nil {
				return err
			}

			occupant, err := s.detector.Occupant(ctx, repo, doctorID, at, 0)
			if err != nil {
				return err
			}
			if occupant != nil {
				return &Error{Kind: ErrSlotConflict, ConflictingID: occupant.ID}
			}

			now := s.now()
			appt := &Appointment{
				PatientID:   patientID,
				DoctorID:    doctorID,
				ScheduledAt: at,
				Status:      status,
				Notes:       optionalString(notes),
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := repo.InsertAppointment(ctx, appt); err != nil {
				return err
			}

			msg := fmt.Sprintf("Appointment created for patient %d with doctor %d at %s", patientID, doctorID, slotString(at))
			if err := s.logEvent(ctx, repo, appt.ID, LogAppointmentCreated, msg, map[string]any{
				"patient_id":   patientID,
				"doctor_id":    doctorID,
				"scheduled_at": at,
			}); err != nil {
				return err
			}

			created = appt
			return nil
		})
	})
	if err != nil {
		return nil, s.fail(span, op, err, ids)
	}

	s.committed(ctx, span, EventCreate, created.ID)
	return created, nil
}

// Reschedule moves an appointment to another slot, and optionally another
// patient. Patient and doctor are frozen once a medical record exists, so a
// completed appointment can only change its time.
func (s *Service) Reschedule(ctx context.Context, id int64, req RescheduleRequest) (*Appointment, error) {
	const op = "reschedule appointment"
	at := NormalizeSlotTime(req.ScheduledAt)
	ids := Error{AppointmentID: id, DoctorID: req.DoctorID, ScheduledAt: at}

	ctx, span := s.tracer.Start(ctx, "appointment.Reschedule", trace.WithAttributes(
		attribute.Int64("appointment.id", id),
		attribute.Int64("doctor.id", req.DoctorID),
		attribute.String("appointment.scheduled_at", slotString(at)),
	))
	defer span.End()

	if req.DoctorID == 0 {
		return nil, s.fail(span, op, validationError(op, "doctor_id is required"), ids)
	}
	if at.IsZero() {
		return nil, s.fail(span, op, validationError(op, "scheduled_at is required"), ids)
	}
	if req.Notes != nil {
		if err := checkLen(op, "notes", *req.Notes, MaxNotesLen); err != nil {
			return nil, s.fail(span, op, err, ids)
		}
	}

	var updated *Appointment
	err := s.locker.WithSlotLock(ctx, SlotKey(req.DoctorID, at), func(ctx context.Context) error {
		return s.inTx(ctx, op, func(ctx context.Context, repo Repository) error {
			appt, err := repo.LockAppointment(ctx, id)
			if err != nil {
				return err
			}
			status, err := NextStatus(appt.Status, EventReschedule)
			if err != nil {
				return err
			}

			patientID := appt.PatientID
			if req.PatientID != nil {
				patientID = *req.PatientID
			}
			patientChanged := patientID != appt.PatientID
			doctorChanged := req.DoctorID != appt.DoctorID

			if patientChanged || doctorChanged {
				_, err := repo.GetMedicalRecordByAppointment(ctx, id)
				if err != nil && !errors.Is(err, ErrMedicalRecordNotFound) {
					return err
				}
				if err == nil {
					return &Error{Kind: ErrHasMedicalRecord, PatientID: appt.PatientID, DoctorID: appt.DoctorID}
				}
			}
			if patientChanged {
				if _, err := repo.GetPatientByID(ctx, patientID); err != nil {
					return annotate(err, Error{PatientID: patientID})
				}
			}
			if doctorChanged {
				if err := s.requireActiveDoctor(ctx, repo, req.DoctorID); err != nil {
					return err
				}
			}

			if doctorChanged || !appt.ScheduledAt.Equal(at) {
				occupant, err := s.detector.Occupant(ctx, repo, req.DoctorID, at, id)
				if err != nil {
					return err
				}
				if occupant != nil {
					return &Error{Kind: ErrSlotConflict, ConflictingID: occupant.ID}
				}
			}

			from := Slot{DoctorID: appt.DoctorID, ScheduledAt: appt.ScheduledAt}
			appt.PatientID = patientID
			appt.DoctorID = req.DoctorID
			appt.ScheduledAt = at
			appt.Status = status
			if req.Notes != nil {
				appt.Notes = optionalString(*req.Notes)
			}
			appt.UpdatedAt = s.now()
			if err := repo.UpdateAppointment(ctx, appt); err != nil {
				return err
			}

			msg := fmt.Sprintf("Appointment rescheduled from doctor %d at %s to doctor %d at %s",
				from.DoctorID, slotString(from.ScheduledAt), appt.DoctorID, slotString(at))
			if err := s.logEvent(ctx, repo, id, LogAppointmentRescheduled, msg, map[string]any{
				"from_doctor_id":    from.DoctorID,
				"from_scheduled_at": from.ScheduledAt,
				"doctor_id":         appt.DoctorID,
				"scheduled_at":      at,
				"patient_id":        appt.PatientID,
			}); err != nil {
				return err
			}

			updated = appt
			return nil
		})
	})
	if err != nil {
		return nil, s.fail(span, op, err, ids)
	}

	s.committed(ctx, span, EventReschedule, id)
	return updated, nil
}

// CompleteAppointment creates the medical record and marks the appointment
// Completed in the same unit.
func (s *Service) CompleteAppointment(ctx context.Context, id int64, diagnosis, prescription, notes string) (*MedicalRecord, error) {
	const op = "complete appointment"
	ids := Error{AppointmentID: id}

	ctx, span := s.tracer.Start(ctx, "appointment.Complete", trace.WithAttributes(attribute.Int64("appointment.id", id)))
	defer span.End()

	for _, f := range []struct {
		name, value string
		max         int
	}{
		{"diagnosis", diagnosis, MaxDiagnosisLen},
		{"prescription", prescription, MaxPrescriptionLen},
		{"notes", notes, MaxRecordNotesLen},
	} {
		if err := checkLen(op, f.name, f.value, f.max); err != nil {
			return nil, s.fail(span, op, err, ids)
		}
	}

	var record *MedicalRecord
	err := s.inTx(ctx, op, func(ctx context.Context, repo Repository) error {
		appt, err := repo.LockAppointment(ctx, id)
		if err != nil {
			return err
		}
		status, err := NextStatus(appt.Status, EventComplete)
		if err != nil {
			return err
		}
		if strings.TrimSpace(diagnosis) == "" {
			return ErrMissingDiagnosis
		}

		_, err = repo.GetMedicalRecordByAppointment(ctx, id)
		if err != nil && !errors.Is(err, ErrMedicalRecordNotFound) {
			return err
		}
		if err == nil {
			return ErrDuplicateMedicalRecord
		}

		now := s.now()
		apptID := id
		rec := &MedicalRecord{
			PatientID:     appt.PatientID,
			DoctorID:      appt.DoctorID,
			AppointmentID: &apptID,
			Diagnosis:     strings.TrimSpace(diagnosis),
			Prescription:  optionalString(prescription),
			Notes:         optionalString(notes),
			RecordedAt:    now,
		}
		if err := repo.InsertMedicalRecord(ctx, rec); err != nil {
			return err
		}

		appt.Status = status
		appt.UpdatedAt = now
		if err := repo.UpdateAppointment(ctx, appt); err != nil {
			return err
		}

		msg := fmt.Sprintf("Appointment completed with diagnosis recorded (medical record %d)", rec.ID)
		if err := s.logEvent(ctx, repo, id, LogAppointmentCompleted, msg, map[string]any{
			"medical_record_id": rec.ID,
			"patient_id":        appt.PatientID,
			"doctor_id":         appt.DoctorID,
		}); err != nil {
			return err
		}

		record = rec
		return nil
	})
	if err != nil {
		return nil, s.fail(span, op, err, ids)
	}

	s.committed(ctx, span, EventComplete, id)
	return record, nil
}

// CancelAppointment frees the slot immediately.
func (s *Service) CancelAppointment(ctx context.Context, id int64) error {
	const op = "cancel appointment"
	ids := Error{AppointmentID: id}

	ctx, span := s.tracer.Start(ctx, "appointment.Cancel", trace.WithAttributes(attribute.Int64("appointment.id", id)))
	defer span.End()

	err := s.inTx(ctx, op, func(ctx context.Context, repo Repository) error {
		appt, err := repo.LockAppointment(ctx, id)
		if err != nil {
			return err
		}
		status, err := NextStatus(appt.Status, EventCancel)
		if err != nil {
			return err
		}

		appt.Status = status
		appt.UpdatedAt = s.now()
		if err := repo.UpdateAppointment(ctx, appt); err != nil {
			return err
		}

		msg := fmt.Sprintf("Appointment cancelled; doctor %d at %s is free", appt.DoctorID, slotString(appt.ScheduledAt))
		return s.logEvent(ctx, repo, id, LogAppointmentCancelled, msg, map[string]any{
			"doctor_id":    appt.DoctorID,
			"scheduled_at": appt.ScheduledAt,
		})
	})
	if err != nil {
		return s.fail(span, op, err, ids)
	}

	s.committed(ctx, span, EventCancel, id)
	return nil
}

// RecordPayment stores the one payment an appointment may have. A Paid
// payment fires the payment-confirmed transition, which never changes status.
func (s *Service) RecordPayment(ctx context.Context, appointmentID int64, req PaymentRequest) (*Payment, error) {
	const op = "record payment"
	ids := Error{AppointmentID: appointmentID}

	ctx, span := s.tracer.Start(ctx, "appointment.RecordPayment", trace.WithAttributes(attribute.Int64("appointment.id", appointmentID)))
	defer span.End()

	if req.Status == "" {
		req.Status = PaymentPaid
	}
	if err := validatePayment(op, req); err != nil {
		return nil, s.fail(span, op, err, ids)
	}

	var created *Payment
	err := s.inTx(ctx, op, func(ctx context.Context, repo Repository) error {
		appt, err := repo.LockAppointment(ctx, appointmentID)
		if err != nil {
			return err
		}
		if appt.Status == StatusCancelled {
			return ErrAlreadyFinalized
		}

		existing, err := repo.GetPaymentByAppointment(ctx, appointmentID)
		if err != nil && !errors.Is(err, ErrPaymentNotFound) {
			return err
		}
		if err == nil {
			return &Error{Kind: ErrDuplicatePayment, PaymentID: existing.ID}
		}

		p := &Payment{
			AppointmentID:        appointmentID,
			Amount:               req.Amount,
			Method:               strings.TrimSpace(req.Method),
			Status:               req.Status,
			TransactionReference: optionalString(req.TransactionReference),
			PaidAt:               s.now(),
		}
		if err := repo.InsertPayment(ctx, p); err != nil {
			return err
		}

		msg := fmt.Sprintf("Payment %d of %s via %s recorded as %s", p.ID, p.Amount.StringFixed(2), p.Method, p.Status)
		if err := s.logEvent(ctx, repo, appointmentID, LogPaymentRecorded, msg, map[string]any{
			"payment_id": p.ID,
			"amount":     p.Amount.String(),
			"method":     p.Method,
			"status":     p.Status,
		}); err != nil {
			return err
		}

		if p.Status == PaymentPaid {
			if err := s.confirmPayment(ctx, repo, appt, p); err != nil {
				return err
			}
		}

		created = p
		return nil
	})
	if err != nil {
		return nil, s.fail(span, op, err, ids)
	}

	if created.Status == PaymentPaid {
		s.committed(ctx, span, EventPaymentConfirmed, appointmentID)
	}
	return created, nil
}

// UpdatePaymentStatus changes a payment's status. Moving into Paid fires the
// payment-confirmed transition.
func (s *Service) UpdatePaymentStatus(ctx context.Context, paymentID int64, status PaymentStatus) (*Payment, error) {
	const op = "update payment status"
	ids := Error{PaymentID: paymentID}

	ctx, span := s.tracer.Start(ctx, "appointment.UpdatePaymentStatus", trace.WithAttributes(
		attribute.Int64("payment.id", paymentID),
		attribute.String("payment.status", string(status)),
	))
	defer span.End()

	if !status.Valid() {
		return nil, s.fail(span, op, validationError(op, "unknown payment status %q", status), ids)
	}

	var updated *Payment
	err := s.inTx(ctx, op, func(ctx context.Context, repo Repository) error {
		p, appt, err := lockPayment(ctx, repo, paymentID)
		if err != nil {
			return err
		}
		if p.Status == status {
			updated = p
			return nil
		}
		confirming := status == PaymentPaid
		if confirming {
			if _, err := NextStatus(appt.Status, EventPaymentConfirmed); err != nil {
				return annotate(err, Error{AppointmentID: appt.ID})
			}
		}

		from := p.Status
		if err := repo.UpdatePaymentStatus(ctx, p.ID, status); err != nil {
			return err
		}
		p.Status = status

		msg := fmt.Sprintf("Payment %d status changed from %s to %s", p.ID, from, status)
		if err := s.logEvent(ctx, repo, appt.ID, LogPaymentStatusChanged, msg, map[string]any{
			"payment_id": p.ID,
			"from":       from,
			"to":         status,
		}); err != nil {
			return err
		}

		if confirming {
			if err := s.confirmPayment(ctx, repo, appt, p); err != nil {
				return err
			}
		}

		updated = p
		return nil
	})
	if err != nil {
		return nil, s.fail(span, op, err, ids)
	}

	span.SetAttributes(attribute.Int64("appointment.id", updated.AppointmentID))
	return updated, nil
}

// DeletePayment removes a payment. The appointment keeps its status.
func (s *Service) DeletePayment(ctx context.Context, paymentID int64) error {
	const op = "delete payment"
	ids := Error{PaymentID: paymentID}

	ctx, span := s.tracer.Start(ctx, "appointment.DeletePayment", trace.WithAttributes(attribute.Int64("payment.id", paymentID)))
	defer span.End()

	err := s.inTx(ctx, op, func(ctx context.Context, repo Repository) error {
		p, appt, err := lockPayment(ctx, repo, paymentID)
		if err != nil {
			return err
		}
		if err := repo.DeletePayment(ctx, p.ID); err != nil {
			return err
		}

		msg := fmt.Sprintf("Payment %d of %s deleted", p.ID, p.Amount.StringFixed(2))
		return s.logEvent(ctx, repo, appt.ID, LogPaymentDeleted, msg, map[string]any{
			"payment_id": p.ID,
			"amount":     p.Amount.String(),
			"status":     p.Status,
		})
	})
	if err != nil {
		return s.fail(span, op, err, ids)
	}
	return nil
}

// DeleteAppointment removes the medical record and payment first, then the
// appointment, all in one unit.
func (s *Service) DeleteAppointment(ctx context.Context, id int64) error {
	const op = "delete appointment"
	ids := Error{AppointmentID: id}

	ctx, span := s.tracer.Start(ctx, "appointment.Delete", trace.WithAttributes(attribute.Int64("appointment.id", id)))
	defer span.End()

	err := s.inTx(ctx, op, func(ctx context.Context, repo Repository) error {
		appt, err := repo.LockAppointment(ctx, id)
		if err != nil {
			return err
		}

		payload := map[string]any{
			"patient_id":   appt.PatientID,
			"doctor_id":    appt.DoctorID,
			"scheduled_at": appt.ScheduledAt,
			"status":       appt.Status,
		}

		rec, err := repo.GetMedicalRecordByAppointment(ctx, id)
		switch {
		case err == nil:
			if err := repo.DeleteMedicalRecord(ctx, rec.ID); err != nil {
				return err
			}
			payload["medical_record_id"] = rec.ID
		case !errors.Is(err, ErrMedicalRecordNotFound):
			return err
		}

		p, err := repo.GetPaymentByAppointment(ctx, id)
		switch {
		case err == nil:
			if err := repo.DeletePayment(ctx, p.ID); err != nil {
				return err
			}
			payload["payment_id"] = p.ID
		case !errors.Is(err, ErrPaymentNotFound):
			return err
		}

		if err := repo.DeleteAppointment(ctx, id); err != nil {
			return err
		}

		msg := fmt.Sprintf("Appointment for patient %d with doctor %d at %s deleted",
			appt.PatientID, appt.DoctorID, slotString(appt.ScheduledAt))
		return s.logEvent(ctx, repo, id, LogAppointmentDeleted, msg, payload)
	})
	if err != nil {
		return s.fail(span, op, err, ids)
	}
	return nil
}

// GetAppointment returns the appointment with its payment and medical record.
func (s *Service) GetAppointment(ctx context.Context, id int64) (*AppointmentDetail, error) {
	const op = "get appointment"

	ctx, span := s.tracer.Start(ctx, "appointment.Get", trace.WithAttributes(attribute.Int64("appointment.id", id)))
	defer span.End()

	var detail *AppointmentDetail
	err := s.inTx(ctx, op, func(ctx context.Context, repo Repository) error {
		appt, err := repo.GetAppointmentByID(ctx, id)
		if err != nil {
			return err
		}
		d := &AppointmentDetail{Appointment: *appt}

		if d.Payment, err = repo.GetPaymentByAppointment(ctx, id); err != nil && !errors.Is(err, ErrPaymentNotFound) {
			return err
		}
		if d.MedicalRecord, err = repo.GetMedicalRecordByAppointment(ctx, id); err != nil && !errors.Is(err, ErrMedicalRecordNotFound) {
			return err
		}

		detail = d
		return nil
	})
	if err != nil {
		return nil, s.fail(span, op, err, Error{AppointmentID: id})
	}
	return detail, nil
}

// CheckAvailability is an advisory read. Create and Reschedule repeat the
// check under the slot lock, so a true answer is not a reservation.
func (s *Service) CheckAvailability(ctx context.Context, doctorID int64, at time.Time, excludeID int64) (bool, error) {
	const op = "check availability"
	at = NormalizeSlotTime(at)
	ids := Error{DoctorID: doctorID, ScheduledAt: at, AppointmentID: excludeID}

	ctx, span := s.tracer.Start(ctx, "appointment.CheckAvailability", trace.WithAttributes(
		attribute.Int64("doctor.id", doctorID),
		attribute.String("appointment.scheduled_at", slotString(at)),
	))
	defer span.End()

	var free bool
	err := s.inTx(ctx, op, func(ctx context.Context, repo Repository) error {
		if _, err := repo.GetDoctorByID(ctx, doctorID); err != nil {
			return err
		}
		var err error
		free, err = s.detector.IsSlotFree(ctx, repo, doctorID, at, excludeID)
		return err
	})
	if err != nil {
		return false, s.fail(span, op, err, ids)
	}
	return free, nil
}

// confirmPayment applies the payment-confirmed transition. The status is left
// as it is; completion needs a diagnosis.
func (s *Service) confirmPayment(ctx context.Context, repo Repository, appt *Appointment, p *Payment) error {
	next, err := NextStatus(appt.Status, EventPaymentConfirmed)
	if err != nil {
		return err
	}
	if next != appt.Status {
		appt.Status = next
		appt.UpdatedAt = s.now()
		if err := repo.UpdateAppointment(ctx, appt); err != nil {
			return err
		}
	}

	msg := fmt.Sprintf("Payment %d of %s confirmed; appointment is %s", p.ID, p.Amount.StringFixed(2), appt.Status)
	return s.logEvent(ctx, repo, appt.ID, LogPaymentConfirmed, msg, map[string]any{
		"payment_id": p.ID,
		"amount":     p.Amount.String(),
		"status":     appt.Status,
	})
}

func (s *Service) requireActiveDoctor(ctx context.Context, repo Repository, doctorID int64) error {
	doc, err := repo.GetDoctorByID(ctx, doctorID)
	if err != nil {
		return annotate(err, Error{DoctorID: doctorID})
	}
	if !doc.IsActive {
		return &Error{Kind: ErrDoctorInactive, DoctorID: doctorID}
	}
	return nil
}

// lockPayment loads a payment and locks its appointment. Every payment writer
// locks the appointment first, so the payment is read again under that lock.
func lockPayment(ctx context.Context, repo Repository, paymentID int64) (*Payment, *Appointment, error) {
	p, err := repo.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, nil, err
	}
	appt, err := repo.LockAppointment(ctx, p.AppointmentID)
	if err != nil {
		return nil, nil, err
	}
	p, err = repo.GetPaymentByAppointment(ctx, appt.ID)
	if err != nil {
		return nil, nil, err
	}
	if p.ID != paymentID {
		return nil, nil, ErrPaymentNotFound
	}
	return p, appt, nil
}

// inTx runs fn as one unit of work. A transient storage failure is retried
// once; everything else surfaces immediately.
func (s *Service) inTx(ctx context.Context, op string, fn func(ctx context.Context, repo Repository) error) error {
	attempt := 0
	run := func() error {
		attempt++
		err := s.store.RunInTx(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrStorageTransient) && attempt == 1 {
			s.logger(ctx).Warn().Err(err).Str("op", op).Msg("transient storage failure, retrying")
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(s.cfg.TxRetryDelay), 1), ctx)
	return backoff.Retry(run, policy)
}

// sentinels lists caller-visible kinds, most specific first.
var sentinels = []error{
	ErrPatientNotFound,
	ErrDoctorNotFound,
	ErrAppointmentNotFound,
	ErrPaymentNotFound,
	ErrMedicalRecordNotFound,
	ErrAlreadyFinalized,
	ErrMissingDiagnosis,
	ErrInvalidTransition,
	ErrPrerequisiteMissing,
	ErrDoctorInactive,
	ErrSlotConflict,
	ErrHasMedicalRecord,
	ErrDuplicatePayment,
	ErrDuplicateMedicalRecord,
	ErrValidation,
	ErrSlotBusy,
	ErrStorageTransient,
	ErrNotFound,
}

// sentinelOf returns the most specific caller-visible kind err matches, or nil.
func sentinelOf(err error) error {
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return ErrSlotBusy
	}
	for _, k := range sentinels {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// fail turns err into the *Error returned to callers, filling in the ids the
// operation knows about. Errors outside the taxonomy are wrapped with op.
func (s *Service) fail(span trace.Span, op string, err error, ids Error) error {
	var out error

	var e *Error
	if errors.As(err, &e) {
		c := *e
		if c.Kind == nil {
			c.Kind = sentinelOf(err)
		}
		e = &c
	} else if kind := sentinelOf(err); kind != nil {
		e = &Error{Kind: kind}
		if err != kind {
			e.Detail = err.Error()
		}
	}

	if e != nil {
		if e.Op == "" {
			e.Op = op
		}
		fillIDs(e, ids)
		out = e
	} else {
		out = fmt.Errorf("%s: %w", op, err)
	}

	ev := s.log.Info()
	switch {
	case e == nil:
		ev = s.log.Error()
		span.RecordError(out)
		span.SetStatus(codes.Error, out.Error())
	case e.Kind == ErrSlotConflict:
		ev = s.log.Warn().Int64("conflicting_appointment_id", e.ConflictingID)
		s.conflicts.Add(context.Background(), 1, metric.WithAttributes(attribute.String("op", op)))
		span.SetStatus(codes.Error, e.Kind.Error())
	default:
		span.SetStatus(codes.Error, e.Kind.Error())
	}
	ev.Err(out).Str("op", op).Msg("operation rejected")

	return out
}

// annotate attaches ids to a taxonomy error raised inside a unit of work.
func annotate(err error, ids Error) error {
	kind := sentinelOf(err)
	if kind == nil {
		return err
	}
	ids.Kind = kind
	return &ids
}

func fillIDs(e *Error, ids Error) {
	if e.AppointmentID == 0 {
		e.AppointmentID = ids.AppointmentID
	}
	if e.PatientID == 0 {
		e.PatientID = ids.PatientID
	}
	if e.DoctorID == 0 {
		e.DoctorID = ids.DoctorID
	}
	if e.PaymentID == 0 {
		e.PaymentID = ids.PaymentID
	}
	if e.ScheduledAt.IsZero() {
		e.ScheduledAt = ids.ScheduledAt
	}
}

func (s *Service) committed(ctx context.Context, span trace.Span, ev Event, appointmentID int64) {
	span.SetAttributes(attribute.Int64("appointment.id", appointmentID))
	s.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("event", string(ev))))
	s.logger(ctx).Debug().Str("event", string(ev)).Int64("appointment_id", appointmentID).Msg("committed")
}

// logger prefers the request-scoped logger carried by ctx.
func (s *Service) logger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &s.log
}

func checkLen(op, field, value string, max int) error {
	if utf8.RuneCountInString(value) > max {
		return validationError(op, "%s must be at most %d characters", field, max)
	}
	return nil
}

func validatePayment(op string, req PaymentRequest) error {
	if req.Amount.IsNegative() {
		return validationError(op, "amount must not be negative")
	}
	if req.Amount.GreaterThan(MaxPaymentAmount) {
		return validationError(op, "amount must be at most %s", MaxPaymentAmount.StringFixed(2))
	}
	if !req.Amount.Equal(req.Amount.Round(2)) {
		return validationError(op, "amount must have at most 2 decimal places")
	}
	if strings.TrimSpace(req.Method) == "" {
		return validationError(op, "method is required")
	}
	if err := checkLen(op, "method", req.Method, MaxMethodLen); err != nil {
		return err
	}
	if err := checkLen(op, "transaction_reference", req.TransactionReference, MaxTransactionRefLen); err != nil {
		return err
	}
	if !req.Status.Valid() {
		return validationError(op, "unknown payment status %q", req.Status)
	}
	return nil
}
