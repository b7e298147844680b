//go:build integration

package appointment

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-appointment-engine/internal/config"
	"github.com/hackgods/clinic-appointment-engine/internal/db"
	redisclient "github.com/hackgods/clinic-appointment-engine/internal/redis"
)

// Run with: TEST_POSTGRES_DSN=postgres://... go test -tags integration ./internal/appointment/

func newPgPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := db.ConnectPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, db.EnsureSchema(ctx, pool))
	return pool
}

type pgPeople struct {
	patient1, patient2, doctor int64
}

func insertPeople(t *testing.T, pool *pgxpool.Pool) pgPeople {
	t.Helper()
	ctx := context.Background()
	var p pgPeople
	require.NoError(t, pool.QueryRow(ctx, `INSERT INTO patients (full_name) VALUES ('Patient One') RETURNING id`).Scan(&p.patient1))
	require.NoError(t, pool.QueryRow(ctx, `INSERT INTO patients (full_name) VALUES ('Patient Two') RETURNING id`).Scan(&p.patient2))
	require.NoError(t, pool.QueryRow(ctx, `
		INSERT INTO doctors (full_name, consultation_fee, is_active) VALUES ('Dr. Seven', 80, TRUE) RETURNING id
	`).Scan(&p.doctor))
	return p
}

// uniqueSlot keeps reruns against one database from colliding.
func uniqueSlot() time.Time {
	return NormalizeSlotTime(time.Now().Add(24 * time.Hour))
}

func logsFor(t *testing.T, store *PgStore, after, appointmentID int64) []int64 {
	t.Helper()
	logs, err := store.ListLogsAfter(context.Background(), after, 0)
	require.NoError(t, err)
	var ids []int64
	for _, l := range logs {
		if l.AppointmentID == appointmentID {
			ids = append(ids, l.ID)
		}
	}
	return ids
}

func TestPgStore_LogIDsFollowCommitOrder(t *testing.T) {
	pool := newPgPool(t)
	store := NewPgStore(pool)
	ctx := context.Background()
	appointmentID := time.Now().UnixNano()

	inserted := make(chan int64, 1)
	release := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- store.RunInTx(ctx, func(ctx context.Context, repo Repository) error {
			l := &AppointmentLog{AppointmentID: appointmentID, EventType: "FIRST", Message: "first"}
			if err := repo.InsertLog(ctx, l); err != nil {
				return err
			}
			inserted <- l.ID
			<-release
			return nil
		})
	}()

	var firstID int64
	select {
	case firstID = <-inserted:
	case err := <-firstDone:
		t.Fatalf("first unit ended early: %v", err)
	}

	type result struct {
		id  int64
		err error
	}
	secondDone := make(chan result, 1)
	go func() {
		var id int64
		err := store.RunInTx(ctx, func(ctx context.Context, repo Repository) error {
			l := &AppointmentLog{AppointmentID: appointmentID, EventType: "SECOND", Message: "second"}
			err := repo.InsertLog(ctx, l)
			id = l.ID
			return err
		})
		secondDone <- result{id, err}
	}()

	select {
	case r := <-secondDone:
		t.Fatalf("second unit committed log %d while the first was open", r.id)
	case <-time.After(300 * time.Millisecond):
	}
	assert.Empty(t, logsFor(t, store, firstID-1, appointmentID), "uncommitted rows are invisible")

	close(release)
	require.NoError(t, <-firstDone)
	second := <-secondDone
	require.NoError(t, second.err)

	assert.Greater(t, second.id, firstID)
	assert.Equal(t, []int64{firstID, second.id}, logsFor(t, store, firstID-1, appointmentID))
}

func TestPgStore_ActiveSlotBackstop(t *testing.T) {
	pool := newPgPool(t)
	store := NewPgStore(pool)
	people := insertPeople(t, pool)
	ctx := context.Background()
	at := uniqueSlot()

	insert := func(patientID int64) (*Appointment, error) {
		a := &Appointment{PatientID: patientID, DoctorID: people.doctor, ScheduledAt: at, Status: StatusPending, CreatedAt: time.Now().UTC()}
		err := store.RunInTx(ctx, func(ctx context.Context, repo Repository) error {
			return repo.InsertAppointment(ctx, a)
		})
		return a, err
	}

	first, err := insert(people.patient1)
	require.NoError(t, err)

	_, err = insert(people.patient2)
	assert.ErrorIs(t, err, ErrSlotConflict)

	err = store.RunInTx(ctx, func(ctx context.Context, repo Repository) error {
		a, err := repo.LockAppointment(ctx, first.ID)
		if err != nil {
			return err
		}
		a.Status = StatusCancelled
		a.UpdatedAt = time.Now().UTC()
		return repo.UpdateAppointment(ctx, a)
	})
	require.NoError(t, err)

	_, err = insert(people.patient2)
	assert.NoError(t, err, "a cancelled appointment frees its slot")
}

func TestPgStore_PaymentAndRecordBackstops(t *testing.T) {
	pool := newPgPool(t)
	store := NewPgStore(pool)
	people := insertPeople(t, pool)
	ctx := context.Background()

	appt := &Appointment{PatientID: people.patient1, DoctorID: people.doctor, ScheduledAt: uniqueSlot(), Status: StatusPending, CreatedAt: time.Now().UTC()}
	require.NoError(t, store.RunInTx(ctx, func(ctx context.Context, repo Repository) error {
		return repo.InsertAppointment(ctx, appt)
	}))

	pay := func() error {
		return store.RunInTx(ctx, func(ctx context.Context, repo Repository) error {
			return repo.InsertPayment(ctx, &Payment{
				AppointmentID: appt.ID,
				Amount:        decimal.RequireFromString("80.50"),
				Method:        "card",
				Status:        PaymentPaid,
				PaidAt:        time.Now().UTC(),
			})
		})
	}
	require.NoError(t, pay())
	assert.ErrorIs(t, pay(), ErrDuplicatePayment)

	record := func() error {
		return store.RunInTx(ctx, func(ctx context.Context, repo Repository) error {
			return repo.InsertMedicalRecord(ctx, &MedicalRecord{
				PatientID:     people.patient1,
				DoctorID:      people.doctor,
				AppointmentID: &appt.ID,
				Diagnosis:     "flu",
				RecordedAt:    time.Now().UTC(),
			})
		})
	}
	require.NoError(t, record())
	assert.ErrorIs(t, record(), ErrDuplicateMedicalRecord)

	err := store.RunInTx(ctx, func(ctx context.Context, repo Repository) error {
		p, err := repo.GetPaymentByAppointment(ctx, appt.ID)
		if err != nil {
			return err
		}
		assert.True(t, decimal.RequireFromString("80.5").Equal(p.Amount))
		return nil
	})
	require.NoError(t, err)
}

func TestPgStore_ServiceLifecycle(t *testing.T) {
	pool := newPgPool(t)
	store := NewPgStore(pool)
	people := insertPeople(t, pool)
	ctx := context.Background()
	at := uniqueSlot()

	cfg := config.Config{LockTTL: 5 * time.Second, LockWait: 5 * time.Second, TxRetryDelay: time.Millisecond}
	svc := NewService(store, redisclient.NewLocalSlotLocker(cfg.LockWait), cfg, zerolog.Nop())

	appt, err := svc.CreateAppointment(ctx, people.patient1, people.doctor, at, "first visit")
	require.NoError(t, err)

	_, err = svc.CreateAppointment(ctx, people.patient2, people.doctor, at, "")
	assert.ErrorIs(t, err, ErrSlotConflict)

	_, err = svc.CompleteAppointment(ctx, appt.ID, "flu", "rest", "")
	require.NoError(t, err)
	_, err = svc.RecordPayment(ctx, appt.ID, PaymentRequest{Amount: decimal.NewFromInt(80), Method: "cash"})
	require.NoError(t, err)

	_, err = svc.Reschedule(ctx, appt.ID, RescheduleRequest{DoctorID: people.doctor, ScheduledAt: at.Add(time.Hour)})
	require.NoError(t, err)

	detail, err := svc.GetAppointment(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, detail.Status)
	assert.True(t, at.Add(time.Hour).Equal(detail.ScheduledAt))
	require.NotNil(t, detail.Payment)
	require.NotNil(t, detail.MedicalRecord)

	require.NoError(t, svc.DeleteAppointment(ctx, appt.ID))
	_, err = svc.GetAppointment(ctx, appt.ID)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	var dependents int
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT (SELECT count(*) FROM payments WHERE appointment_id = $1)
		     + (SELECT count(*) FROM medical_records WHERE appointment_id = $1)
	`, appt.ID).Scan(&dependents))
	assert.Zero(t, dependents)
}
