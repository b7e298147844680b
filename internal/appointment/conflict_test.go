package appointment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSlotTime(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	local := time.Date(2024, 1, 10, 12, 0, 0, 1500, loc)

	got := NormalizeSlotTime(local)

	assert.Equal(t, time.UTC, got.Location())
	assert.True(t, got.Equal(time.Date(2024, 1, 10, 9, 0, 0, 1000, time.UTC)))
}

func TestSlotKey_SameInstantSameKey(t *testing.T) {
	utc := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
	other := utc.In(time.FixedZone("X", -5*3600))

	assert.Equal(t, SlotKey(7, utc), SlotKey(7, other))
	assert.NotEqual(t, SlotKey(7, utc), SlotKey(8, utc))
	assert.NotEqual(t, SlotKey(7, utc), SlotKey(7, utc.Add(time.Minute)))
}

func TestConflictDetector(t *testing.T) {
	store := NewMemoryStore()
	patient := store.AddPatient(Patient{FullName: "Ada"})
	doctor := store.AddDoctor(Doctor{FullName: "Dr. Who", IsActive: true})
	at := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)

	var booked Appointment
	require.NoError(t, store.RunInTx(context.Background(), func(ctx context.Context, repo Repository) error {
		booked = Appointment{PatientID: patient.ID, DoctorID: doctor.ID, ScheduledAt: at, Status: StatusPending}
		return repo.InsertAppointment(ctx, &booked)
	}))

	var d ConflictDetector
	check := func(doctorID int64, at time.Time, exclude int64) bool {
		var free bool
		require.NoError(t, store.RunInTx(context.Background(), func(ctx context.Context, repo Repository) error {
			var err error
			free, err = d.IsSlotFree(ctx, repo, doctorID, at, exclude)
			return err
		}))
		return free
	}

	assert.False(t, check(doctor.ID, at, 0), "occupied slot")
	assert.True(t, check(doctor.ID, at, booked.ID), "self is excluded")
	assert.True(t, check(doctor.ID, at.Add(time.Microsecond), 0), "instants, not intervals")
	assert.True(t, check(doctor.ID+100, at, 0), "other doctor")

	require.NoError(t, store.RunInTx(context.Background(), func(ctx context.Context, repo Repository) error {
		booked.Status = StatusCancelled
		return repo.UpdateAppointment(ctx, &booked)
	}))
	assert.True(t, check(doctor.ID, at, 0), "cancelled appointments free the slot")
}
