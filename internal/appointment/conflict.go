package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ConflictDetector decides whether a doctor's slot is free. Appointments are
// instants: two appointments conflict only when their timestamps are equal.
//
// It must be called with the Repository of the unit of work that performs the
// subsequent write, while the slot lock is held.
type ConflictDetector struct{}

// Occupant returns the active appointment holding the slot, or nil if the slot
// is free. excludeID lets an appointment be rescheduled against itself.
func (ConflictDetector) Occupant(ctx context.Context, repo Repository, doctorID int64, at time.Time, excludeID int64) (*Appointment, error) {
	appt, err := repo.FindActiveAppointmentAt(ctx, doctorID, NormalizeSlotTime(at), excludeID)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find active appointment: %w", err)
	}
	return appt, nil
}

func (d ConflictDetector) IsSlotFree(ctx context.Context, repo Repository, doctorID int64, at time.Time, excludeID int64) (bool, error) {
	occupant, err := d.Occupant(ctx, repo, doctorID, at, excludeID)
	if err != nil {
		return false, err
	}
	return occupant == nil, nil
}

// NormalizeSlotTime is the canonical form used for slot equality and storage:
// UTC at microsecond precision, matching timestamptz.
func NormalizeSlotTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// SlotKey names the exclusivity scope for a slot.
func SlotKey(doctorID int64, at time.Time) string {
	return fmt.Sprintf("%d:%d", doctorID, NormalizeSlotTime(at).UnixMicro())
}
