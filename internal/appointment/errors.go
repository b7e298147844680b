package appointment

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrDoctorInactive      = errors.New("doctor is not active")
	ErrSlotConflict        = errors.New("doctor already has an active appointment at this time")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrPrerequisiteMissing = errors.New("transition prerequisite missing")
	ErrHasMedicalRecord    = errors.New("appointment has a medical record; patient and doctor are fixed")
	ErrDuplicatePayment    = errors.New("appointment already has a payment")
	ErrValidation          = errors.New("invalid input")
	ErrSlotBusy            = errors.New("slot is currently being booked, please retry")
	ErrStorageTransient    = errors.New("transient storage failure")
)

var (
	ErrPatientNotFound       = fmt.Errorf("patient %w", ErrNotFound)
	ErrDoctorNotFound        = fmt.Errorf("doctor %w", ErrNotFound)
	ErrAppointmentNotFound   = fmt.Errorf("appointment %w", ErrNotFound)
	ErrPaymentNotFound       = fmt.Errorf("payment %w", ErrNotFound)
	ErrMedicalRecordNotFound = fmt.Errorf("medical record %w", ErrNotFound)

	ErrAlreadyFinalized       = fmt.Errorf("appointment already finalized: %w", ErrInvalidTransition)
	ErrMissingDiagnosis       = fmt.Errorf("diagnosis is required: %w", ErrPrerequisiteMissing)
	ErrDuplicateMedicalRecord = errors.New("appointment already has a medical record")
)

// Error is what the Service returns for every caller-visible failure. Kind is
// one of the sentinels above, so errors.Is works against it.
type Error struct {
	Kind          error
	Op            string
	AppointmentID int64
	PatientID     int64
	DoctorID      int64
	PaymentID     int64
	ConflictingID int64
	ScheduledAt   time.Time
	Detail        string
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	ids := []struct {
		name string
		v    int64
	}{
		{"appointment_id", e.AppointmentID},
		{"patient_id", e.PatientID},
		{"doctor_id", e.DoctorID},
		{"payment_id", e.PaymentID},
		{"conflicting_appointment_id", e.ConflictingID},
	}
	for _, id := range ids {
		if id.v != 0 {
			fmt.Fprintf(&b, " %s=%d", id.name, id.v)
		}
	}
	if !e.ScheduledAt.IsZero() {
		fmt.Fprintf(&b, " scheduled_at=%s", e.ScheduledAt.Format(time.RFC3339))
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// KindOf returns the sentinel carried by err, or nil if err is not an *Error.
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return nil
}

func validationError(op, format string, args ...any) *Error {
	return &Error{Kind: ErrValidation, Op: op, Detail: fmt.Sprintf(format, args...)}
}
