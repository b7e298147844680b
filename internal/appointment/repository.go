package appointment

import (
	"context"
	"time"
)

// Repository is the set of reads and writes available inside one atomic unit.
// Implementations return the ErrXNotFound sentinels for missing rows and
// ErrSlotConflict, ErrDuplicatePayment or ErrDuplicateMedicalRecord when a
// uniqueness backstop rejects a write.
type Repository interface {
	// Read-only references owned elsewhere.
	GetPatientByID(ctx context.Context, id int64) (*Patient, error)
	GetDoctorByID(ctx context.Context, id int64) (*Doctor, error)

	GetAppointmentByID(ctx context.Context, id int64) (*Appointment, error)
	// LockAppointment reads the appointment and holds it against concurrent
	// writers until the unit commits.
	LockAppointment(ctx context.Context, id int64) (*Appointment, error)

	// For conflict checks. excludeID 0 excludes nothing.
	FindActiveAppointmentAt(ctx context.Context, doctorID int64, at time.Time, excludeID int64) (*Appointment, error)

	InsertAppointment(ctx context.Context, a *Appointment) error
	UpdateAppointment(ctx context.Context, a *Appointment) error
	DeleteAppointment(ctx context.Context, id int64) error

	GetPaymentByID(ctx context.Context, id int64) (*Payment, error)
	GetPaymentByAppointment(ctx context.Context, appointmentID int64) (*Payment, error)
	InsertPayment(ctx context.Context, p *Payment) error
	UpdatePaymentStatus(ctx context.Context, id int64, status PaymentStatus) error
	DeletePayment(ctx context.Context, id int64) error

	GetMedicalRecordByAppointment(ctx context.Context, appointmentID int64) (*MedicalRecord, error)
	InsertMedicalRecord(ctx context.Context, r *MedicalRecord) error
	DeleteMedicalRecord(ctx context.Context, id int64) error

	// Audit
	InsertLog(ctx context.Context, l *AppointmentLog) error
}

// Store groups Repository calls into commit-or-abort units.
type Store interface {
	// RunInTx commits when fn returns nil and rolls back otherwise. No write
	// made through repo is visible to other units before commit.
	RunInTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error

	// ListLogsAfter returns audit rows with id > afterID in id order; limit 0
	// means no limit. Ids become visible in commit order, so a row with a
	// smaller id never appears after a larger one has been read.
	ListLogsAfter(ctx context.Context, afterID int64, limit int) ([]AppointmentLog, error)
}
