package appointment

import (
	"time"

	"github.com/shopspring/decimal"
)

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
)

// Active reports whether the appointment still occupies its slot.
func (s AppointmentStatus) Active() bool {
	return s != StatusCancelled
}

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentPaid, PaymentFailed, PaymentRefunded:
		return true
	}
	return false
}

type Patient struct {
	ID          int64
	FullName    string
	DateOfBirth *time.Time
	Phone       *string
	Email       *string
	CreatedAt   time.Time
}

type Doctor struct {
	ID              int64
	FullName        string
	Specialty       *string
	ConsultationFee decimal.Decimal
	IsActive        bool
	CreatedAt       time.Time
}

type Appointment struct {
	ID          int64
	PatientID   int64
	DoctorID    int64
	ScheduledAt time.Time
	Status      AppointmentStatus
	Notes       *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Payment struct {
	ID                   int64
	AppointmentID        int64
	Amount               decimal.Decimal
	Method               string
	Status               PaymentStatus
	TransactionReference *string
	PaidAt               time.Time
}

type MedicalRecord struct {
	ID            int64
	PatientID     int64
	DoctorID      int64
	AppointmentID *int64
	Diagnosis     string
	Prescription  *string
	Notes         *string
	RecordedAt    time.Time
}

// AppointmentLog is written once per lifecycle event and never updated.
type AppointmentLog struct {
	ID            int64
	AppointmentID int64
	EventType     string
	Message       string
	Payload       []byte
	CreatedAt     time.Time
}

type AppointmentDetail struct {
	Appointment
	Payment       *Payment
	MedicalRecord *MedicalRecord
}

// Slot is the (doctor, instant) pair an active appointment occupies.
type Slot struct {
	DoctorID    int64
	ScheduledAt time.Time
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
