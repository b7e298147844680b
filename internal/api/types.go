package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/hackgods/clinic-appointment-engine/internal/appointment"
)

type CreateAppointmentRequest struct {
	PatientID   int64     `json:"patient_id" validate:"required,gt=0"`
	DoctorID    int64     `json:"doctor_id" validate:"required,gt=0"`
	ScheduledAt time.Time `json:"scheduled_at" validate:"required"`
	Notes       string    `json:"notes" validate:"max=255"`
}

type RescheduleAppointmentRequest struct {
	DoctorID    int64     `json:"doctor_id" validate:"required,gt=0"`
	ScheduledAt time.Time `json:"scheduled_at" validate:"required"`
	PatientID   *int64    `json:"patient_id,omitempty" validate:"omitempty,gt=0"`
	Notes       *string   `json:"notes,omitempty" validate:"omitempty,max=255"`
}

// Diagnosis is checked by the service so a blank one reports missing_diagnosis.
type CompleteAppointmentRequest struct {
	Diagnosis    string `json:"diagnosis" validate:"max=500"`
	Prescription string `json:"prescription" validate:"max=500"`
	Notes        string `json:"notes" validate:"max=1000"`
}

type RecordPaymentRequest struct {
	Amount               decimal.Decimal `json:"amount"`
	Method               string          `json:"method" validate:"required,max=50"`
	Status               string          `json:"status" validate:"omitempty,oneof=pending paid failed refunded"`
	TransactionReference string          `json:"transaction_reference" validate:"max=100"`
}

type UpdatePaymentStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending paid failed refunded"`
}

type AppointmentResponse struct {
	ID          int64     `json:"id"`
	PatientID   int64     `json:"patient_id"`
	DoctorID    int64     `json:"doctor_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Status      string    `json:"status"`
	Notes       *string   `json:"notes,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type PaymentResponse struct {
	ID                   int64           `json:"id"`
	AppointmentID        int64           `json:"appointment_id"`
	Amount               decimal.Decimal `json:"amount"`
	Method               string          `json:"method"`
	Status               string          `json:"status"`
	TransactionReference *string         `json:"transaction_reference,omitempty"`
	PaidAt               time.Time       `json:"paid_at"`
}

type MedicalRecordResponse struct {
	ID            int64     `json:"id"`
	PatientID     int64     `json:"patient_id"`
	DoctorID      int64     `json:"doctor_id"`
	AppointmentID *int64    `json:"appointment_id,omitempty"`
	Diagnosis     string    `json:"diagnosis"`
	Prescription  *string   `json:"prescription,omitempty"`
	Notes         *string   `json:"notes,omitempty"`
	RecordedAt    time.Time `json:"recorded_at"`
}

type AppointmentDetailResponse struct {
	AppointmentResponse
	Payment       *PaymentResponse       `json:"payment,omitempty"`
	MedicalRecord *MedicalRecordResponse `json:"medical_record,omitempty"`
}

type AvailabilityResponse struct {
	DoctorID    int64     `json:"doctor_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Available   bool      `json:"available"`
}

type ErrorResponse struct {
	Error   string           `json:"error"`
	Details string           `json:"details,omitempty"`
	IDs     map[string]int64 `json:"ids,omitempty"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:          a.ID,
		PatientID:   a.PatientID,
		DoctorID:    a.DoctorID,
		ScheduledAt: a.ScheduledAt,
		Status:      string(a.Status),
		Notes:       a.Notes,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

func toPaymentResponse(p *appointment.Payment) *PaymentResponse {
	if p == nil {
		return nil
	}
	return &PaymentResponse{
		ID:                   p.ID,
		AppointmentID:        p.AppointmentID,
		Amount:               p.Amount,
		Method:               p.Method,
		Status:               string(p.Status),
		TransactionReference: p.TransactionReference,
		PaidAt:               p.PaidAt,
	}
}

func toMedicalRecordResponse(r *appointment.MedicalRecord) *MedicalRecordResponse {
	if r == nil {
		return nil
	}
	return &MedicalRecordResponse{
		ID:            r.ID,
		PatientID:     r.PatientID,
		DoctorID:      r.DoctorID,
		AppointmentID: r.AppointmentID,
		Diagnosis:     r.Diagnosis,
		Prescription:  r.Prescription,
		Notes:         r.Notes,
		RecordedAt:    r.RecordedAt,
	}
}
