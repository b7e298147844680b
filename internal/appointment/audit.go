package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Audit event types written to appointment_logs.
const (
	LogAppointmentCreated     = "APPOINTMENT_CREATED"
	LogAppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	LogAppointmentCompleted   = "APPOINTMENT_COMPLETED"
	LogAppointmentCancelled   = "APPOINTMENT_CANCELLED"
	LogAppointmentDeleted     = "APPOINTMENT_DELETED"
	LogPaymentRecorded        = "PAYMENT_RECORDED"
	LogPaymentConfirmed       = "PAYMENT_CONFIRMED"
	LogPaymentStatusChanged   = "PAYMENT_STATUS_CHANGED"
	LogPaymentDeleted         = "PAYMENT_DELETED"
)

// logEvent appends an audit row inside the caller's unit of work. A failure
// aborts the unit: a transition without its audit row is never committed.
func (s *Service) logEvent(ctx context.Context, repo Repository, appointmentID int64, eventType, message string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	entry := &AppointmentLog{
		AppointmentID: appointmentID,
		EventType:     eventType,
		Message:       message,
		Payload:       data,
		CreatedAt:     s.now(),
	}
	if err := repo.InsertLog(ctx, entry); err != nil {
		return fmt.Errorf("insert %s log: %w", eventType, err)
	}
	return nil
}

func slotString(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
