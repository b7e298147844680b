package audit

import (
	"context"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointment-engine/internal/appointment"
)

// Event is the wire form of one appointment_logs row.
type Event struct {
	// ID is derived from the log id, so a redelivered row carries the same id.
	ID            string          `json:"id"`
	LogID         int64           `json:"log_id"`
	AppointmentID int64           `json:"appointment_id"`
	Type          string          `json:"type"`
	Message       string          `json:"message"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

var eventNamespace = uuid.MustParse("5b0b7c1e-3f43-4d8e-9d1a-6a4f0f5c2e10")

func FromLog(l appointment.AppointmentLog) Event {
	return Event{
		ID:            uuid.NewSHA1(eventNamespace, []byte(strconv.FormatInt(l.ID, 10))).String(),
		LogID:         l.ID,
		AppointmentID: l.AppointmentID,
		Type:          l.EventType,
		Message:       l.Message,
		Payload:       json.RawMessage(l.Payload),
		CreatedAt:     l.CreatedAt,
	}
}

// Source yields audit rows in id order. appointment.Store satisfies it.
type Source interface {
	ListLogsAfter(ctx context.Context, afterID int64, limit int) ([]appointment.AppointmentLog, error)
}

// Publisher forwards events to an external sink.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// CursorStore remembers the id of the last forwarded row.
type CursorStore interface {
	Load(ctx context.Context) (int64, error)
	Save(ctx context.Context, logID int64) error
}
