package api

import (
	"context"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-appointment-engine/internal/appointment"
)

// AppointmentService is the part of *appointment.Service the HTTP layer uses.
type AppointmentService interface {
	CreateAppointment(ctx context.Context, patientID, doctorID int64, at time.Time, notes string) (*appointment.Appointment, error)
	GetAppointment(ctx context.Context, id int64) (*appointment.AppointmentDetail, error)
	Reschedule(ctx context.Context, id int64, req appointment.RescheduleRequest) (*appointment.Appointment, error)
	CompleteAppointment(ctx context.Context, id int64, diagnosis, prescription, notes string) (*appointment.MedicalRecord, error)
	CancelAppointment(ctx context.Context, id int64) error
	DeleteAppointment(ctx context.Context, id int64) error
	RecordPayment(ctx context.Context, appointmentID int64, req appointment.PaymentRequest) (*appointment.Payment, error)
	UpdatePaymentStatus(ctx context.Context, paymentID int64, status appointment.PaymentStatus) (*appointment.Payment, error)
	DeletePayment(ctx context.Context, paymentID int64) error
	CheckAvailability(ctx context.Context, doctorID int64, at time.Time, excludeID int64) (bool, error)
}

type RouterConfig struct {
	Service         AppointmentService
	Logger          zerolog.Logger
	Checks          []Check
	RateLimitPerMin int
	Env             string
	Version         string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(echoRequestID)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)

	// Health endpoints
	health := NewHealthHandler(cfg.Checks, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	h := &handlers{svc: cfg.Service, validate: newValidator()}

	r.Group(func(r chi.Router) {
		if cfg.RateLimitPerMin > 0 {
			r.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
		}

		r.Get("/availability", h.checkAvailability)

		r.Route("/appointments", func(r chi.Router) {
			r.Post("/", h.createAppointment)
			r.Get("/{id}", h.getAppointment)
			r.Delete("/{id}", h.deleteAppointment)
			r.Post("/{id}/reschedule", h.rescheduleAppointment)
			r.Post("/{id}/complete", h.completeAppointment)
			r.Post("/{id}/cancel", h.cancelAppointment)
			r.Post("/{id}/payments", h.recordPayment)
		})

		r.Patch("/payments/{id}", h.updatePaymentStatus)
		r.Delete("/payments/{id}", h.deletePayment)
	})

	return r
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
