package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/hackgods/clinic-appointment-engine/internal/appointment"
)

type handlers struct {
	svc      AppointmentService
	validate *validator.Validate
}

func (h *handlers) createAppointment(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if !h.decode(w, r, &req) {
		return
	}

	appt, err := h.svc.CreateAppointment(r.Context(), req.PatientID, req.DoctorID, req.ScheduledAt, req.Notes)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

func (h *handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	detail, err := h.svc.GetAppointment(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AppointmentDetailResponse{
		AppointmentResponse: toAppointmentResponse(&detail.Appointment),
		Payment:             toPaymentResponse(detail.Payment),
		MedicalRecord:       toMedicalRecordResponse(detail.MedicalRecord),
	})
}

func (h *handlers) rescheduleAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req RescheduleAppointmentRequest
	if !h.decode(w, r, &req) {
		return
	}

	appt, err := h.svc.Reschedule(r.Context(), id, appointment.RescheduleRequest{
		DoctorID:    req.DoctorID,
		ScheduledAt: req.ScheduledAt,
		PatientID:   req.PatientID,
		Notes:       req.Notes,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) completeAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req CompleteAppointmentRequest
	if !h.decode(w, r, &req) {
		return
	}

	rec, err := h.svc.CompleteAppointment(r.Context(), id, req.Diagnosis, req.Prescription, req.Notes)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMedicalRecordResponse(rec))
}

func (h *handlers) cancelAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.svc.CancelAppointment(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) deleteAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.svc.DeleteAppointment(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) recordPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req RecordPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	p, err := h.svc.RecordPayment(r.Context(), id, appointment.PaymentRequest{
		Amount:               req.Amount,
		Method:               req.Method,
		Status:               appointment.PaymentStatus(req.Status),
		TransactionReference: req.TransactionReference,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentResponse(p))
}

func (h *handlers) updatePaymentStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req UpdatePaymentStatusRequest
	if !h.decode(w, r, &req) {
		return
	}

	p, err := h.svc.UpdatePaymentStatus(r.Context(), id, appointment.PaymentStatus(req.Status))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(p))
}

func (h *handlers) deletePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.svc.DeletePayment(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// checkAvailability answers GET /availability?doctor_id=&scheduled_at=&exclude_id=.
func (h *handlers) checkAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	doctorID, err := strconv.ParseInt(q.Get("doctor_id"), 10, 64)
	if err != nil || doctorID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a positive integer")
		return
	}
	at, err := time.Parse(time.RFC3339Nano, q.Get("scheduled_at"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_scheduled_at", "scheduled_at must be an RFC 3339 timestamp")
		return
	}
	var excludeID int64
	if raw := q.Get("exclude_id"); raw != "" {
		if excludeID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_exclude_id", "exclude_id must be an integer")
			return
		}
	}

	free, err := h.svc.CheckAvailability(r.Context(), doctorID, at, excludeID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AvailabilityResponse{
		DoctorID:    doctorID,
		ScheduledAt: appointment.NormalizeSlotTime(at),
		Available:   free,
	})
}

func (h *handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", describeValidation(err))
		return false
	}
	return true
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a positive integer")
		return 0, false
	}
	return id, true
}
