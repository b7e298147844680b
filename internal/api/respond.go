package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/hackgods/clinic-appointment-engine/internal/appointment"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// errorStatuses is checked in order; wrapped kinds must precede their parents.
var errorStatuses = []struct {
	kind   error
	status int
	code   string
}{
	{appointment.ErrValidation, http.StatusBadRequest, "validation_failed"},
	{appointment.ErrPatientNotFound, http.StatusNotFound, "patient_not_found"},
	{appointment.ErrDoctorNotFound, http.StatusNotFound, "doctor_not_found"},
	{appointment.ErrAppointmentNotFound, http.StatusNotFound, "appointment_not_found"},
	{appointment.ErrPaymentNotFound, http.StatusNotFound, "payment_not_found"},
	{appointment.ErrMedicalRecordNotFound, http.StatusNotFound, "medical_record_not_found"},
	{appointment.ErrNotFound, http.StatusNotFound, "not_found"},
	{appointment.ErrDoctorInactive, http.StatusUnprocessableEntity, "doctor_inactive"},
	{appointment.ErrSlotConflict, http.StatusConflict, "slot_conflict"},
	{appointment.ErrAlreadyFinalized, http.StatusConflict, "already_finalized"},
	{appointment.ErrInvalidTransition, http.StatusConflict, "invalid_status_transition"},
	{appointment.ErrMissingDiagnosis, http.StatusUnprocessableEntity, "missing_diagnosis"},
	{appointment.ErrPrerequisiteMissing, http.StatusUnprocessableEntity, "prerequisite_missing"},
	{appointment.ErrHasMedicalRecord, http.StatusConflict, "has_medical_record"},
	{appointment.ErrDuplicatePayment, http.StatusConflict, "duplicate_payment"},
	{appointment.ErrDuplicateMedicalRecord, http.StatusConflict, "duplicate_medical_record"},
	{appointment.ErrSlotBusy, http.StatusConflict, "slot_busy"},
	{appointment.ErrStorageTransient, http.StatusServiceUnavailable, "storage_unavailable"},
}

// writeServiceError renders a service failure with its kind and the ids it
// carries. Anything outside the taxonomy is a 500.
func writeServiceError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: "internal_error", Details: err.Error()}
	status := http.StatusInternalServerError

	for _, e := range errorStatuses {
		if errors.Is(err, e.kind) {
			resp.Error, status = e.code, e.status
			break
		}
	}
	if status == http.StatusInternalServerError && errors.Is(err, context.DeadlineExceeded) {
		resp.Error, status = "timeout", http.StatusGatewayTimeout
	}

	var apptErr *appointment.Error
	if errors.As(err, &apptErr) {
		resp.IDs = errorIDs(apptErr)
	}

	writeJSON(w, status, resp)
}

func errorIDs(e *appointment.Error) map[string]int64 {
	ids := map[string]int64{}
	for name, v := range map[string]int64{
		"appointment_id":             e.AppointmentID,
		"patient_id":                 e.PatientID,
		"doctor_id":                  e.DoctorID,
		"payment_id":                 e.PaymentID,
		"conflicting_appointment_id": e.ConflictingID,
	} {
		if v != 0 {
			ids[name] = v
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return ids
}
