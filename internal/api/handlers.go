package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/dental-practice-core/internal/apperr"
	"github.com/hackgods/dental-practice-core/internal/appointment"
	"github.com/hackgods/dental-practice-core/internal/invoice"
	"github.com/hackgods/dental-practice-core/internal/tariff"
)

type handlers struct {
	appointments AppointmentService
	availability AvailabilityService
	invoices     InvoiceService
	tariffs      tariff.Catalog
	validate     *validator.Validate
	log          zerolog.Logger
}

func (h *handlers) availabilityHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("professional_id") == "" || q.Get("service_id") == "" || q.Get("date") == "" {
		writeError(w, http.StatusBadRequest, "missing_parameter", "professional_id, service_id and date are required")
		return
	}

	professionalID, err := uuid.Parse(q.Get("professional_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_professional_id", "professional_id must be a valid UUID")
		return
	}
	serviceID, err := uuid.Parse(q.Get("service_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_service_id", "service_id must be a valid UUID")
		return
	}
	date, err := time.Parse(time.DateOnly, q.Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "date must be formatted as YYYY-MM-DD")
		return
	}

	slots, err := h.availability.Slots(r.Context(), professionalID, serviceID, date)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, SlotsResponse{Slots: slots})
}

func (h *handlers) createAppointmentHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if !h.decode(w, r, &req) {
		return
	}

	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_start_time", "start_time must be an RFC 3339 timestamp")
		return
	}

	booking, err := h.appointments.Book(r.Context(), appointment.BookingRequest{
		PatientID:  uuid.MustParse(req.ClientID),
		BookableID: uuid.MustParse(req.ProfessionalID),
		ServiceID:  uuid.MustParse(req.ServiceID),
		StartTime:  start,
	})
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			h.log.Info().Err(err).Str("request_id", GetRequestID(r.Context())).Msg("booking conflict")
			writeError(w, http.StatusConflict, "slot_unavailable", appointment.ErrSlotUnavailable.Error())
			return
		}
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, booking)
}

func (h *handlers) getAppointmentHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	appt, err := h.appointments.Get(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, appt)
}

func (h *handlers) updateStatusHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req UpdateStatusRequest
	if !h.decode(w, r, &req) {
		return
	}

	change, err := h.appointments.UpdateStatus(r.Context(), id, req.Status)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Appointment:      change.Appointment,
		AlreadyCompleted: change.AlreadyCompleted,
	})
}

func (h *handlers) finalizeInvoiceHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req FinalizeInvoiceRequest
	if !h.decode(w, r, &req) {
		return
	}

	out, err := h.invoices.Finalize(r.Context(), id, req.Lines)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	status := http.StatusOK
	if out.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, out)
}

func (h *handlers) getInvoiceHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	inv, err := h.invoices.Get(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, inv)
}

func (h *handlers) markPaidHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req PaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	out, err := h.invoices.MarkPaid(r.Context(), id, req.Reference)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, out)
}

// invoiceAction serves the body-less invoice transitions.
func (h *handlers) invoiceAction(fn func(ctx context.Context, id uuid.UUID) (*invoice.Invoice, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		inv, err := fn(r.Context(), id)
		if err != nil {
			h.handleError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, inv)
	}
}

func (h *handlers) getTariffHandler(w http.ResponseWriter, r *http.Request) {
	t, err := h.tariffs.ByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, TariffResponse{
		ID:              t.ID.String(),
		Code:            t.Code,
		Description:     t.Description,
		DurationMinutes: int(t.Duration / time.Minute),
		BaseCents:       t.BaseCents,
		VATRateBP:       int64(t.VATRate),
		MutualityBP:     int64(t.MutualityShare),
		PatientBP:       int64(t.PatientShare),
	})
}

// Helpers

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "uuid":
		return fe.Field() + " must be a valid UUID"
	case "min":
		return fe.Field() + " must have at least " + fe.Param() + " entries"
	case "gte":
		return fe.Field() + " must be at least " + fe.Param()
	}
	return fe.Field() + " is invalid"
}

func (h *handlers) handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch apperr.Kind(err) {
	case apperr.ErrValidation:
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case apperr.ErrNotFound:
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case apperr.ErrConflict:
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		if errors.Is(err, invoice.ErrNotificationNotDelivered) {
			h.log.Warn().Err(err).Str("request_id", GetRequestID(r.Context())).Msg("notification not delivered")
			writeError(w, http.StatusBadGateway, "notification_failed", invoice.ErrNotificationNotDelivered.Error())
			return
		}
		h.log.Error().Err(err).Str("request_id", GetRequestID(r.Context())).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
