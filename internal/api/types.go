package api

import (
	"github.com/hackgods/dental-practice-core/internal/appointment"
	"github.com/hackgods/dental-practice-core/internal/availability"
	"github.com/hackgods/dental-practice-core/internal/invoice"
)

type CreateAppointmentRequest struct {
	ClientID       string `json:"client_id" validate:"required,uuid"`
	ProfessionalID string `json:"professional_id" validate:"required,uuid"`
	ServiceID      string `json:"service_id" validate:"required,uuid"`
	StartTime      string `json:"start_time" validate:"required"`
}

type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

type FinalizeInvoiceRequest struct {
	Lines []invoice.LineRequest `json:"lines" validate:"required,min=1,dive"`
}

type PaymentRequest struct {
	Reference string `json:"reference" validate:"required"`
}

type SlotsResponse struct {
	Slots []availability.Slot `json:"slots"`
}

type StatusResponse struct {
	appointment.Appointment
	AlreadyCompleted bool `json:"already_completed"`
}

type TariffResponse struct {
	ID              string `json:"id"`
	Code            string `json:"code"`
	Description     string `json:"description"`
	DurationMinutes int    `json:"duration_minutes"`
	BaseCents       int64  `json:"base_tariff_cents"`
	VATRateBP       int64  `json:"vat_rate_bp"`
	MutualityBP     int64  `json:"mutuality_share_bp"`
	PatientBP       int64  `json:"patient_share_bp"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
