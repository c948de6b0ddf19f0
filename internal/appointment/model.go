package appointment

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/dental-practice-core/internal/apperr"
	"github.com/hackgods/dental-practice-core/internal/availability"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

var ErrInvalidStatus = apperr.Validation("status must be one of scheduled, confirmed, completed, cancelled")

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusScheduled, StatusConfirmed, StatusCompleted, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("%w: got %q", ErrInvalidStatus, s)
}

var transitions = map[Status][]Status{
	StatusScheduled: {StatusConfirmed, StatusCompleted, StatusCancelled},
	StatusConfirmed: {StatusCompleted, StatusCancelled},
}

// CanTransitionTo reports whether moving from s to next is allowed.
// Completed and cancelled are terminal.
func (s Status) CanTransitionTo(next Status) bool {
	return slices.Contains(transitions[s], next)
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCaptured  PaymentStatus = "captured"
	PaymentCancelled PaymentStatus = "cancelled"
)

type Professional struct {
	ID        uuid.UUID
	Name      string
	Hours     availability.WorkingHours
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Business is a practice whose bookings land on its owner's calendar.
type Business struct {
	ID                  uuid.UUID
	Name                string
	OwnerProfessionalID uuid.UUID
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Appointment struct {
	ID             uuid.UUID `json:"id"`
	ProfessionalID uuid.UUID `json:"professional_id"`
	PatientID      uuid.UUID `json:"patient_id"`
	ServiceID      uuid.UUID `json:"service_id"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (a Appointment) Interval() availability.Interval {
	return availability.Interval{Start: a.StartTime, End: a.EndTime}
}

// Payment is the placeholder created with every booking. Billing captures it
// once the invoice is paid.
type Payment struct {
	ID            uuid.UUID     `json:"id"`
	AppointmentID uuid.UUID     `json:"appointment_id"`
	InvoiceID     *uuid.UUID    `json:"invoice_id,omitempty"`
	AmountCents   int64         `json:"amount_cents"`
	Status        PaymentStatus `json:"status"`
	Reference     *string       `json:"reference,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

type Booking struct {
	Appointment Appointment `json:"appointment"`
	Payment     Payment     `json:"payment"`
}

// BookingRequest carries already parsed input. BookableID may be a
// professional or a business.
type BookingRequest struct {
	PatientID  uuid.UUID
	BookableID uuid.UUID
	ServiceID  uuid.UUID
	StartTime  time.Time
}

var ErrMissingBookingField = apperr.Validation("client_id, professional_id, service_id and start_time are required")

func (r BookingRequest) validate() error {
	if r.PatientID == uuid.Nil || r.BookableID == uuid.Nil || r.ServiceID == uuid.Nil || r.StartTime.IsZero() {
		return ErrMissingBookingField
	}
	return nil
}

// StatusChange is the result of a status update. AlreadyCompleted is set
// when the appointment was completed before this call; it is not an error.
type StatusChange struct {
	Appointment      Appointment
	AlreadyCompleted bool
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}
