package invoice

import (
	"context"

	"github.com/google/uuid"

	"github.com/hackgods/dental-practice-core/internal/apperr"
	"github.com/hackgods/dental-practice-core/internal/appointment"
	"github.com/hackgods/dental-practice-core/internal/availability"
	"github.com/hackgods/dental-practice-core/internal/billing"
)

var (
	ErrInvoiceNotFound = apperr.NotFound("invoice not found")
	ErrNoOpenInvoice   = apperr.NotFound("appointment has no open invoice")
)

type Repository interface {
	GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error)
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error
}

// Appointments is the slice of the scheduling repository billing reads.
type Appointments interface {
	GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	WorkingHours(ctx context.Context, professionalID uuid.UUID) (availability.WorkingHours, error)
}

type TxRepository interface {
	// LockAppointment takes a row lock and returns the current status.
	LockAppointment(ctx context.Context, id uuid.UUID) (appointment.Status, error)
	// CompleteAppointment moves a non-terminal appointment to completed.
	// It reports false when another writer completed it first.
	CompleteAppointment(ctx context.Context, id uuid.UUID) (bool, error)

	// OpenInvoiceFor returns the one non-void invoice of the appointment or
	// ErrNoOpenInvoice.
	OpenInvoiceFor(ctx context.Context, appointmentID uuid.UUID) (*Invoice, error)
	InsertInvoice(ctx context.Context, inv *Invoice) error
	InsertTreatmentLines(ctx context.Context, inv *Invoice, lines []billing.PricedLine) error
	LockInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error)
	// UpdateStatus and UpdateClaimStatus are compare-and-swap writes and
	// return ErrInvoiceNotFound when the row is no longer in from.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Invoice, error)
	UpdateClaimStatus(ctx context.Context, id uuid.UUID, from, to ClaimStatus) (*Invoice, error)

	CapturePayment(ctx context.Context, inv *Invoice, reference string) error

	InsertEvent(ctx context.Context, ev appointment.EventLog) error
}
