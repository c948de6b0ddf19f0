package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/dental-practice-core/internal/apperr"
	"github.com/hackgods/dental-practice-core/internal/availability"
	"github.com/hackgods/dental-practice-core/internal/ledger"
)

var (
	ErrPatientNotFound      = apperr.NotFound("patient not found")
	ErrProfessionalNotFound = availability.ErrProfessionalNotFound
	ErrAppointmentNotFound  = apperr.NotFound("appointment not found")
)

// Repository contains all DB interactions needed by the service. It also
// serves the availability calculator.
type Repository interface {
	availability.Repository

	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// WithinTx runs fn in one serializable transaction scoped to the tenant
	// on ctx. Returning an error from fn rolls everything back.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error
}

// TxRepository is the write side, only reachable inside WithinTx.
type TxRepository interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)

	// For conflict checks
	ActiveAppointments(ctx context.Context, professionalID uuid.UUID, from, to time.Time) ([]Appointment, error)
	ClaimSlot(ctx context.Context, key ledger.Key, appointmentID uuid.UUID) error
	ReleaseSlots(ctx context.Context, appointmentID uuid.UUID) (int64, error)

	// Creation and updates
	InsertAppointment(ctx context.Context, a *Appointment) error
	InsertPayment(ctx context.Context, p *Payment) error
	LockAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// UpdateAppointmentStatus only succeeds when the row is still in from;
	// otherwise it returns ErrAppointmentNotFound.
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error)
	CancelPendingPayments(ctx context.Context, appointmentID uuid.UUID) (int64, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}
