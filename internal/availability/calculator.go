package availability

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/dental-practice-core/internal/apperr"
	"github.com/hackgods/dental-practice-core/internal/tariff"
)

var (
	ErrProfessionalNotFound = apperr.NotFound("professional not found")
	ErrMissingParameter     = apperr.Validation("professional_id, service_id and date are required")
)

// Repository is the read side the calculator needs. Implementations may use
// snapshot isolation; the result is advisory.
type Repository interface {
	// ResolveBookableParty maps a professional id to itself and a business id
	// to its owning professional. Anything else is ErrProfessionalNotFound.
	ResolveBookableParty(ctx context.Context, id uuid.UUID) (uuid.UUID, error)
	WorkingHours(ctx context.Context, professionalID uuid.UUID) (WorkingHours, error)
	// BusyIntervals returns non-cancelled appointments intersecting [from, to).
	BusyIntervals(ctx context.Context, professionalID uuid.UUID, from, to time.Time) ([]Interval, error)
}

type Calculator struct {
	repo    Repository
	catalog tariff.Catalog
}

func NewCalculator(repo Repository, catalog tariff.Catalog) *Calculator {
	return &Calculator{repo: repo, catalog: catalog}
}

// Slots returns the free slots for serviceID on the calendar day of date.
// An empty result means the day is fully booked or not worked.
func (c *Calculator) Slots(ctx context.Context, bookableID, serviceID uuid.UUID, date time.Time) ([]Slot, error) {
	if bookableID == uuid.Nil || serviceID == uuid.Nil || date.IsZero() {
		return nil, ErrMissingParameter
	}

	professionalID, err := c.repo.ResolveBookableParty(ctx, bookableID)
	if err != nil {
		return nil, fmt.Errorf("resolve bookable party: %w", err)
	}

	service, err := c.catalog.ByID(ctx, serviceID)
	if err != nil {
		return nil, fmt.Errorf("load service: %w", err)
	}

	hours, err := c.repo.WorkingHours(ctx, professionalID)
	if err != nil {
		return nil, fmt.Errorf("load working hours: %w", err)
	}

	open, close, ok := hours.Window(date)
	if !ok {
		return []Slot{}, nil
	}

	busy, err := c.repo.BusyIntervals(ctx, professionalID, open, close)
	if err != nil {
		return nil, fmt.Errorf("load appointments: %w", err)
	}

	slots := ComputeSlots(open, close, service.Duration, busy)
	if slots == nil {
		slots = []Slot{}
	}
	return slots, nil
}
