// Package tariff is the read-only catalog of billable services: the codes a
// clinic schedules and bills, with duration, base price, VAT and the default
// insurer/patient split.
package tariff

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/dental-practice-core/internal/apperr"
)

// BasisPoints expresses a percentage as an integer: 1% == 100.
type BasisPoints int64

const Hundred BasisPoints = 10000

// Percent converts a whole percentage to basis points.
func Percent(p int64) BasisPoints { return BasisPoints(p * 100) }

// Of applies the rate to an amount in minor currency units, rounding half up.
func (bp BasisPoints) Of(cents int64) int64 {
	return (cents*int64(bp) + int64(Hundred)/2) / int64(Hundred)
}

var (
	ErrTariffNotFound  = apperr.NotFound("tariff code not found")
	ErrServiceNotFound = apperr.NotFound("service not found")
)

// Tariff is a service as seen by both the scheduler (duration) and billing
// (price, VAT, split).
type Tariff struct {
	ID             uuid.UUID
	Code           string
	Description    string
	Duration       time.Duration
	BaseCents      int64
	VATRate        BasisPoints
	MutualityShare BasisPoints
	PatientShare   BasisPoints
}

// Validate checks the catalog invariants. The two default shares must cover
// exactly the whole tariff.
func (t Tariff) Validate() error {
	switch {
	case t.Code == "":
		return apperr.Validation("tariff code is required")
	case t.Duration <= 0:
		return apperr.Validation(fmt.Sprintf("tariff %s: duration must be positive", t.Code))
	case t.BaseCents < 0:
		return apperr.Validation(fmt.Sprintf("tariff %s: base tariff must not be negative", t.Code))
	case t.VATRate < 0, t.MutualityShare < 0, t.PatientShare < 0:
		return apperr.Validation(fmt.Sprintf("tariff %s: rates must not be negative", t.Code))
	case t.MutualityShare+t.PatientShare != Hundred:
		return apperr.Validation(fmt.Sprintf("tariff %s: shares sum to %d bp, want %d", t.Code, t.MutualityShare+t.PatientShare, Hundred))
	}
	return nil
}

// Catalog looks tariffs up by service id or billing code.
type Catalog interface {
	ByID(ctx context.Context, id uuid.UUID) (Tariff, error)
	ByCode(ctx context.Context, code string) (Tariff, error)
	ByCodes(ctx context.Context, codes []string) (map[string]Tariff, error)
}
