// Package billing turns performed treatment codes into tariff, insurer,
// patient and VAT amounts. All money is int64 minor currency units and every
// percentage is applied with integer basis-point math, so summing lines in any
// order gives the same totals.
package billing

import (
	"fmt"

	"github.com/hackgods/dental-practice-core/internal/apperr"
	"github.com/hackgods/dental-practice-core/internal/insurance"
	"github.com/hackgods/dental-practice-core/internal/tariff"
)

var ErrInvalidQuantity = apperr.Validation("quantity must be at least 1")

// Amounts is the priced result of one line or a whole appointment.
// Mutuality + Patient == Tariff always holds.
type Amounts struct {
	Tariff    int64 `json:"tariff_cents"`
	Mutuality int64 `json:"mutuality_cents"`
	Patient   int64 `json:"patient_cents"`
	VAT       int64 `json:"vat_cents"`
}

func (a Amounts) Add(b Amounts) Amounts {
	return Amounts{
		Tariff:    a.Tariff + b.Tariff,
		Mutuality: a.Mutuality + b.Mutuality,
		Patient:   a.Patient + b.Patient,
		VAT:       a.VAT + b.VAT,
	}
}

// Line is one performed code to price.
type Line struct {
	Tariff   tariff.Tariff
	Quantity int
	Location string
}

// PricedLine is a Line with its computed amounts.
type PricedLine struct {
	Line
	Amounts
}

// PriceLine prices quantity units of t. An omnio or VIP profile shifts the
// whole tariff to the insurer; a nil profile keeps the tariff defaults.
func PriceLine(t tariff.Tariff, quantity int, profile *insurance.Profile) (Amounts, error) {
	if quantity < 1 {
		return Amounts{}, fmt.Errorf("%w: code %s has quantity %d", ErrInvalidQuantity, t.Code, quantity)
	}

	base := t.BaseCents * int64(quantity)

	mutualityShare := t.MutualityShare
	if profile.CoversAll() {
		mutualityShare = tariff.Hundred
	}

	mutuality := mutualityShare.Of(base)
	return Amounts{
		Tariff:    base,
		Mutuality: mutuality,
		Patient:   base - mutuality,
		VAT:       t.VATRate.Of(base),
	}, nil
}

// PriceAppointment prices every line against the same profile and returns
// the per-line results alongside their totals.
func PriceAppointment(lines []Line, profile *insurance.Profile) ([]PricedLine, Amounts, error) {
	priced := make([]PricedLine, 0, len(lines))
	var total Amounts

	for _, l := range lines {
		a, err := PriceLine(l.Tariff, l.Quantity, profile)
		if err != nil {
			return nil, Amounts{}, err
		}
		priced = append(priced, PricedLine{Line: l, Amounts: a})
		total = total.Add(a)
	}

	return priced, total, nil
}
