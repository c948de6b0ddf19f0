// Package invoice turns a finished appointment into an invoice and walks it
// through issue, payment and insurer claim.
package invoice

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/dental-practice-core/internal/billing"
)

type Status string

const (
	StatusDraft  Status = "draft"
	StatusIssued Status = "issued"
	StatusPaid   Status = "paid"
	StatusVoid   Status = "void"
)

type ClaimStatus string

const (
	ClaimToBeSubmitted ClaimStatus = "to_be_submitted"
	ClaimSubmitted     ClaimStatus = "submitted"
	ClaimSettled       ClaimStatus = "settled"
)

type Invoice struct {
	ID             uuid.UUID   `json:"id"`
	AppointmentID  uuid.UUID   `json:"appointment_id"`
	TotalCents     int64       `json:"total_amount_cents"`
	PatientCents   int64       `json:"patient_amount_cents"`
	MutualityCents int64       `json:"mutuality_amount_cents"`
	VATCents       int64       `json:"vat_amount_cents"`
	Status         Status      `json:"status"`
	ClaimStatus    ClaimStatus `json:"claim_status"`
	CreatedAt      time.Time   `json:"created_at"`
	IssuedAt       *time.Time  `json:"issued_at,omitempty"`
	PaidAt         *time.Time  `json:"paid_at,omitempty"`
	Items          []Item      `json:"items"`
}

// Item is a priced invoice line.
type Item struct {
	Code     string `json:"code"`
	Quantity int    `json:"quantity"`
	Location string `json:"location,omitempty"`
	billing.Amounts
}

// LineRequest is one performed treatment code as submitted by the caller.
type LineRequest struct {
	Code     string `json:"code" validate:"required"`
	Quantity int    `json:"quantity" validate:"gte=1"`
	Location string `json:"location"`
}

// Outcome reports how Finalize resolved. Exactly one of Created, Reused and
// AlreadyCompleted is set.
type Outcome struct {
	Invoice          *Invoice `json:"invoice"`
	Created          bool     `json:"created"`
	Reused           bool     `json:"reused"`
	AlreadyCompleted bool     `json:"already_completed"`
}

// PaymentOutcome is the result of MarkPaid. AlreadyCompleted means the
// appointment had been completed before this call.
type PaymentOutcome struct {
	Invoice          *Invoice `json:"invoice"`
	AlreadyCompleted bool     `json:"already_completed"`
}

func newInvoice(appointmentID uuid.UUID, priced []billing.PricedLine, totals billing.Amounts) *Invoice {
	inv := &Invoice{
		ID:             uuid.New(),
		AppointmentID:  appointmentID,
		TotalCents:     totals.Tariff,
		PatientCents:   totals.Patient,
		MutualityCents: totals.Mutuality,
		VATCents:       totals.VAT,
		Status:         StatusDraft,
		ClaimStatus:    ClaimToBeSubmitted,
		Items:          make([]Item, 0, len(priced)),
	}
	for _, p := range priced {
		inv.Items = append(inv.Items, Item{
			Code:     p.Line.Tariff.Code,
			Quantity: p.Quantity,
			Location: p.Location,
			Amounts:  p.Amounts,
		})
	}
	return inv
}
