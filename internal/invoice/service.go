package invoice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/dental-practice-core/internal/apperr"
	"github.com/hackgods/dental-practice-core/internal/appointment"
	"github.com/hackgods/dental-practice-core/internal/billing"
	"github.com/hackgods/dental-practice-core/internal/db"
	"github.com/hackgods/dental-practice-core/internal/events"
	"github.com/hackgods/dental-practice-core/internal/insurance"
	"github.com/hackgods/dental-practice-core/internal/tariff"
)

const (
	EventInvoiceCreated = "INVOICE_CREATED"
	EventInvoiceIssued  = "INVOICE_ISSUED"
	EventInvoicePaid    = "INVOICE_PAID"
	EventInvoiceVoided  = "INVOICE_VOIDED"
	EventClaimSubmitted = "CLAIM_SUBMITTED"
	EventClaimSettled   = "CLAIM_SETTLED"
)

var (
	ErrNoLines                  = apperr.Validation("at least one treatment line is required")
	ErrMissingCode              = apperr.Validation("every treatment line needs a code")
	ErrMissingReference         = apperr.Validation("payment reference is required")
	ErrAppointmentCancelled     = apperr.Conflict("appointment is cancelled and cannot be invoiced")
	ErrInvalidStatusTransition  = apperr.Conflict("invalid invoice status transition")
	ErrInvalidClaimTransition   = apperr.Conflict("invalid claim status transition")
	ErrInvoicePaid              = apperr.Conflict("invoice is paid and can no longer change")
	ErrConcurrentUpdate         = apperr.Conflict("invoice was changed concurrently, retry")
	ErrNotificationNotDelivered = apperr.Dependency("invoice issued but the payment request was not delivered, issue again to retry")
)

type Service struct {
	repo         Repository
	appointments Appointments
	catalog      tariff.Catalog
	insurance    *insurance.Resolver
	publisher    events.Publisher
	log          zerolog.Logger
}

func NewService(
	repo Repository,
	appointments Appointments,
	catalog tariff.Catalog,
	resolver *insurance.Resolver,
	publisher events.Publisher,
	log zerolog.Logger,
) *Service {
	return &Service{
		repo:         repo,
		appointments: appointments,
		catalog:      catalog,
		insurance:    resolver,
		publisher:    publisher,
		log:          log,
	}
}

// Finalize prices lines for the appointment and stores a draft invoice.
// Calling it again while an invoice is open returns that invoice instead of
// creating a second one.
func (s *Service) Finalize(ctx context.Context, appointmentID uuid.UUID, lines []LineRequest) (*Outcome, error) {
	if len(lines) == 0 {
		return nil, ErrNoLines
	}
	codes := make([]string, 0, len(lines))
	for _, l := range lines {
		if strings.TrimSpace(l.Code) == "" {
			return nil, ErrMissingCode
		}
		if l.Quantity < 1 {
			return nil, fmt.Errorf("%w: code %s has quantity %d", billing.ErrInvalidQuantity, l.Code, l.Quantity)
		}
		codes = append(codes, l.Code)
	}

	appt, err := s.appointments.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	tariffs, err := s.catalog.ByCodes(ctx, codes)
	if err != nil {
		return nil, err
	}

	hours, err := s.appointments.WorkingHours(ctx, appt.ProfessionalID)
	if err != nil {
		return nil, err
	}
	serviceDate := appt.StartTime
	if hours.Location != nil {
		serviceDate = serviceDate.In(hours.Location)
	}

	coverage, err := s.insurance.Resolve(ctx, appt.PatientID, serviceDate)
	if err != nil {
		return nil, err
	}

	toPrice := make([]billing.Line, 0, len(lines))
	for _, l := range lines {
		toPrice = append(toPrice, billing.Line{Tariff: tariffs[l.Code], Quantity: l.Quantity, Location: l.Location})
	}
	priced, totals, err := billing.PriceAppointment(toPrice, coverage.Profile)
	if err != nil {
		return nil, err
	}

	var out Outcome
	err = s.inTx(ctx, func(ctx context.Context, tx TxRepository) error {
		status, err := tx.LockAppointment(ctx, appointmentID)
		if err != nil {
			return err
		}
		if status == appointment.StatusCancelled {
			return ErrAppointmentCancelled
		}

		existing, err := tx.OpenInvoiceFor(ctx, appointmentID)
		if err != nil && !errors.Is(err, ErrNoOpenInvoice) {
			return err
		}

		if status == appointment.StatusCompleted {
			out = Outcome{Invoice: existing, AlreadyCompleted: true}
			return nil
		}
		if existing != nil {
			out = Outcome{Invoice: existing, Reused: true}
			return nil
		}

		inv := newInvoice(appointmentID, priced, totals)
		if err := tx.InsertInvoice(ctx, inv); err != nil {
			return err
		}
		if err := tx.InsertTreatmentLines(ctx, inv, priced); err != nil {
			return err
		}
		out = Outcome{Invoice: inv, Created: true}

		return s.logEvent(ctx, tx, appointmentID, EventInvoiceCreated, map[string]any{
			"invoice_id":        inv.ID.String(),
			"total_cents":       inv.TotalCents,
			"patient_cents":     inv.PatientCents,
			"insurance_profile": profileID(coverage.Profile),
			"insurance_warning": coverage.Warning,
		})
	})
	if err != nil {
		return nil, s.txError(err)
	}

	if out.Created {
		s.log.Info().
			Str("invoice_id", out.Invoice.ID.String()).
			Str("appointment_id", appointmentID.String()).
			Int64("total_cents", out.Invoice.TotalCents).
			Msg("invoice created")
	}
	return &out, nil
}

func profileID(p *insurance.Profile) string {
	if p == nil {
		return ""
	}
	return p.ID.String()
}

// Issue moves a draft invoice to issued and asks for the patient's payment.
// Issuing an already issued invoice sends the requests again.
func (s *Service) Issue(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	var issued *Invoice
	err := s.inTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockInvoice(ctx, id)
		if err != nil {
			return err
		}

		if err := s.rejectCancelled(ctx, tx, inv); err != nil {
			return err
		}

		switch inv.Status {
		case StatusIssued:
			issued = inv
			return nil
		case StatusDraft:
		default:
			return fmt.Errorf("%w: %s to %s", ErrInvalidStatusTransition, inv.Status, StatusIssued)
		}

		issued, err = tx.UpdateStatus(ctx, id, StatusDraft, StatusIssued)
		if err != nil {
			return err
		}
		return s.logEvent(ctx, tx, issued.AppointmentID, EventInvoiceIssued, map[string]any{
			"invoice_id": id.String(),
		})
	})
	if err != nil {
		return nil, s.txError(err)
	}

	if err := s.publisher.Publish(ctx, events.InvoiceIssued, map[string]any{
		"invoice_id":           issued.ID,
		"appointment_id":       issued.AppointmentID,
		"total_amount_cents":   issued.TotalCents,
		"patient_amount_cents": issued.PatientCents,
	}); err != nil {
		s.log.Error().Err(err).Str("invoice_id", id.String()).Msg("failed to publish invoice issued")
		return issued, fmt.Errorf("%w: %w", ErrNotificationNotDelivered, err)
	}
	if err := s.publisher.Publish(ctx, events.PaymentRequested, map[string]any{
		"invoice_id":           issued.ID,
		"appointment_id":       issued.AppointmentID,
		"patient_amount_cents": issued.PatientCents,
	}); err != nil {
		s.log.Error().Err(err).Str("invoice_id", id.String()).Msg("failed to publish payment request")
		return issued, fmt.Errorf("%w: %w", ErrNotificationNotDelivered, err)
	}

	return issued, nil
}

// MarkPaid records the patient's payment and completes the appointment.
// Only the first call changes anything; later ones report AlreadyCompleted.
func (s *Service) MarkPaid(ctx context.Context, id uuid.UUID, reference string) (*PaymentOutcome, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, ErrMissingReference
	}

	var (
		out     PaymentOutcome
		changed bool
	)
	err := s.inTx(ctx, func(ctx context.Context, tx TxRepository) error {
		changed = false
		inv, err := tx.LockInvoice(ctx, id)
		if err != nil {
			return err
		}

		switch inv.Status {
		case StatusPaid:
			out = PaymentOutcome{Invoice: inv, AlreadyCompleted: true}
			return nil
		case StatusIssued:
		default:
			return fmt.Errorf("%w: %s to %s", ErrInvalidStatusTransition, inv.Status, StatusPaid)
		}
		if err := s.rejectCancelled(ctx, tx, inv); err != nil {
			return err
		}

		paid, err := tx.UpdateStatus(ctx, id, StatusIssued, StatusPaid)
		if err != nil {
			return err
		}
		if err := tx.CapturePayment(ctx, paid, reference); err != nil {
			return err
		}

		completed, err := tx.CompleteAppointment(ctx, paid.AppointmentID)
		if err != nil {
			return err
		}
		out = PaymentOutcome{Invoice: paid, AlreadyCompleted: !completed}
		changed = true

		return s.logEvent(ctx, tx, paid.AppointmentID, EventInvoicePaid, map[string]any{
			"invoice_id":           id.String(),
			"reference":            reference,
			"appointment_complete": completed,
		})
	})
	if err != nil {
		return nil, s.txError(err)
	}

	if changed {
		if err := s.publisher.Publish(ctx, events.InvoicePaid, map[string]any{
			"invoice_id":     out.Invoice.ID,
			"appointment_id": out.Invoice.AppointmentID,
			"reference":      reference,
		}); err != nil {
			s.log.Warn().Err(err).Str("invoice_id", id.String()).Msg("failed to publish invoice paid")
		}
	}
	return &out, nil
}

// Void cancels a draft or issued invoice. A voided appointment can be
// finalized again.
func (s *Service) Void(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	var voided *Invoice
	err := s.inTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockInvoice(ctx, id)
		if err != nil {
			return err
		}

		switch inv.Status {
		case StatusVoid:
			voided = inv
			return nil
		case StatusPaid:
			return ErrInvoicePaid
		}

		voided, err = tx.UpdateStatus(ctx, id, inv.Status, StatusVoid)
		if err != nil {
			return err
		}
		return s.logEvent(ctx, tx, inv.AppointmentID, EventInvoiceVoided, map[string]any{
			"invoice_id": id.String(),
			"from":       string(inv.Status),
		})
	})
	if err != nil {
		return nil, s.txError(err)
	}
	return voided, nil
}

func (s *Service) SubmitClaim(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return s.advanceClaim(ctx, id, ClaimToBeSubmitted, ClaimSubmitted, EventClaimSubmitted)
}

func (s *Service) SettleClaim(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return s.advanceClaim(ctx, id, ClaimSubmitted, ClaimSettled, EventClaimSettled)
}

func (s *Service) advanceClaim(ctx context.Context, id uuid.UUID, from, to ClaimStatus, eventType string) (*Invoice, error) {
	var updated *Invoice
	err := s.inTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockInvoice(ctx, id)
		if err != nil {
			return err
		}
		if inv.Status == StatusVoid || inv.ClaimStatus != from {
			return fmt.Errorf("%w: %s to %s on a %s invoice", ErrInvalidClaimTransition, inv.ClaimStatus, to, inv.Status)
		}

		updated, err = tx.UpdateClaimStatus(ctx, id, from, to)
		if err != nil {
			return err
		}
		return s.logEvent(ctx, tx, inv.AppointmentID, eventType, map[string]any{
			"invoice_id": id.String(),
		})
	})
	if err != nil {
		return nil, s.txError(err)
	}
	return updated, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get invoice: %w", err)
	}
	return inv, nil
}

// inTx runs fn in a transaction, once more if the first attempt lost a
// serialization race or deadlock. The retry re-reads under fresh locks, so a
// caller that raced an identical request gets that request's outcome.
func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error {
	return db.RetrySerialization(func() error {
		return s.repo.WithinTx(ctx, fn)
	})
}

// rejectCancelled locks the invoice's appointment. A cancelled appointment
// can no longer be billed or paid.
func (s *Service) rejectCancelled(ctx context.Context, tx TxRepository, inv *Invoice) error {
	status, err := tx.LockAppointment(ctx, inv.AppointmentID)
	if err != nil {
		return err
	}
	if status == appointment.StatusCancelled {
		return ErrAppointmentCancelled
	}
	return nil
}

// txError turns lost serializable races, and the unique index on open
// invoices, into a retryable conflict.
func (s *Service) txError(err error) error {
	if errors.Is(err, db.ErrSerialization) || errors.Is(err, db.ErrUnique) {
		return ErrConcurrentUpdate
	}
	return err
}

func (s *Service) logEvent(ctx context.Context, tx TxRepository, appointmentID uuid.UUID, eventType string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn().Err(err).Str("event_type", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	apptID := appointmentID
	return tx.InsertEvent(ctx, appointment.EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     time.Now(),
	})
}
