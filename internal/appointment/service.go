package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/dental-practice-core/internal/apperr"
	"github.com/hackgods/dental-practice-core/internal/availability"
	"github.com/hackgods/dental-practice-core/internal/db"
	"github.com/hackgods/dental-practice-core/internal/ledger"
	redisclient "github.com/hackgods/dental-practice-core/internal/redis"
	"github.com/hackgods/dental-practice-core/internal/tariff"
)

const (
	EventAppointmentCreated   = "APPOINTMENT_CREATED"
	EventAppointmentConfirmed = "APPOINTMENT_CONFIRMED"
	EventAppointmentCompleted = "APPOINTMENT_COMPLETED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
)

var (
	ErrSlotUnavailable         = apperr.Conflict("this time is no longer available, pick another")
	ErrSlotBeingBooked         = apperr.Conflict("this time is being booked by someone else, pick another")
	ErrOutsideWorkingHours     = apperr.Validation("start_time is outside the professional's working hours")
	ErrInvalidStatusTransition = apperr.Conflict("invalid status transition")
	ErrConcurrentUpdate        = apperr.Conflict("appointment was changed concurrently, retry")
)

type Service struct {
	repo    Repository
	catalog tariff.Catalog
	locker  redisclient.Locker
	log     zerolog.Logger
}

func NewService(repo Repository, catalog tariff.Catalog, locker redisclient.Locker, log zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		catalog: catalog,
		locker:  locker,
		log:     log,
	}
}

// Book creates a scheduled appointment and its pending payment.
// A Redis lock on (tenant, professional, start) turns obvious races away
// early; the ledger claim and the overlap re-check inside one serializable
// transaction are what guarantee no double booking.
func (s *Service) Book(ctx context.Context, req BookingRequest) (*Booking, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	professionalID, err := s.repo.ResolveBookableParty(ctx, req.BookableID)
	if err != nil {
		return nil, fmt.Errorf("resolve bookable party: %w", err)
	}

	service, err := s.catalog.ByID(ctx, req.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("load service: %w", err)
	}

	hours, err := s.repo.WorkingHours(ctx, professionalID)
	if err != nil {
		return nil, fmt.Errorf("load working hours: %w", err)
	}

	slot := availability.Interval{Start: req.StartTime, End: req.StartTime.Add(service.Duration)}
	if !hours.Contains(slot) {
		return nil, ErrOutsideWorkingHours
	}

	appt := Appointment{
		ID:             uuid.New(),
		ProfessionalID: professionalID,
		PatientID:      req.PatientID,
		ServiceID:      service.ID,
		StartTime:      slot.Start,
		EndTime:        slot.End,
		Status:         StatusScheduled,
	}
	payment := Payment{
		ID:            uuid.New(),
		AppointmentID: appt.ID,
		AmountCents:   service.BaseCents,
		Status:        PaymentPending,
	}
	key := ledger.KeyFor(professionalID, slot.Start, hours.Location)
	lockKey := redisclient.BookingKey(db.TenantFromContext(ctx), professionalID, slot.Start)

	err = s.locker.WithLock(ctx, lockKey, func(lockCtx context.Context) error {
		return s.repo.WithinTx(lockCtx, func(ctx context.Context, tx TxRepository) error {
			if _, err := tx.GetPatient(ctx, req.PatientID); err != nil {
				return err
			}

			// Claim before the overlap check so a concurrent claimant on
			// the same row is stopped by the conditional write.
			switch err := tx.ClaimSlot(ctx, key, appt.ID); {
			case err == nil:
			case errors.Is(err, ledger.ErrNotMaterialized):
				s.log.Debug().Str("slot", key.String()).Msg("ledger row missing, relying on overlap check")
			default:
				return err
			}

			existing, err := tx.ActiveAppointments(ctx, professionalID, slot.Start, slot.End)
			if err != nil {
				return fmt.Errorf("check overlapping appointments: %w", err)
			}
			if slot.OverlapsAny(intervals(existing)) {
				return ErrSlotUnavailable
			}

			if err := tx.InsertAppointment(ctx, &appt); err != nil {
				return err
			}
			if err := tx.InsertPayment(ctx, &payment); err != nil {
				return err
			}

			return s.logEvent(ctx, tx, appt.ID, EventAppointmentCreated, map[string]any{
				"professional_id": professionalID.String(),
				"patient_id":      req.PatientID.String(),
				"service_code":    service.Code,
				"start_time":      slot.Start,
			})
		})
	})
	if err != nil {
		return nil, s.bookingError(err, key)
	}

	s.log.Info().
		Str("appointment_id", appt.ID.String()).
		Str("professional_id", professionalID.String()).
		Time("start_time", slot.Start).
		Msg("appointment booked")

	return &Booking{Appointment: appt, Payment: payment}, nil
}

func (s *Service) bookingError(err error, key ledger.Key) error {
	switch {
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		return ErrSlotBeingBooked
	case errors.Is(err, ledger.ErrAlreadyClaimed),
		errors.Is(err, db.ErrSerialization),
		errors.Is(err, db.ErrExclusion):
		s.log.Info().Err(err).Str("slot", key.String()).Msg("booking lost race")
		return ErrSlotUnavailable
	case errors.Is(err, apperr.ErrValidation),
		errors.Is(err, apperr.ErrNotFound),
		errors.Is(err, apperr.ErrConflict):
		return err
	}
	return fmt.Errorf("book appointment: %w", err)
}

func intervals(appts []Appointment) []availability.Interval {
	out := make([]availability.Interval, 0, len(appts))
	for _, a := range appts {
		out = append(out, a.Interval())
	}
	return out
}

// UpdateStatus moves an appointment to rawStatus. Completing an appointment
// that is already completed reports AlreadyCompleted instead of failing.
// Cancelling frees its ledger rows and cancels the pending payment.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, rawStatus string) (*StatusChange, error) {
	to, err := ParseStatus(rawStatus)
	if err != nil {
		return nil, err
	}

	var change StatusChange
	err = db.RetrySerialization(func() error {
		return s.repo.WithinTx(ctx, func(ctx context.Context, tx TxRepository) error {
			return s.moveStatus(ctx, tx, id, to, &change)
		})
	})
	if err != nil {
		if errors.Is(err, db.ErrSerialization) {
			return nil, ErrConcurrentUpdate
		}
		return nil, err
	}

	return &change, nil
}

// moveStatus is one attempt of UpdateStatus. The row lock comes first, so an
// attempt that waited on a concurrent update reads that update's result.
func (s *Service) moveStatus(ctx context.Context, tx TxRepository, id uuid.UUID, to Status, change *StatusChange) error {
	current, err := tx.LockAppointment(ctx, id)
	if err != nil {
		return err
	}

	if current.Status == to {
		*change = StatusChange{Appointment: *current, AlreadyCompleted: to == StatusCompleted}
		return nil
	}
	if !current.Status.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidStatusTransition, current.Status, to)
	}

	updated, err := tx.UpdateAppointmentStatus(ctx, id, current.Status, to)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return ErrConcurrentUpdate
		}
		return err
	}

	payload := map[string]any{"from": string(current.Status)}
	if to == StatusCancelled {
		released, err := tx.ReleaseSlots(ctx, id)
		if err != nil {
			return err
		}
		if _, err := tx.CancelPendingPayments(ctx, id); err != nil {
			return err
		}
		payload["released_slots"] = released
	}

	*change = StatusChange{Appointment: *updated}
	return s.logEvent(ctx, tx, id, statusEvent(to), payload)
}

func statusEvent(st Status) string {
	switch st {
	case StatusConfirmed:
		return EventAppointmentConfirmed
	case StatusCompleted:
		return EventAppointmentCompleted
	case StatusCancelled:
		return EventAppointmentCancelled
	}
	return "APPOINTMENT_" + string(st)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return a, nil
}

func (s *Service) logEvent(ctx context.Context, tx TxRepository, appointmentID uuid.UUID, eventType string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn().Err(err).Str("event_type", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	apptID := appointmentID
	return tx.InsertEvent(ctx, EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     time.Now(),
	})
}
