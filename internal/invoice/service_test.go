package invoice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/dental-practice-core/internal/apperr"
	"github.com/hackgods/dental-practice-core/internal/appointment"
	"github.com/hackgods/dental-practice-core/internal/availability"
	"github.com/hackgods/dental-practice-core/internal/billing"
	"github.com/hackgods/dental-practice-core/internal/db"
	"github.com/hackgods/dental-practice-core/internal/events"
	"github.com/hackgods/dental-practice-core/internal/insurance"
	"github.com/hackgods/dental-practice-core/internal/tariff"
)

type fixture struct {
	store       *memStore
	profiles    profileRepo
	publisher   *recordingPublisher
	svc         *Service
	appointment uuid.UUID
	patient     uuid.UUID
	ctx         context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:       newMemStore(),
		profiles:    profileRepo{},
		publisher:   &recordingPublisher{},
		appointment: uuid.New(),
		patient:     uuid.New(),
		ctx:         db.WithTenant(context.Background(), "clinic"),
	}

	brussels, err := time.LoadLocation("Europe/Brussels")
	require.NoError(t, err)
	professional := uuid.New()
	f.store.hours[professional] = availability.WorkingHours{
		Location:     brussels,
		OpensMinute:  8 * 60,
		ClosesMinute: 18 * 60,
		Cadence:      30 * time.Minute,
	}

	start := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	f.store.appointments[f.appointment] = appointment.Appointment{
		ID:             f.appointment,
		ProfessionalID: professional,
		PatientID:      f.patient,
		ServiceID:      uuid.New(),
		StartTime:      start,
		EndTime:        start.Add(30 * time.Minute),
		Status:         appointment.StatusScheduled,
	}
	paymentID := uuid.New()
	f.store.payments[paymentID] = appointment.Payment{
		ID:            paymentID,
		AppointmentID: f.appointment,
		AmountCents:   4000,
		Status:        appointment.PaymentPending,
	}

	catalog := codeCatalog{
		"CONSULT": {
			ID:             uuid.New(),
			Code:           "CONSULT",
			Duration:       30 * time.Minute,
			BaseCents:      4000,
			MutualityShare: tariff.Percent(75),
			PatientShare:   tariff.Percent(25),
		},
		"XRAY": {
			ID:             uuid.New(),
			Code:           "XRAY",
			Duration:       15 * time.Minute,
			BaseCents:      2550,
			VATRate:        tariff.Percent(21),
			MutualityShare: tariff.Percent(60),
			PatientShare:   tariff.Percent(40),
		},
	}

	resolver := insurance.NewResolver(f.profiles, false, zerolog.Nop())
	f.svc = NewService(f.store, f.store, catalog, resolver, f.publisher, zerolog.Nop())
	return f
}

func consultLine() []LineRequest {
	return []LineRequest{{Code: "CONSULT", Quantity: 1}}
}

func (f *fixture) issuedInvoice(t *testing.T) *Invoice {
	t.Helper()
	out, err := f.svc.Finalize(f.ctx, f.appointment, consultLine())
	require.NoError(t, err)
	inv, err := f.svc.Issue(f.ctx, out.Invoice.ID)
	require.NoError(t, err)
	return inv
}

func TestFinalizeCreatesDraftInvoice(t *testing.T) {
	f := newFixture(t)

	out, err := f.svc.Finalize(f.ctx, f.appointment, []LineRequest{
		{Code: "CONSULT", Quantity: 1},
		{Code: "XRAY", Quantity: 2, Location: "16"},
	})
	require.NoError(t, err)

	assert.True(t, out.Created)
	assert.False(t, out.Reused)
	assert.False(t, out.AlreadyCompleted)

	inv := out.Invoice
	assert.Equal(t, StatusDraft, inv.Status)
	assert.Equal(t, ClaimToBeSubmitted, inv.ClaimStatus)
	assert.Equal(t, int64(4000+5100), inv.TotalCents)
	assert.Equal(t, int64(3000+3060), inv.MutualityCents)
	assert.Equal(t, int64(1000+2040), inv.PatientCents)
	assert.Equal(t, int64(1071), inv.VATCents)
	assert.Equal(t, inv.TotalCents, inv.MutualityCents+inv.PatientCents)

	require.Len(t, inv.Items, 2)
	assert.Equal(t, "16", inv.Items[1].Location)

	invoices, lines := f.store.counts()
	assert.Equal(t, 1, invoices)
	assert.Equal(t, 2, lines)
}

func TestFinalizeTwiceReusesInvoice(t *testing.T) {
	f := newFixture(t)

	first, err := f.svc.Finalize(f.ctx, f.appointment, consultLine())
	require.NoError(t, err)
	second, err := f.svc.Finalize(f.ctx, f.appointment, consultLine())
	require.NoError(t, err)

	assert.True(t, second.Reused)
	assert.False(t, second.Created)
	assert.Equal(t, first.Invoice.ID, second.Invoice.ID)

	invoices, lines := f.store.counts()
	assert.Equal(t, 1, invoices)
	assert.Equal(t, 1, lines, "treatment lines are not duplicated")
}

func TestFinalizeConcurrentCallsCreateOneInvoice(t *testing.T) {
	f := newFixture(t)

	const callers = 6
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = map[uuid.UUID]bool{}
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.svc.Finalize(f.ctx, f.appointment, consultLine())
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if out.Created {
				created++
			}
			ids[out.Invoice.ID] = true
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)
}

func TestFinalizeCompletedAppointment(t *testing.T) {
	f := newFixture(t)
	a := f.store.appointments[f.appointment]
	a.Status = appointment.StatusCompleted
	f.store.appointments[f.appointment] = a

	out, err := f.svc.Finalize(f.ctx, f.appointment, consultLine())
	require.NoError(t, err)
	assert.True(t, out.AlreadyCompleted)
	assert.False(t, out.Created)

	invoices, _ := f.store.counts()
	assert.Zero(t, invoices)
}

func TestFinalizeCancelledAppointment(t *testing.T) {
	f := newFixture(t)
	a := f.store.appointments[f.appointment]
	a.Status = appointment.StatusCancelled
	f.store.appointments[f.appointment] = a

	_, err := f.svc.Finalize(f.ctx, f.appointment, consultLine())
	assert.ErrorIs(t, err, ErrAppointmentCancelled)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestFinalizeRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name  string
		id    uuid.UUID
		lines []LineRequest
		want  error
		kind  error
	}{
		{name: "no lines", id: f.appointment, want: ErrNoLines, kind: apperr.ErrValidation},
		{name: "blank code", id: f.appointment, lines: []LineRequest{{Code: " ", Quantity: 1}}, want: ErrMissingCode, kind: apperr.ErrValidation},
		{name: "zero quantity", id: f.appointment, lines: []LineRequest{{Code: "CONSULT"}}, want: billing.ErrInvalidQuantity, kind: apperr.ErrValidation},
		{name: "unknown code", id: f.appointment, lines: []LineRequest{{Code: "NOPE", Quantity: 1}}, want: tariff.ErrTariffNotFound, kind: apperr.ErrNotFound},
		{name: "unknown appointment", id: uuid.New(), lines: consultLine(), want: appointment.ErrAppointmentNotFound, kind: apperr.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Finalize(f.ctx, tt.id, tt.lines)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, tt.kind)
		})
	}
}

func TestFinalizeOmnioPatientPaysNothing(t *testing.T) {
	f := newFixture(t)
	f.profiles[f.patient] = []insurance.Profile{{
		ID:        uuid.New(),
		PatientID: f.patient,
		Insurer:   "CM",
		ValidFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		IsOmnio:   true,
	}}

	out, err := f.svc.Finalize(f.ctx, f.appointment, consultLine())
	require.NoError(t, err)
	assert.Equal(t, int64(4000), out.Invoice.MutualityCents)
	assert.Zero(t, out.Invoice.PatientCents)
}

func TestFinalizeUsesServiceDateInPracticeTimeZone(t *testing.T) {
	f := newFixture(t)
	// 00:30 on 19 October in Brussels, still the 18th in UTC.
	a := f.store.appointments[f.appointment]
	a.StartTime = time.Date(2026, 10, 18, 22, 30, 0, 0, time.UTC)
	a.EndTime = a.StartTime.Add(30 * time.Minute)
	f.store.appointments[f.appointment] = a
	f.profiles[f.patient] = []insurance.Profile{{
		ID:        uuid.New(),
		PatientID: f.patient,
		Insurer:   "CM",
		ValidFrom: time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC),
		IsOmnio:   true,
	}}

	out, err := f.svc.Finalize(f.ctx, f.appointment, consultLine())
	require.NoError(t, err)
	assert.Zero(t, out.Invoice.PatientCents, "the profile starting that day applies")
}

func TestFinalizeAfterLosingToSameFinalize(t *testing.T) {
	f := newFixture(t)
	rival := uuid.New()
	f.store.lostRaces = []func(m *memStore){func(m *memStore) {
		m.invoices[rival] = Invoice{
			ID:            rival,
			AppointmentID: f.appointment,
			TotalCents:    4000,
			Status:        StatusDraft,
			ClaimStatus:   ClaimToBeSubmitted,
		}
	}}

	out, err := f.svc.Finalize(f.ctx, f.appointment, consultLine())
	require.NoError(t, err)
	assert.True(t, out.Reused)
	assert.Equal(t, rival, out.Invoice.ID)

	invoices, lines := f.store.counts()
	assert.Equal(t, 1, invoices)
	assert.Zero(t, lines)
}

func TestFinalizeGivesUpAfterOneRetry(t *testing.T) {
	f := newFixture(t)
	noop := func(*memStore) {}
	f.store.lostRaces = []func(m *memStore){noop, noop}

	_, err := f.svc.Finalize(f.ctx, f.appointment, consultLine())
	assert.ErrorIs(t, err, ErrConcurrentUpdate)

	invoices, _ := f.store.counts()
	assert.Zero(t, invoices)
}

func TestIssuePublishesPaymentRequest(t *testing.T) {
	f := newFixture(t)
	out, err := f.svc.Finalize(f.ctx, f.appointment, consultLine())
	require.NoError(t, err)

	inv, err := f.svc.Issue(f.ctx, out.Invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusIssued, inv.Status)
	require.NotNil(t, inv.IssuedAt)

	assert.Equal(t, []string{events.InvoiceIssued, events.PaymentRequested}, f.publisher.keys())
	assert.Equal(t, int64(1000), f.publisher.sent[1].data["patient_amount_cents"])

	again, err := f.svc.Issue(f.ctx, out.Invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, inv.IssuedAt, again.IssuedAt, "re-issuing keeps the original issue time")
	assert.Len(t, f.publisher.keys(), 4)
}

func TestIssueReportsUndeliveredNotification(t *testing.T) {
	f := newFixture(t)
	f.publisher.fail = errors.New("broker down")
	out, err := f.svc.Finalize(f.ctx, f.appointment, consultLine())
	require.NoError(t, err)

	inv, err := f.svc.Issue(f.ctx, out.Invoice.ID)
	assert.ErrorIs(t, err, ErrNotificationNotDelivered)
	assert.ErrorIs(t, err, apperr.ErrDependency)
	require.NotNil(t, inv)
	assert.Equal(t, StatusIssued, inv.Status)

	f.publisher.fail = nil
	_, err = f.svc.Issue(f.ctx, out.Invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{events.InvoiceIssued, events.PaymentRequested}, f.publisher.keys())
}

func TestMarkPaidCompletesAppointmentOnce(t *testing.T) {
	f := newFixture(t)
	inv := f.issuedInvoice(t)

	first, err := f.svc.MarkPaid(f.ctx, inv.ID, "TX-1")
	require.NoError(t, err)
	assert.False(t, first.AlreadyCompleted)
	assert.Equal(t, StatusPaid, first.Invoice.Status)
	assert.Equal(t, appointment.StatusCompleted, f.store.appointmentByID(f.appointment).Status)

	payment := f.store.paymentFor(f.appointment)
	assert.Equal(t, appointment.PaymentCaptured, payment.Status)
	assert.Equal(t, int64(1000), payment.AmountCents)
	require.NotNil(t, payment.Reference)
	assert.Equal(t, "TX-1", *payment.Reference)

	second, err := f.svc.MarkPaid(f.ctx, inv.ID, "TX-2")
	require.NoError(t, err)
	assert.True(t, second.AlreadyCompleted)
	assert.Equal(t, "TX-1", *f.store.paymentFor(f.appointment).Reference, "paid invoices do not change")

	assert.Equal(t, []string{events.InvoiceIssued, events.PaymentRequested, events.InvoicePaid}, f.publisher.keys())
}

func TestMarkPaidAfterLosingToSamePayment(t *testing.T) {
	f := newFixture(t)
	inv := f.issuedInvoice(t)

	// The rival request paid the invoice and completed the appointment.
	f.store.lostRaces = []func(m *memStore){func(m *memStore) {
		paid := m.invoices[inv.ID]
		paid.Status = StatusPaid
		m.invoices[inv.ID] = paid
		a := m.appointments[f.appointment]
		a.Status = appointment.StatusCompleted
		m.appointments[f.appointment] = a
	}}

	out, err := f.svc.MarkPaid(f.ctx, inv.ID, "TX-2")
	require.NoError(t, err)
	assert.True(t, out.AlreadyCompleted)
	assert.Equal(t, StatusPaid, out.Invoice.Status)
	assert.Equal(t, []string{events.InvoiceIssued, events.PaymentRequested}, f.publisher.keys(), "only the winner announces the payment")
}

func TestMarkPaidOnCancelledAppointment(t *testing.T) {
	f := newFixture(t)
	inv := f.issuedInvoice(t)
	f.store.setStatus(f.appointment, appointment.StatusCancelled)

	_, err := f.svc.MarkPaid(f.ctx, inv.ID, "TX-1")
	assert.ErrorIs(t, err, ErrAppointmentCancelled)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	got, err := f.svc.Get(f.ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusIssued, got.Status)
	assert.Equal(t, appointment.PaymentPending, f.store.paymentFor(f.appointment).Status)
	assert.Equal(t, appointment.StatusCancelled, f.store.appointmentByID(f.appointment).Status)
}

func TestIssueOnCancelledAppointment(t *testing.T) {
	f := newFixture(t)
	out, err := f.svc.Finalize(f.ctx, f.appointment, consultLine())
	require.NoError(t, err)
	f.store.setStatus(f.appointment, appointment.StatusCancelled)

	_, err = f.svc.Issue(f.ctx, out.Invoice.ID)
	assert.ErrorIs(t, err, ErrAppointmentCancelled)
	assert.Empty(t, f.publisher.keys())
}

func TestMarkPaidAfterManualCompletion(t *testing.T) {
	f := newFixture(t)
	inv := f.issuedInvoice(t)
	a := f.store.appointments[f.appointment]
	a.Status = appointment.StatusCompleted
	f.store.appointments[f.appointment] = a

	out, err := f.svc.MarkPaid(f.ctx, inv.ID, "TX-1")
	require.NoError(t, err)
	assert.True(t, out.AlreadyCompleted)
	assert.Equal(t, StatusPaid, out.Invoice.Status)
}

func TestMarkPaidRequiresIssuedInvoice(t *testing.T) {
	f := newFixture(t)
	out, err := f.svc.Finalize(f.ctx, f.appointment, consultLine())
	require.NoError(t, err)

	_, err = f.svc.MarkPaid(f.ctx, out.Invoice.ID, "TX-1")
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	_, err = f.svc.MarkPaid(f.ctx, out.Invoice.ID, "  ")
	assert.ErrorIs(t, err, ErrMissingReference)

	_, err = f.svc.MarkPaid(f.ctx, uuid.New(), "TX-1")
	assert.ErrorIs(t, err, ErrInvoiceNotFound)
}

func TestVoidAllowsNewInvoice(t *testing.T) {
	f := newFixture(t)
	inv := f.issuedInvoice(t)

	voided, err := f.svc.Void(f.ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusVoid, voided.Status)

	_, err = f.svc.Issue(f.ctx, inv.ID)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	out, err := f.svc.Finalize(f.ctx, f.appointment, consultLine())
	require.NoError(t, err)
	assert.True(t, out.Created)
	assert.NotEqual(t, inv.ID, out.Invoice.ID)
}

func TestVoidPaidInvoice(t *testing.T) {
	f := newFixture(t)
	inv := f.issuedInvoice(t)
	_, err := f.svc.MarkPaid(f.ctx, inv.ID, "TX-1")
	require.NoError(t, err)

	_, err = f.svc.Void(f.ctx, inv.ID)
	assert.ErrorIs(t, err, ErrInvoicePaid)
}

func TestClaimLifecycle(t *testing.T) {
	f := newFixture(t)
	inv := f.issuedInvoice(t)

	_, err := f.svc.SettleClaim(f.ctx, inv.ID)
	assert.ErrorIs(t, err, ErrInvalidClaimTransition)

	submitted, err := f.svc.SubmitClaim(f.ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, ClaimSubmitted, submitted.ClaimStatus)

	_, err = f.svc.SubmitClaim(f.ctx, inv.ID)
	assert.ErrorIs(t, err, ErrInvalidClaimTransition)

	settled, err := f.svc.SettleClaim(f.ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, ClaimSettled, settled.ClaimStatus)

	got, err := f.svc.Get(f.ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, ClaimSettled, got.ClaimStatus)
}

func TestClaimOnVoidInvoice(t *testing.T) {
	f := newFixture(t)
	inv := f.issuedInvoice(t)
	_, err := f.svc.Void(f.ctx, inv.ID)
	require.NoError(t, err)

	_, err = f.svc.SubmitClaim(f.ctx, inv.ID)
	assert.ErrorIs(t, err, ErrInvalidClaimTransition)
}
