package invoice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/dental-practice-core/internal/appointment"
	"github.com/hackgods/dental-practice-core/internal/availability"
	"github.com/hackgods/dental-practice-core/internal/billing"
	"github.com/hackgods/dental-practice-core/internal/db"
	"github.com/hackgods/dental-practice-core/internal/insurance"
	"github.com/hackgods/dental-practice-core/internal/tariff"
)

type treatmentLine struct {
	invoiceID uuid.UUID
	code      string
	amounts   billing.Amounts
}

// memStore keeps appointments, invoices and payments in memory. WithinTx
// holds the mutex for the whole callback and rolls back on error. Each entry
// of lostRaces makes one WithinTx call apply a rival transaction's writes
// and fail with a serialization error instead of running the callback.
type memStore struct {
	mu           sync.Mutex
	appointments map[uuid.UUID]appointment.Appointment
	invoices     map[uuid.UUID]Invoice
	lines        []treatmentLine
	payments     map[uuid.UUID]appointment.Payment
	events       []appointment.EventLog
	hours        map[uuid.UUID]availability.WorkingHours
	lostRaces    []func(m *memStore)
}

func newMemStore() *memStore {
	return &memStore{
		appointments: map[uuid.UUID]appointment.Appointment{},
		invoices:     map[uuid.UUID]Invoice{},
		payments:     map[uuid.UUID]appointment.Payment{},
		hours:        map[uuid.UUID]availability.WorkingHours{},
	}
}

func (m *memStore) appointmentByID(id uuid.UUID) appointment.Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appointments[id]
}

func (m *memStore) paymentFor(appointmentID uuid.UUID) appointment.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.AppointmentID == appointmentID {
			return p
		}
	}
	return appointment.Payment{}
}

func (m *memStore) counts() (invoices, lines int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.invoices), len(m.lines)
}

func (m *memStore) GetAppointment(_ context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	return &a, nil
}

func (m *memStore) WorkingHours(_ context.Context, professionalID uuid.UUID) (availability.WorkingHours, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hours[professionalID]
	if !ok {
		return availability.WorkingHours{}, appointment.ErrProfessionalNotFound
	}
	return h, nil
}

func (m *memStore) setStatus(id uuid.UUID, st appointment.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.appointments[id]
	a.Status = st
	m.appointments[id] = a
}

func (m *memStore) GetInvoice(_ context.Context, id uuid.UUID) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	return &inv, nil
}

func (m *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.lostRaces) > 0 {
		rival := m.lostRaces[0]
		m.lostRaces = m.lostRaces[1:]
		rival(m)
		return fmt.Errorf("commit tx: %w", db.ErrSerialization)
	}

	appts := cloneMap(m.appointments)
	invoices := cloneMap(m.invoices)
	payments := cloneMap(m.payments)
	lines, evs := len(m.lines), len(m.events)

	if err := fn(ctx, memTx{m}); err != nil {
		m.appointments, m.invoices, m.payments = appts, invoices, payments
		m.lines, m.events = m.lines[:lines], m.events[:evs]
		return err
	}
	return nil
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

type memTx struct {
	m *memStore
}

func (t memTx) LockAppointment(_ context.Context, id uuid.UUID) (appointment.Status, error) {
	a, ok := t.m.appointments[id]
	if !ok {
		return "", appointment.ErrAppointmentNotFound
	}
	return a.Status, nil
}

func (t memTx) CompleteAppointment(_ context.Context, id uuid.UUID) (bool, error) {
	a, ok := t.m.appointments[id]
	if !ok || (a.Status != appointment.StatusScheduled && a.Status != appointment.StatusConfirmed) {
		return false, nil
	}
	a.Status = appointment.StatusCompleted
	t.m.appointments[id] = a
	return true, nil
}

func (t memTx) OpenInvoiceFor(_ context.Context, appointmentID uuid.UUID) (*Invoice, error) {
	for _, inv := range t.m.invoices {
		if inv.AppointmentID == appointmentID && inv.Status != StatusVoid {
			return &inv, nil
		}
	}
	return nil, ErrNoOpenInvoice
}

func (t memTx) InsertInvoice(_ context.Context, inv *Invoice) error {
	if _, err := t.OpenInvoiceFor(context.Background(), inv.AppointmentID); err == nil {
		return errors.New("duplicate open invoice")
	}
	inv.CreatedAt = time.Now()
	t.m.invoices[inv.ID] = *inv
	return nil
}

func (t memTx) InsertTreatmentLines(_ context.Context, inv *Invoice, lines []billing.PricedLine) error {
	for _, l := range lines {
		t.m.lines = append(t.m.lines, treatmentLine{invoiceID: inv.ID, code: l.Line.Tariff.Code, amounts: l.Amounts})
	}
	return nil
}

func (t memTx) LockInvoice(_ context.Context, id uuid.UUID) (*Invoice, error) {
	inv, ok := t.m.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	return &inv, nil
}

func (t memTx) UpdateStatus(_ context.Context, id uuid.UUID, from, to Status) (*Invoice, error) {
	inv, ok := t.m.invoices[id]
	if !ok || inv.Status != from {
		return nil, ErrInvoiceNotFound
	}
	now := time.Now()
	inv.Status = to
	switch to {
	case StatusIssued:
		inv.IssuedAt = &now
	case StatusPaid:
		inv.PaidAt = &now
	}
	t.m.invoices[id] = inv
	return &inv, nil
}

func (t memTx) UpdateClaimStatus(_ context.Context, id uuid.UUID, from, to ClaimStatus) (*Invoice, error) {
	inv, ok := t.m.invoices[id]
	if !ok || inv.ClaimStatus != from {
		return nil, ErrInvoiceNotFound
	}
	inv.ClaimStatus = to
	t.m.invoices[id] = inv
	return &inv, nil
}

func (t memTx) CapturePayment(_ context.Context, inv *Invoice, reference string) error {
	for id, p := range t.m.payments {
		if p.AppointmentID == inv.AppointmentID && p.Status == appointment.PaymentPending {
			invoiceID, ref := inv.ID, reference
			p.Status, p.InvoiceID, p.AmountCents, p.Reference = appointment.PaymentCaptured, &invoiceID, inv.PatientCents, &ref
			t.m.payments[id] = p
			return nil
		}
	}
	invoiceID, ref := inv.ID, reference
	id := uuid.New()
	t.m.payments[id] = appointment.Payment{
		ID:            id,
		AppointmentID: inv.AppointmentID,
		InvoiceID:     &invoiceID,
		AmountCents:   inv.PatientCents,
		Status:        appointment.PaymentCaptured,
		Reference:     &ref,
	}
	return nil
}

func (t memTx) InsertEvent(_ context.Context, ev appointment.EventLog) error {
	t.m.events = append(t.m.events, ev)
	return nil
}

type codeCatalog map[string]tariff.Tariff

func (c codeCatalog) ByID(_ context.Context, id uuid.UUID) (tariff.Tariff, error) {
	for _, t := range c {
		if t.ID == id {
			return t, nil
		}
	}
	return tariff.Tariff{}, tariff.ErrServiceNotFound
}

func (c codeCatalog) ByCode(_ context.Context, code string) (tariff.Tariff, error) {
	t, ok := c[code]
	if !ok {
		return tariff.Tariff{}, tariff.ErrTariffNotFound
	}
	return t, nil
}

func (c codeCatalog) ByCodes(ctx context.Context, codes []string) (map[string]tariff.Tariff, error) {
	out := map[string]tariff.Tariff{}
	for _, code := range codes {
		t, err := c.ByCode(ctx, code)
		if err != nil {
			return nil, err
		}
		out[code] = t
	}
	return out, nil
}

type profileRepo map[uuid.UUID][]insurance.Profile

func (r profileRepo) ProfilesForPatient(_ context.Context, patientID uuid.UUID) ([]insurance.Profile, error) {
	return r[patientID], nil
}

type published struct {
	routingKey string
	data       map[string]any
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []published
	fail error
}

func (p *recordingPublisher) Publish(_ context.Context, routingKey string, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.sent = append(p.sent, published{routingKey: routingKey, data: data.(map[string]any)})
	return nil
}

func (p *recordingPublisher) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, s := range p.sent {
		out = append(out, s.routingKey)
	}
	return out
}
