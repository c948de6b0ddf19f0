package appointment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/dental-practice-core/internal/availability"
	"github.com/hackgods/dental-practice-core/internal/db"
	"github.com/hackgods/dental-practice-core/internal/ledger"
	redisclient "github.com/hackgods/dental-practice-core/internal/redis"
	"github.com/hackgods/dental-practice-core/internal/tariff"
)

type slotRow struct {
	taken *uuid.UUID
}

// memStore is an in-memory Repository. WithinTx holds the store mutex for
// the whole callback, which makes every transaction serial, and restores a
// snapshot when the callback fails. Each entry of lostRaces makes one
// WithinTx call apply a rival transaction's writes and fail the way
// Postgres reports a lost serialization race.
type memStore struct {
	mu            sync.Mutex
	professionals map[uuid.UUID]availability.WorkingHours
	businesses    map[uuid.UUID]uuid.UUID
	patients      map[uuid.UUID]Patient
	appointments  map[uuid.UUID]Appointment
	payments      map[uuid.UUID]Payment
	ledger        map[string]*slotRow
	events        []EventLog
	lostRaces     []func(m *memStore)
}

func newMemStore() *memStore {
	return &memStore{
		professionals: map[uuid.UUID]availability.WorkingHours{},
		businesses:    map[uuid.UUID]uuid.UUID{},
		patients:      map[uuid.UUID]Patient{},
		appointments:  map[uuid.UUID]Appointment{},
		payments:      map[uuid.UUID]Payment{},
		ledger:        map[string]*slotRow{},
	}
}

func (m *memStore) materialize(keys []ledger.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		if _, ok := m.ledger[k.String()]; !ok {
			m.ledger[k.String()] = &slotRow{}
		}
	}
}

func (m *memStore) slotHolder(k ledger.Key) (*uuid.UUID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.ledger[k.String()]
	if !ok {
		return nil, false
	}
	return r.taken, true
}

func (m *memStore) paymentFor(appointmentID uuid.UUID) Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.AppointmentID == appointmentID {
			return p
		}
	}
	return Payment{}
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.appointments)
}

func (m *memStore) ResolveBookableParty(_ context.Context, id uuid.UUID) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.professionals[id]; ok {
		return id, nil
	}
	if owner, ok := m.businesses[id]; ok {
		return owner, nil
	}
	return uuid.Nil, ErrProfessionalNotFound
}

func (m *memStore) WorkingHours(_ context.Context, id uuid.UUID) (availability.WorkingHours, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.professionals[id]
	if !ok {
		return availability.WorkingHours{}, ErrProfessionalNotFound
	}
	return h, nil
}

func (m *memStore) BusyIntervals(_ context.Context, id uuid.UUID, from, to time.Time) ([]availability.Interval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return intervals(m.active(id, from, to)), nil
}

func (m *memStore) GetAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
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
	payments := cloneMap(m.payments)
	slots := make(map[string]slotRow, len(m.ledger))
	for k, r := range m.ledger {
		slots[k] = *r
	}
	events := len(m.events)

	if err := fn(ctx, memTx{m}); err != nil {
		m.appointments, m.payments = appts, payments
		m.ledger = make(map[string]*slotRow, len(slots))
		for k, r := range slots {
			r := r
			m.ledger[k] = &r
		}
		m.events = m.events[:events]
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

func (m *memStore) active(professionalID uuid.UUID, from, to time.Time) []Appointment {
	var out []Appointment
	for _, a := range m.appointments {
		if a.ProfessionalID == professionalID && a.Status != StatusCancelled &&
			a.StartTime.Before(to) && a.EndTime.After(from) {
			out = append(out, a)
		}
	}
	return out
}

// memTx runs with memStore.mu already held.
type memTx struct {
	m *memStore
}

func (t memTx) GetPatient(_ context.Context, id uuid.UUID) (*Patient, error) {
	p, ok := t.m.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (t memTx) ActiveAppointments(_ context.Context, professionalID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	return t.m.active(professionalID, from, to), nil
}

func (t memTx) ClaimSlot(_ context.Context, key ledger.Key, appointmentID uuid.UUID) error {
	r, ok := t.m.ledger[key.String()]
	if !ok {
		return ledger.ErrNotMaterialized
	}
	if r.taken != nil {
		return ledger.ErrAlreadyClaimed
	}
	id := appointmentID
	r.taken = &id
	return nil
}

func (t memTx) ReleaseSlots(_ context.Context, appointmentID uuid.UUID) (int64, error) {
	var n int64
	for _, r := range t.m.ledger {
		if r.taken != nil && *r.taken == appointmentID {
			r.taken = nil
			n++
		}
	}
	return n, nil
}

func (t memTx) InsertAppointment(_ context.Context, a *Appointment) error {
	now := time.Now()
	a.CreatedAt, a.UpdatedAt = now, now
	t.m.appointments[a.ID] = *a
	return nil
}

func (t memTx) InsertPayment(_ context.Context, p *Payment) error {
	p.CreatedAt = time.Now()
	t.m.payments[p.ID] = *p
	return nil
}

func (t memTx) LockAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	a, ok := t.m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (t memTx) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, from, to Status) (*Appointment, error) {
	a, ok := t.m.appointments[id]
	if !ok || a.Status != from {
		return nil, ErrAppointmentNotFound
	}
	a.Status, a.UpdatedAt = to, time.Now()
	t.m.appointments[id] = a
	return &a, nil
}

func (t memTx) CancelPendingPayments(_ context.Context, appointmentID uuid.UUID) (int64, error) {
	var n int64
	for id, p := range t.m.payments {
		if p.AppointmentID == appointmentID && p.Status == PaymentPending {
			p.Status = PaymentCancelled
			t.m.payments[id] = p
			n++
		}
	}
	return n, nil
}

func (t memTx) InsertEvent(_ context.Context, ev EventLog) error {
	t.m.events = append(t.m.events, ev)
	return nil
}

type memCatalog map[uuid.UUID]tariff.Tariff

func (c memCatalog) ByID(_ context.Context, id uuid.UUID) (tariff.Tariff, error) {
	t, ok := c[id]
	if !ok {
		return tariff.Tariff{}, tariff.ErrServiceNotFound
	}
	return t, nil
}

func (c memCatalog) ByCode(_ context.Context, code string) (tariff.Tariff, error) {
	for _, t := range c {
		if t.Code == code {
			return t, nil
		}
	}
	return tariff.Tariff{}, tariff.ErrTariffNotFound
}

func (c memCatalog) ByCodes(ctx context.Context, codes []string) (map[string]tariff.Tariff, error) {
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

// memLocker mimics SETNX: a second holder of the same key is refused.
type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocker() *memLocker {
	return &memLocker{held: map[string]bool{}}
}

func (l *memLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	if l.held[key] {
		l.mu.Unlock()
		return redisclient.ErrLockNotAcquired
	}
	l.held[key] = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}()
	return fn(ctx)
}

// noLocker lets every caller through so the transaction alone decides.
type noLocker struct{}

func (noLocker) WithLock(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
