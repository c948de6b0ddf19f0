package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/dental-practice-core/internal/availability"
	"github.com/hackgods/dental-practice-core/internal/db"
	"github.com/hackgods/dental-practice-core/internal/ledger"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

const appointmentColumns = `id, professional_id, patient_id, service_id, start_time, end_time, status, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Name, &p.Email, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.ProfessionalID,
		&a.PatientID,
		&a.ServiceID,
		&a.StartTime,
		&a.EndTime,
		&a.Status,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return &a, nil
}

func scanAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanProfessional(row pgx.Row) (*Professional, error) {
	var (
		p       Professional
		tz      string
		days    []int16
		cadence int
	)

	err := row.Scan(
		&p.ID,
		&p.Name,
		&tz,
		&p.Hours.OpensMinute,
		&p.Hours.ClosesMinute,
		&days,
		&cadence,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProfessionalNotFound
		}
		return nil, err
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("professional %s has unknown time zone %q: %w", p.ID, tz, err)
	}
	p.Hours.Location = loc
	p.Hours.Cadence = time.Duration(cadence) * time.Minute
	for _, d := range days {
		p.Hours.Days = append(p.Hours.Days, time.Weekday(d))
	}
	return &p, nil
}

const professionalColumns = `id, name, time_zone, opens_minute, closes_minute, working_days, cadence_minutes, created_at, updated_at`

func (r *PgRepository) read(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return db.InTenantTx(ctx, r.pool, db.ReadSnapshot, fn)
}

// Read side

func (r *PgRepository) ResolveBookableParty(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	var professionalID uuid.UUID
	err := r.read(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			SELECT id FROM professionals WHERE id = $1
			UNION ALL
			SELECT owner_professional_id FROM businesses WHERE id = $1
			LIMIT 1
		`, id).Scan(&professionalID)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrProfessionalNotFound
	}
	return professionalID, err
}

func (r *PgRepository) GetProfessional(ctx context.Context, id uuid.UUID) (*Professional, error) {
	var p *Professional
	err := r.read(ctx, func(tx pgx.Tx) error {
		var err error
		p, err = scanProfessional(tx.QueryRow(ctx, `SELECT `+professionalColumns+` FROM professionals WHERE id = $1`, id))
		return err
	})
	return p, err
}

func (r *PgRepository) WorkingHours(ctx context.Context, professionalID uuid.UUID) (availability.WorkingHours, error) {
	p, err := r.GetProfessional(ctx, professionalID)
	if err != nil {
		return availability.WorkingHours{}, err
	}
	return p.Hours, nil
}

func (r *PgRepository) BusyIntervals(ctx context.Context, professionalID uuid.UUID, from, to time.Time) ([]availability.Interval, error) {
	var busy []availability.Interval
	err := r.read(ctx, func(tx pgx.Tx) error {
		appts, err := activeAppointments(ctx, tx, professionalID, from, to)
		if err != nil {
			return err
		}
		for _, a := range appts {
			busy = append(busy, a.Interval())
		}
		return nil
	})
	return busy, err
}

func (r *PgRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	var a *Appointment
	err := r.read(ctx, func(tx pgx.Tx) error {
		var err error
		a, err = scanAppointment(tx.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id))
		return err
	})
	return a, err
}

// Professionals lists every professional of the tenant on ctx.
func (r *PgRepository) Professionals(ctx context.Context) ([]Professional, error) {
	var out []Professional
	err := r.read(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+professionalColumns+` FROM professionals ORDER BY name`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			p, err := scanProfessional(rows)
			if err != nil {
				return err
			}
			out = append(out, *p)
		}
		return rows.Err()
	})
	return out, err
}

// Write side

func (r *PgRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error {
	return db.InTenantTx(ctx, r.pool, db.Serializable, func(tx pgx.Tx) error {
		return fn(ctx, pgTx{tx: tx})
	})
}

// MaterializeLedger creates missing ledger rows for keys in one transaction.
func (r *PgRepository) MaterializeLedger(ctx context.Context, keys []ledger.Key) (int64, error) {
	var created int64
	err := db.InTenantTx(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var err error
		created, err = ledger.Materialize(ctx, tx, keys)
		return err
	})
	return created, err
}

func (r *PgRepository) InsertProfessional(ctx context.Context, p Professional) error {
	days := make([]int16, 0, len(p.Hours.Days))
	for _, d := range p.Hours.Days {
		days = append(days, int16(d))
	}
	tz := "UTC"
	if p.Hours.Location != nil {
		tz = p.Hours.Location.String()
	}
	return db.InTenantTx(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO professionals (id, name, time_zone, opens_minute, closes_minute, working_days, cadence_minutes)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING
		`, p.ID, p.Name, tz, p.Hours.OpensMinute, p.Hours.ClosesMinute, days, int(p.Hours.Cadence/time.Minute))
		if err != nil {
			return fmt.Errorf("insert professional: %w", err)
		}
		return nil
	})
}

func (r *PgRepository) InsertBusiness(ctx context.Context, b Business) error {
	return db.InTenantTx(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO businesses (id, name, owner_professional_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO NOTHING
		`, b.ID, b.Name, b.OwnerProfessionalID)
		if err != nil {
			return fmt.Errorf("insert business: %w", err)
		}
		return nil
	})
}

func (r *PgRepository) InsertPatient(ctx context.Context, p Patient) error {
	return db.InTenantTx(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO patients (id, name, email)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO NOTHING
		`, p.ID, p.Name, p.Email)
		if err != nil {
			return fmt.Errorf("insert patient: %w", err)
		}
		return nil
	})
}

func activeAppointments(ctx context.Context, q db.DBTX, professionalID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	rows, err := q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE professional_id = $1
		  AND status <> 'cancelled'
		  AND start_time < $3
		  AND end_time > $2
		ORDER BY start_time
	`, professionalID, from, to)
	if err != nil {
		return nil, err
	}
	return scanAppointments(rows)
}

// pgTx implements TxRepository on an open transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t pgTx) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return scanPatient(t.tx.QueryRow(ctx, `
		SELECT id, name, email, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id))
}

func (t pgTx) ActiveAppointments(ctx context.Context, professionalID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	return activeAppointments(ctx, t.tx, professionalID, from, to)
}

func (t pgTx) ClaimSlot(ctx context.Context, key ledger.Key, appointmentID uuid.UUID) error {
	return ledger.Claim(ctx, t.tx, key, appointmentID)
}

func (t pgTx) ReleaseSlots(ctx context.Context, appointmentID uuid.UUID) (int64, error) {
	return ledger.Release(ctx, t.tx, appointmentID)
}

func (t pgTx) InsertAppointment(ctx context.Context, a *Appointment) error {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO appointments (id, professional_id, patient_id, service_id, start_time, end_time, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		RETURNING created_at, updated_at
	`, a.ID, a.ProfessionalID, a.PatientID, a.ServiceID, a.StartTime, a.EndTime, a.Status)
	if err := row.Scan(&a.CreatedAt, &a.UpdatedAt); err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (t pgTx) InsertPayment(ctx context.Context, p *Payment) error {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO payments (id, appointment_id, amount_cents, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		RETURNING created_at
	`, p.ID, p.AppointmentID, p.AmountCents, p.Status)
	if err := row.Scan(&p.CreatedAt); err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (t pgTx) LockAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return scanAppointment(t.tx.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, id))
}

func (t pgTx) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error) {
	return scanAppointment(t.tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns, id, to, from))
}

func (t pgTx) CancelPendingPayments(ctx context.Context, appointmentID uuid.UUID) (int64, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE payments
		SET status = 'cancelled',
		    updated_at = now()
		WHERE appointment_id = $1
		  AND status = 'pending'
	`, appointmentID)
	if err != nil {
		return 0, fmt.Errorf("cancel pending payments: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (t pgTx) InsertEvent(ctx context.Context, ev EventLog) error {
	return InsertEvent(ctx, t.tx, ev)
}

// InsertEvent appends to event_logs using q, which is usually the caller's
// transaction.
func InsertEvent(ctx context.Context, q db.DBTX, ev EventLog) error {
	_, err := q.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
