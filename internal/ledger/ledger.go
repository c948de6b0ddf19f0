// Package ledger is the slot reservation ledger: one row per
// (professional, date, time) that a booking claims with a single conditional
// write. At most one appointment can ever win a row.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/hackgods/dental-practice-core/internal/apperr"
	"github.com/hackgods/dental-practice-core/internal/availability"
	"github.com/hackgods/dental-practice-core/internal/db"
)

var (
	ErrAlreadyClaimed = apperr.Conflict("slot already claimed")
	// ErrNotMaterialized means no ledger row exists for the key; the caller
	// has to rely on the overlap check alone.
	ErrNotMaterialized = errors.New("slot not materialized")
)

// Key identifies a ledger row. Date is a calendar date, Minute the minute of
// day in the professional's time zone.
type Key struct {
	ProfessionalID uuid.UUID
	Date           time.Time
	Minute         int
}

// KeyFor builds the key for a slot starting at start, read in loc.
func KeyFor(professionalID uuid.UUID, start time.Time, loc *time.Location) Key {
	local := start.In(loc)
	y, m, d := local.Date()
	return Key{
		ProfessionalID: professionalID,
		Date:           time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
		Minute:         local.Hour()*60 + local.Minute(),
	}
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%02d:%02d", k.ProfessionalID, k.Date.Format("2006-01-02"), k.Minute/60, k.Minute%60)
}

func (k Key) clock() pgtype.Time {
	return pgtype.Time{Microseconds: int64(k.Minute) * int64(time.Minute/time.Microsecond), Valid: true}
}

// Claim marks the row taken by appointmentID. It must run inside the same
// transaction that inserts the appointment, before the insert.
func Claim(ctx context.Context, q db.DBTX, key Key, appointmentID uuid.UUID) error {
	tag, err := q.Exec(ctx, `
		UPDATE slot_ledger
		SET is_available = false,
		    appointment_id = $4,
		    updated_at = now()
		WHERE professional_id = $1
		  AND slot_date = $2
		  AND slot_time = $3
		  AND is_available = true
	`, key.ProfessionalID, key.Date, key.clock(), appointmentID)
	if err != nil {
		return fmt.Errorf("claim slot %s: %w", key, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	err = q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM slot_ledger
			WHERE professional_id = $1 AND slot_date = $2 AND slot_time = $3
		)
	`, key.ProfessionalID, key.Date, key.clock()).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check slot %s: %w", key, err)
	}
	if exists {
		return ErrAlreadyClaimed
	}
	return ErrNotMaterialized
}

// Release frees every row held by appointmentID and returns how many it freed.
func Release(ctx context.Context, q db.DBTX, appointmentID uuid.UUID) (int64, error) {
	tag, err := q.Exec(ctx, `
		UPDATE slot_ledger
		SET is_available = true,
		    appointment_id = NULL,
		    updated_at = now()
		WHERE appointment_id = $1
	`, appointmentID)
	if err != nil {
		return 0, fmt.Errorf("release slots: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Keys lists the ledger keys of one working day at the given cadence.
func Keys(professionalID uuid.UUID, date time.Time, opensMinute, closesMinute int, cadence time.Duration) []Key {
	step := int(cadence / time.Minute)
	if step <= 0 {
		return nil
	}
	y, m, d := date.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	var keys []Key
	for minute := opensMinute; minute+step <= closesMinute; minute += step {
		keys = append(keys, Key{ProfessionalID: professionalID, Date: day, Minute: minute})
	}
	return keys
}

// Materialize inserts missing rows for keys. Existing rows, claimed or not,
// are left alone. It returns the number of rows created.
func Materialize(ctx context.Context, q db.DBTX, keys []Key) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	var created int64
	for _, k := range keys {
		tag, err := q.Exec(ctx, `
			INSERT INTO slot_ledger (professional_id, slot_date, slot_time, is_available)
			VALUES ($1, $2, $3, true)
			ON CONFLICT DO NOTHING
		`, k.ProfessionalID, k.Date, k.clock())
		if err != nil {
			return created, fmt.Errorf("materialize slot %s: %w", k, err)
		}
		created += tag.RowsAffected()
	}
	return created, nil
}

// Plan lists the keys of every working day in [from, from+days) for a
// professional with the given hours. Days are counted in the professional's
// time zone.
func Plan(professionalID uuid.UUID, hours availability.WorkingHours, from time.Time, days int) []Key {
	loc := hours.Location
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := from.In(loc).Date()

	var keys []Key
	for i := 0; i < days; i++ {
		day := time.Date(y, m, d+i, 0, 0, 0, 0, loc)
		if _, _, ok := hours.Window(day); !ok {
			continue
		}
		keys = append(keys, Keys(professionalID, day, hours.OpensMinute, hours.ClosesMinute, hours.Cadence)...)
	}
	return keys
}
