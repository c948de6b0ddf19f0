package tariff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/dental-practice-core/internal/db"
)

type PgCatalog struct {
	pool *pgxpool.Pool
}

func NewPgCatalog(pool *pgxpool.Pool) *PgCatalog {
	return &PgCatalog{pool: pool}
}

const tariffColumns = `id, code, description, duration_minutes, base_tariff_cents, vat_rate_bp, mutuality_share_bp, patient_share_bp`

func scanTariff(row pgx.Row) (Tariff, error) {
	var t Tariff
	var minutes int

	err := row.Scan(
		&t.ID,
		&t.Code,
		&t.Description,
		&minutes,
		&t.BaseCents,
		&t.VATRate,
		&t.MutualityShare,
		&t.PatientShare,
	)
	if err != nil {
		return Tariff{}, err
	}

	t.Duration = time.Duration(minutes) * time.Minute
	return t, nil
}

func (c *PgCatalog) ByID(ctx context.Context, id uuid.UUID) (Tariff, error) {
	var t Tariff
	err := db.InTenantTx(ctx, c.pool, db.ReadSnapshot, func(tx pgx.Tx) error {
		var err error
		t, err = scanTariff(tx.QueryRow(ctx, `SELECT `+tariffColumns+` FROM services WHERE id = $1`, id))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return Tariff{}, ErrServiceNotFound
	}
	return t, err
}

func (c *PgCatalog) ByCode(ctx context.Context, code string) (Tariff, error) {
	var t Tariff
	err := db.InTenantTx(ctx, c.pool, db.ReadSnapshot, func(tx pgx.Tx) error {
		var err error
		t, err = scanTariff(tx.QueryRow(ctx, `SELECT `+tariffColumns+` FROM services WHERE code = $1`, code))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return Tariff{}, ErrTariffNotFound
	}
	return t, err
}

// ByCodes returns every requested code or ErrTariffNotFound naming the first
// missing one.
func (c *PgCatalog) ByCodes(ctx context.Context, codes []string) (map[string]Tariff, error) {
	out := make(map[string]Tariff, len(codes))
	err := db.InTenantTx(ctx, c.pool, db.ReadSnapshot, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+tariffColumns+` FROM services WHERE code = ANY($1)`, codes)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			t, err := scanTariff(rows)
			if err != nil {
				return err
			}
			out[t.Code] = t
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("load tariffs: %w", err)
	}

	for _, code := range codes {
		if _, ok := out[code]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrTariffNotFound, code)
		}
	}
	return out, nil
}

// Upsert writes a catalog row; used by the seed command.
func (c *PgCatalog) Upsert(ctx context.Context, t Tariff) error {
	if err := t.Validate(); err != nil {
		return err
	}
	return db.InTenantTx(ctx, c.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO services (`+tariffColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (code) DO UPDATE
			SET description = EXCLUDED.description,
			    duration_minutes = EXCLUDED.duration_minutes,
			    base_tariff_cents = EXCLUDED.base_tariff_cents,
			    vat_rate_bp = EXCLUDED.vat_rate_bp,
			    mutuality_share_bp = EXCLUDED.mutuality_share_bp,
			    patient_share_bp = EXCLUDED.patient_share_bp
		`, t.ID, t.Code, t.Description, int(t.Duration/time.Minute), t.BaseCents, t.VATRate, t.MutualityShare, t.PatientShare)
		return err
	})
}
