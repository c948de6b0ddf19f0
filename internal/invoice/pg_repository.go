package invoice

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/dental-practice-core/internal/appointment"
	"github.com/hackgods/dental-practice-core/internal/billing"
	"github.com/hackgods/dental-practice-core/internal/db"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const invoiceColumns = `id, appointment_id, total_amount_cents, patient_amount_cents, mutuality_amount_cents, vat_amount_cents, status, claim_status, created_at, issued_at, paid_at`

func scanInvoice(row pgx.Row, notFound error) (*Invoice, error) {
	var inv Invoice

	err := row.Scan(
		&inv.ID,
		&inv.AppointmentID,
		&inv.TotalCents,
		&inv.PatientCents,
		&inv.MutualityCents,
		&inv.VATCents,
		&inv.Status,
		&inv.ClaimStatus,
		&inv.CreatedAt,
		&inv.IssuedAt,
		&inv.PaidAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound
		}
		return nil, err
	}
	return &inv, nil
}

func loadItems(ctx context.Context, q db.DBTX, inv *Invoice) error {
	rows, err := q.Query(ctx, `
		SELECT code, quantity, location, tariff_cents, mutuality_cents, patient_cents, vat_cents
		FROM invoice_items
		WHERE invoice_id = $1
		ORDER BY id
	`, inv.ID)
	if err != nil {
		return fmt.Errorf("load invoice items: %w", err)
	}
	defer rows.Close()

	inv.Items = []Item{}
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.Code, &it.Quantity, &it.Location, &it.Tariff, &it.Mutuality, &it.Patient, &it.VAT); err != nil {
			return err
		}
		inv.Items = append(inv.Items, it)
	}
	return rows.Err()
}

func (r *PgRepository) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	var inv *Invoice
	err := db.InTenantTx(ctx, r.pool, db.ReadSnapshot, func(tx pgx.Tx) error {
		var err error
		inv, err = scanInvoice(tx.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id), ErrInvoiceNotFound)
		if err != nil {
			return err
		}
		return loadItems(ctx, tx, inv)
	})
	return inv, err
}

// WithinTx runs read committed. Every invoice flow locks its appointment or
// invoice row first, and the statements after the lock see the latest
// committed state of what the previous lock holder wrote.
func (r *PgRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error {
	return db.InTenantTx(ctx, r.pool, db.RowLocked, func(tx pgx.Tx) error {
		return fn(ctx, pgTx{tx: tx})
	})
}

type pgTx struct {
	tx pgx.Tx
}

func (t pgTx) LockAppointment(ctx context.Context, id uuid.UUID) (appointment.Status, error) {
	var st appointment.Status
	err := t.tx.QueryRow(ctx, `SELECT status FROM appointments WHERE id = $1 FOR UPDATE`, id).Scan(&st)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", appointment.ErrAppointmentNotFound
	}
	return st, err
}

func (t pgTx) CompleteAppointment(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE appointments
		SET status = 'completed',
		    updated_at = now()
		WHERE id = $1
		  AND status IN ('scheduled', 'confirmed')
	`, id)
	if err != nil {
		return false, fmt.Errorf("complete appointment: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t pgTx) OpenInvoiceFor(ctx context.Context, appointmentID uuid.UUID) (*Invoice, error) {
	inv, err := scanInvoice(t.tx.QueryRow(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE appointment_id = $1
		  AND status <> 'void'
	`, appointmentID), ErrNoOpenInvoice)
	if err != nil {
		return nil, err
	}
	if err := loadItems(ctx, t.tx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func (t pgTx) InsertInvoice(ctx context.Context, inv *Invoice) error {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO invoices (id, appointment_id, total_amount_cents, patient_amount_cents, mutuality_amount_cents, vat_amount_cents, status, claim_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		RETURNING created_at
	`, inv.ID, inv.AppointmentID, inv.TotalCents, inv.PatientCents, inv.MutualityCents, inv.VATCents, inv.Status, inv.ClaimStatus)
	if err := row.Scan(&inv.CreatedAt); err != nil {
		return fmt.Errorf("insert invoice: %w", err)
	}

	for _, it := range inv.Items {
		_, err := t.tx.Exec(ctx, `
			INSERT INTO invoice_items (invoice_id, code, quantity, location, tariff_cents, mutuality_cents, patient_cents, vat_cents)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, inv.ID, it.Code, it.Quantity, it.Location, it.Tariff, it.Mutuality, it.Patient, it.VAT)
		if err != nil {
			return fmt.Errorf("insert invoice item %s: %w", it.Code, err)
		}
	}
	return nil
}

func (t pgTx) InsertTreatmentLines(ctx context.Context, inv *Invoice, lines []billing.PricedLine) error {
	for _, l := range lines {
		_, err := t.tx.Exec(ctx, `
			INSERT INTO treatment_lines (appointment_id, invoice_id, code, quantity, location, tariff_cents, mutuality_cents, patient_cents, vat_cents)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, inv.AppointmentID, inv.ID, l.Line.Tariff.Code, l.Quantity, l.Location, l.Amounts.Tariff, l.Mutuality, l.Patient, l.VAT)
		if err != nil {
			return fmt.Errorf("insert treatment line %s: %w", l.Line.Tariff.Code, err)
		}
	}
	return nil
}

func (t pgTx) LockInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv, err := scanInvoice(t.tx.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE`, id), ErrInvoiceNotFound)
	if err != nil {
		return nil, err
	}
	if err := loadItems(ctx, t.tx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func (t pgTx) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Invoice, error) {
	inv, err := scanInvoice(t.tx.QueryRow(ctx, `
		UPDATE invoices
		SET status = $2,
		    issued_at = CASE WHEN $2 = 'issued' THEN now() ELSE issued_at END,
		    paid_at = CASE WHEN $2 = 'paid' THEN now() ELSE paid_at END
		WHERE id = $1
		  AND status = $3
		RETURNING `+invoiceColumns, id, to, from), ErrInvoiceNotFound)
	if err != nil {
		return nil, err
	}
	if err := loadItems(ctx, t.tx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func (t pgTx) UpdateClaimStatus(ctx context.Context, id uuid.UUID, from, to ClaimStatus) (*Invoice, error) {
	inv, err := scanInvoice(t.tx.QueryRow(ctx, `
		UPDATE invoices
		SET claim_status = $2
		WHERE id = $1
		  AND claim_status = $3
		RETURNING `+invoiceColumns, id, to, from), ErrInvoiceNotFound)
	if err != nil {
		return nil, err
	}
	if err := loadItems(ctx, t.tx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// CapturePayment settles the booking's pending payment with the patient
// amount. A booking without one gets a captured row of its own.
func (t pgTx) CapturePayment(ctx context.Context, inv *Invoice, reference string) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE payments
		SET status = 'captured',
		    invoice_id = $2,
		    amount_cents = $3,
		    reference = $4,
		    updated_at = now()
		WHERE appointment_id = $1
		  AND status = 'pending'
	`, inv.AppointmentID, inv.ID, inv.PatientCents, reference)
	if err != nil {
		return fmt.Errorf("capture payment: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO payments (id, appointment_id, invoice_id, amount_cents, status, reference)
		VALUES ($1, $2, $3, $4, 'captured', $5)
	`, uuid.New(), inv.AppointmentID, inv.ID, inv.PatientCents, reference)
	if err != nil {
		return fmt.Errorf("insert captured payment: %w", err)
	}
	return nil
}

func (t pgTx) InsertEvent(ctx context.Context, ev appointment.EventLog) error {
	return appointment.InsertEvent(ctx, t.tx, ev)
}
