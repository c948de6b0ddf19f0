package insurance

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/dental-practice-core/internal/db"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func (r *PgRepository) ProfilesForPatient(ctx context.Context, patientID uuid.UUID) ([]Profile, error) {
	var out []Profile
	err := db.InTenantTx(ctx, r.pool, db.ReadSnapshot, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, patient_id, insurer, COALESCE(member_number, ''), valid_from, valid_to, is_omnio, is_vip
			FROM insurance_profiles
			WHERE patient_id = $1
			ORDER BY valid_from
		`, patientID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var p Profile
			if err := rows.Scan(&p.ID, &p.PatientID, &p.Insurer, &p.MemberNumber, &p.ValidFrom, &p.ValidTo, &p.IsOmnio, &p.IsVIP); err != nil {
				return err
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	return out, err
}

// Insert stores a profile; used by the seed command.
func (r *PgRepository) Insert(ctx context.Context, p Profile) error {
	return db.InTenantTx(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO insurance_profiles (id, patient_id, insurer, member_number, valid_from, valid_to, is_omnio, is_vip)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, p.ID, p.PatientID, p.Insurer, p.MemberNumber, p.ValidFrom, p.ValidTo, p.IsOmnio, p.IsVIP)
		return err
	})
}
