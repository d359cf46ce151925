package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/kozaktomas/face-attendance/internal/database"
)

// IdentityRepository provides PostgreSQL-backed identity storage.
type IdentityRepository struct {
	pool *Pool
}

// NewIdentityRepository creates a new PostgreSQL identity repository.
func NewIdentityRepository(pool *Pool) *IdentityRepository {
	return &IdentityRepository{pool: pool}
}

const identityColumns = `id, display_name, metadata, active, created_at, updated_at`

func scanIdentity(scan func(dest ...any) error) (database.Identity, error) {
	var (
		identity database.Identity
		meta     []byte
	)
	if err := scan(&identity.ID, &identity.DisplayName, &meta, &identity.Active, &identity.CreatedAt, &identity.UpdatedAt); err != nil {
		return identity, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &identity.Metadata); err != nil {
			return identity, fmt.Errorf("decode metadata for %s: %w", identity.ID, err)
		}
	}
	return identity, nil
}

// Get retrieves an identity with its descriptors, returns nil if not found.
func (r *IdentityRepository) Get(ctx context.Context, id string) (*database.Identity, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = $1`, id)
	identity, err := scanIdentity(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get identity: %w", err)
	}

	descriptors, err := r.descriptors(ctx, `WHERE identity_id = $1`, id)
	if err != nil {
		return nil, err
	}
	identity.Descriptors = descriptors[id]
	return &identity, nil
}

// List returns all identities ordered by creation.
func (r *IdentityRepository) List(ctx context.Context) ([]database.Identity, error) {
	return r.list(ctx, false)
}

// ListActive returns active identities with their descriptors, in enrollment order.
func (r *IdentityRepository) ListActive(ctx context.Context) ([]database.Identity, error) {
	return r.list(ctx, true)
}

func (r *IdentityRepository) list(ctx context.Context, activeOnly bool) ([]database.Identity, error) {
	where := ""
	if activeOnly {
		where = "WHERE active"
	}

	rows, err := r.pool.Query(ctx, `SELECT `+identityColumns+` FROM identities `+where+` ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query identities: %w", err)
	}
	defer rows.Close()

	var identities []database.Identity
	for rows.Next() {
		identity, err := scanIdentity(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		identities = append(identities, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}

	descWhere := ""
	if activeOnly {
		descWhere = "WHERE identity_id IN (SELECT id FROM identities WHERE active)"
	}
	descriptors, err := r.descriptors(ctx, descWhere)
	if err != nil {
		return nil, err
	}
	for i := range identities {
		identities[i].Descriptors = descriptors[identities[i].ID]
	}
	return identities, nil
}

// descriptors loads descriptors grouped by identity, in position order.
func (r *IdentityRepository) descriptors(ctx context.Context, where string, args ...any) (map[string][][]float32, error) {
	rows, err := r.pool.Query(ctx, `SELECT identity_id, descriptor FROM identity_descriptors `+where+` ORDER BY identity_id, position`, args...)
	if err != nil {
		return nil, fmt.Errorf("query descriptors: %w", err)
	}
	defer rows.Close()

	out := make(map[string][][]float32)
	for rows.Next() {
		var (
			id  string
			vec pgvector.Vector
		)
		if err := rows.Scan(&id, &vec); err != nil {
			return nil, fmt.Errorf("scan descriptor: %w", err)
		}
		out[id] = append(out[id], vec.Slice())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate descriptors: %w", err)
	}
	return out, nil
}

// Count returns the number of active identities.
func (r *IdentityRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM identities WHERE active`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count identities: %w", err)
	}
	return count, nil
}

// Save creates or replaces an identity and all its descriptors atomically.
func (r *IdentityRepository) Save(ctx context.Context, identity database.Identity) error {
	meta := identity.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	createdAt := identity.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return r.pool.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO identities (id, display_name, metadata, active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (id) DO UPDATE SET
				display_name = EXCLUDED.display_name,
				metadata = EXCLUDED.metadata,
				active = EXCLUDED.active,
				updated_at = NOW()
		`, identity.ID, identity.DisplayName, metaJSON, identity.Active, createdAt)
		if err != nil {
			return fmt.Errorf("upsert identity: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM identity_descriptors WHERE identity_id = $1`, identity.ID); err != nil {
			return fmt.Errorf("delete descriptors: %w", err)
		}
		for i, d := range identity.Descriptors {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO identity_descriptors (identity_id, position, descriptor) VALUES ($1, $2, $3)`,
				identity.ID, i, pgvector.NewVector(d))
			if err != nil {
				return fmt.Errorf("insert descriptor %d: %w", i, err)
			}
		}
		return nil
	})
}

// AddDescriptor appends a reference descriptor to an existing identity.
func (r *IdentityRepository) AddDescriptor(ctx context.Context, id string, descriptor []float32) error {
	return r.pool.InTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx, `SELECT TRUE FROM identities WHERE id = $1 FOR UPDATE`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return database.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock identity: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO identity_descriptors (identity_id, position, descriptor)
			SELECT $1, COALESCE(MAX(position) + 1, 0), $2::vector
			FROM identity_descriptors WHERE identity_id = $1
		`, id, pgvector.NewVector(descriptor))
		if err != nil {
			return fmt.Errorf("insert descriptor: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE identities SET updated_at = NOW() WHERE id = $1`, id); err != nil {
			return fmt.Errorf("touch identity: %w", err)
		}
		return nil
	})
}

// SetActive toggles whether an identity takes part in matching.
func (r *IdentityRepository) SetActive(ctx context.Context, id string, active bool) error {
	res, err := r.pool.Exec(ctx, `UPDATE identities SET active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	if n == 0 {
		return database.ErrNotFound
	}
	return nil
}

// Delete removes an identity and, by cascade, its descriptors.
func (r *IdentityRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM identities WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	return nil
}

// DescriptorDim returns the length of any descriptor stored for an identity other than
// excludeID, inactive identities included, or 0 when there is none.
func (r *IdentityRepository) DescriptorDim(ctx context.Context, excludeID string) (int, error) {
	var dim int
	err := r.pool.QueryRow(ctx, `
		SELECT vector_dims(descriptor) FROM identity_descriptors
		WHERE identity_id <> $1
		LIMIT 1
	`, excludeID).Scan(&dim)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("descriptor dimension: %w", err)
	}
	return dim, nil
}
