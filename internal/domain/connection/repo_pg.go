package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/fhirsync/internal/platform/db"
	"github.com/ehr/fhirsync/internal/platform/secrets"
)

const activeUniqueIndex = "connections_active_patient_uq"

type repoPG struct {
	pool   *pgxpool.Pool
	cipher secrets.Cipher
}

// NewRepoPG returns a PostgreSQL Repository. Access and refresh tokens are
// sealed with cipher, bound to the connection ID.
func NewRepoPG(pool *pgxpool.Pool, cipher secrets.Cipher) Repository {
	if cipher == nil {
		cipher = secrets.Plaintext{}
	}
	return &repoPG{pool: pool, cipher: cipher}
}

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const connCols = `id, provider_id, base_url, patient_id, access_token, refresh_token,
	token_type, expires_at, scope, active, deactivated_reason, last_sync_at,
	version, created_at, updated_at`

func (r *repoPG) scan(row pgx.Row) (*Connection, error) {
	var c Connection
	var expiresAt *time.Time
	var access, refresh string
	err := row.Scan(&c.ID, &c.ProviderID, &c.BaseURL, &c.PatientID, &access, &refresh,
		&c.TokenType, &expiresAt, &c.Scope, &c.Active, &c.DeactivatedReason, &c.LastSyncAt,
		&c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if expiresAt != nil {
		c.ExpiresAt = *expiresAt
	}
	aad := c.ID.String()
	if c.AccessToken, err = r.cipher.Open(access, aad); err != nil {
		return nil, fmt.Errorf("open access token of %s: %w", c.ID, err)
	}
	if c.RefreshToken, err = r.cipher.Open(refresh, aad); err != nil {
		return nil, fmt.Errorf("open refresh token of %s: %w", c.ID, err)
	}
	return &c, nil
}

func (r *repoPG) seal(c *Connection) (access, refresh string, err error) {
	aad := c.ID.String()
	if access, err = r.cipher.Seal(c.AccessToken, aad); err != nil {
		return "", "", err
	}
	if refresh, err = r.cipher.Seal(c.RefreshToken, aad); err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (r *repoPG) Create(ctx context.Context, c *Connection) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	access, refresh, err := r.seal(c)
	if err != nil {
		return err
	}
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO connections (id, provider_id, base_url, patient_id, access_token, refresh_token,
			token_type, expires_at, scope, active, deactivated_reason, last_sync_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1)
		RETURNING version, created_at, updated_at`,
		c.ID, c.ProviderID, c.BaseURL, c.PatientID, access, refresh,
		c.TokenType, nullTime(c.ExpiresAt), c.Scope, c.Active, c.DeactivatedReason, c.LastSyncAt,
	).Scan(&c.Version, &c.CreatedAt, &c.UpdatedAt)
	if db.IsUniqueViolation(err, activeUniqueIndex) {
		return ErrActiveExists
	}
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Connection, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+connCols+` FROM connections WHERE id = $1`, id))
}

func (r *repoPG) FindActive(ctx context.Context, providerID, patientID string) (*Connection, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx,
		`SELECT `+connCols+` FROM connections WHERE provider_id = $1 AND patient_id = $2 AND active`,
		providerID, patientID))
}

func (r *repoPG) Update(ctx context.Context, c *Connection) error {
	access, refresh, err := r.seal(c)
	if err != nil {
		return err
	}
	err = r.conn(ctx).QueryRow(ctx, `
		UPDATE connections SET base_url = $3, access_token = $4, refresh_token = $5, token_type = $6,
			expires_at = $7, scope = $8, active = $9, deactivated_reason = $10, last_sync_at = $11,
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at`,
		c.ID, c.Version, c.BaseURL, access, refresh, c.TokenType,
		nullTime(c.ExpiresAt), c.Scope, c.Active, c.DeactivatedReason, c.LastSyncAt,
	).Scan(&c.Version, &c.UpdatedAt)
	switch {
	case err == nil:
		return nil
	case db.IsUniqueViolation(err, activeUniqueIndex):
		return ErrActiveExists
	case errors.Is(err, pgx.ErrNoRows):
		var exists bool
		if qerr := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM connections WHERE id = $1)`, c.ID).Scan(&exists); qerr != nil {
			return qerr
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	default:
		return err
	}
}

func (r *repoPG) List(ctx context.Context, activeOnly bool, limit, offset int) ([]*Connection, int, error) {
	where := ""
	if activeOnly {
		where = " WHERE active"
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM connections`+where).Scan(&total); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = total
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+connCols+` FROM connections`+where+` ORDER BY created_at, id LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Connection
	for rows.Next() {
		c, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}
