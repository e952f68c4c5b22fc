package record

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/fhirsync/internal/platform/db"
)

type storePG struct{ pool *pgxpool.Pool }

func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

func (s *storePG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, s.pool)
}

const recordCols = `id, connection_id, kind, resource_type, fhir_reference, source,
	server_version, server_last_updated, last_updated_derived, updated_locally, stale, data,
	version_id, created_at, updated_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	var connID *uuid.UUID
	var data []byte
	err := row.Scan(&r.ID, &connID, &r.Kind, &r.ResourceType, &r.FHIRReference, &r.Source,
		&r.ServerVersion, &r.ServerLastUpdated, &r.LastUpdatedDerived, &r.UpdatedLocally, &r.Stale, &data,
		&r.VersionID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if connID != nil {
		r.ConnectionID = *connID
	}
	r.Data = data
	return &r, nil
}

func nullableID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func dataOrEmpty(r *Record) []byte {
	if len(r.Data) == 0 {
		return []byte("{}")
	}
	return r.Data
}

func (s *storePG) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	return scanRecord(s.conn(ctx).QueryRow(ctx, `SELECT `+recordCols+` FROM records WHERE id = $1`, id))
}

func (s *storePG) GetByKey(ctx context.Context, key Key) (*Record, error) {
	return scanRecord(s.conn(ctx).QueryRow(ctx, `SELECT `+recordCols+` FROM records
		WHERE connection_id = $1 AND resource_type = $2 AND fhir_reference = $3`,
		key.ConnectionID, key.ResourceType, key.FHIRReference))
}

func (s *storePG) Upsert(ctx context.Context, r *Record) (bool, error) {
	if err := r.Validate(); err != nil {
		return false, err
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.FHIRReference == "" {
		return true, s.insert(ctx, r)
	}
	var created bool
	err := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO records (id, connection_id, kind, resource_type, fhir_reference, source,
			server_version, server_last_updated, updated_locally, stale, data, version_id,
			last_updated_derived)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1, $13)
		ON CONFLICT (connection_id, resource_type, fhir_reference) WHERE fhir_reference <> ''
		DO UPDATE SET kind = EXCLUDED.kind, source = EXCLUDED.source,
			server_version = EXCLUDED.server_version,
			server_last_updated = EXCLUDED.server_last_updated,
			last_updated_derived = EXCLUDED.last_updated_derived,
			updated_locally = EXCLUDED.updated_locally, stale = EXCLUDED.stale,
			data = EXCLUDED.data, version_id = records.version_id + 1, updated_at = NOW()
		WHERE $12::integer = 0 OR records.version_id = $12::integer
		RETURNING id, version_id, created_at, updated_at, (xmax = 0)`,
		r.ID, nullableID(r.ConnectionID), r.Kind, r.ResourceType, r.FHIRReference, r.Source,
		r.ServerVersion, r.ServerLastUpdated, r.UpdatedLocally, r.Stale, dataOrEmpty(r), r.VersionID,
		r.LastUpdatedDerived,
	).Scan(&r.ID, &r.VersionID, &r.CreatedAt, &r.UpdatedAt, &created)
	if errors.Is(err, pgx.ErrNoRows) {
		// The conflict target exists but its version moved on.
		return false, ErrVersionConflict
	}
	if err != nil {
		return false, fmt.Errorf("upsert record %s: %w", r.Key(), err)
	}
	return created, nil
}

func (s *storePG) insert(ctx context.Context, r *Record) error {
	return s.conn(ctx).QueryRow(ctx, `
		INSERT INTO records (id, connection_id, kind, resource_type, fhir_reference, source,
			server_version, server_last_updated, updated_locally, stale, data, version_id,
			last_updated_derived)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1, $12)
		RETURNING version_id, created_at, updated_at`,
		r.ID, nullableID(r.ConnectionID), r.Kind, r.ResourceType, r.FHIRReference, r.Source,
		r.ServerVersion, r.ServerLastUpdated, r.UpdatedLocally, r.Stale, dataOrEmpty(r),
		r.LastUpdatedDerived,
	).Scan(&r.VersionID, &r.CreatedAt, &r.UpdatedAt)
}

func (s *storePG) Update(ctx context.Context, r *Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	err := s.conn(ctx).QueryRow(ctx, `
		UPDATE records SET kind = $2, source = $3, server_version = $4, server_last_updated = $5,
			updated_locally = $6, stale = $7, data = $8, last_updated_derived = $10,
			version_id = version_id + 1, updated_at = NOW()
		WHERE id = $1 AND ($9::integer = 0 OR version_id = $9::integer)
		RETURNING version_id, created_at, updated_at`,
		r.ID, r.Kind, r.Source, r.ServerVersion, r.ServerLastUpdated, r.UpdatedLocally, r.Stale, dataOrEmpty(r), r.VersionID,
		r.LastUpdatedDerived,
	).Scan(&r.VersionID, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if r.VersionID == 0 {
			return ErrNotFound
		}
		var exists bool
		if err := s.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM records WHERE id = $1)`, r.ID).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrVersionConflict
		}
		return ErrNotFound
	}
	return err
}

func (f Filter) where() (string, []interface{}) {
	var clauses []string
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.ConnectionID != uuid.Nil {
		add("connection_id = $%d", f.ConnectionID)
	}
	if f.Kind != "" {
		add("kind = $%d", f.Kind)
	}
	if f.ResourceType != "" {
		add("resource_type = $%d", f.ResourceType)
	}
	if f.Stale != nil {
		add("stale = $%d", *f.Stale)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *storePG) List(ctx context.Context, f Filter, limit, offset int) ([]*Record, int, error) {
	where, args := f.where()
	var total int
	if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM records`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = total
	}
	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM records%s ORDER BY created_at, id LIMIT $%d OFFSET $%d`, recordCols, where, n+1, n+2)
	rows, err := s.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, r)
	}
	return items, total, rows.Err()
}

func (s *storePG) ListByResourceType(ctx context.Context, connectionID uuid.UUID, resourceType string) ([]*Record, error) {
	items, _, err := s.List(ctx, Filter{ConnectionID: connectionID, ResourceType: resourceType}, 0, 0)
	return items, err
}

func (s *storePG) SetStale(ctx context.Context, id uuid.UUID, stale bool) error {
	tag, err := s.conn(ctx).Exec(ctx, `UPDATE records SET stale = $2, updated_at = NOW() WHERE id = $1`, id, stale)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
