package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/fhirsync/internal/platform/db"
)

type changeStorePG struct{ pool *pgxpool.Pool }

func NewChangeStorePG(pool *pgxpool.Pool) ChangeStore {
	return &changeStorePG{pool: pool}
}

func (s *changeStorePG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, s.pool)
}

const changeCols = `id, connection_id, run_id, resource_type, fhir_reference, record_id, action,
	local_data, server_data, server_version, server_last_updated, last_updated_derived, conflict,
	resolved, resolution, resolved_at, created_at, updated_at`

func scanChange(row pgx.Row) (*PendingChange, error) {
	var c PendingChange
	var runID, recordID *uuid.UUID
	var local, server []byte
	err := row.Scan(&c.ID, &c.ConnectionID, &runID, &c.ResourceType, &c.FHIRReference, &recordID, &c.Action,
		&local, &server, &c.ServerVersion, &c.ServerLastUpdated, &c.LastUpdatedDerived, &c.Conflict, &c.Resolved, &c.Resolution,
		&c.ResolvedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if runID != nil {
		c.RunID = *runID
	}
	if recordID != nil {
		c.RecordID = *recordID
	}
	c.LocalData, c.ServerData = local, server
	return &c, nil
}

func nullableID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func nullableJSON(b json.RawMessage) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func (s *changeStorePG) Create(ctx context.Context, c *PendingChange) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	err := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO pending_changes (id, connection_id, run_id, resource_type, fhir_reference, record_id,
			action, local_data, server_data, server_version, server_last_updated, conflict, resolved,
			resolution, resolved_at, last_updated_derived)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING created_at, updated_at`,
		c.ID, c.ConnectionID, nullableID(c.RunID), c.ResourceType, c.FHIRReference, nullableID(c.RecordID),
		c.Action, nullableJSON(c.LocalData), nullableJSON(c.ServerData), c.ServerVersion, c.ServerLastUpdated,
		c.Conflict, c.Resolved, c.Resolution, c.ResolvedAt, c.LastUpdatedDerived,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, "pending_changes_open_uq") {
			return fmt.Errorf("an open pending change already exists for %s", c.Key())
		}
		return fmt.Errorf("create pending change: %w", err)
	}
	return nil
}

func (s *changeStorePG) Get(ctx context.Context, id uuid.UUID) (*PendingChange, error) {
	return scanChange(s.conn(ctx).QueryRow(ctx, `SELECT `+changeCols+` FROM pending_changes WHERE id = $1`, id))
}

func (s *changeStorePG) FindOpen(ctx context.Context, connectionID uuid.UUID, resourceType, fhirReference string) (*PendingChange, error) {
	return scanChange(s.conn(ctx).QueryRow(ctx, `SELECT `+changeCols+` FROM pending_changes
		WHERE connection_id = $1 AND resource_type = $2 AND fhir_reference = $3 AND NOT resolved`,
		connectionID, resourceType, fhirReference))
}

func (s *changeStorePG) Update(ctx context.Context, c *PendingChange) error {
	err := s.conn(ctx).QueryRow(ctx, `
		UPDATE pending_changes SET run_id = $2, record_id = $3, action = $4, local_data = $5,
			server_data = $6, server_version = $7, server_last_updated = $8, conflict = $9,
			resolved = $10, resolution = $11, resolved_at = $12, last_updated_derived = $13, updated_at = NOW()
		WHERE id = $1
		RETURNING created_at, updated_at`,
		c.ID, nullableID(c.RunID), nullableID(c.RecordID), c.Action, nullableJSON(c.LocalData),
		nullableJSON(c.ServerData), c.ServerVersion, c.ServerLastUpdated, c.Conflict,
		c.Resolved, c.Resolution, c.ResolvedAt, c.LastUpdatedDerived,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (f ChangeFilter) where() (string, []interface{}) {
	var clauses []string
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.ConnectionID != uuid.Nil {
		add("connection_id = $%d", f.ConnectionID)
	}
	if f.RunID != uuid.Nil {
		add("run_id = $%d", f.RunID)
	}
	if f.Resolved != nil {
		add("resolved = $%d", *f.Resolved)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *changeStorePG) List(ctx context.Context, f ChangeFilter, limit, offset int) ([]*PendingChange, int, error) {
	where, args := f.where()

	var total int
	if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM pending_changes`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + changeCols + ` FROM pending_changes` + where + ` ORDER BY created_at, id`
	if limit > 0 {
		args = append(args, limit, offset)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}
	rows, err := s.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*PendingChange
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

type stateStorePG struct{ pool *pgxpool.Pool }

func NewStateStorePG(pool *pgxpool.Pool) StateStore {
	return &stateStorePG{pool: pool}
}

func (s *stateStorePG) Get(ctx context.Context, connectionID uuid.UUID) (*SyncState, error) {
	var st SyncState
	var cursors []byte
	err := db.Conn(ctx, s.pool).QueryRow(ctx, `
		SELECT connection_id, conflict_resolution, status, cursors, last_run_id, updated_at
		FROM sync_states WHERE connection_id = $1`, connectionID,
	).Scan(&st.ConnectionID, &st.ConflictResolution, &st.Status, &cursors, &st.LastRunID, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStateNotFound
		}
		return nil, err
	}
	st.Cursors = map[string]time.Time{}
	if len(cursors) > 0 {
		if err := json.Unmarshal(cursors, &st.Cursors); err != nil {
			return nil, fmt.Errorf("decode cursors: %w", err)
		}
	}
	return &st, nil
}

func (s *stateStorePG) Put(ctx context.Context, st *SyncState) error {
	cursors, err := json.Marshal(st.Cursors)
	if err != nil {
		return fmt.Errorf("encode cursors: %w", err)
	}
	return db.Conn(ctx, s.pool).QueryRow(ctx, `
		INSERT INTO sync_states (connection_id, conflict_resolution, status, cursors, last_run_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (connection_id) DO UPDATE SET conflict_resolution = EXCLUDED.conflict_resolution,
			status = EXCLUDED.status, cursors = EXCLUDED.cursors, last_run_id = EXCLUDED.last_run_id,
			updated_at = NOW()
		RETURNING updated_at`,
		st.ConnectionID, st.ConflictResolution, st.Status, cursors, st.LastRunID,
	).Scan(&st.UpdatedAt)
}
