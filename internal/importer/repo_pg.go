package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/fhirsync/internal/platform/db"
)

type runStorePG struct{ pool *pgxpool.Pool }

func NewRunStorePG(pool *pgxpool.Pool) RunStore {
	return &runStorePG{pool: pool}
}

func (s *runStorePG) Save(ctx context.Context, run *Run) error {
	progress, err := json.Marshal(run.Progress)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	result, err := json.Marshal(run.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	p := run.Progress
	_, err = db.Conn(ctx, s.pool).Exec(ctx, `
		INSERT INTO import_runs (id, connection_id, status, progress, result, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, progress = EXCLUDED.progress,
			result = EXCLUDED.result, completed_at = EXCLUDED.completed_at`,
		p.RunID, p.ConnectionID, p.Status, progress, result, p.StartedAt, p.CompletedAt)
	if err != nil {
		return fmt.Errorf("save import run: %w", err)
	}
	return nil
}

func scanRun(row pgx.Row) (*Run, error) {
	var progress, result []byte
	if err := row.Scan(&progress, &result); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	var run Run
	if err := json.Unmarshal(progress, &run.Progress); err != nil {
		return nil, fmt.Errorf("decode progress: %w", err)
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &run.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	return &run, nil
}

func (s *runStorePG) Get(ctx context.Context, runID uuid.UUID) (*Run, error) {
	return scanRun(db.Conn(ctx, s.pool).QueryRow(ctx,
		`SELECT progress, result FROM import_runs WHERE id = $1`, runID))
}

func (s *runStorePG) ListByConnection(ctx context.Context, connectionID uuid.UUID, limit, offset int) ([]*Run, int, error) {
	conn := db.Conn(ctx, s.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM import_runs WHERE connection_id = $1`, connectionID).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT progress, result FROM import_runs WHERE connection_id = $1 ORDER BY started_at DESC`
	args := []interface{}{connectionID}
	if limit > 0 {
		query += ` LIMIT $2 OFFSET $3`
		args = append(args, limit, offset)
	}
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, run)
	}
	return items, total, rows.Err()
}
