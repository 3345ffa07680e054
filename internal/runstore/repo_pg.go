package runstore

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

// EnsureSchema creates the run table when it does not exist yet.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS pipeline_run (
			id UUID PRIMARY KEY,
			study TEXT NOT NULL,
			status TEXT NOT NULL,
			created_by TEXT NOT NULL DEFAULT '',
			artifact_dir TEXT NOT NULL DEFAULT '',
			visit_count INT NOT NULL DEFAULT 0,
			row_count INT NOT NULL DEFAULT 0,
			unmapped_count INT NOT NULL DEFAULT 0,
			failed_stage TEXT NOT NULL DEFAULT '',
			error TEXT,
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ
		)`)
	return err
}

const runCols = `id, study, status, created_by, artifact_dir,
	visit_count, row_count, unmapped_count, failed_stage, error,
	started_at, completed_at`

func scanRun(row pgx.Row) (*Run, error) {
	var r Run
	err := row.Scan(&r.ID, &r.Study, &r.Status, &r.CreatedBy, &r.ArtifactDir,
		&r.VisitCount, &r.RowCount, &r.UnmappedCount, &r.FailedStage, &r.Error,
		&r.StartedAt, &r.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &r, err
}

func (p *repoPG) Create(ctx context.Context, r *Run) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO pipeline_run (id, study, status, created_by, artifact_dir,
			visit_count, row_count, unmapped_count, failed_stage, error, started_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		r.ID, r.Study, r.Status, r.CreatedBy, r.ArtifactDir,
		r.VisitCount, r.RowCount, r.UnmappedCount, r.FailedStage, r.Error,
		r.StartedAt, r.CompletedAt)
	return err
}

func (p *repoPG) Update(ctx context.Context, r *Run) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE pipeline_run SET status=$2, artifact_dir=$3,
			visit_count=$4, row_count=$5, unmapped_count=$6,
			failed_stage=$7, error=$8, completed_at=$9
		WHERE id = $1`,
		r.ID, r.Status, r.ArtifactDir,
		r.VisitCount, r.RowCount, r.UnmappedCount,
		r.FailedStage, r.Error, r.CompletedAt)
	return err
}

func (p *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Run, error) {
	return scanRun(p.pool.QueryRow(ctx, `SELECT `+runCols+` FROM pipeline_run WHERE id = $1`, id))
}

func (p *repoPG) List(ctx context.Context, limit, offset int) ([]*Run, int, error) {
	var total int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM pipeline_run`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := p.pool.Query(ctx, `SELECT `+runCols+` FROM pipeline_run ORDER BY started_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, r)
	}
	return items, total, rows.Err()
}
