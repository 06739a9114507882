package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/clipforge/mediacache/remote"
)

// DBTX abstracts pgxpool.Pool and pgx.Tx for testability.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository implements remote.ProjectStore using PostgreSQL.
type Repository struct {
	db  DBTX
	now func() time.Time
}

// NewRepository creates a new Repository instance.
func NewRepository(db DBTX) *Repository {
	return &Repository{db: db, now: time.Now}
}

// FetchProject retrieves a project record by id.
func (r *Repository) FetchProject(ctx context.Context, id string) (*remote.ProjectRecord, error) {
	const query = `
		SELECT id, payload, updated_at
		FROM projects
		WHERE id = $1
	`

	var rec remote.ProjectRecord
	err := r.db.QueryRow(ctx, query, id).Scan(&rec.ID, &rec.Payload, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, remote.ErrNotFound
		}
		return nil, fmt.Errorf("fetching project: %w", err)
	}

	return &rec, nil
}

// FetchAsset retrieves an asset record by id.
func (r *Repository) FetchAsset(ctx context.Context, id string) (*remote.AssetRecord, error) {
	const query = `
		SELECT id, name, kind, object_key, size_bytes, duration_ms, created_at
		FROM assets
		WHERE id = $1
	`

	var rec remote.AssetRecord
	err := r.db.QueryRow(ctx, query, id).Scan(
		&rec.ID,
		&rec.Name,
		&rec.Kind,
		&rec.ObjectKey,
		&rec.SizeBytes,
		&rec.DurationMs,
		&rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, remote.ErrNotFound
		}
		return nil, fmt.Errorf("fetching asset: %w", err)
	}

	return &rec, nil
}

// UpsertProject writes a project payload, overwriting any existing record.
// Last writer wins; there is no conflict detection.
func (r *Repository) UpsertProject(ctx context.Context, id string, payload []byte) error {
	const query = `
		INSERT INTO projects (id, payload, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET payload = $2, updated_at = $3
	`

	_, err := r.db.Exec(ctx, query, id, payload, r.now())
	if err != nil {
		return fmt.Errorf("upserting project: %w", err)
	}
	return nil
}

// InsertExportJob creates a remote export-job record.
func (r *Repository) InsertExportJob(ctx context.Context, job *remote.ExportJob) error {
	const query = `
		INSERT INTO export_jobs (id, project_id, settings, status, progress, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.Exec(ctx, query,
		job.ID,
		job.ProjectID,
		job.Settings,
		job.Status,
		job.Progress,
		job.CreatedAt,
		job.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("inserting export job: %w", err)
	}
	return nil
}

// UpdateExportJob updates the progress, and optionally the status, of an
// export job. An empty status leaves the current status unchanged.
func (r *Repository) UpdateExportJob(ctx context.Context, id string, progress int, status string) error {
	const query = `
		UPDATE export_jobs
		SET progress = $2,
		    status = COALESCE(NULLIF($3, ''), status)
		WHERE id = $1
	`

	tag, err := r.db.Exec(ctx, query, id, progress, status)
	if err != nil {
		return fmt.Errorf("updating export job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return remote.ErrNotFound
	}
	return nil
}
