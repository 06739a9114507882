package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clipforge/mediacache/remote"
	"github.com/clipforge/mediacache/store/cachedb"
	"github.com/clipforge/mediacache/telemetry"
)

// LoadProject returns the project payload, served from the cached snapshot
// when it is within the freshness window, otherwise fetched from the remote
// tier and re-cached. Returns remote.ErrNotFound when the remote tier has
// no such project. Concurrent stale loads of the same project share one
// remote fetch.
func (o *Orchestrator) LoadProject(ctx context.Context, projectID string) ([]byte, error) {
	if err := o.ready(); err != nil {
		return nil, err
	}
	start := o.now()

	snap, err := o.cache.GetProject(ctx, projectID)
	if err == nil && start.Sub(snap.LastModified) < o.freshness {
		o.metrics.observeRead(true)
		telemetry.RecordCacheRead(ctx, string(cachedb.CategoryProjects), true)
		o.events.cacheHit(cachedb.CategoryProjects, projectID)
		o.finishOp(ctx, "load_project", start, nil, map[string]string{"source": "cache"})
		return snap.Payload, nil
	}
	if err != nil && !errors.Is(err, cachedb.ErrNotFound) && !errors.Is(err, cachedb.ErrStoreUnavailable) {
		o.logger.Warn("project snapshot read failed, treating as miss",
			"project_id", projectID, "error", err)
	}

	o.metrics.observeRead(false)
	telemetry.RecordCacheRead(ctx, string(cachedb.CategoryProjects), false)

	payload, err, _ := o.flight.Do("project:"+projectID, func() (any, error) {
		return o.fetchAndCacheProject(ctx, projectID)
	})
	if err != nil {
		if !errors.Is(err, remote.ErrNotFound) {
			o.events.errored("load_project", err)
		}
		o.finishOp(ctx, "load_project", start, err, map[string]string{"project_id": projectID})
		return nil, err
	}

	o.finishOp(ctx, "load_project", start, nil, map[string]string{"source": "remote"})
	return payload.([]byte), nil
}

func (o *Orchestrator) fetchAndCacheProject(ctx context.Context, projectID string) ([]byte, error) {
	fetchStart := o.now()
	rec, err := o.projects.FetchProject(ctx, projectID)
	o.recordRemote(ctx, "fetch_project", fetchStart, err)
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return nil, remote.ErrNotFound
		}
		return nil, fmt.Errorf("fetching project %s: %w", projectID, err)
	}

	snap := &cachedb.ProjectSnapshot{
		ProjectID:    projectID,
		Payload:      rec.Payload,
		LastModified: o.now(),
	}
	if err := o.cache.PutProject(ctx, snap); err != nil {
		o.logger.Warn("project snapshot not cached", "project_id", projectID, "error", err)
	}
	return rec.Payload, nil
}

// SaveProject writes the project to the local cache first, so the editor
// observes the save immediately, then to the remote tier. A remote failure
// is reported but the cache write is not rolled back; local state may run
// ahead of remote until the next successful save. With immediate false the
// remote write happens in the background and failures surface only through
// the OnError event.
func (o *Orchestrator) SaveProject(ctx context.Context, projectID string, payload []byte, immediate bool) error {
	if err := o.ready(); err != nil {
		return err
	}
	start := o.now()

	snap := &cachedb.ProjectSnapshot{
		ProjectID:    projectID,
		Payload:      payload,
		LastModified: start,
	}
	if err := o.cache.PutProject(ctx, snap); err != nil {
		o.logger.Warn("project snapshot not cached on save",
			"project_id", projectID, "error", err)
	}

	if !immediate {
		bg := context.WithoutCancel(ctx)
		go func() {
			if err := o.upsertRemoteProject(bg, projectID, payload); err != nil {
				o.logger.Error("deferred project save failed",
					"project_id", projectID, "error", err)
				o.events.errored("save_project", err)
			}
		}()
		o.finishOp(ctx, "save_project", start, nil, map[string]string{"mode": "deferred"})
		return nil
	}

	err := o.upsertRemoteProject(ctx, projectID, payload)
	if err != nil {
		o.events.errored("save_project", err)
	}
	o.finishOp(ctx, "save_project", start, err, map[string]string{"mode": "immediate"})
	return err
}

func (o *Orchestrator) upsertRemoteProject(ctx context.Context, projectID string, payload []byte) error {
	start := o.now()
	err := o.projects.UpsertProject(ctx, projectID, payload)
	o.recordRemote(ctx, "upsert_project", start, err)
	if err != nil {
		return fmt.Errorf("saving project %s to remote: %w", projectID, err)
	}
	return nil
}

// LoadAsset reads asset metadata from the remote tier. Asset metadata is
// never cached; only derived artifacts are. Returns remote.ErrNotFound for
// an unknown asset.
func (o *Orchestrator) LoadAsset(ctx context.Context, assetID string) (*remote.AssetRecord, error) {
	if err := o.ready(); err != nil {
		return nil, err
	}
	start := o.now()

	rec, err := o.projects.FetchAsset(ctx, assetID)
	o.recordRemote(ctx, "fetch_asset", start, err)
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			o.finishOp(ctx, "load_asset", start, nil, map[string]string{"result": "absent"})
			return nil, remote.ErrNotFound
		}
		o.events.errored("load_asset", err)
		o.finishOp(ctx, "load_asset", start, err, nil)
		return nil, fmt.Errorf("fetching asset %s: %w", assetID, err)
	}

	o.finishOp(ctx, "load_asset", start, nil, nil)
	return rec, nil
}

// ResolveAssetURL returns a display URL for a stored media object.
func (o *Orchestrator) ResolveAssetURL(ctx context.Context, objectKey string) (string, error) {
	if err := o.ready(); err != nil {
		return "", err
	}
	start := o.now()

	url, err := o.objects.ResolveDisplayURL(ctx, objectKey)
	o.recordRemote(ctx, "resolve_display_url", start, err)
	o.finishOp(ctx, "resolve_asset_url", start, err, nil)
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return "", remote.ErrNotFound
		}
		return "", fmt.Errorf("resolving display URL for %s: %w", objectKey, err)
	}
	return url, nil
}

// TrackExport creates a remote export-job record in status queued with a
// fixed 24-hour expiry and returns the job id. Nothing is cached locally;
// export artifacts exist only as ephemeral downloads.
func (o *Orchestrator) TrackExport(ctx context.Context, projectID string, settings []byte) (string, error) {
	if err := o.ready(); err != nil {
		return "", err
	}
	start := o.now()

	job := &remote.ExportJob{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Settings:  settings,
		Status:    remote.ExportStatusQueued,
		Progress:  0,
		CreatedAt: start,
		ExpiresAt: start.Add(ExportJobTTL),
	}

	err := o.projects.InsertExportJob(ctx, job)
	o.recordRemote(ctx, "insert_export_job", start, err)
	o.finishOp(ctx, "track_export", start, err, map[string]string{"project_id": projectID})
	if err != nil {
		o.events.errored("track_export", err)
		return "", fmt.Errorf("tracking export for project %s: %w", projectID, err)
	}
	return job.ID, nil
}

// UpdateExportProgress updates an export job's progress, and optionally its
// status, at the remote tier. An empty status leaves it unchanged.
func (o *Orchestrator) UpdateExportProgress(ctx context.Context, jobID string, percent int, status string) error {
	if err := o.ready(); err != nil {
		return err
	}
	start := o.now()

	err := o.projects.UpdateExportJob(ctx, jobID, percent, status)
	o.recordRemote(ctx, "update_export_job", start, err)
	o.finishOp(ctx, "update_export_progress", start, err, nil)
	if err != nil && !errors.Is(err, remote.ErrNotFound) {
		o.events.errored("update_export_progress", err)
		return fmt.Errorf("updating export job %s: %w", jobID, err)
	}
	return err
}

func (o *Orchestrator) recordRemote(ctx context.Context, op string, start time.Time, err error) {
	outcome := "ok"
	switch {
	case errors.Is(err, remote.ErrNotFound):
		outcome = "not_found"
	case err != nil:
		outcome = "error"
	}
	telemetry.RecordRemoteRequest(ctx, op, outcome, o.now().Sub(start))
}
