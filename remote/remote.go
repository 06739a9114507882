// Package remote defines the boundary to the authoritative remote tier:
// the project/asset database and the object store. The cache core treats
// both as opaque collaborators; only these operations are consumed.
package remote

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested project or asset is absent.
// Absence is a valid empty result, not a failure.
var ErrNotFound = errors.New("remote: not found")

// Export job statuses.
const (
	ExportStatusQueued     = "queued"
	ExportStatusProcessing = "processing"
	ExportStatusComplete   = "complete"
	ExportStatusFailed     = "failed"
)

// ProjectRecord is a project document as held by the remote tier.
type ProjectRecord struct {
	ID        string
	Payload   []byte
	UpdatedAt time.Time
}

// AssetRecord is the remote metadata for a media asset. Asset metadata is
// never cached locally; only derived artifacts are.
type AssetRecord struct {
	ID         string
	Name       string
	Kind       string
	ObjectKey  string
	SizeBytes  int64
	DurationMs int64
	CreatedAt  time.Time
}

// ExportJob is an ephemeral remote export record. Export artifacts are
// never persisted to the cache or to object storage.
type ExportJob struct {
	ID        string
	ProjectID string
	Settings  []byte
	Status    string
	Progress  int
	CreatedAt time.Time
	ExpiresAt time.Time
}

// ProjectStore is the remote project/asset database.
type ProjectStore interface {
	FetchProject(ctx context.Context, id string) (*ProjectRecord, error)
	FetchAsset(ctx context.Context, id string) (*AssetRecord, error)
	UpsertProject(ctx context.Context, id string, payload []byte) error
	InsertExportJob(ctx context.Context, job *ExportJob) error
	UpdateExportJob(ctx context.Context, id string, progress int, status string) error
}

// ObjectStore resolves display URLs for stored objects. The cache core
// never uploads or downloads raw bytes itself for persistent assets.
type ObjectStore interface {
	ResolveDisplayURL(ctx context.Context, objectKey string) (string, error)
}
