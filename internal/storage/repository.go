package storage

import (
	"context"
	"errors"
	"time"

	"tunecast/internal/models"
)

// ErrUploadNotFound is returned when an upload record does not exist.
var ErrUploadNotFound = errors.New("upload not found")

// ErrCredentialNotFound is returned when no credential row exists for a principal.
var ErrCredentialNotFound = errors.New("credential not found")

// CreateUploadParams carries the sanitised intake fields for a new record.
type CreateUploadParams struct {
	UserID       string
	AudioFileID  string
	SourceURL    string
	Title        string
	Description  string
	Tags         []string
	ThumbnailURL string
	Visibility   models.Visibility
	ScheduledAt  *time.Time
}

// UploadUpdate mutates individual fields of an upload record. Nil pointers
// leave the field untouched; for VideoID and ScheduledAt a pointer to the
// zero value clears the field.
type UploadUpdate struct {
	Title        *string
	Description  *string
	Tags         []string
	ThumbnailURL *string
	Visibility   *models.Visibility
	ScheduledAt  *time.Time
	Status       *models.UploadStatus
	VideoID      *string
	VideoURL     *string
	Error        *string
	Archived     *bool
}

// Repository is the durable store for upload records and OAuth credentials.
// It is the single source of truth and the only synchronisation point between
// the immediate-attempt path and the sweep: ClaimUpload performs the atomic
// pending -> processing transition both paths race on.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	CreateUpload(ctx context.Context, params CreateUploadParams) (models.Upload, error)
	GetUpload(ctx context.Context, id string) (models.Upload, error)
	ListUploads(ctx context.Context, userID string, includeArchived bool) ([]models.Upload, error)
	UpdateUpload(ctx context.Context, id string, update UploadUpdate) (models.Upload, error)
	DeleteUpload(ctx context.Context, id string) error

	// ClaimUpload atomically flips a pending record to processing. A record
	// already processing is reclaimable when its updated_at predates
	// staleBefore, which is how the sweep takes over abandoned work. The second
	// return value reports whether this caller won the claim; a false result
	// with a nil error means the record exists but was not claimable.
	ClaimUpload(ctx context.Context, id string, staleBefore time.Time) (models.Upload, bool, error)

	// ListProcessable returns the sweep's candidate set: unarchived pending
	// records whose scheduled time is absent or past, plus processing records
	// untouched since staleBefore, oldest first, capped at limit.
	ListProcessable(ctx context.Context, now, staleBefore time.Time, limit int) ([]models.Upload, error)

	// CountUploadsSince reports how many unarchived records the principal has
	// created at or after the given instant. Consulted by the plan policy.
	CountUploadsSince(ctx context.Context, userID string, since time.Time) (int, error)

	GetCredential(ctx context.Context, userID string) (models.Credential, error)
	SaveCredential(ctx context.Context, cred models.Credential) (models.Credential, error)
	DeleteCredential(ctx context.Context, userID string) error
}
