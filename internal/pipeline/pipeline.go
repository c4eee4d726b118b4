package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"tunecast/internal/files"
	"tunecast/internal/media"
	"tunecast/internal/models"
	"tunecast/internal/oauth"
	"tunecast/internal/publish"
	"tunecast/internal/storage"
)

// Failure classes recorded onto upload records. CredentialsMissing and
// ReauthorizationRequired need user action and are never retried
// automatically; the rest are terminal for the attempt.
var (
	ErrCredentialsMissing = errors.New("credentials missing")
	ErrSourceUnavailable  = errors.New("source unavailable")
	ErrCompositionFailed  = errors.New("composition failed")
	ErrPublishFailed      = errors.New("publish failed")
	ErrUnauthorized       = errors.New("not the record owner")
	ErrNotRetriable       = errors.New("upload is not in a retriable state")
)

const (
	defaultStaleWindow = 10 * time.Minute
	defaultBatchLimit  = 10
	defaultItemDelay   = 2 * time.Second
)

// TokenSource resolves a principal's credential, refreshing it when needed.
type TokenSource interface {
	GetTokens(ctx context.Context, userID string) (models.Credential, error)
}

// Composer produces a local video file from remote audio and an optional
// static image.
type Composer interface {
	Compose(ctx context.Context, audioURL, thumbnailURL string) (media.Output, error)
}

// Config wires the pipeline's collaborators.
type Config struct {
	Store     storage.Repository
	Tokens    TokenSource
	Files     files.Resolver
	Composer  Composer
	Publisher publish.Client
	Logger    *slog.Logger

	// StaleWindow is how long a processing record may go untouched before
	// the sweep reclaims it.
	StaleWindow time.Duration
	// BatchLimit caps how many records one sweep pass handles.
	BatchLimit int
	// ItemDelay spaces out sweep items to stay inside the remote API's
	// rate limits.
	ItemDelay time.Duration
}

// Pipeline drives upload records through pending -> processing ->
// uploaded/failed. All mutations of a record after intake happen here.
type Pipeline struct {
	store       storage.Repository
	tokens      TokenSource
	files       files.Resolver
	composer    Composer
	publisher   publish.Client
	logger      *slog.Logger
	staleWindow time.Duration
	batchLimit  int
	itemDelay   time.Duration
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// New constructs a pipeline from the supplied collaborators.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if cfg.Composer == nil {
		return nil, fmt.Errorf("composer is required")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("publish client is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	staleWindow := cfg.StaleWindow
	if staleWindow <= 0 {
		staleWindow = defaultStaleWindow
	}
	batchLimit := cfg.BatchLimit
	if batchLimit <= 0 {
		batchLimit = defaultBatchLimit
	}
	itemDelay := cfg.ItemDelay
	if itemDelay <= 0 {
		itemDelay = defaultItemDelay
	}
	return &Pipeline{
		store:       cfg.Store,
		tokens:      cfg.Tokens,
		files:       cfg.Files,
		composer:    cfg.Composer,
		publisher:   cfg.Publisher,
		logger:      logger,
		staleWindow: staleWindow,
		batchLimit:  batchLimit,
		itemDelay:   itemDelay,
		now:         func() time.Time { return time.Now().UTC() },
		sleep:       sleepContext,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Advance drives one record through the state machine. It is safe to invoke
// concurrently from the immediate-attempt path and the sweep: the store's
// atomic claim ensures only one caller processes the record. A lost claim is
// a silent no-op; any processing failure marks the record failed and is
// returned to the caller.
func (p *Pipeline) Advance(ctx context.Context, id string) error {
	staleBefore := p.now().Add(-p.staleWindow)
	upload, claimed, err := p.store.ClaimUpload(ctx, id, staleBefore)
	if err != nil {
		return err
	}
	if !claimed {
		p.logger.Debug("upload not claimable, skipping", "upload_id", id)
		return nil
	}

	if err := p.process(ctx, upload); err != nil {
		p.markFailed(ctx, upload.ID, err)
		return err
	}
	return nil
}

func (p *Pipeline) process(ctx context.Context, upload models.Upload) error {
	cred, err := p.tokens.GetTokens(ctx, upload.UserID)
	if err != nil {
		if errors.Is(err, oauth.ErrNoCredential) || errors.Is(err, oauth.ErrReauthorizationRequired) {
			return fmt.Errorf("%w: %s", ErrCredentialsMissing, err)
		}
		return fmt.Errorf("%w: resolve tokens: %s", ErrCredentialsMissing, err)
	}

	audioURL := strings.TrimSpace(upload.SourceURL)
	if audioURL == "" {
		if p.files == nil {
			return fmt.Errorf("%w: no source url and no file resolver", ErrSourceUnavailable)
		}
		audioURL, err = p.files.ResolveAudioURL(ctx, upload.AudioFileID, upload.UserID)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrSourceUnavailable, err)
		}
	}

	output, err := p.composer.Compose(ctx, audioURL, upload.ThumbnailURL)
	if err != nil {
		if errors.Is(err, media.ErrCompositionTimeout) {
			return err
		}
		return fmt.Errorf("%w: %s", ErrCompositionFailed, err)
	}
	defer func() {
		if removeErr := os.Remove(output.Path); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			p.logger.Warn("failed to remove composed file", "path", output.Path, "error", removeErr)
		}
	}()

	video, err := p.publisher.Publish(ctx, cred.AccessToken, output.Path, output.SizeBytes, publish.Metadata{
		Title:       upload.Title,
		Description: upload.Description,
		Tags:        upload.Tags,
		Visibility:  upload.Visibility,
		PublishAt:   upload.ScheduledAt,
	})
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPublishFailed, err)
	}

	p.attachThumbnailBestEffort(ctx, cred.AccessToken, video.ID, upload.ThumbnailURL)

	status := models.StatusUploaded
	clearError := ""
	if _, err := p.store.UpdateUpload(ctx, upload.ID, storage.UploadUpdate{
		Status:   &status,
		VideoID:  &video.ID,
		VideoURL: &video.URL,
		Error:    &clearError,
	}); err != nil {
		return fmt.Errorf("mark upload uploaded: %w", err)
	}
	p.logger.Info("upload published", "upload_id", upload.ID, "video_id", video.ID)
	return nil
}

// attachThumbnailBestEffort sets the custom thumbnail when one was supplied.
// Thumbnail attachment needs channel verification the principal may lack, so
// failures are logged and swallowed rather than failing the record.
func (p *Pipeline) attachThumbnailBestEffort(ctx context.Context, accessToken, videoID, thumbnailURL string) {
	if strings.TrimSpace(thumbnailURL) == "" {
		return
	}
	err := p.publisher.AttachThumbnail(ctx, accessToken, videoID, thumbnailURL)
	if err == nil {
		return
	}
	if errors.Is(err, publish.ErrInsufficientPrivilege) {
		p.logger.Info("custom thumbnail skipped, channel not verified", "video_id", videoID)
		return
	}
	p.logger.Warn("failed to attach thumbnail", "video_id", videoID, "error", err)
}

func (p *Pipeline) markFailed(ctx context.Context, id string, cause error) {
	status := models.StatusFailed
	message := failureMessage(cause)
	if _, err := p.store.UpdateUpload(ctx, id, storage.UploadUpdate{
		Status: &status,
		Error:  &message,
	}); err != nil {
		p.logger.Error("failed to mark upload failed", "upload_id", id, "error", err)
	}
}

// failureMessage turns an internal error into the owner-visible message
// stored on the record.
func failureMessage(err error) string {
	var prefix string
	switch {
	case errors.Is(err, ErrCredentialsMissing):
		prefix = "Channel connection is missing or expired; reconnect your account and retry"
	case errors.Is(err, ErrSourceUnavailable):
		prefix = "The audio source could not be retrieved"
	case errors.Is(err, media.ErrCompositionTimeout):
		prefix = "Video rendering timed out"
	case errors.Is(err, ErrCompositionFailed):
		prefix = "Video rendering failed"
	case errors.Is(err, ErrPublishFailed):
		prefix = "The video host rejected the upload"
	default:
		prefix = "Upload failed"
	}
	detail := strings.TrimSpace(err.Error())
	if len(detail) > 500 {
		detail = detail[:500]
	}
	return fmt.Sprintf("%s (%s)", prefix, detail)
}

// ProcessPending is the sweep: it collects due pending records and abandoned
// processing records, then advances them sequentially with a short delay
// between items. One record's failure never aborts the rest of the batch.
func (p *Pipeline) ProcessPending(ctx context.Context) error {
	now := p.now()
	batch, err := p.store.ListProcessable(ctx, now, now.Add(-p.staleWindow), p.batchLimit)
	if err != nil {
		return fmt.Errorf("list processable uploads: %w", err)
	}
	for i, upload := range batch {
		if i > 0 {
			if err := p.sleep(ctx, p.itemDelay); err != nil {
				return err
			}
		}
		if err := p.Advance(ctx, upload.ID); err != nil {
			p.logger.Error("sweep failed to advance upload", "upload_id", upload.ID, "error", err)
		}
	}
	return nil
}

// MetadataUpdate carries the owner-editable presentation fields. Nil fields
// are left untouched.
type MetadataUpdate struct {
	Title       *string
	Description *string
	Tags        *[]string
	Visibility  *models.Visibility
}

func (u MetadataUpdate) empty() bool {
	return u.Title == nil && u.Description == nil && u.Tags == nil && u.Visibility == nil
}

// UpdateMetadata edits the record's presentation fields and, when the video
// is already published, pushes the same change to the remote host. The local
// record is updated first so a remote failure never loses the owner's edit.
func (p *Pipeline) UpdateMetadata(ctx context.Context, id, ownerID string, update MetadataUpdate) (models.Upload, error) {
	upload, err := p.store.GetUpload(ctx, id)
	if err != nil {
		return models.Upload{}, err
	}
	if upload.UserID != ownerID {
		return models.Upload{}, ErrUnauthorized
	}
	if update.empty() {
		return upload, nil
	}

	storeUpdate := storage.UploadUpdate{
		Title:       update.Title,
		Description: update.Description,
		Visibility:  update.Visibility,
	}
	if update.Tags != nil {
		storeUpdate.Tags = *update.Tags
	}
	updated, err := p.store.UpdateUpload(ctx, id, storeUpdate)
	if err != nil {
		return models.Upload{}, err
	}

	if upload.VideoID != nil && strings.TrimSpace(*upload.VideoID) != "" {
		cred, err := p.tokens.GetTokens(ctx, ownerID)
		if err != nil {
			return updated, fmt.Errorf("%w: %s", ErrCredentialsMissing, err)
		}
		remote := publish.Update{
			Title:       update.Title,
			Description: update.Description,
			Tags:        update.Tags,
			Visibility:  update.Visibility,
		}
		if err := p.publisher.Update(ctx, cred.AccessToken, *upload.VideoID, remote); err != nil {
			return updated, fmt.Errorf("%w: %s", ErrPublishFailed, err)
		}
	}
	return updated, nil
}

// Delete removes the record and best-effort deletes the remote video. Remote
// deletion treats an already-gone video as success; a remote failure is
// logged but never blocks the authoritative local delete.
func (p *Pipeline) Delete(ctx context.Context, id, ownerID string) error {
	upload, err := p.store.GetUpload(ctx, id)
	if err != nil {
		return err
	}
	if upload.UserID != ownerID {
		return ErrUnauthorized
	}

	if upload.VideoID != nil && strings.TrimSpace(*upload.VideoID) != "" {
		cred, err := p.tokens.GetTokens(ctx, ownerID)
		if err != nil {
			p.logger.Warn("skipping remote video delete, no usable credential", "upload_id", id, "error", err)
		} else if err := p.publisher.Delete(ctx, cred.AccessToken, *upload.VideoID); err != nil {
			p.logger.Warn("remote video delete failed", "upload_id", id, "video_id", *upload.VideoID, "error", err)
		}
	}
	return p.store.DeleteUpload(ctx, id)
}

// Retry resets a failed record to pending so the sweep or an immediate
// attempt can pick it up again. The pipeline itself never does this; it is
// always an explicit owner action.
func (p *Pipeline) Retry(ctx context.Context, id, ownerID string) (models.Upload, error) {
	upload, err := p.store.GetUpload(ctx, id)
	if err != nil {
		return models.Upload{}, err
	}
	if upload.UserID != ownerID {
		return models.Upload{}, ErrUnauthorized
	}
	if upload.Status != models.StatusFailed {
		return models.Upload{}, ErrNotRetriable
	}

	status := models.StatusPending
	clearError := ""
	return p.store.UpdateUpload(ctx, id, storage.UploadUpdate{
		Status: &status,
		Error:  &clearError,
	})
}
