package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tunecast/internal/models"
)

type dataset struct {
	Uploads     map[string]models.Upload     `json:"uploads"`
	Credentials map[string]models.Credential `json:"credentials"`
}

func newDataset() dataset {
	return dataset{
		Uploads:     make(map[string]models.Upload),
		Credentials: make(map[string]models.Credential),
	}
}

// Storage is the file-backed repository used for development and tests. All
// mutations happen under a single mutex and are persisted atomically via a
// temp-file rename. An empty path keeps the dataset in memory only.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
	now             func() time.Time
}

// Option mutates storage configuration.
type Option func(*Storage)

// WithClock overrides the time source, used by tests to control staleness.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: path,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

var _ Repository = (*Storage)(nil)

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.filePath == "" {
		s.data = newDataset()
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	if s.data.Uploads == nil {
		s.data.Uploads = make(map[string]models.Upload)
	}
	if s.data.Credentials == nil {
		s.data.Credentials = make(map[string]models.Credential)
	}
	return nil
}

func (s *Storage) persist() error {
	if s.persistOverride != nil {
		if err := s.persistOverride(s.data); err != nil {
			return err
		}
	}
	if s.filePath == "" {
		return nil
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func (s *Storage) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Storage) Close(ctx context.Context) error {
	return nil
}

func generateID() string {
	return uuid.NewString()
}

func cloneUpload(upload models.Upload) models.Upload {
	if upload.Tags != nil {
		upload.Tags = append([]string(nil), upload.Tags...)
	}
	if upload.ScheduledAt != nil {
		scheduled := *upload.ScheduledAt
		upload.ScheduledAt = &scheduled
	}
	if upload.VideoID != nil {
		videoID := *upload.VideoID
		upload.VideoID = &videoID
	}
	return upload
}

func (s *Storage) CreateUpload(ctx context.Context, params CreateUploadParams) (models.Upload, error) {
	userID := strings.TrimSpace(params.UserID)
	if userID == "" {
		return models.Upload{}, fmt.Errorf("user id is required")
	}
	audioFileID := strings.TrimSpace(params.AudioFileID)
	if audioFileID == "" && strings.TrimSpace(params.SourceURL) == "" {
		return models.Upload{}, fmt.Errorf("audio file id or source url is required")
	}
	title := strings.TrimSpace(params.Title)
	if title == "" {
		title = "Untitled upload"
	}
	visibility := params.Visibility
	if visibility == "" {
		visibility = models.VisibilityPrivate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	upload := models.Upload{
		ID:           generateID(),
		UserID:       userID,
		AudioFileID:  audioFileID,
		SourceURL:    strings.TrimSpace(params.SourceURL),
		Title:        title,
		Description:  params.Description,
		Tags:         append([]string(nil), params.Tags...),
		ThumbnailURL: strings.TrimSpace(params.ThumbnailURL),
		Visibility:   visibility,
		Status:       models.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if params.ScheduledAt != nil && !params.ScheduledAt.IsZero() {
		scheduled := params.ScheduledAt.UTC()
		upload.ScheduledAt = &scheduled
	}

	s.data.Uploads[upload.ID] = upload
	if err := s.persist(); err != nil {
		delete(s.data.Uploads, upload.ID)
		return models.Upload{}, err
	}
	return cloneUpload(upload), nil
}

func (s *Storage) GetUpload(ctx context.Context, id string) (models.Upload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	upload, ok := s.data.Uploads[id]
	if !ok {
		return models.Upload{}, ErrUploadNotFound
	}
	return cloneUpload(upload), nil
}

func (s *Storage) ListUploads(ctx context.Context, userID string, includeArchived bool) ([]models.Upload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uploads := make([]models.Upload, 0)
	for _, upload := range s.data.Uploads {
		if userID != "" && upload.UserID != userID {
			continue
		}
		if upload.Archived && !includeArchived {
			continue
		}
		uploads = append(uploads, cloneUpload(upload))
	}
	sort.Slice(uploads, func(i, j int) bool {
		return uploads[i].CreatedAt.After(uploads[j].CreatedAt)
	})
	return uploads, nil
}

func (s *Storage) UpdateUpload(ctx context.Context, id string, update UploadUpdate) (models.Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	upload, ok := s.data.Uploads[id]
	if !ok {
		return models.Upload{}, ErrUploadNotFound
	}
	original := upload

	applyUploadUpdate(&upload, update)
	upload.UpdatedAt = s.now()

	s.data.Uploads[id] = upload
	if err := s.persist(); err != nil {
		s.data.Uploads[id] = original
		return models.Upload{}, err
	}
	return cloneUpload(upload), nil
}

func applyUploadUpdate(upload *models.Upload, update UploadUpdate) {
	if update.Title != nil {
		if trimmed := strings.TrimSpace(*update.Title); trimmed != "" {
			upload.Title = trimmed
		}
	}
	if update.Description != nil {
		upload.Description = *update.Description
	}
	if update.Tags != nil {
		upload.Tags = append([]string(nil), update.Tags...)
	}
	if update.ThumbnailURL != nil {
		upload.ThumbnailURL = strings.TrimSpace(*update.ThumbnailURL)
	}
	if update.Visibility != nil {
		upload.Visibility = *update.Visibility
	}
	if update.ScheduledAt != nil {
		if update.ScheduledAt.IsZero() {
			upload.ScheduledAt = nil
		} else {
			scheduled := update.ScheduledAt.UTC()
			upload.ScheduledAt = &scheduled
		}
	}
	if update.Status != nil {
		upload.Status = *update.Status
	}
	if update.VideoID != nil {
		trimmed := strings.TrimSpace(*update.VideoID)
		if trimmed == "" {
			upload.VideoID = nil
		} else {
			upload.VideoID = &trimmed
		}
	}
	if update.VideoURL != nil {
		upload.VideoURL = strings.TrimSpace(*update.VideoURL)
	}
	if update.Error != nil {
		upload.Error = strings.TrimSpace(*update.Error)
	}
	if update.Archived != nil {
		upload.Archived = *update.Archived
	}
}

func (s *Storage) DeleteUpload(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	upload, ok := s.data.Uploads[id]
	if !ok {
		return ErrUploadNotFound
	}
	delete(s.data.Uploads, id)
	if err := s.persist(); err != nil {
		s.data.Uploads[id] = upload
		return err
	}
	return nil
}

func (s *Storage) ClaimUpload(ctx context.Context, id string, staleBefore time.Time) (models.Upload, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	upload, ok := s.data.Uploads[id]
	if !ok {
		return models.Upload{}, false, ErrUploadNotFound
	}
	stale := upload.Status == models.StatusProcessing && !staleBefore.IsZero() && upload.UpdatedAt.Before(staleBefore)
	if upload.Status != models.StatusPending && !stale {
		return models.Upload{}, false, nil
	}
	original := upload

	upload.Status = models.StatusProcessing
	upload.UpdatedAt = s.now()
	s.data.Uploads[id] = upload
	if err := s.persist(); err != nil {
		s.data.Uploads[id] = original
		return models.Upload{}, false, err
	}
	return cloneUpload(upload), true, nil
}

func (s *Storage) ListProcessable(ctx context.Context, now, staleBefore time.Time, limit int) ([]models.Upload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := make([]models.Upload, 0)
	for _, upload := range s.data.Uploads {
		if upload.Archived {
			continue
		}
		switch upload.Status {
		case models.StatusPending:
			if upload.Due(now) {
				candidates = append(candidates, cloneUpload(upload))
			}
		case models.StatusProcessing:
			if upload.UpdatedAt.Before(staleBefore) {
				candidates = append(candidates, cloneUpload(upload))
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func (s *Storage) CountUploadsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, upload := range s.data.Uploads {
		if upload.UserID != userID || upload.Archived {
			continue
		}
		if upload.CreatedAt.Before(since) {
			continue
		}
		count++
	}
	return count, nil
}

func cloneCredential(cred models.Credential) models.Credential {
	return cred
}

func (s *Storage) GetCredential(ctx context.Context, userID string) (models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.data.Credentials[userID]
	if !ok {
		return models.Credential{}, ErrCredentialNotFound
	}
	return cloneCredential(cred), nil
}

func (s *Storage) SaveCredential(ctx context.Context, cred models.Credential) (models.Credential, error) {
	userID := strings.TrimSpace(cred.UserID)
	if userID == "" {
		return models.Credential{}, fmt.Errorf("user id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cred.UserID = userID
	cred.UpdatedAt = s.now()
	original, existed := s.data.Credentials[userID]
	s.data.Credentials[userID] = cred
	if err := s.persist(); err != nil {
		if existed {
			s.data.Credentials[userID] = original
		} else {
			delete(s.data.Credentials, userID)
		}
		return models.Credential{}, err
	}
	return cloneCredential(cred), nil
}

func (s *Storage) DeleteCredential(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.data.Credentials[userID]
	if !ok {
		return nil
	}
	delete(s.data.Credentials, userID)
	if err := s.persist(); err != nil {
		s.data.Credentials[userID] = cred
		return err
	}
	return nil
}
