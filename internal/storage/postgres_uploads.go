package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"tunecast/internal/models"
)

const uploadColumns = "id, user_id, audio_file_id, source_url, title, description, tags, thumbnail_url, visibility, scheduled_at, status, video_id, video_url, error, archived, created_at, updated_at"

type pgRow interface {
	Scan(dest ...any) error
}

func scanUpload(row pgRow) (models.Upload, error) {
	var (
		upload      models.Upload
		visibility  string
		status      string
		scheduledAt *time.Time
		videoID     *string
	)
	err := row.Scan(
		&upload.ID,
		&upload.UserID,
		&upload.AudioFileID,
		&upload.SourceURL,
		&upload.Title,
		&upload.Description,
		&upload.Tags,
		&upload.ThumbnailURL,
		&visibility,
		&scheduledAt,
		&status,
		&videoID,
		&upload.VideoURL,
		&upload.Error,
		&upload.Archived,
		&upload.CreatedAt,
		&upload.UpdatedAt,
	)
	if err != nil {
		return models.Upload{}, err
	}
	upload.Visibility = models.ParseVisibility(visibility)
	if parsed, ok := models.ParseUploadStatus(status); ok {
		upload.Status = parsed
	}
	if scheduledAt != nil {
		scheduled := scheduledAt.UTC()
		upload.ScheduledAt = &scheduled
	}
	if videoID != nil && strings.TrimSpace(*videoID) != "" {
		id := *videoID
		upload.VideoID = &id
	}
	return upload, nil
}

func (r *postgresRepository) CreateUpload(ctx context.Context, params CreateUploadParams) (models.Upload, error) {
	userID := strings.TrimSpace(params.UserID)
	if userID == "" {
		return models.Upload{}, fmt.Errorf("user id is required")
	}
	audioFileID := strings.TrimSpace(params.AudioFileID)
	sourceURL := strings.TrimSpace(params.SourceURL)
	if audioFileID == "" && sourceURL == "" {
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
	tags := append([]string(nil), params.Tags...)
	if tags == nil {
		tags = []string{}
	}
	var scheduledAt *time.Time
	if params.ScheduledAt != nil && !params.ScheduledAt.IsZero() {
		scheduled := params.ScheduledAt.UTC()
		scheduledAt = &scheduled
	}

	now := r.now()
	row := r.pool.QueryRow(ctx,
		"INSERT INTO uploads (id, user_id, audio_file_id, source_url, title, description, tags, thumbnail_url, visibility, scheduled_at, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13) RETURNING "+uploadColumns,
		generateID(), userID, audioFileID, sourceURL, title, params.Description, tags, strings.TrimSpace(params.ThumbnailURL), string(visibility), scheduledAt, string(models.StatusPending), now, now,
	)
	upload, err := scanUpload(row)
	if err != nil {
		return models.Upload{}, fmt.Errorf("insert upload: %w", err)
	}
	return upload, nil
}

func (r *postgresRepository) GetUpload(ctx context.Context, id string) (models.Upload, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+uploadColumns+" FROM uploads WHERE id = $1", id)
	upload, err := scanUpload(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Upload{}, ErrUploadNotFound
	}
	if err != nil {
		return models.Upload{}, fmt.Errorf("select upload %s: %w", id, err)
	}
	return upload, nil
}

func (r *postgresRepository) ListUploads(ctx context.Context, userID string, includeArchived bool) ([]models.Upload, error) {
	query := "SELECT " + uploadColumns + " FROM uploads WHERE ($1 = '' OR user_id = $1)"
	if !includeArchived {
		query += " AND archived = FALSE"
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	defer rows.Close()

	uploads := make([]models.Upload, 0)
	for rows.Next() {
		upload, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		uploads = append(uploads, upload)
	}
	return uploads, rows.Err()
}

func (r *postgresRepository) UpdateUpload(ctx context.Context, id string, update UploadUpdate) (models.Upload, error) {
	assignments := make([]string, 0, 8)
	args := make([]any, 0, 8)
	arg := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	if update.Title != nil {
		if trimmed := strings.TrimSpace(*update.Title); trimmed != "" {
			assignments = append(assignments, "title = "+arg(trimmed))
		}
	}
	if update.Description != nil {
		assignments = append(assignments, "description = "+arg(*update.Description))
	}
	if update.Tags != nil {
		assignments = append(assignments, "tags = "+arg(update.Tags))
	}
	if update.ThumbnailURL != nil {
		assignments = append(assignments, "thumbnail_url = "+arg(strings.TrimSpace(*update.ThumbnailURL)))
	}
	if update.Visibility != nil {
		assignments = append(assignments, "visibility = "+arg(string(*update.Visibility)))
	}
	if update.ScheduledAt != nil {
		if update.ScheduledAt.IsZero() {
			assignments = append(assignments, "scheduled_at = NULL")
		} else {
			assignments = append(assignments, "scheduled_at = "+arg(update.ScheduledAt.UTC()))
		}
	}
	if update.Status != nil {
		assignments = append(assignments, "status = "+arg(string(*update.Status)))
	}
	if update.VideoID != nil {
		if trimmed := strings.TrimSpace(*update.VideoID); trimmed == "" {
			assignments = append(assignments, "video_id = NULL")
		} else {
			assignments = append(assignments, "video_id = "+arg(trimmed))
		}
	}
	if update.VideoURL != nil {
		assignments = append(assignments, "video_url = "+arg(strings.TrimSpace(*update.VideoURL)))
	}
	if update.Error != nil {
		assignments = append(assignments, "error = "+arg(strings.TrimSpace(*update.Error)))
	}
	if update.Archived != nil {
		assignments = append(assignments, "archived = "+arg(*update.Archived))
	}
	assignments = append(assignments, "updated_at = "+arg(r.now()))

	query := "UPDATE uploads SET " + strings.Join(assignments, ", ") + " WHERE id = " + arg(id) + " RETURNING " + uploadColumns
	row := r.pool.QueryRow(ctx, query, args...)
	upload, err := scanUpload(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Upload{}, ErrUploadNotFound
	}
	if err != nil {
		return models.Upload{}, fmt.Errorf("update upload %s: %w", id, err)
	}
	return upload, nil
}

func (r *postgresRepository) DeleteUpload(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, "DELETE FROM uploads WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete upload %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUploadNotFound
	}
	return nil
}

// ClaimUpload relies on a single conditional UPDATE so that concurrent
// claimers race on the row's status column rather than on a read-then-write.
func (r *postgresRepository) ClaimUpload(ctx context.Context, id string, staleBefore time.Time) (models.Upload, bool, error) {
	row := r.pool.QueryRow(ctx,
		"UPDATE uploads SET status = $2, updated_at = $3 WHERE id = $1 AND (status = $4 OR (status = $2 AND updated_at < $5)) RETURNING "+uploadColumns,
		id, string(models.StatusProcessing), r.now(), string(models.StatusPending), staleBefore,
	)
	upload, err := scanUpload(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either absent or already claimed; distinguish for the caller.
		var exists bool
		if lookupErr := r.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM uploads WHERE id = $1)", id).Scan(&exists); lookupErr != nil {
			return models.Upload{}, false, fmt.Errorf("check upload %s: %w", id, lookupErr)
		}
		if !exists {
			return models.Upload{}, false, ErrUploadNotFound
		}
		return models.Upload{}, false, nil
	}
	if err != nil {
		return models.Upload{}, false, fmt.Errorf("claim upload %s: %w", id, err)
	}
	return upload, true, nil
}

func (r *postgresRepository) ListProcessable(ctx context.Context, now, staleBefore time.Time, limit int) ([]models.Upload, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.pool.Query(ctx,
		"SELECT "+uploadColumns+" FROM uploads WHERE archived = FALSE AND ((status = $1 AND (scheduled_at IS NULL OR scheduled_at <= $2)) OR (status = $3 AND updated_at < $4)) ORDER BY created_at LIMIT $5",
		string(models.StatusPending), now, string(models.StatusProcessing), staleBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list processable uploads: %w", err)
	}
	defer rows.Close()

	uploads := make([]models.Upload, 0, limit)
	for rows.Next() {
		upload, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		uploads = append(uploads, upload)
	}
	return uploads, rows.Err()
}

func (r *postgresRepository) CountUploadsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM uploads WHERE user_id = $1 AND archived = FALSE AND created_at >= $2",
		userID, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count uploads: %w", err)
	}
	return count, nil
}
