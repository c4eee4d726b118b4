package publish

import (
	"context"
	"errors"
	"strings"
	"time"

	"tunecast/internal/models"
)

// ErrInsufficientPrivilege indicates the remote account lacks the verification
// required for the operation, e.g. setting a custom thumbnail.
var ErrInsufficientPrivilege = errors.New("remote account lacks required privilege")

// Remote platform metadata limits. Values beyond these are clipped before
// transmission rather than bounced back by the platform.
const (
	maxTitleChars       = 100
	maxDescriptionChars = 5000
	maxTagChars         = 500
)

// Metadata is the presentation payload sent alongside the media file.
type Metadata struct {
	Title       string
	Description string
	Tags        []string
	Visibility  models.Visibility
	// PublishAt schedules the remote visibility flip. When set to a future
	// time the video is created private and the platform reveals it at the
	// scheduled moment.
	PublishAt *time.Time
}

// Update carries a partial metadata change; nil fields are left untouched.
type Update struct {
	Title       *string
	Description *string
	Tags        *[]string
	Visibility  *models.Visibility
}

// RemoteVideo identifies a video on the hosting platform.
type RemoteVideo struct {
	ID  string
	URL string
}

// Client wraps the third-party video-hosting API.
type Client interface {
	Publish(ctx context.Context, accessToken, filePath string, sizeBytes int64, meta Metadata) (RemoteVideo, error)
	AttachThumbnail(ctx context.Context, accessToken, videoID, thumbnailURL string) error
	// Delete removes the remote video. A video that is already gone counts
	// as success.
	Delete(ctx context.Context, accessToken, videoID string) error
	Update(ctx context.Context, accessToken, videoID string, update Update) error
}

// normalizeMetadata clips fields to the platform's documented limits and
// forces the most restrictive visibility when a future publish time is set.
func normalizeMetadata(meta Metadata, now time.Time) Metadata {
	meta.Title = truncateRunes(strings.TrimSpace(meta.Title), maxTitleChars)
	meta.Description = truncateRunes(meta.Description, maxDescriptionChars)
	meta.Tags = clampTags(meta.Tags, maxTagChars)
	if meta.PublishAt != nil && meta.PublishAt.After(now) {
		meta.Visibility = models.VisibilityPrivate
	}
	return meta
}

func truncateRunes(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}

// clampTags keeps tags in order until their combined length would exceed the
// budget, dropping the remainder whole. A single oversized tag is dropped
// rather than split.
func clampTags(tags []string, budget int) []string {
	kept := make([]string, 0, len(tags))
	total := 0
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		length := len([]rune(tag))
		if total+length > budget {
			break
		}
		total += length
		kept = append(kept, tag)
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}
