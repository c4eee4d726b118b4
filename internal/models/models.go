package models

import (
	"strings"
	"time"
)

// UploadStatus enumerates the lifecycle states of an upload record.
// Transitions are monotonic along pending -> processing -> uploaded|failed;
// a failed record may only be reset to pending by an explicit user action.
type UploadStatus string

const (
	StatusPending    UploadStatus = "pending"
	StatusProcessing UploadStatus = "processing"
	StatusUploaded   UploadStatus = "uploaded"
	StatusFailed     UploadStatus = "failed"
)

// ParseUploadStatus normalises a raw status string, reporting whether the
// value is one of the known lifecycle states.
func ParseUploadStatus(raw string) (UploadStatus, bool) {
	switch UploadStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusPending:
		return StatusPending, true
	case StatusProcessing:
		return StatusProcessing, true
	case StatusUploaded:
		return StatusUploaded, true
	case StatusFailed:
		return StatusFailed, true
	}
	return "", false
}

// Visibility mirrors the remote platform's privacy settings.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityPrivate  Visibility = "private"
)

// ParseVisibility normalises a raw visibility string, defaulting to private
// for unknown values so a malformed request can never over-expose a video.
func ParseVisibility(raw string) Visibility {
	switch Visibility(strings.ToLower(strings.TrimSpace(raw))) {
	case VisibilityPublic:
		return VisibilityPublic
	case VisibilityUnlisted:
		return VisibilityUnlisted
	default:
		return VisibilityPrivate
	}
}

type Upload struct {
	ID           string     `json:"id"`
	UserID       string     `json:"userId"`
	AudioFileID  string     `json:"audioFileId"`
	SourceURL    string     `json:"sourceUrl,omitempty"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Tags         []string   `json:"tags,omitempty"`
	ThumbnailURL string     `json:"thumbnailUrl,omitempty"`
	Visibility   Visibility `json:"visibility"`
	ScheduledAt  *time.Time `json:"scheduledAt,omitempty"`

	Status   UploadStatus `json:"status"`
	VideoID  *string      `json:"videoId,omitempty"`
	VideoURL string       `json:"videoUrl,omitempty"`
	Error    string       `json:"error,omitempty"`
	Archived bool         `json:"archived"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Terminal reports whether the record has reached a final state.
func (u Upload) Terminal() bool {
	return u.Status == StatusUploaded || u.Status == StatusFailed
}

// Due reports whether the record is eligible for processing at the given
// time. Records scheduled in the future are held until their publish time;
// unscheduled records are due immediately.
func (u Upload) Due(now time.Time) bool {
	if u.ScheduledAt == nil {
		return true
	}
	return !u.ScheduledAt.After(now)
}

// Credential stores the delegated OAuth tokens for one principal. At most one
// credential exists per principal; saving overwrites in place.
type Credential struct {
	UserID       string    `json:"userId"`
	AccessToken  string    `json:"accessToken,omitempty"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
	ChannelID    string    `json:"channelId,omitempty"`
	ChannelTitle string    `json:"channelTitle,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Connected reports whether any token material is present. A cleared
// credential row (empty access token, no refresh token) means the principal
// has disconnected the remote account.
func (c Credential) Connected() bool {
	return strings.TrimSpace(c.AccessToken) != "" || strings.TrimSpace(c.RefreshToken) != ""
}

// Usable reports whether the credential can authorise a publish call, either
// directly or after a refresh. A refresh token always makes the credential
// usable regardless of access-token expiry.
func (c Credential) Usable(now time.Time) bool {
	if strings.TrimSpace(c.RefreshToken) != "" {
		return true
	}
	if strings.TrimSpace(c.AccessToken) == "" {
		return false
	}
	return c.ExpiresAt.IsZero() || c.ExpiresAt.After(now)
}
