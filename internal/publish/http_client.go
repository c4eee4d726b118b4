package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// HTTPClient talks to the video host's REST API: multipart uploads for new
// videos and JSON for everything else.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	now     func() time.Time
}

// HTTPClientOption customises the publish client.
type HTTPClientOption func(*HTTPClient)

// WithPublishHTTPClient overrides the underlying HTTP client. The default has
// no timeout because media uploads legitimately run for minutes; callers
// bound individual operations through the context.
func WithPublishHTTPClient(client *http.Client) HTTPClientOption {
	return func(c *HTTPClient) {
		if client != nil {
			c.client = client
		}
	}
}

// WithPublishClock overrides the time source, used in tests.
func WithPublishClock(now func() time.Time) HTTPClientOption {
	return func(c *HTTPClient) {
		if now != nil {
			c.now = now
		}
	}
}

// NewHTTPClient constructs a publish client for the given API base URL.
func NewHTTPClient(baseURL string, logger *slog.Logger, opts ...HTTPClientOption) (*HTTPClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("publish base url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{},
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

type videoMetadataPayload struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Visibility  string   `json:"visibility"`
	PublishAt   *string  `json:"publishAt,omitempty"`
}

type videoResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func metadataPayload(meta Metadata) videoMetadataPayload {
	payload := videoMetadataPayload{
		Title:       meta.Title,
		Description: meta.Description,
		Tags:        meta.Tags,
		Visibility:  string(meta.Visibility),
	}
	if meta.PublishAt != nil {
		formatted := meta.PublishAt.UTC().Format(time.RFC3339)
		payload.PublishAt = &formatted
	}
	return payload
}

// Publish streams the local media file and its metadata to the platform as a
// single multipart request and returns the created video's identity.
func (c *HTTPClient) Publish(ctx context.Context, accessToken, filePath string, sizeBytes int64, meta Metadata) (RemoteVideo, error) {
	media, err := os.Open(filePath)
	if err != nil {
		return RemoteVideo{}, fmt.Errorf("open media file: %w", err)
	}
	defer media.Close()

	meta = normalizeMetadata(meta, c.now())
	metadataJSON, err := json.Marshal(metadataPayload(meta))
	if err != nil {
		return RemoteVideo{}, fmt.Errorf("encode metadata: %w", err)
	}

	pipeReader, pipeWriter := io.Pipe()
	form := multipart.NewWriter(pipeWriter)
	go func() {
		err := writeMultipart(form, metadataJSON, filepath.Base(filePath), media)
		if closeErr := form.Close(); err == nil {
			err = closeErr
		}
		pipeWriter.CloseWithError(err)
	}()

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/videos", pipeReader)
	if err != nil {
		return RemoteVideo{}, fmt.Errorf("create publish request: %w", err)
	}
	setBearer(request, accessToken)
	request.Header.Set("Content-Type", form.FormDataContentType())
	if sizeBytes > 0 {
		request.Header.Set("X-Upload-Content-Length", strconv.FormatInt(sizeBytes, 10))
	}

	var created videoResponse
	if err := c.do(request, &created); err != nil {
		return RemoteVideo{}, fmt.Errorf("publish video: %w", err)
	}
	if strings.TrimSpace(created.ID) == "" {
		return RemoteVideo{}, fmt.Errorf("publish video: response missing video id")
	}
	return RemoteVideo{ID: created.ID, URL: created.URL}, nil
}

func writeMultipart(form *multipart.Writer, metadataJSON []byte, filename string, media io.Reader) error {
	metaPart, err := form.CreateFormField("metadata")
	if err != nil {
		return err
	}
	if _, err := metaPart.Write(metadataJSON); err != nil {
		return err
	}
	mediaPart, err := form.CreateFormFile("media", filename)
	if err != nil {
		return err
	}
	_, err = io.Copy(mediaPart, media)
	return err
}

// AttachThumbnail sets a custom thumbnail on an existing video. Accounts
// without channel verification are rejected by the platform, surfaced as
// ErrInsufficientPrivilege.
func (c *HTTPClient) AttachThumbnail(ctx context.Context, accessToken, videoID, thumbnailURL string) error {
	payload, err := json.Marshal(map[string]string{"thumbnailUrl": thumbnailURL})
	if err != nil {
		return fmt.Errorf("encode thumbnail payload: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.videoURL(videoID)+"/thumbnail", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create thumbnail request: %w", err)
	}
	setBearer(request, accessToken)
	request.Header.Set("Content-Type", "application/json")

	response, err := c.client.Do(request)
	if err != nil {
		return fmt.Errorf("attach thumbnail: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden {
		return ErrInsufficientPrivilege
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("attach thumbnail: %s", responseError(response))
	}
	return nil
}

// Delete removes the remote video. A 404 means the goal state is already
// reached, so it is not an error.
func (c *HTTPClient) Delete(ctx context.Context, accessToken, videoID string) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.videoURL(videoID), nil)
	if err != nil {
		return fmt.Errorf("create delete request: %w", err)
	}
	setBearer(request, accessToken)

	response, err := c.client.Do(request)
	if err != nil {
		return fmt.Errorf("delete video: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode == http.StatusNotFound {
		return nil
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("delete video: %s", responseError(response))
	}
	return nil
}

// Update applies a partial metadata change to an existing video.
func (c *HTTPClient) Update(ctx context.Context, accessToken, videoID string, update Update) error {
	fields := make(map[string]any)
	if update.Title != nil {
		fields["title"] = truncateRunes(strings.TrimSpace(*update.Title), maxTitleChars)
	}
	if update.Description != nil {
		fields["description"] = truncateRunes(*update.Description, maxDescriptionChars)
	}
	if update.Tags != nil {
		fields["tags"] = clampTags(*update.Tags, maxTagChars)
	}
	if update.Visibility != nil {
		fields["visibility"] = string(*update.Visibility)
	}
	if len(fields) == 0 {
		return nil
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode update payload: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.videoURL(videoID), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create update request: %w", err)
	}
	setBearer(request, accessToken)
	request.Header.Set("Content-Type", "application/json")

	if err := c.do(request, nil); err != nil {
		return fmt.Errorf("update video: %w", err)
	}
	return nil
}

func (c *HTTPClient) videoURL(videoID string) string {
	return c.baseURL + "/videos/" + videoID
}

func (c *HTTPClient) do(request *http.Request, dest any) error {
	response, err := c.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("%s", responseError(response))
	}
	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func responseError(response *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(response.Body, 512))
	snippet := strings.TrimSpace(string(body))
	if snippet == "" {
		return response.Status
	}
	return fmt.Sprintf("%s: %s", response.Status, snippet)
}

func setBearer(request *http.Request, token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	request.Header.Set("Authorization", "Bearer "+token)
}
