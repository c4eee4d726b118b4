package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ErrCompositionTimeout indicates the muxing process exceeded its wall-clock
// budget and was force-terminated.
var ErrCompositionTimeout = errors.New("composition timed out")

const (
	defaultAudioTimeout     = 10 * time.Minute
	defaultThumbnailTimeout = 15 * time.Second
	defaultMuxTimeout       = 30 * time.Minute

	// Output frames are 16:9 at 720p. The thumbnail is scaled to fit and
	// padded; without a thumbnail a solid-colour frame is generated.
	videoFilter      = "scale=1280:720:force_original_aspect_ratio=decrease,pad=1280:720:(ow-iw)/2:(oh-ih)/2"
	placeholderInput = "color=c=0x1f1f23:s=1280x720:r=2"
)

// Output describes a finished composition. The caller owns Path and must
// remove it once consumed.
type Output struct {
	Path      string
	SizeBytes int64
}

// FFmpegComposer turns a remote audio stream plus an optional static image
// into a local MP4 by shelling out to ffmpeg.
type FFmpegComposer struct {
	client           *http.Client
	binary           string
	workDir          string
	audioTimeout     time.Duration
	thumbnailTimeout time.Duration
	muxTimeout       time.Duration
	logger           *slog.Logger
	runCommand       func(ctx context.Context, binary string, args []string) error
}

// ComposerOption customises the composer.
type ComposerOption func(*FFmpegComposer)

// WithBinary overrides the ffmpeg binary path.
func WithBinary(binary string) ComposerOption {
	return func(c *FFmpegComposer) {
		if strings.TrimSpace(binary) != "" {
			c.binary = binary
		}
	}
}

// WithWorkDir places temporary and output files under dir instead of the
// system temp directory.
func WithWorkDir(dir string) ComposerOption {
	return func(c *FFmpegComposer) {
		if strings.TrimSpace(dir) != "" {
			c.workDir = dir
		}
	}
}

// WithMuxTimeout adjusts the wall-clock budget for the muxing process.
func WithMuxTimeout(timeout time.Duration) ComposerOption {
	return func(c *FFmpegComposer) {
		if timeout > 0 {
			c.muxTimeout = timeout
		}
	}
}

// WithDownloadTimeouts adjusts the per-download budgets for the audio stream
// and the thumbnail image.
func WithDownloadTimeouts(audio, thumbnail time.Duration) ComposerOption {
	return func(c *FFmpegComposer) {
		if audio > 0 {
			c.audioTimeout = audio
		}
		if thumbnail > 0 {
			c.thumbnailTimeout = thumbnail
		}
	}
}

// WithComposerHTTPClient overrides the HTTP client used for downloads.
func WithComposerHTTPClient(client *http.Client) ComposerOption {
	return func(c *FFmpegComposer) {
		if client != nil {
			c.client = client
		}
	}
}

// withRunCommand replaces the ffmpeg invocation, used in tests.
func withRunCommand(run func(ctx context.Context, binary string, args []string) error) ComposerOption {
	return func(c *FFmpegComposer) {
		if run != nil {
			c.runCommand = run
		}
	}
}

// NewFFmpegComposer constructs a composer with production defaults.
func NewFFmpegComposer(logger *slog.Logger, opts ...ComposerOption) *FFmpegComposer {
	if logger == nil {
		logger = slog.Default()
	}
	composer := &FFmpegComposer{
		client:           &http.Client{},
		binary:           "ffmpeg",
		workDir:          os.TempDir(),
		audioTimeout:     defaultAudioTimeout,
		thumbnailTimeout: defaultThumbnailTimeout,
		muxTimeout:       defaultMuxTimeout,
		logger:           logger,
	}
	composer.runCommand = composer.runFFmpeg
	for _, opt := range opts {
		if opt != nil {
			opt(composer)
		}
	}
	return composer
}

// Compose downloads the audio stream and optional thumbnail, muxes them into
// an MP4 whose video track ends with the audio, and returns the output path.
// Downloaded intermediates are removed on every exit path; the output file is
// removed only on failure and is otherwise the caller's to clean up.
func (c *FFmpegComposer) Compose(ctx context.Context, audioURL, thumbnailURL string) (Output, error) {
	if strings.TrimSpace(audioURL) == "" {
		return Output{}, fmt.Errorf("audio url is required")
	}

	scratch, err := os.MkdirTemp(c.workDir, "compose-")
	if err != nil {
		return Output{}, fmt.Errorf("create scratch directory: %w", err)
	}
	defer func() {
		if removeErr := os.RemoveAll(scratch); removeErr != nil {
			c.logger.Warn("failed to remove scratch directory", "dir", scratch, "error", removeErr)
		}
	}()

	audioPath := filepath.Join(scratch, "audio.src")
	if err := c.download(ctx, audioURL, audioPath, c.audioTimeout); err != nil {
		return Output{}, fmt.Errorf("download audio: %w", err)
	}

	thumbnailPath := ""
	if strings.TrimSpace(thumbnailURL) != "" {
		thumbnailPath = filepath.Join(scratch, "thumbnail.img")
		if err := c.download(ctx, thumbnailURL, thumbnailPath, c.thumbnailTimeout); err != nil {
			// The static image is cosmetic; fall back to the placeholder
			// frame rather than failing the whole composition.
			c.logger.Warn("thumbnail download failed, using placeholder frame", "error", err)
			thumbnailPath = ""
		}
	}

	outputFile, err := os.CreateTemp(c.workDir, "composed-*.mp4")
	if err != nil {
		return Output{}, fmt.Errorf("create output file: %w", err)
	}
	outputPath := outputFile.Name()
	if err := outputFile.Close(); err != nil {
		os.Remove(outputPath)
		return Output{}, fmt.Errorf("close output file: %w", err)
	}

	muxCtx, cancel := context.WithTimeout(ctx, c.muxTimeout)
	defer cancel()
	if err := c.runCommand(muxCtx, c.binary, muxArgs(audioPath, thumbnailPath, outputPath)); err != nil {
		os.Remove(outputPath)
		if errors.Is(muxCtx.Err(), context.DeadlineExceeded) {
			return Output{}, ErrCompositionTimeout
		}
		return Output{}, fmt.Errorf("mux audio and image: %w", err)
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		os.Remove(outputPath)
		return Output{}, fmt.Errorf("stat output file: %w", err)
	}
	if info.Size() == 0 {
		os.Remove(outputPath)
		return Output{}, fmt.Errorf("muxing produced an empty file")
	}
	return Output{Path: outputPath, SizeBytes: info.Size()}, nil
}

// muxArgs builds the ffmpeg invocation. The -shortest flag ends the looped
// video track exactly when the audio track ends.
func muxArgs(audioPath, thumbnailPath, outputPath string) []string {
	args := []string{"-y", "-loglevel", "error"}
	if thumbnailPath != "" {
		args = append(args,
			"-loop", "1",
			"-framerate", "2",
			"-i", thumbnailPath,
			"-i", audioPath,
			"-vf", videoFilter,
			"-tune", "stillimage",
		)
	} else {
		args = append(args,
			"-f", "lavfi",
			"-i", placeholderInput,
			"-i", audioPath,
		)
	}
	args = append(args,
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "192k",
		"-shortest",
		"-movflags", "+faststart",
		outputPath,
	)
	return args
}

func (c *FFmpegComposer) runFFmpeg(ctx context.Context, binary string, args []string) error {
	cmd := exec.CommandContext(ctx, binary, args...)
	var buf bytes.Buffer
	cmd.Stdin = nil
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	// CommandContext kills the process when the deadline fires; WaitDelay
	// bounds how long Wait blocks if ffmpeg ignores the kill.
	cmd.WaitDelay = 10 * time.Second
	if err := cmd.Run(); err != nil {
		snippet := strings.TrimSpace(buf.String())
		if len(snippet) > 512 {
			snippet = snippet[len(snippet)-512:]
		}
		if snippet != "" {
			return fmt.Errorf("%w: %s", err, snippet)
		}
		return err
	}
	return nil
}

func (c *FFmpegComposer) download(ctx context.Context, url, dest string, timeout time.Duration) error {
	downloadCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(downloadCtx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create download request: %w", err)
	}
	response, err := c.client.Do(request)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("fetch %s: unexpected status %d", url, response.StatusCode)
	}

	file, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(file, response.Body); err != nil {
		file.Close()
		os.Remove(dest)
		return fmt.Errorf("write %s: %w", dest, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(dest)
		return fmt.Errorf("close %s: %w", dest, err)
	}
	return nil
}
