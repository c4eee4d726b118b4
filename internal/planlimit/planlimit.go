package planlimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tunecast/internal/storage"
)

// ErrLimitExceeded indicates the principal used up their rolling-period quota.
var ErrLimitExceeded = errors.New("upload limit exceeded for plan")

// ErrFormatNotAllowed indicates the source format is outside the plan's set.
var ErrFormatNotAllowed = errors.New("source format not allowed for plan")

// Unlimited disables the per-period cap.
const Unlimited = -1

// Limits describes what a plan tier may do.
type Limits struct {
	MaxPerPeriod   int
	Period         time.Duration
	AllowedFormats []string
}

var tiers = map[string]Limits{
	"free": {
		MaxPerPeriod:   5,
		Period:         30 * 24 * time.Hour,
		AllowedFormats: []string{"mp3"},
	},
	"creator": {
		MaxPerPeriod:   100,
		Period:         30 * 24 * time.Hour,
		AllowedFormats: []string{"mp3", "wav", "flac"},
	},
	"studio": {
		MaxPerPeriod:   Unlimited,
		Period:         30 * 24 * time.Hour,
		AllowedFormats: []string{"mp3", "wav", "flac", "aiff", "ogg"},
	},
}

// ForTier returns the limits for a plan tier, defaulting unknown tiers to the
// free plan.
func ForTier(tier string) Limits {
	if limits, ok := tiers[strings.ToLower(strings.TrimSpace(tier))]; ok {
		return limits
	}
	return tiers["free"]
}

// Checker enforces plan limits at intake time against recorded usage.
type Checker struct {
	repo storage.Repository
	now  func() time.Time
}

// NewChecker constructs a plan-limit checker backed by the record store.
func NewChecker(repo storage.Repository) *Checker {
	return &Checker{
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source, used in tests.
func (c *Checker) WithClock(now func() time.Time) *Checker {
	if now != nil {
		c.now = now
	}
	return c
}

// Allow reports whether the principal may create another upload with the
// given source format. Consulted only at intake; the pipeline never re-checks.
func (c *Checker) Allow(ctx context.Context, userID, tier, format string) error {
	limits := ForTier(tier)

	if format = strings.ToLower(strings.TrimSpace(format)); format != "" {
		allowed := false
		for _, candidate := range limits.AllowedFormats {
			if candidate == format {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: %s", ErrFormatNotAllowed, format)
		}
	}

	if limits.MaxPerPeriod == Unlimited {
		return nil
	}
	periodStart := c.now().Add(-limits.Period)
	used, err := c.repo.CountUploadsSince(ctx, userID, periodStart)
	if err != nil {
		return fmt.Errorf("count uploads: %w", err)
	}
	if used >= limits.MaxPerPeriod {
		return ErrLimitExceeded
	}
	return nil
}
