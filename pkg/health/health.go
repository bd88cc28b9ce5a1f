package health

import (
	"context"
	"time"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is implemented by every probe
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

// WaitConfig controls WaitHealthy
type WaitConfig struct {
	// Interval is the time between checks
	Interval time.Duration

	// Successes is the number of consecutive healthy results required
	Successes int
}

// DefaultWaitConfig polls every 250ms until one check succeeds
func DefaultWaitConfig() WaitConfig {
	return WaitConfig{
		Interval:  250 * time.Millisecond,
		Successes: 1,
	}
}

// WaitHealthy runs checker until it reports healthy cfg.Successes times in a
// row or ctx is done. It returns the last result.
func WaitHealthy(ctx context.Context, checker Checker, cfg WaitConfig) (Result, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultWaitConfig().Interval
	}
	if cfg.Successes <= 0 {
		cfg.Successes = 1
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	var last Result
	consecutive := 0
	for {
		last = checker.Check(ctx)
		if last.Healthy {
			consecutive++
			if consecutive >= cfg.Successes {
				return last, nil
			}
		} else {
			consecutive = 0
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return last, ctx.Err()
		}
	}
}
