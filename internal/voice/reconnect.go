package voice

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/avatalk/internal/transcript"
)

// Default reconnection parameters.
const (
	DefaultMaxRetries = 3
	DefaultBackoff    = 1 * time.Second
	DefaultMaxBackoff = 30 * time.Second
)

// RetryPolicy controls how a transcription session is (re)established.
// The first attempt is immediate; each of the MaxRetries retries waits
// Backoff, doubling per attempt up to MaxBackoff.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	} else if p.MaxRetries == 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.Backoff <= 0 {
		p.Backoff = DefaultBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultMaxBackoff
	}
	if p.MaxBackoff < p.Backoff {
		p.MaxBackoff = p.Backoff
	}
	return p
}

// retry calls connect until it succeeds, the policy is exhausted, the
// error is permanent, or ctx ends. onRetry runs before every retry.
func (p RetryPolicy) retry(ctx context.Context, connect func(context.Context) error, onRetry func(attempt int, wait time.Duration)) error {
	backoff := p.Backoff
	var err error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			if onRetry != nil {
				onRetry(attempt, backoff)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, p.MaxBackoff)
		}

		if err = connect(ctx); err == nil {
			if attempt > 0 {
				slog.Info("transcription session re-established", "attempt", attempt)
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if permanent(err) {
			slog.Error("transcription session rejected, not retrying", "err", err)
			return err
		}
		slog.Warn("transcription connect attempt failed",
			"attempt", attempt,
			"max_retries", p.MaxRetries,
			"err", err,
		)
	}
	slog.Error("transcription connect failed after max retries", "max_retries", p.MaxRetries, "err", err)
	return err
}

// permanent reports whether retrying err is pointless: the service rejected
// the request itself (bad credentials, malformed configuration) rather than
// failing transiently.
func permanent(err error) bool {
	var ne *transcript.NegotiationError
	if !errors.As(err, &ne) {
		return false
	}
	code := ne.StatusCode
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout
}
