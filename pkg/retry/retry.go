package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
)

// Config holds the delivery retry policy
type Config struct {
	MaxRetries     int           `mapstructure:"max_retries"` // retries after the first attempt
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier"`
}

// DefaultConfig returns the delivery retry defaults
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

// Attempt describes a failed attempt passed to OnRetry hooks
type Attempt struct {
	Number  int // 1-based
	Err     error
	Backoff time.Duration
}

// Do executes fn with exponential backoff. Only transient delivery errors
// (models.IsRetryable) are retried; any other error is returned immediately.
// The error from the last attempt is returned unwrapped so its kind survives.
func Do(ctx context.Context, config Config, fn func() error, onRetry ...func(Attempt)) error {
	backoff := config.InitialBackoff
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}

	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return models.NewError(models.KindDelivery, "retry", "retry cancelled", ctx.Err())
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !models.IsRetryable(err) || attempt >= config.MaxRetries {
			return err
		}

		for _, hook := range onRetry {
			hook(Attempt{Number: attempt + 1, Err: err, Backoff: backoff})
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled after %d attempts: %w", attempt+1, err)
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * config.Multiplier)
		if config.MaxBackoff > 0 && backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}
}
