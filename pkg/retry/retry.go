package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NonRetryableError wraps errors that should not be retried
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps an error to indicate it should not be retried
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable checks if an error is marked as non-retryable
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Config provides retry configuration
type Config struct {
	MaxAttempts  int           // Maximum number of attempts (0 = run once)
	InitialDelay time.Duration // Delay before the second attempt
	MaxDelay     time.Duration // Upper bound for any delay
	Multiplier   float64       // Growth per attempt; 1.0 gives a fixed delay
	AddJitter    bool          // Add up to 25% randomness
}

// Fixed returns a config that always waits d between attempts.
func Fixed(d time.Duration) Config {
	return Config{
		InitialDelay: d,
		MaxDelay:     d,
		Multiplier:   1.0,
	}
}

func (c Config) validate() error {
	if c.InitialDelay < 0 {
		return errors.New("retry: InitialDelay cannot be negative")
	}
	if c.MaxDelay < 0 {
		return errors.New("retry: MaxDelay cannot be negative")
	}
	if c.Multiplier < 0 {
		return errors.New("retry: Multiplier cannot be negative")
	}
	return nil
}

func (c Config) normalized() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2.0
	}
	if c.Multiplier > 1000 {
		c.Multiplier = 1000
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	return c
}

// Delay returns the wait before retry number attempt (zero based), without
// jitter. The result never exceeds MaxDelay.
func (c Config) Delay(attempt int) time.Duration {
	c = c.normalized()
	delay := float64(c.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= c.Multiplier
		if delay >= float64(c.MaxDelay) {
			return c.MaxDelay
		}
	}
	return time.Duration(delay)
}

func (c Config) withJitter(d time.Duration) time.Duration {
	if !c.AddJitter || d < 4 {
		return d
	}
	randMu.Lock()
	jitter := time.Duration(randSource.Int63n(int64(d / 4)))
	randMu.Unlock()
	return d + jitter
}

// Do executes fn with exponential backoff retry
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	cfg = cfg.normalized()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if IsNonRetryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt, ctx.Err())
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(cfg.withJitter(cfg.Delay(attempt - 1)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("retry failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// Backoff tracks consecutive failures for a loop that never gives up, such
// as a reconnecting client. It is not safe for concurrent use.
type Backoff struct {
	cfg      Config
	attempts int
}

// NewBackoff returns a Backoff driven by cfg. MaxAttempts is ignored.
func NewBackoff(cfg Config) *Backoff {
	return &Backoff{cfg: cfg}
}

// Next returns the delay for the next attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	d := b.cfg.withJitter(b.cfg.Delay(b.attempts))
	b.attempts++
	return d
}

// Attempts returns the number of delays handed out since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// Reset starts the sequence again from InitialDelay.
func (b *Backoff) Reset() {
	b.attempts = 0
}
