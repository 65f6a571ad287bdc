// Package retry provides exponential backoff for transient failures.
//
// Two shapes are offered. Do runs an operation a bounded number of times,
// sleeping between attempts and honoring context cancellation. Wrapping an
// error with NonRetryable ends the loop early:
//
//	err := retry.Do(ctx, cfg, func() error {
//	    return natsClient.Connect(ctx)
//	})
//
// Backoff hands out delays for loops that never give up, such as the
// kernel ingest client which keeps redialing the debug socket:
//
//	b := retry.NewBackoff(retry.Fixed(2 * time.Second))
//	timer := time.AfterFunc(b.Next(), reconnect)
//
// A Multiplier of 1.0 yields a fixed delay. Jitter adds up to 25% and is
// off unless AddJitter is set.
package retry
