package classify

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryDelay returns the back-off delay before the attempt'th retry
// (attempt is 1-based: the delay before the *first* retry) for the given
// classified code, per spec §4.5's per-code retry strategy:
//
//   - rateLimited: linear, 5s per attempt (no jitter) — the one policy with
//     no off-the-shelf shape in cenkalti/backoff, hand-rolled deliberately.
//   - network: exponential, base 0.5s, cap 30s
//   - serviceUnavailable: exponential, base 2s, cap 30s
//   - everything else retryable: exponential, base 1s, cap 30s
//
// Non-retryable codes return 0; callers should not schedule a retry for
// them at all (see classify.Retryable).
func RetryDelay(code Code, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if !Retryable(code) {
		return 0
	}
	if code == RateLimited {
		return time.Duration(attempt) * 5 * time.Second
	}

	initial := time.Second
	switch code {
	case Network:
		initial = 500 * time.Millisecond
	case ServiceUnavailable:
		initial = 2 * time.Second
	}

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(initial),
		backoff.WithMaxInterval(30*time.Second),
		backoff.WithMultiplier(2.0),
		backoff.WithRandomizationFactor(0),
	)

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
