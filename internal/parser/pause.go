package parser

import (
	"context"
	"time"
)

// Pause sleeps for delay or until the context is done, whichever comes
// first. Parsers use it to back off when an origin signals rate limiting.
func Pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
