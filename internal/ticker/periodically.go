// Package ticker runs periodic background work.
package ticker

import (
	"context"
	"fmt"
	"time"
)

// Periodically runs task every interval until the context is done or the
// task returns an error. The first run happens one interval after the call,
// not immediately.
func Periodically(ctx context.Context, interval time.Duration, task func(context.Context) error) error {
	if interval <= 0 {
		return fmt.Errorf("non-positive interval: %v", interval)
	}

	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if err := task(ctx); err != nil {
				return fmt.Errorf("periodic task failed: %w", err)
			}
		}
	}
}
