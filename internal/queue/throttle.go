// ABOUTME: Rate limiter behind Throttle, one token per delay with no burst.
// ABOUTME: Keeps the outbound action rate under the remote service's limits.

package queue

import (
	"time"

	"golang.org/x/time/rate"
)

func newLimiter(delay time.Duration) *rate.Limiter {
	return rate.NewLimiter(rate.Every(delay), 1)
}
