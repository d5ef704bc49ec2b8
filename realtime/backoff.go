package realtime

import "time"

// reconnectDelay returns the delay before reconnect attempt n (0-based):
// base, doubling per attempt, capped. With the defaults that is 1s, 2s, 4s,
// ... 30s. No jitter; the delay curve is part of the channel's contract.
func reconnectDelay(n int, base, limit time.Duration) time.Duration {
	if base <= 0 {
		base = defaultReconnectBase
	}
	if limit <= 0 {
		limit = defaultReconnectCap
	}
	if n < 0 {
		n = 0
	}

	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}
