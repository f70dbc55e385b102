package fetch

import (
	"crypto/rand"
	"math/big"
	"net/http"
	"strconv"
	"time"
)

// backoff returns the jittered wait before retry attempt+1. The raw delay
// doubles per attempt up to max; the returned value is half the raw delay
// plus a random jitter of the same magnitude.
func backoff(attempt int, base, max time.Duration) time.Duration {
	delay := base
	for i := 1; i < attempt && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	return delay/2 + randomJitter(delay/2)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// retryAfter derives the wait demanded by a rate-limited response. It
// understands delta-seconds and HTTP-date forms of Retry-After and falls
// back to the configured default when the header is absent or malformed.
func retryAfter(hdr http.Header, now time.Time, fallback time.Duration) time.Duration {
	v := hdr.Get("Retry-After")
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return fallback
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return fallback
}
