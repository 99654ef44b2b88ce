package reliability

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// IsExpectedClose reports whether err is an orderly shutdown of the socket
// rather than a fault worth logging at error level.
func IsExpectedClose(err error) bool {
	if err == nil {
		return false
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway
	}
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// RetryDelay is the wait before dial attempt number attempt (1-based) within
// one connecting phase. A cap at or below base keeps the delay fixed.
func RetryDelay(attempt int, base, cap time.Duration) time.Duration {
	if cap <= base {
		return base
	}
	return ExponentialBackoff(attempt-1, base, cap)
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
