package gateway

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// Retryable reports whether a gateway error leaves the charge outcome
// unknown rather than refused.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}
