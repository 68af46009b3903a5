package resilience

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/0xcro3dile/coursetutor-go/internal/domain/errs"
)

// ErrRateLimited marks an HTTP 429 so key-pool adapters can rotate before the retry.
var ErrRateLimited = errors.New("rate limited")

// StatusError converts a non-2xx upstream status into an error, marking the retryable ones.
func StatusError(upstream string, status int) error {
	err := fmt.Errorf("%s returned status %d", upstream, status)
	switch {
	case status == http.StatusTooManyRequests:
		return errs.Transient(fmt.Errorf("%w: %v", ErrRateLimited, err))
	case status == http.StatusRequestTimeout, status >= 500:
		return errs.Transient(err)
	default:
		return err
	}
}

// TransportError marks network failures (refused connections, resets, timeouts) as transient.
func TransportError(upstream string, err error) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("calling %s: %w", upstream, err)
	var nerr net.Error
	if errors.As(err, &nerr) || errors.Is(err, net.ErrClosed) {
		return errs.Transient(wrapped)
	}
	var oerr *net.OpError
	if errors.As(err, &oerr) {
		return errs.Transient(wrapped)
	}
	return wrapped
}
