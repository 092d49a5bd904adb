package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrTransportUnavailable indicates the broker could not be reached or a channel
	// send/receive failed at the network level.
	ErrTransportUnavailable = errors.New("broker: transport unavailable")
	// ErrProtocol indicates a frame or response body did not match the expected shape.
	ErrProtocol = errors.New("broker: protocol error")
	// ErrRequestRejected indicates the broker answered with a non-success status.
	ErrRequestRejected = errors.New("broker: request rejected")
	// ErrTimeout indicates a bounded wait was exceeded.
	ErrTimeout = errors.New("broker: timeout")
	// ErrInvariantViolation indicates caller misuse: wrong call order or an illegal
	// connection state transition.
	ErrInvariantViolation = errors.New("broker: invariant violation")
)

// RequestError describes one failed request/response exchange with the broker.
type RequestError struct {
	Op         string
	StatusCode int
	Detail     string
	Err        error
}

func (e *RequestError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Detail != "":
		return fmt.Sprintf("%s: status %d: %s: %v", e.Op, e.StatusCode, e.Detail, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// classifyNetError maps low-level transport failures onto the taxonomy.
func classifyNetError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &RequestError{Op: op, Err: fmt.Errorf("%w: %w", ErrTimeout, err)}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &RequestError{Op: op, Err: fmt.Errorf("%w: %w", ErrTimeout, err)}
	}
	return &RequestError{Op: op, Err: fmt.Errorf("%w: %w", ErrTransportUnavailable, err)}
}

// Invariant builds an ErrInvariantViolation with context.
func Invariant(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}
