// Package remote holds the collaborators the sync engine delivers records to:
// an HTTP client for the sink API, a Kafka producer, and an in-memory sink
// for development and tests. All of them dedupe on the record id.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/tbourn/physio-sync/internal/domain"
)

// RejectedError is an explicit refusal by the remote side (validation,
// conflict). Retrying the same payload will not change the answer.
type RejectedError struct {
	Status int
	Code   string
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote rejected record (%d %s): %s", e.Status, e.Code, e.Reason)
	}
	return fmt.Sprintf("remote rejected record (%d): %s", e.Status, e.Reason)
}

// StatusError is an unexpected response status, typically a 5xx.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote returned status %d: %s", e.Status, e.Body)
}

// ErrUnavailable is returned by collaborators that are switched off or
// scripted to fail, and is classified like a transport failure.
var ErrUnavailable = errors.New("remote unavailable")

// Classify maps a delivery error to its ErrorKind. Deadline errors win over
// everything else so a timed-out call is never reported as a network glitch.
func Classify(err error) domain.ErrorKind {
	if err == nil {
		return domain.ErrorNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrorTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return domain.ErrorTimeout
	}

	var rej *RejectedError
	if errors.As(err, &rej) {
		return domain.ErrorRejected
	}
	var st *StatusError
	if errors.As(err, &st) {
		return domain.ErrorRemote
	}

	var uerr *url.Error
	var operr *net.OpError
	switch {
	case errors.As(err, &uerr), errors.As(err, &operr), errors.Is(err, ErrUnavailable),
		errors.Is(err, context.Canceled):
		return domain.ErrorNetwork
	}
	return domain.ErrorRemote
}
