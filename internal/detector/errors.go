package detector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"pii-ledger/internal/integrations/textanalytics"
)

// Kind tells callers whether a failure is worth retrying.
type Kind int

const (
	Retryable Kind = iota + 1
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

// Error is returned for whole-call failures and, inside a Result, for a
// single text the service rejected.
type Error struct {
	Kind       Kind
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("detector: %s", e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" status=%d", e.StatusCode)
	}
	if e.Code != "" {
		msg += " code=" + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// HTTPStatusCode is the upstream status, or 0 when the failure had none.
func (e *Error) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsRetryable reports whether err carries a Retryable detector error.
func IsRetryable(err error) bool {
	var de *Error
	return errors.As(err, &de) && de.Kind == Retryable
}

// IsFatal reports whether err carries a Fatal detector error.
func IsFatal(err error) bool {
	var de *Error
	return errors.As(err, &de) && de.Kind == Fatal
}

// classify maps a client failure onto Retryable or Fatal.
func classify(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}

	var statusErr *textanalytics.HTTPStatusError
	if errors.As(err, &statusErr) {
		code := statusErr.HTTPStatusCode()
		kind := Fatal
		if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500 {
			kind = Retryable
		}
		return &Error{Kind: kind, StatusCode: code, Err: err}
	}

	if errors.Is(err, textanalytics.ErrMalformedResponse) {
		return &Error{Kind: Fatal, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: Fatal, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: Retryable, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &Error{Kind: Retryable, Err: err}
	}
	return &Error{Kind: Fatal, Err: err}
}

func retryAfter(err error) time.Duration {
	var statusErr *textanalytics.HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.RetryAfter
	}
	return 0
}
