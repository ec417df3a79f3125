package actions

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies integration failures.
type ErrorKind string

const (
	KindAuth        ErrorKind = "auth"
	KindRateLimited ErrorKind = "rate_limited"
	KindNetwork     ErrorKind = "network"
	KindRejected    ErrorKind = "rejected"
	KindUnsupported ErrorKind = "unsupported"
	KindInternal    ErrorKind = "internal"
)

// IntegrationError is returned by executors when the external system refuses
// or cannot be reached.
type IntegrationError struct {
	Kind    ErrorKind
	Status  int
	Message string
}

func (e *IntegrationError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Kind, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// statusError maps an unexpected HTTP status to an IntegrationError.
func statusError(status int, message string) *IntegrationError {
	kind := KindRejected
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuth
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status >= 500:
		kind = KindNetwork
	}
	return &IntegrationError{Kind: kind, Status: status, Message: message}
}

// kindOf classifies any executor error.
func kindOf(err error) ErrorKind {
	var ie *IntegrationError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.As(err, &netErr) {
		return KindNetwork
	}
	return KindInternal
}
