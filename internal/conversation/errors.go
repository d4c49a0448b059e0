package conversation

import (
	"errors"
	"fmt"

	"github.com/MikeSquared-Agency/compass/internal/voiceflow"
)

var (
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrMissingSessionID   = errors.New("session id is required")
	ErrMissingInput       = errors.New("one of message or action is required")
	ErrAmbiguousInput     = errors.New("message and action are mutually exclusive")
	ErrSessionNotFound    = errors.New("session not found")
	ErrOwnershipViolation = errors.New("session belongs to another user")
	ErrMalformedUpstream  = errors.New("malformed response from agent service")
)

// UpstreamError is a non-2xx reply from the agent service.
type UpstreamError struct {
	Status int
	Body   []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("agent service returned %d", e.Status)
}

// TransportError means the agent service could not be reached, retries
// included.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "agent service unreachable: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsClientError reports whether err was caused by the caller's input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrMissingSessionID) ||
		errors.Is(err, ErrMissingInput) ||
		errors.Is(err, ErrAmbiguousInput)
}

// classify maps agent client failures onto the conversation taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var statusErr *voiceflow.StatusError
	if errors.As(err, &statusErr) {
		return &UpstreamError{Status: statusErr.Status, Body: statusErr.Body}
	}
	var cfgErr *voiceflow.ConfigError
	if errors.As(err, &cfgErr) {
		return err
	}
	return &TransportError{Err: err}
}
