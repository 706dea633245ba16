package ds

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrInvalidRequest is returned when a ProvisionRequest lacks a required field.
	ErrInvalidRequest = errors.New("invalid provision request")

	// ErrMissingCredentials is returned when cloud-provider credential material is missing.
	ErrMissingCredentials = errors.New("missing auth or client credentials")
)

// RemoteAPIError is a non-2xx response from the management API.
type RemoteAPIError struct {
	Op      string // logical operation, e.g. "create credential"
	Status  int
	Body    string
	Message string
}

// NewRemoteAPIError builds a RemoteAPIError, extracting a readable message from body.
func NewRemoteAPIError(op string, status int, body []byte) *RemoteAPIError {
	return &RemoteAPIError{
		Op:      op,
		Status:  status,
		Body:    string(body),
		Message: extractMessage(status, body),
	}
}

func (e *RemoteAPIError) Error() string {
	return e.Message
}

// IsConflict reports whether the error means the resource already exists.
func (e *RemoteAPIError) IsConflict() bool {
	if e.Status == http.StatusConflict {
		return true
	}
	return e.Status == http.StatusUnprocessableEntity &&
		strings.Contains(strings.ToLower(e.Body), "already exists")
}

// extractMessage prefers the API's "message" field, then the raw body, then
// the HTTP status text.
func extractMessage(status int, body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	if s := strings.TrimSpace(string(body)); s != "" {
		return s
	}
	if text := http.StatusText(status); text != "" {
		return fmt.Sprintf("%d %s", status, text)
	}
	return fmt.Sprintf("status %d", status)
}

// StepError reports the fatal step that stopped a provisioning run.
// Error returns the underlying message unchanged.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return e.Err.Error()
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// IsConflict reports whether err is a RemoteAPIError signalling an existing resource.
func IsConflict(err error) bool {
	var apiErr *RemoteAPIError
	return errors.As(err, &apiErr) && apiErr.IsConflict()
}
