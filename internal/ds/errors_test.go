package ds_test

import (
	"errors"
	"fmt"
	"testing"

	"drivesync/internal/ds"
)

func TestNewRemoteAPIError_Message(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"json message", 500, `{"message":"boom"}`, "boom"},
		{"json without message", 400, `{"error":"bad"}`, `{"error":"bad"}`},
		{"plain body", 502, "  upstream down \n", "upstream down"},
		{"empty body", 404, "", "404 Not Found"},
		{"unknown status", 599, "", "status 599"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ds.NewRemoteAPIError("create credential", tt.status, []byte(tt.body))
			if err.Error() != tt.want {
				t.Errorf("Error() = %q, want %q", err.Error(), tt.want)
			}
			if err.Status != tt.status {
				t.Errorf("Status = %d, want %d", err.Status, tt.status)
			}
		})
	}
}

func TestRemoteAPIError_IsConflict(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   bool
	}{
		{409, "", true},
		{422, `{"message":"Task already exists"}`, true},
		{422, `{"message":"invalid dataset"}`, false},
		{500, "already exists", false},
	}

	for _, tt := range tests {
		err := ds.NewRemoteAPIError("op", tt.status, []byte(tt.body))
		if got := err.IsConflict(); got != tt.want {
			t.Errorf("IsConflict(%d, %q) = %v, want %v", tt.status, tt.body, got, tt.want)
		}
		if got := ds.IsConflict(fmt.Errorf("wrapped: %w", err)); got != tt.want {
			t.Errorf("ds.IsConflict(wrapped %d) = %v, want %v", tt.status, got, tt.want)
		}
	}

	if ds.IsConflict(errors.New("plain")) {
		t.Error("plain error should not be a conflict")
	}
}

func TestStepError(t *testing.T) {
	inner := ds.NewRemoteAPIError("create pull task", 500, []byte(`{"message":"pool offline"}`))
	err := error(&ds.StepError{Step: ds.StepCreatePullTask, Err: inner})

	if err.Error() != "pool offline" {
		t.Errorf("Error() = %q, want underlying message", err.Error())
	}

	var apiErr *ds.RemoteAPIError
	if !errors.As(err, &apiErr) || apiErr != inner {
		t.Error("StepError should unwrap to the RemoteAPIError")
	}
}
