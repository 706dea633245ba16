package ds_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"drivesync/internal/ds"
)

func int64p(v int64) *int64 { return &v }

func TestProvisionRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     ds.ProvisionRequest
		wantErr bool
		missing string
	}{
		{
			name: "valid",
			req:  ds.ProvisionRequest{ProjectName: "p", NASPath: "/mnt/tank/p", DriveFolderID: "F"},
		},
		{
			name: "folder name is optional",
			req:  ds.ProvisionRequest{ProjectName: "p", NASPath: "/mnt/tank/p", DriveFolderID: "F", DriveFolderName: ""},
		},
		{
			name:    "all missing",
			req:     ds.ProvisionRequest{},
			wantErr: true,
			missing: "projectName, nasPath, driveFolderId",
		},
		{
			name:    "blank project",
			req:     ds.ProvisionRequest{ProjectName: " ", NASPath: "/mnt/a", DriveFolderID: "F"},
			wantErr: true,
			missing: "projectName",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr {
				return
			}
			if !errors.Is(err, ds.ErrInvalidRequest) {
				t.Errorf("error %v should wrap ErrInvalidRequest", err)
			}
			if !strings.HasSuffix(err.Error(), "missing "+tt.missing) {
				t.Errorf("error = %q, want missing %s", err.Error(), tt.missing)
			}
		})
	}
}

func TestOAuthCredentials_Validate(t *testing.T) {
	full := ds.OAuthCredentials{ClientID: "a", ClientSecret: "b", RefreshToken: "c"}
	if err := full.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}

	partial := []ds.OAuthCredentials{
		{ClientSecret: "b", RefreshToken: "c"},
		{ClientID: "a", RefreshToken: "c"},
		{ClientID: "a", ClientSecret: "b"},
	}
	for _, c := range partial {
		if err := c.Validate(); !errors.Is(err, ds.ErrMissingCredentials) {
			t.Errorf("Validate(%+v) = %v, want ErrMissingCredentials", c, err)
		}
	}
}

func TestScheduleSpec_JSON(t *testing.T) {
	b, err := json.Marshal(ds.PushSchedule)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"minute":"*/15","hour":"*","dom":"*","month":"*","dow":"*"}`
	if string(b) != want {
		t.Errorf("Marshal() = %s, want %s", b, want)
	}
}

func TestSnapshotOutcome_JSON(t *testing.T) {
	tests := []struct {
		name    string
		outcome *ds.SnapshotOutcome
		want    string
	}{
		{"created", ds.SnapshotCreated(7), `7`},
		{"skipped", ds.SnapshotSkipped(errors.New("dataset missing")), `"Failed/Skipped: dataset missing"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := json.Marshal(tt.outcome)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			if string(b) != tt.want {
				t.Errorf("Marshal() = %s, want %s", b, tt.want)
			}

			var back ds.SnapshotOutcome
			if err := json.Unmarshal(b, &back); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if back != *tt.outcome {
				t.Errorf("Unmarshal() = %+v, want %+v", back, *tt.outcome)
			}
		})
	}

	var bad ds.SnapshotOutcome
	if err := json.Unmarshal([]byte(`{}`), &bad); err == nil {
		t.Error("Unmarshal({}) should fail")
	}
}

func TestProvisionResult_JSON(t *testing.T) {
	t.Run("empty result uses nulls", func(t *testing.T) {
		b, err := json.Marshal(ds.ProvisionResult{})
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		want := `{"credential":null,"pullTask":null,"pushTask":null,"snapshotTask":null,"pullTrigger":null}`
		if string(b) != want {
			t.Errorf("Marshal() = %s, want %s", b, want)
		}
	})

	t.Run("full result", func(t *testing.T) {
		res := ds.ProvisionResult{
			Credential:   int64p(1),
			PullTask:     int64p(2),
			PushTask:     int64p(3),
			SnapshotTask: ds.SnapshotCreated(4),
			PullTrigger:  ds.TriggerResult(`{"job_id":9}`),
		}
		b, err := json.Marshal(res)
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		want := `{"credential":1,"pullTask":2,"pushTask":3,"snapshotTask":4,"pullTrigger":{"job_id":9}}`
		if string(b) != want {
			t.Errorf("Marshal() = %s, want %s", b, want)
		}
	})
}

func TestProvisionResult_Completed(t *testing.T) {
	res := ds.ProvisionResult{
		Credential:   int64p(1),
		PullTask:     int64p(2),
		PullTrigger:  ds.TriggerResult(`null`),
		PushTask:     int64p(3),
		SnapshotTask: ds.SnapshotSkipped(errors.New("x")),
	}
	got := res.Completed()
	want := []ds.Step{ds.StepCreateCredential, ds.StepCreatePullTask, ds.StepTriggerPullTask, ds.StepCreatePushTask}
	if len(got) != len(want) {
		t.Fatalf("Completed() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Completed()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestDirection_Valid(t *testing.T) {
	for _, d := range []ds.Direction{ds.DirectionPull, ds.DirectionPush} {
		if !d.Valid() {
			t.Errorf("%s.Valid() = false", d)
		}
	}
	if ds.Direction("SYNC").Valid() {
		t.Error("SYNC should not be valid")
	}
}
