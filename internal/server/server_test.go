package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drivesync/internal/app"
	"drivesync/internal/config"
	"drivesync/internal/ds"
	"drivesync/internal/model"
	"drivesync/internal/testutil"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestApp(t *testing.T, appl ds.Appliance, google config.GoogleConfig) *app.DSApp {
	t.Helper()
	cfg := config.NewConfig("test-host", t.TempDir())
	cfg.Appliance = config.ApplianceConfig{Type: "memory"}
	cfg.Database.Type = "memory"
	cfg.Archive = config.ArchiveConfig{Type: "memory"}
	cfg.Google = google

	a, err := app.NewDSApp(context.Background(), cfg, app.Options{
		Stderr:    io.Discard,
		Appliance: appl,
		Clock:     testutil.FixedClock(),
		IDs:       testutil.NewStubIDGenerator(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func newTestServer(t *testing.T, svc Service) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(New(svc, discardLogger).Router())
	t.Cleanup(ts.Close)
	return ts
}

const movieRequest = `{"projectName":"Movies","nasPath":"/mnt/tank/movies","driveFolderId":"F1",` +
	`"clientId":"cid","clientSecret":"csecret","refreshToken":"rtok"}`

type provisionResponse struct {
	Success bool               `json:"success"`
	Results ds.ProvisionResult `json:"results"`
	Error   string             `json:"error"`

	RecordError string `json:"recordError"`
}

func postProvision(t *testing.T, ts *httptest.Server, body string, cookies ...*http.Cookie) (*http.Response, provisionResponse) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/provision", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out provisionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, newTestApp(t, nil, config.GoogleConfig{}))

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}

func TestConfigStatus(t *testing.T) {
	tests := []struct {
		name   string
		google config.GoogleConfig
		want   bool
	}{
		{name: "no server client", want: false},
		{name: "server client configured", google: config.GoogleConfig{ClientID: "id", ClientSecret: "secret"}, want: true},
		{name: "secret missing", google: config.GoogleConfig{ClientID: "id"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, newTestApp(t, nil, tt.google))

			resp, err := http.Get(ts.URL + "/api/config/status")
			require.NoError(t, err)
			defer resp.Body.Close()

			var out map[string]bool
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
			assert.Equal(t, tt.want, out["hasEnvCreds"])
		})
	}
}

func TestProvision_AllStepsSucceed(t *testing.T) {
	ts := newTestServer(t, newTestApp(t, nil, config.GoogleConfig{}))

	resp, out := postProvision(t, ts, movieRequest)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "run-1", resp.Header.Get("X-Run-Id"))
	assert.True(t, out.Success)
	assert.Empty(t, out.Error)
	require.NotNil(t, out.Results.Credential)
	require.NotNil(t, out.Results.PullTask)
	require.NotNil(t, out.Results.PushTask)
	require.NotNil(t, out.Results.SnapshotTask)
	assert.NotEmpty(t, out.Results.PullTrigger)
	assert.False(t, out.Results.SnapshotTask.Failed())
}

func TestProvision_PullTaskServerError(t *testing.T) {
	fake := testutil.NewFakeAppliance()
	fake.FailOn(testutil.OpCreatePullTask, testutil.ServerError("create sync task", "[EINVAL] path: dataset does not exist"))
	ts := newTestServer(t, newTestApp(t, fake, config.GoogleConfig{}))

	resp, out := postProvision(t, ts, movieRequest)

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.False(t, out.Success)
	assert.Equal(t, "[EINVAL] path: dataset does not exist", out.Error)
	require.NotNil(t, out.Results.Credential)
	assert.Nil(t, out.Results.PullTask)
	assert.Nil(t, out.Results.PushTask)
	assert.Nil(t, out.Results.SnapshotTask)
	assert.True(t, isNullJSON(out.Results.PullTrigger), "pullTrigger = %s", out.Results.PullTrigger)
}

// isNullJSON reports whether raw decoded from an absent or null value.
func isNullJSON(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func TestProvision_SnapshotConflictIsRecoverable(t *testing.T) {
	fake := testutil.NewFakeAppliance()
	fake.FailOn(testutil.OpCreateSnapshot, testutil.ConflictError("create snapshot policy", "policy already exists"))
	ts := newTestServer(t, newTestApp(t, fake, config.GoogleConfig{}))

	resp, out := postProvision(t, ts, movieRequest)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, out.Success)
	assert.NotNil(t, out.Results.Credential)
	assert.NotNil(t, out.Results.PullTask)
	assert.NotNil(t, out.Results.PushTask)
	require.NotNil(t, out.Results.SnapshotTask)
	assert.Equal(t, "Failed/Skipped: policy already exists", out.Results.SnapshotTask.String())
}

func TestProvision_InputErrors(t *testing.T) {
	fake := testutil.NewFakeAppliance()
	ts := newTestServer(t, newTestApp(t, fake, config.GoogleConfig{}))

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantError  string
	}{
		{
			name:       "malformed json",
			body:       `{"projectName":`,
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid JSON body",
		},
		{
			name:       "missing fields",
			body:       `{"projectName":"Movies","refreshToken":"r","clientId":"c","clientSecret":"s"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "missing nasPath, driveFolderId",
		},
		{
			name:       "missing refresh token",
			body:       `{"projectName":"Movies","nasPath":"/mnt/a","driveFolderId":"F1","clientId":"c","clientSecret":"s"}`,
			wantStatus: http.StatusUnauthorized,
			wantError:  "Missing auth or client credentials. Please re-login.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := postProvision(t, ts, tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Contains(t, out.Error, tt.wantError)
			assert.Empty(t, resp.Header.Get("X-Run-Id"))
		})
	}

	assert.Empty(t, fake.Calls(), "no appliance calls for rejected requests")
}

func TestProvision_CredentialsFromCookiesAndConfig(t *testing.T) {
	fake := testutil.NewFakeAppliance()
	ts := newTestServer(t, newTestApp(t, fake, config.GoogleConfig{ClientID: "server-id", ClientSecret: "server-secret"}))

	body := `{"projectName":"Movies","nasPath":"/mnt/tank/movies","driveFolderId":"F1"}`
	resp, out := postProvision(t, ts, body, &http.Cookie{Name: "google_refresh_token", Value: "cookie-token"})

	require.Equal(t, http.StatusOK, resp.StatusCode, out.Error)
	creds := fake.Credentials()
	require.Len(t, creds, 1)
	assert.Equal(t, ds.OAuthCredentials{
		ClientID:     "server-id",
		ClientSecret: "server-secret",
		RefreshToken: "cookie-token",
	}, creds[0].Attrs)
}

func TestRuns(t *testing.T) {
	fake := testutil.NewFakeAppliance()
	fake.FailOn(testutil.OpCreatePushTask, testutil.ServerError("create sync task", "boom"))
	ts := newTestServer(t, newTestApp(t, fake, config.GoogleConfig{}))

	postProvision(t, ts, movieRequest)
	postProvision(t, ts, movieRequest)

	resp, err := http.Get(ts.URL + "/api/runs?limit=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var runs []struct {
		ID         string          `json:"id"`
		Status     string          `json:"status"`
		FailedStep string          `json:"failedStep"`
		Error      string          `json:"error"`
		Results    json.RawMessage `json:"results"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.Equal(t, model.RunStatusFailed, runs[0].Status)
	assert.Equal(t, string(ds.StepCreatePushTask), runs[0].FailedStep)
	assert.Equal(t, "boom", runs[0].Error)
	assert.Contains(t, string(runs[0].Results), `"pushTask":null`)
}

func TestRuns_BadLimit(t *testing.T) {
	ts := newTestServer(t, newTestApp(t, nil, config.GoogleConfig{}))

	resp, err := http.Get(ts.URL + "/api/runs?limit=abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// failingService fails every call that can fail.
type failingService struct{}

func (failingService) Provision(context.Context, ds.ProvisionRequest, ds.OAuthCredentials) (*app.ProvisionRun, error) {
	return nil, errors.New("database is locked")
}

func (failingService) Credentials(id, secret, token string) ds.OAuthCredentials {
	return ds.OAuthCredentials{ClientID: id, ClientSecret: secret, RefreshToken: token}
}

func (failingService) HasServerCredentials() bool { return false }

func (failingService) History(int) ([]*model.Run, error) {
	return nil, errors.New("database is locked")
}

func TestServiceErrors(t *testing.T) {
	ts := newTestServer(t, failingService{})

	resp, out := postProvision(t, ts, movieRequest)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "database is locked", out.Error)

	runsResp, err := http.Get(ts.URL + "/api/runs")
	require.NoError(t, err)
	defer runsResp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, runsResp.StatusCode)
}

// unrecordedService provisions everything but fails to store the run.
type unrecordedService struct{ failingService }

func (unrecordedService) Provision(context.Context, ds.ProvisionRequest, ds.OAuthCredentials) (*app.ProvisionRun, error) {
	cred, pull, push := int64(7), int64(8), int64(9)
	return &app.ProvisionRun{
		RunID: "run-9",
		Outcome: ds.Outcome{
			Success: true,
			Result: ds.ProvisionResult{
				Credential:   &cred,
				PullTask:     &pull,
				PushTask:     &push,
				SnapshotTask: ds.SnapshotCreated(10),
				PullTrigger:  ds.TriggerResult(`{"job_id":1}`),
			},
		},
	}, errors.New("recording run result: sql: database is closed")
}

func TestProvision_UnrecordedRunKeepsResults(t *testing.T) {
	ts := newTestServer(t, unrecordedService{})

	resp, out := postProvision(t, ts, movieRequest)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "run-9", resp.Header.Get("X-Run-Id"))
	assert.Contains(t, out.RecordError, "database is closed")
	require.NotNil(t, out.Results.Credential)
	assert.Equal(t, int64(7), *out.Results.Credential)
	require.NotNil(t, out.Results.PushTask)
	assert.Equal(t, int64(9), *out.Results.PushTask)
}

func TestProvision_BodyTooLarge(t *testing.T) {
	ts := newTestServer(t, newTestApp(t, nil, config.GoogleConfig{}))

	body := `{"projectName":"` + strings.Repeat("x", maxBodyBytes) + `"}`
	resp, out := postProvision(t, ts, body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, "request body too large", out.Error)
}

func TestListenAndServe_ShutsDownOnCancel(t *testing.T) {
	srv := New(failingService{}, discardLogger)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx, "127.0.0.1:0") }()
	cancel()

	assert.NoError(t, <-done)
}
