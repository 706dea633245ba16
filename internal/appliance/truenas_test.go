package appliance

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drivesync/internal/config"
	"drivesync/internal/ds"
)

// recordedRequest captures what the fake appliance API received.
type recordedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   map[string]any
}

// fakeAPI is an httptest server that answers each path with a canned
// status and body and records every request.
type fakeAPI struct {
	t         *testing.T
	server    *httptest.Server
	mu        sync.Mutex
	requests  []recordedRequest
	responses map[string]cannedResponse
}

type cannedResponse struct {
	status int
	body   string
	delay  time.Duration
}

func newFakeAPI(t *testing.T) *fakeAPI {
	f := &fakeAPI{t: t, responses: make(map[string]cannedResponse)}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeAPI) respond(method, path string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[method+" "+path] = cannedResponse{status: status, body: body}
}

func (f *fakeAPI) delay(method, path string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.responses[method+" "+path]
	r.delay = d
	f.responses[method+" "+path] = r
}

func (f *fakeAPI) handle(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	rec := recordedRequest{Method: r.Method, Path: r.URL.Path, Header: r.Header.Clone()}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &rec.Body); err != nil {
			f.t.Errorf("request body is not JSON: %s", raw)
		}
	}

	f.mu.Lock()
	f.requests = append(f.requests, rec)
	resp, ok := f.responses[r.Method+" "+r.URL.Path]
	f.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if resp.delay > 0 {
		select {
		case <-time.After(resp.delay):
		case <-r.Context().Done():
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	io.WriteString(w, resp.body)
}

func (f *fakeAPI) lastRequest() recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(f.t, f.requests, "no requests recorded")
	return f.requests[len(f.requests)-1]
}

func (f *fakeAPI) client(t *testing.T) *TrueNASClient {
	c, err := NewTrueNASClient(config.ApplianceConfig{
		Type:  "truenas",
		Name:  "test",
		URL:   f.server.URL + "/api/v2.0/",
		Token: "1-secret",
	})
	require.NoError(t, err)
	return c
}

func TestAuthorizationHeader(t *testing.T) {
	tests := []struct {
		token string
		want  string
	}{
		{"1-abc", "Bearer 1-abc"},
		{"Bearer 1-abc", "Bearer 1-abc"},
		{"Basic dXNlcjpwYXNz", "Basic dXNlcjpwYXNz"},
		{"bearer lower", "Bearer bearer lower"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, AuthorizationHeader(tt.token), "token %q", tt.token)
	}
}

func TestNewTrueNASClient_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.ApplianceConfig
	}{
		{"missing url", config.ApplianceConfig{Token: "t"}},
		{"url without scheme", config.ApplianceConfig{URL: "nas.local/api/v2.0", Token: "t"}},
		{"missing token", config.ApplianceConfig{URL: "https://nas.local/api/v2.0"}},
		{"bad timeout", config.ApplianceConfig{URL: "https://nas.local/api/v2.0", Token: "t", Timeout: "fast"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTrueNASClient(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestTrueNASClient_CreateCredential(t *testing.T) {
	api := newFakeAPI(t)
	api.respond(http.MethodPost, "/api/v2.0/cloudsync/credentials", http.StatusOK, `{"id":11,"name":"Movies-gdrive-creds-1","provider":"GOOGLE_DRIVE"}`)
	c := api.client(t)

	cred, err := c.CreateCredential(context.Background(), "Movies-gdrive-creds-1", ds.OAuthCredentials{
		ClientID:     "cid",
		ClientSecret: "csecret",
		RefreshToken: "rtoken",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(11), cred.ID)
	assert.Equal(t, "Movies-gdrive-creds-1", cred.Name)

	req := api.lastRequest()
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "Bearer 1-secret", req.Header.Get("Authorization"))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.Equal(t, "application/json", req.Header.Get("Accept"))
	assert.Equal(t, "Movies-gdrive-creds-1", req.Body["name"])
	assert.Equal(t, "GOOGLE_DRIVE", req.Body["provider"])
	assert.Equal(t, map[string]any{
		"client_id":     "cid",
		"client_secret": "csecret",
		"refresh_token": "rtoken",
	}, req.Body["attributes"])
}

func TestTrueNASClient_CreateSyncTask(t *testing.T) {
	api := newFakeAPI(t)
	api.respond(http.MethodPost, "/api/v2.0/cloudsync", http.StatusOK,
		`{"id":21,"description":"Movies - Initial PULL","direction":"PULL","credentials":{"id":11,"name":"c"},"path":"/mnt/tank/movies","attributes":{"folder_id":"F1"},"schedule":{"minute":"0","hour":"0","dom":"1","month":"1","dow":"*"},"enabled":false}`)
	c := api.client(t)

	task, err := c.CreateSyncTask(context.Background(), ds.SyncTaskSpec{
		Description:  "Movies - Initial PULL",
		Direction:    ds.DirectionPull,
		CredentialID: 11,
		Path:         "/mnt/tank/movies",
		FolderID:     "F1",
		Schedule:     ds.InitialPullSchedule,
		Enabled:      false,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(21), task.ID)
	assert.Equal(t, int64(11), task.CredentialID)
	assert.Equal(t, "F1", task.FolderID)
	assert.Equal(t, ds.InitialPullSchedule, task.Schedule)

	req := api.lastRequest()
	assert.Equal(t, "Movies - Initial PULL", req.Body["description"])
	assert.Equal(t, "PULL", req.Body["direction"])
	assert.Equal(t, float64(11), req.Body["credentials"])
	assert.Equal(t, "/mnt/tank/movies", req.Body["path"])
	assert.Equal(t, map[string]any{"folder_id": "F1"}, req.Body["attributes"])
	assert.Equal(t, false, req.Body["enabled"])
	assert.Equal(t, map[string]any{
		"minute": "0", "hour": "0", "dom": "1", "month": "1", "dow": "*",
	}, req.Body["schedule"])
}

func TestTrueNASClient_CreateSyncTask_InvalidDirection(t *testing.T) {
	api := newFakeAPI(t)
	c := api.client(t)

	_, err := c.CreateSyncTask(context.Background(), ds.SyncTaskSpec{Direction: "BOTH"})
	require.Error(t, err)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Empty(t, api.requests, "invalid direction must not reach the API")
}

func TestTrueNASClient_TriggerSyncTask(t *testing.T) {
	t.Run("returns payload verbatim", func(t *testing.T) {
		api := newFakeAPI(t)
		api.respond(http.MethodPost, "/api/v2.0/cloudsync/id/21/sync", http.StatusOK, `{"job_id":314}`)
		c := api.client(t)

		got, err := c.TriggerSyncTask(context.Background(), 21)
		require.NoError(t, err)
		assert.JSONEq(t, `{"job_id":314}`, string(got))
		assert.Nil(t, api.lastRequest().Body)
	})

	t.Run("bare job id", func(t *testing.T) {
		api := newFakeAPI(t)
		api.respond(http.MethodPost, "/api/v2.0/cloudsync/id/5/sync", http.StatusOK, `42`)
		c := api.client(t)

		got, err := c.TriggerSyncTask(context.Background(), 5)
		require.NoError(t, err)
		assert.Equal(t, "42", string(got))
	})

	t.Run("empty body is null", func(t *testing.T) {
		api := newFakeAPI(t)
		api.respond(http.MethodPost, "/api/v2.0/cloudsync/id/5/sync", http.StatusOK, ``)
		c := api.client(t)

		got, err := c.TriggerSyncTask(context.Background(), 5)
		require.NoError(t, err)
		assert.Equal(t, "null", string(got))
	})
}

func TestTrueNASClient_CreateSnapshotPolicy(t *testing.T) {
	api := newFakeAPI(t)
	api.respond(http.MethodPost, "/api/v2.0/pool/snapshottask", http.StatusOK,
		`{"id":31,"dataset":"tank/movies","recursive":true,"lifetime_value":2,"lifetime_unit":"WEEK","naming_schema":"auto-%Y-%m-%d_%H-%M"}`)
	c := api.client(t)

	policy, err := c.CreateSnapshotPolicy(context.Background(), ds.SnapshotPolicySpec{
		Dataset:      "tank/movies",
		Recursive:    true,
		Retention:    ds.SnapshotRetention,
		Schedule:     ds.SnapshotSchedule,
		NamingSchema: ds.SnapshotNamingSchema,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(31), policy.ID)

	req := api.lastRequest()
	assert.Equal(t, "tank/movies", req.Body["dataset"])
	assert.Equal(t, true, req.Body["recursive"])
	assert.Equal(t, float64(2), req.Body["lifetime_value"])
	assert.Equal(t, "WEEK", req.Body["lifetime_unit"])
	assert.Equal(t, "auto-%Y-%m-%d_%H-%M", req.Body["naming_schema"])
	assert.Equal(t, map[string]any{
		"minute": "0", "hour": "0", "dom": "*", "month": "*", "dow": "*",
	}, req.Body["schedule"])
}

func TestTrueNASClient_ListSyncTasks(t *testing.T) {
	api := newFakeAPI(t)
	api.respond(http.MethodGet, "/api/v2.0/cloudsync", http.StatusOK,
		`[{"id":1,"description":"a","direction":"PULL","credentials":3,"path":"/mnt/a","attributes":{"folder_id":"X"},"enabled":false},
		  {"id":2,"description":"b","direction":"PUSH","credentials":{"id":4},"path":"/mnt/b","attributes":{"folder_id":"Y"},"enabled":true}]`)
	c := api.client(t)

	tasks, err := c.ListSyncTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, int64(3), tasks[0].CredentialID)
	assert.Equal(t, int64(4), tasks[1].CredentialID)
	assert.Equal(t, ds.DirectionPush, tasks[1].Direction)
	assert.Equal(t, "Y", tasks[1].FolderID)
}

func TestTrueNASClient_Ping(t *testing.T) {
	api := newFakeAPI(t)
	api.respond(http.MethodGet, "/api/v2.0/system/info", http.StatusOK, `{"version":"TrueNAS-SCALE-24.04"}`)
	c := api.client(t)

	require.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, "/api/v2.0/system/info", api.lastRequest().Path)
}

func TestTrueNASClient_ErrorResponses(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		body         string
		wantMessage  string
		wantConflict bool
	}{
		{"json message", http.StatusInternalServerError, `{"message":"[EFAULT] pool offline"}`, "[EFAULT] pool offline", false},
		{"unauthorized without body", http.StatusUnauthorized, ``, "401 Unauthorized", false},
		{"plain text", http.StatusBadGateway, "bad gateway\n", "bad gateway", false},
		{"conflict", http.StatusConflict, `{"message":"exists"}`, "exists", true},
		{"validation already exists", http.StatusUnprocessableEntity, `{"message":"cloudsync_create.name: Task already exists"}`, "cloudsync_create.name: Task already exists", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeAPI(t)
			api.respond(http.MethodPost, "/api/v2.0/cloudsync/credentials", tt.status, tt.body)
			c := api.client(t)

			_, err := c.CreateCredential(context.Background(), "n", ds.OAuthCredentials{})
			require.Error(t, err)

			var apiErr *ds.RemoteAPIError
			require.True(t, errors.As(err, &apiErr), "want RemoteAPIError, got %T", err)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, "create credential", apiErr.Op)
			assert.Equal(t, tt.wantMessage, err.Error())
			assert.Equal(t, tt.wantConflict, ds.IsConflict(err))
		})
	}
}

func TestTrueNASClient_CreateRejectsMissingID(t *testing.T) {
	tests := []struct {
		name string
		path string
		call func(c *TrueNASClient) error
	}{
		{
			name: "credential",
			path: "/api/v2.0/cloudsync/credentials",
			call: func(c *TrueNASClient) error {
				_, err := c.CreateCredential(context.Background(), "n", ds.OAuthCredentials{})
				return err
			},
		},
		{
			name: "sync task",
			path: "/api/v2.0/cloudsync",
			call: func(c *TrueNASClient) error {
				_, err := c.CreateSyncTask(context.Background(), ds.SyncTaskSpec{Direction: ds.DirectionPull, CredentialID: 11})
				return err
			},
		},
		{
			name: "snapshot policy",
			path: "/api/v2.0/pool/snapshottask",
			call: func(c *TrueNASClient) error {
				_, err := c.CreateSnapshotPolicy(context.Background(), ds.SnapshotPolicySpec{Dataset: "tank/movies"})
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeAPI(t)
			api.respond(http.MethodPost, tt.path, http.StatusOK, `{"name":"no id here"}`)
			c := api.client(t)

			err := tt.call(c)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "missing id")
		})
	}
}

func TestTrueNASClient_OversizedResponse(t *testing.T) {
	api := newFakeAPI(t)
	api.respond(http.MethodGet, "/api/v2.0/system/info", http.StatusOK,
		`"`+strings.Repeat("x", maxResponseBytes)+`"`)
	c := api.client(t)

	err := c.Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "response larger than")
}

func TestTrueNASClient_Timeouts(t *testing.T) {
	t.Run("per-request timeout", func(t *testing.T) {
		api := newFakeAPI(t)
		api.respond(http.MethodGet, "/api/v2.0/system/info", http.StatusOK, `{}`)
		api.delay(http.MethodGet, "/api/v2.0/system/info", time.Second)

		c, err := NewTrueNASClient(config.ApplianceConfig{
			URL:     api.server.URL + "/api/v2.0",
			Token:   "t",
			Timeout: "20ms",
		})
		require.NoError(t, err)

		err = c.Ping(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	})

	t.Run("caller deadline", func(t *testing.T) {
		api := newFakeAPI(t)
		api.respond(http.MethodGet, "/api/v2.0/system/info", http.StatusOK, `{}`)
		api.delay(http.MethodGet, "/api/v2.0/system/info", time.Second)
		c := api.client(t)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		err := c.Ping(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	})
}

func TestTrueNASClient_InsecureSkipVerify(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{}`)
	}))
	defer server.Close()

	strict, err := NewTrueNASClient(config.ApplianceConfig{URL: server.URL, Token: "t"})
	require.NoError(t, err)
	assert.Error(t, strict.Ping(context.Background()), "self-signed certificate should be rejected by default")

	insecure, err := NewTrueNASClient(config.ApplianceConfig{URL: server.URL, Token: "t", InsecureSkipVerify: true})
	require.NoError(t, err)
	assert.NoError(t, insecure.Ping(context.Background()))
}
