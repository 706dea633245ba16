// Package server exposes provisioning over HTTP for the web front end.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"drivesync/internal/app"
	"drivesync/internal/ds"
	"drivesync/internal/model"
)

// Cookie names set by the OAuth login flow of the web front end.
const (
	cookieRefreshToken = "google_refresh_token"
	cookieClientID     = "google_client_id"
	cookieClientSecret = "google_client_secret"
)

// provisionTimeout bounds a whole provisioning request.
const provisionTimeout = 5 * time.Minute

// maxBodyBytes caps the provision request body.
const maxBodyBytes = 64 << 10

// Service is the application surface the server needs. *app.DSApp implements it.
type Service interface {
	Provision(ctx context.Context, req ds.ProvisionRequest, creds ds.OAuthCredentials) (*app.ProvisionRun, error)
	Credentials(clientID, clientSecret, refreshToken string) ds.OAuthCredentials
	HasServerCredentials() bool
	History(limit int) ([]*model.Run, error)
}

// Server serves the provisioning API.
type Server struct {
	svc    Service
	logger *slog.Logger
}

// New creates a Server backed by svc.
func New(svc Service, logger *slog.Logger) *Server {
	return &Server{svc: svc, logger: logger}
}

// Router returns the HTTP handler with all routes registered.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))
	r.Use(s.logRequests)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) })

	r.Route("/api", func(r chi.Router) {
		r.Get("/config/status", s.handleConfigStatus)
		r.Post("/provision", s.handleProvision)
		r.Get("/runs", s.handleRuns)
	})
	return r
}

// HTTPServer returns an http.Server for addr with conservative timeouts.
// Provisioning makes several appliance round trips, so the write timeout is
// longer than the provisioning timeout.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: provisionTimeout + 30*time.Second,
	}
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully, letting in-flight runs finish.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := s.HTTPServer(addr)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), provisionTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (sr *statusRecorder) WriteHeader(statusCode int) {
	sr.code = statusCode
	sr.ResponseWriter.WriteHeader(statusCode)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.code,
			"durationMs", float64(time.Since(start))/1e6,
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

// unrecordedResponse is a provisioning report whose run could not be stored
// in the history.
type unrecordedResponse struct {
	ds.Report
	RecordError string `json:"recordError"`
}

func (s *Server) handleConfigStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"hasEnvCreds": s.svc.HasServerCredentials()})
}

// provisionBody is the POST /api/provision payload. The OAuth fields are
// optional; cookies from the login flow and the server's Google client
// config fill in what is missing.
type provisionBody struct {
	ds.ProvisionRequest
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var body provisionBody
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
		return
	}

	creds := s.svc.Credentials(
		firstNonEmpty(body.ClientID, cookieValue(r, cookieClientID)),
		firstNonEmpty(body.ClientSecret, cookieValue(r, cookieClientSecret)),
		firstNonEmpty(body.RefreshToken, cookieValue(r, cookieRefreshToken)),
	)

	ctx, cancel := context.WithTimeout(r.Context(), provisionTimeout)
	defer cancel()

	run, err := s.svc.Provision(ctx, body.ProvisionRequest, creds)
	if run != nil && run.RunID != "" {
		w.Header().Set("X-Run-Id", run.RunID)
	}
	if err != nil {
		s.logger.Error("provisioning could not be recorded", "error", err)
		if run == nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, unrecordedResponse{Report: run.Report(), RecordError: err.Error()})
		return
	}

	switch {
	case errors.Is(run.Err, ds.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: run.Err.Error()})
	case errors.Is(run.Err, ds.ErrMissingCredentials):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Missing auth or client credentials. Please re-login."})
	case !run.Success:
		writeJSON(w, http.StatusInternalServerError, run.Report())
	default:
		writeJSON(w, http.StatusOK, run.Report())
	}
}

// runView is the JSON form of a recorded run.
type runView struct {
	ID              string          `json:"id"`
	ProjectName     string          `json:"projectName"`
	NASPath         string          `json:"nasPath"`
	DriveFolderID   string          `json:"driveFolderId"`
	DriveFolderName string          `json:"driveFolderName,omitempty"`
	StartedAt       time.Time       `json:"startedAt"`
	FinishedAt      *time.Time      `json:"finishedAt,omitempty"`
	Status          string          `json:"status"`
	FailedStep      string          `json:"failedStep,omitempty"`
	Error           string          `json:"error,omitempty"`
	Results         json.RawMessage `json:"results,omitempty"`
}

func newRunView(run *model.Run) runView {
	v := runView{
		ID:              run.ID,
		ProjectName:     run.ProjectName,
		NASPath:         run.NASPath,
		DriveFolderID:   run.DriveFolderID,
		DriveFolderName: run.DriveFolderName,
		StartedAt:       run.StartedAt,
		FinishedAt:      run.FinishedAt,
		Status:          run.Status,
		FailedStep:      run.FailedStep,
		Error:           run.Error,
	}
	if run.Result != "" {
		v.Results = json.RawMessage(run.Result)
	}
	return v
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}

	runs, err := s.svc.History(limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	views := make([]runView, 0, len(runs))
	for _, run := range runs {
		views = append(views, newRunView(run))
	}
	writeJSON(w, http.StatusOK, views)
}
