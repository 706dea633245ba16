package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"drivesync/internal/appliance"
	"drivesync/internal/archive"
	"drivesync/internal/config"
	"drivesync/internal/database"
	"drivesync/internal/database/migrations"
	"drivesync/internal/ds"
	"drivesync/internal/encryption"
	"drivesync/internal/model"
)

// historyName is the metadata item the run history database is archived as.
const historyName = "history.db"

// Options adjust how a DSApp is wired.
type Options struct {
	// DryRun replaces the configured appliance with an in-memory one. Dry
	// runs are neither recorded in the history nor archived.
	DryRun bool
	// Stderr receives a copy of every log line. Defaults to os.Stderr.
	Stderr io.Writer
	// Appliance, when set, is used instead of building one from config.
	Appliance ds.Appliance
	// Clock and IDs default to the real clock and random UUIDs.
	Clock ds.Clock
	IDs   ds.IDGenerator
}

// ProvisionRun is the outcome of a provisioning run together with the ID it
// was recorded under. RunID is empty for dry runs and for requests rejected
// before a run was recorded.
type ProvisionRun struct {
	RunID string
	ds.Outcome
}

// DSApp is the application layer between the CLI/HTTP surfaces and the
// provisioner. It constructs all dependencies from config, records every
// provisioning run and archives its report and the run history.
type DSApp struct {
	cfg       *config.Config
	db        *database.SQLiteDatabase
	appliance ds.Appliance
	archive   ds.Archive
	encryptor ds.Encryptor
	clock     ds.Clock
	ids       ds.IDGenerator
	handler   *dsHandler
	logger    *slog.Logger
	logFile   *os.File
	dryRun    bool

	// snapshotMu serializes history uploads from concurrent runs.
	snapshotMu sync.Mutex
}

// NewDSApp creates a fully wired DSApp from the given config.
// The caller must call Close when done.
func NewDSApp(ctx context.Context, cfg *config.Config, opts Options) (*DSApp, error) {
	if opts.DryRun {
		dry := *cfg
		dry.Appliance = config.ApplianceConfig{Type: "memory", Name: "dry-run"}
		cfg = &dry
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Clock == nil {
		opts.Clock = ds.RealClock{}
	}
	if opts.IDs == nil {
		opts.IDs = ds.UUIDGenerator{}
	}

	appl := opts.Appliance
	if appl == nil {
		var err error
		appl, err = appliance.NewApplianceFromConfig(cfg.Appliance)
		if err != nil {
			return nil, fmt.Errorf("creating appliance client: %w", err)
		}
	}

	arc, err := archive.NewArchiveFromConfig(ctx, cfg.Archive)
	if err != nil {
		return nil, fmt.Errorf("creating archive: %w", err)
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.HostID, opts.Clock)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}

	if err := db.CheckMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	// Refuse to run on a history that is older than the archived one.
	remoteVersion, err := arc.GetMetadataVersion(cfg.HostID, historyName)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("checking archived history version: %w", err)
	}
	localMax, err := db.MaxRunSeq()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("checking local history version: %w", err)
	}
	if remoteVersion > localMax {
		db.Close()
		return nil, fmt.Errorf("local run history is behind the archive (local=%d, archive=%d)", localMax, remoteVersion)
	}

	opID := opts.Clock.Now().UTC().Format("20060102T150405Z")
	handler, logFile, err := newLogHandler(cfg.LogDir, opID, opts.Stderr)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	return &DSApp{
		cfg:       cfg,
		db:        db,
		appliance: appl,
		archive:   arc,
		encryptor: enc,
		clock:     opts.Clock,
		ids:       opts.IDs,
		handler:   handler,
		logger:    slog.New(handler),
		logFile:   logFile,
		dryRun:    opts.DryRun,
	}, nil
}

// Config returns the configuration the app was built from.
func (a *DSApp) Config() *config.Config {
	return a.cfg
}

// Logger returns the process-level logger.
func (a *DSApp) Logger() *slog.Logger {
	return a.logger
}

// HasServerCredentials reports whether a Google OAuth client is configured,
// so callers only need to supply a refresh token.
func (a *DSApp) HasServerCredentials() bool {
	return a.cfg.Google.Configured()
}

// Credentials fills in the OAuth client from config when the caller did not
// supply one.
func (a *DSApp) Credentials(clientID, clientSecret, refreshToken string) ds.OAuthCredentials {
	if clientID == "" {
		clientID = a.cfg.Google.ClientID
	}
	if clientSecret == "" {
		clientSecret = a.cfg.Google.ClientSecret
	}
	return ds.OAuthCredentials{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RefreshToken: refreshToken,
	}
}

// Provision validates the request, records a run, executes the provisioning
// plan and stores the outcome. The report and a history snapshot are then
// archived; archive failures are logged and never change the outcome.
//
// The returned error is non-nil only when the run could not be recorded.
// Provisioning failures are reported in the ProvisionRun. Once the plan has
// run, the ProvisionRun is returned even when recording fails, so the caller
// still sees what was created on the appliance.
func (a *DSApp) Provision(ctx context.Context, req ds.ProvisionRequest, creds ds.OAuthCredentials) (*ProvisionRun, error) {
	if err := req.Validate(); err != nil {
		return &ProvisionRun{Outcome: ds.Outcome{Err: err}}, nil
	}
	if err := creds.Validate(); err != nil {
		return &ProvisionRun{Outcome: ds.Outcome{Err: err}}, nil
	}

	if a.dryRun {
		dryLogger := slog.New(a.handler.forRun("dry-run"))
		p := ds.NewProvisioner(a.appliance, &slogAdapter{l: dryLogger}, a.clock)
		out := p.Provision(ctx, req, creds)
		dryLogger.Info("dry run finished, nothing recorded", "success", out.Success)
		return &ProvisionRun{Outcome: out}, nil
	}

	run := newRun(a.ids.New(), req)
	if err := a.db.CreateRun(run); err != nil {
		return nil, fmt.Errorf("recording run: %w", err)
	}

	runLogger := slog.New(a.handler.forRun(run.ID))
	runLogger.Info("provisioning started", "project", req.ProjectName, "nas_path", req.NASPath,
		"folder", req.DriveFolderID, "seq", run.Seq)

	p := ds.NewProvisioner(a.appliance, &slogAdapter{l: runLogger}, a.clock)
	out := p.Provision(ctx, req, creds)

	pr := &ProvisionRun{RunID: run.ID, Outcome: out}

	fin, err := finishFromOutcome(out)
	if err != nil {
		runLogger.Error("recording run result failed", "error", err, "completed", stepNames(out.Result.Completed()))
		return pr, err
	}
	if err := a.db.FinishRun(run.ID, fin.Status, fin.FailedStep, fin.Error, fin.Result); err != nil {
		runLogger.Error("recording run result failed", "error", err, "completed", stepNames(out.Result.Completed()))
		return pr, fmt.Errorf("recording run result: %w", err)
	}
	runLogger.Info("provisioning finished", "status", fin.Status, "failed_step", fin.FailedStep,
		"completed", stepNames(out.Result.Completed()))

	if err := a.archiveReport(run.ID, out.Report()); err != nil {
		runLogger.Warn("archiving report failed", "error", err)
	}
	if err := a.archiveHistory(); err != nil {
		runLogger.Warn("archiving run history failed", "error", err)
	}

	return pr, nil
}

// archiveReport encrypts the report and stores it as <runID>.json[ext].
func (a *DSApp) archiveReport(runID string, rep ds.Report) error {
	var plain bytes.Buffer
	enc := json.NewEncoder(&plain)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	var sealed bytes.Buffer
	if err := a.encryptor.Encrypt(&plain, &sealed); err != nil {
		return fmt.Errorf("encrypting report: %w", err)
	}

	name := reportName(runID) + a.encryptor.Extension()
	return a.archive.PutReport(name, &sealed, int64(sealed.Len()))
}

// archiveHistory snapshots the run history with VACUUM INTO and uploads it
// with the latest run sequence as its version.
func (a *DSApp) archiveHistory() error {
	a.snapshotMu.Lock()
	defer a.snapshotMu.Unlock()

	version, err := a.db.MaxRunSeq()
	if err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp("", "drivesync-history-*.db")
	if err != nil {
		return fmt.Errorf("creating temp file for history snapshot: %w", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	if err := a.db.BackupTo(tmpPath); err != nil {
		return err
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return fmt.Errorf("opening history snapshot: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat history snapshot: %w", err)
	}

	if err := a.archive.PutMetadata(a.cfg.HostID, historyName, f, info.Size(), version); err != nil {
		return fmt.Errorf("uploading history snapshot: %w", err)
	}
	return nil
}

// History returns the most recent runs, newest first.
func (a *DSApp) History(limit int) ([]*model.Run, error) {
	return a.db.ListRuns(limit)
}

// ErrRunNotFound is returned when a run ID is not in the history.
var ErrRunNotFound = errors.New("run not found")

// ShowRun returns a single run by ID.
func (a *DSApp) ShowRun(id string) (*model.Run, error) {
	run, err := a.db.FindRun(id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrRunNotFound)
	}
	return run, nil
}

// ReportEncrypted reports whether archived reports need a passphrase to read.
func (a *DSApp) ReportEncrypted() bool {
	return a.encryptor.Extension() != ""
}

// FetchReport downloads a run's archived report and writes the plaintext
// JSON to w. passphrase is only used when reports are encrypted.
func (a *DSApp) FetchReport(runID string, passphrase string, w io.Writer) error {
	name := reportName(runID) + a.encryptor.Extension()

	var sealed bytes.Buffer
	if err := a.archive.GetReport(name, &sealed); err != nil {
		return fmt.Errorf("fetching report: %w", err)
	}

	dc, err := a.encryptor.Unlock(passphrase)
	if err != nil {
		return fmt.Errorf("unlocking key: %w", err)
	}
	if err := dc.Decrypt(&sealed, w); err != nil {
		return fmt.Errorf("decrypting report: %w", err)
	}
	return nil
}

// ListTasks returns the appliance's cloud sync tasks.
func (a *DSApp) ListTasks(ctx context.Context) ([]ds.SyncTask, error) {
	return a.appliance.ListSyncTasks(ctx)
}

// CheckResult is the outcome of each check run by Check. A nil error means
// the check passed.
type CheckResult struct {
	Appliance error
	Archive   error
	Keys      error
}

// OK reports whether every check passed.
func (r CheckResult) OK() bool {
	return r.Appliance == nil && r.Archive == nil && r.Keys == nil
}

// Check verifies that the appliance accepts the token, the archive is
// reachable and, when encryption is enabled, the key pair exists.
func (a *DSApp) Check(ctx context.Context) CheckResult {
	var res CheckResult

	timeout, err := a.cfg.Appliance.RequestTimeout()
	if err != nil {
		res.Appliance = err
	} else {
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		err = a.appliance.Ping(pingCtx)
		cancel()
		if err != nil {
			res.Appliance = err
		}
	}
	if err := a.archive.ValidateSetup(); err != nil {
		res.Archive = err
	}
	if !a.encryptor.IsConfigured() {
		res.Keys = errors.New("key pair not found (run `drivesync keys init`)")
	}
	return res
}

// Close closes the database and the log file.
func (a *DSApp) Close() error {
	var firstErr error
	if err := a.db.Close(); err != nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

// Migrate applies pending schema migrations to the configured database. It
// does not require the schema to be current, unlike NewDSApp.
func Migrate(cfg *config.Config) (migrations.Status, error) {
	db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.HostID, nil)
	if err != nil {
		return migrations.Status{}, fmt.Errorf("creating database: %w", err)
	}
	defer db.Close()

	return db.Migrate()
}

// InitKeys generates the report encryption key pair.
func InitKeys(cfg *config.Config, passphrase string) error {
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	return enc.Setup(passphrase)
}
