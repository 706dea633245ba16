package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"drivesync/internal/app"
	"drivesync/internal/config"
	"drivesync/internal/ds"
	"drivesync/internal/server"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies environment overrides,
// including any set by a .env file in the working directory.
func loadConfig() (*config.Config, string, error) {
	if err := app.LoadDotEnv(); err != nil {
		return nil, "", err
	}

	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, "", fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, "", fmt.Errorf("reading config: %w", err)
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, defaults["config_path"], nil
}

// newApp reads the config and creates a DSApp. The caller must defer app.Close().
func newApp(ctx context.Context, opts app.Options) (*app.DSApp, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.NewDSApp(ctx, cfg, opts)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var rootCmd = &cobra.Command{
	Use:          "drivesync",
	Short:        "Provision Google Drive sync on a TrueNAS appliance",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		hostID := uuid.New().String()
		cfg := config.NewConfig(hostID, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Host ID: %s\n", hostID)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		fmt.Println("Set the appliance url and token, then run `drivesync migrate`.")
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration (secrets masked)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Printf("# Configuration from %s (with environment overrides)\n\n", path)
		m := &config.Manager{}
		if err := m.Write(os.Stdout, cfg.Masked()); err != nil {
			return err
		}

		if err := cfg.Validate(); err != nil {
			fmt.Printf("\n# Problems:\n# %s\n", err)
		}
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage report encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the age key pair used to encrypt archived reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Encryption.Type != "age" {
			return fmt.Errorf("encryption type is %q; set [encryption] type = \"age\" first", cfg.Encryption.Type)
		}

		passphrase, err := readNewPassphrase()
		if err != nil {
			return err
		}
		if err := app.InitKeys(cfg, passphrase); err != nil {
			return fmt.Errorf("generating keys: %w", err)
		}

		fmt.Printf("Public key:  %s\n", cfg.Encryption.PublicKeyPath)
		fmt.Printf("Private key: %s (passphrase protected)\n", cfg.Encryption.PrivateKeyPath)
		return nil
	},
}

// migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := app.Migrate(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("Database schema at version %d (latest %d)\n", st.Version, st.Latest)
		return nil
	},
}

// provision command
var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Create the credential, sync tasks and snapshot policy for a project",
	Long: `Provision runs five steps against the appliance:

  1. create a Google Drive credential
  2. create a disabled PULL task (Drive to NAS)
  3. run the PULL task once
  4. create a PUSH task (NAS to Drive) every 15 minutes
  5. create a snapshot policy for the dataset (failure is reported, not fatal)

The result is printed as JSON. A failure in steps 1-4 stops the run and
the ids created so far are printed so they can be cleaned up.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		dryRun, _ := flags.GetBool("dry-run")
		timeout, _ := flags.GetDuration("timeout")

		req := ds.ProvisionRequest{}
		req.ProjectName, _ = flags.GetString("project")
		req.NASPath, _ = flags.GetString("nas-path")
		req.DriveFolderID, _ = flags.GetString("folder-id")
		req.DriveFolderName, _ = flags.GetString("folder-name")

		clientID, _ := flags.GetString("client-id")
		clientSecret, _ := flags.GetString("client-secret")
		refreshToken, _ := flags.GetString("refresh-token")
		if refreshToken == "" {
			refreshToken = os.Getenv("GOOGLE_REFRESH_TOKEN")
		}

		ctx, stop := signalContext()
		defer stop()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		a, err := newApp(ctx, app.Options{DryRun: dryRun})
		if err != nil {
			return err
		}
		defer a.Close()

		run, err := a.Provision(ctx, req, a.Credentials(clientID, clientSecret, refreshToken))
		if err != nil {
			if run == nil {
				return err
			}
			// The plan ran; show what exists on the appliance before failing.
			if printErr := printJSON(run.Report()); printErr != nil {
				return printErr
			}
			return fmt.Errorf("run %s was not recorded: %w", run.RunID, err)
		}
		if errors.Is(run.Err, ds.ErrInvalidRequest) || errors.Is(run.Err, ds.ErrMissingCredentials) {
			return run.Err
		}

		if err := printJSON(run.Report()); err != nil {
			return err
		}
		if run.RunID != "" {
			fmt.Fprintf(os.Stderr, "Run ID: %s\n", run.RunID)
		} else if dryRun {
			fmt.Fprintln(os.Stderr, "Dry run: nothing was recorded")
		}
		if !run.Success {
			return fmt.Errorf("provisioning failed at %s: %w", run.FailedStep(), run.Err)
		}
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View provisioning run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context(), app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.History(limit)
		if err != nil {
			return err
		}

		if len(runs) == 0 {
			fmt.Println("No provisioning runs recorded.")
			return nil
		}

		for _, r := range runs {
			duration := ""
			if r.FinishedAt != nil {
				duration = r.FinishedAt.Sub(r.StartedAt).Truncate(time.Millisecond).String()
			}
			failed := ""
			if r.FailedStep != "" {
				failed = "  at " + r.FailedStep + ": " + r.Error
			}
			fmt.Printf("#%d  %s  %-20s  %s  %-8s  %s%s\n",
				r.Seq,
				r.ID,
				r.ProjectName,
				r.StartedAt.Local().Format("2006-01-02 15:04:05"),
				r.Status,
				duration,
				failed,
			)
		}
		return nil
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show RUN_ID",
	Short: "Show the recorded result of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()

		run, err := a.ShowRun(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Run:      %s (#%d)\n", run.ID, run.Seq)
		fmt.Printf("Project:  %s\n", run.ProjectName)
		fmt.Printf("NAS path: %s\n", run.NASPath)
		fmt.Printf("Folder:   %s %s\n", run.DriveFolderID, run.DriveFolderName)
		fmt.Printf("Status:   %s\n", run.Status)
		if run.FailedStep != "" {
			fmt.Printf("Failed:   %s: %s\n", run.FailedStep, run.Error)
		}
		if run.Result != "" {
			var v any
			if err := json.Unmarshal([]byte(run.Result), &v); err == nil {
				fmt.Println("Results:")
				return printJSON(v)
			}
			fmt.Printf("Results:  %s\n", run.Result)
		}
		return nil
	},
}

// report command
var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Work with archived run reports",
}

var reportFetchCmd = &cobra.Command{
	Use:   "fetch RUN_ID",
	Short: "Download and decrypt an archived report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()

		var passphrase string
		if a.ReportEncrypted() {
			passphrase, err = readPassphrase("Passphrase: ")
			if err != nil {
				return err
			}
		}
		return a.FetchReport(args[0], passphrase, os.Stdout)
	},
}

// tasks command
var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List cloud sync tasks on the appliance",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		a, err := newApp(ctx, app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()

		tasks, err := a.ListTasks(ctx)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Println("No cloud sync tasks.")
			return nil
		}

		for _, t := range tasks {
			state := "disabled"
			if t.Enabled {
				state = "enabled"
			}
			fmt.Printf("%4d  %-4s  %-8s  %-14s  %s  %s\n",
				t.ID, t.Direction, state, t.Schedule.String(), t.Path, t.Description)
		}
		return nil
	},
}

// check command
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the appliance, archive and keys are usable",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		a, err := newApp(ctx, app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()

		res := a.Check(ctx)
		report := func(name string, err error) {
			if err != nil {
				fmt.Printf("%-10s FAIL  %v\n", name, err)
				return
			}
			fmt.Printf("%-10s ok\n", name)
		}
		report("appliance", res.Appliance)
		report("archive", res.Archive)
		report("keys", res.Keys)

		if !res.OK() {
			return errors.New("check failed")
		}
		return nil
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the provisioning HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		a, err := newApp(ctx, app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()

		addr, _ := cmd.Flags().GetString("listen")
		if addr == "" {
			addr = a.Config().Server.Listen
		}

		return server.New(a, a.Logger()).ListenAndServe(ctx, addr)
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	keysCmd.AddCommand(keysInitCmd)

	historyCmd.AddCommand(historyShowCmd)
	historyCmd.Flags().IntP("limit", "n", 20, "Maximum number of runs to show")

	reportCmd.AddCommand(reportFetchCmd)

	pf := provisionCmd.Flags()
	pf.String("project", "", "Project name, used in credential and task names")
	pf.String("nas-path", "", "Dataset mount path on the appliance, e.g. /mnt/tank/movies")
	pf.String("folder-id", "", "Google Drive folder id")
	pf.String("folder-name", "", "Google Drive folder name (recorded only)")
	pf.String("client-id", "", "Google OAuth client id (default: [google] client_id or GOOGLE_CLIENT_ID)")
	pf.String("client-secret", "", "Google OAuth client secret (default: [google] client_secret or GOOGLE_CLIENT_SECRET)")
	pf.String("refresh-token", "", "Google OAuth refresh token (default: GOOGLE_REFRESH_TOKEN)")
	pf.Bool("dry-run", false, "Run against an in-memory appliance; nothing is recorded or archived")
	pf.Duration("timeout", 5*time.Minute, "Overall deadline for the run (0 for none)")

	serveCmd.Flags().String("listen", "", "Listen address (default: [server] listen)")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(serveCmd)
}
