package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"keel-go/internal/app"
	"keel-go/internal/config"
	"keel-go/internal/keel"
	"keel-go/internal/model"
	"keel-go/internal/remediation"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates a KeelApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "Write", "Sweep").
func newApp(ctx context.Context, operation string) (*app.KeelApp, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := app.LoadEnv(cfg.BaseDir); err != nil {
		return nil, err
	}

	a, err := app.NewKeelApp(ctx, cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

// owner builds the scope from the persistent --user and --project flags.
func owner(cmd *cobra.Command) (keel.Owner, error) {
	user, _ := cmd.Flags().GetString("user")
	project, _ := cmd.Flags().GetString("project")
	return app.Owner(user, project)
}

func projectID(cmd *cobra.Command) (string, error) {
	project, _ := cmd.Flags().GetString("project")
	if err := keel.ValidateID(project); err != nil {
		return "", fmt.Errorf("--project: %w", err)
	}
	return project, nil
}

func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(pass), nil
}

// unlock prompts for the passphrase when the store holds encrypted objects.
func unlock(a *app.KeelApp) error {
	if !a.Encrypted() {
		return nil
	}
	pass, err := readPassphrase("Passphrase: ")
	if err != nil {
		return err
	}
	return a.Unlock(pass)
}

var rootCmd = &cobra.Command{
	Use:          "keel",
	Short:        "Storage consistency engine for generated projects",
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

		instanceID := uuid.New().String()
		cfg := config.NewConfig(instanceID, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		if err := app.Migrate(cfg); err != nil {
			return err
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Instance ID: %s\n", instanceID)
		fmt.Printf("Base Dir:    %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Instance ID:  %s\n", cfg.InstanceID)
		fmt.Printf("Base Dir:     %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:      %s\n", cfg.LogDir)
		fmt.Printf("Object Store: %s (%s, encrypted=%t)\n", cfg.ObjectStore.Name, cfg.ObjectStore.Type, cfg.ObjectStore.Encrypted)
		fmt.Printf("Database:     %s\n", cfg.Database.Type)
		fmt.Printf("Workspace:    %s\n", cfg.Workspace.Type)
		fmt.Printf("AI Provider:  %s\n", cfg.AI.Provider)
		return nil
	},
}

// store command
var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Manage the durable object store",
}

var storeInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate encryption keys for the object store",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "SetupEncryption")
		if err != nil {
			return err
		}
		defer a.Close()

		pass, err := readPassphrase("New passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := readPassphrase("Confirm passphrase: ")
		if err != nil {
			return err
		}
		if pass != confirm {
			return errors.New("passphrases do not match")
		}
		if err := a.SetupEncryption(pass); err != nil {
			return err
		}
		fmt.Println("Encryption keys created.")
		return nil
	},
}

var storeValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check that the object store is reachable and writable",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "ValidateStore")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.ValidateStore(cmd.Context()); err != nil {
			return fmt.Errorf("object store check failed: %w", err)
		}
		fmt.Println("Object store OK.")
		return nil
	},
}

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the metadata database",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("getting defaults: %w", err)
		}
		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}
		if err := app.Migrate(cfg); err != nil {
			return err
		}
		fmt.Println("Database is up to date.")
		return nil
	},
}

var dbBackupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Snapshot the metadata database into the object store",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "BackupDatabase")
		if err != nil {
			return err
		}
		defer a.Close()

		key, err := a.BackupDatabase(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Database snapshot stored at %s\n", key)
		return nil
	},
}

// write command
var writeCmd = &cobra.Command{
	Use:   "write PATH [SOURCE]",
	Short: "Persist a project file (content from SOURCE or stdin)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := owner(cmd)
		if err != nil {
			return err
		}

		var content []byte
		if len(args) == 2 {
			content, err = os.ReadFile(args[1])
		} else {
			content, err = io.ReadAll(os.Stdin)
		}
		if err != nil {
			return fmt.Errorf("reading content: %w", err)
		}

		a, err := newApp(cmd.Context(), "Write")
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.Write(cmd.Context(), o, args[0], content)
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s  %d bytes\n", rec.ContentHash[:12], rec.Path, rec.SizeBytes)
		return nil
	},
}

// read command
var readCmd = &cobra.Command{
	Use:   "read PATH",
	Short: "Print a project file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := owner(cmd)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "Read")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := unlock(a); err != nil {
			return err
		}
		content, err := a.Read(cmd.Context(), o, args[0])
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(content)
		return err
	},
}

// rehydrate command
var rehydrateCmd = &cobra.Command{
	Use:   "rehydrate",
	Short: "Rebuild a sandbox from the durable tiers",
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetDuration("wait")
		o, err := owner(cmd)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "Rehydrate")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := unlock(a); err != nil {
			return err
		}

		var keepalive func(keel.RehydrateProgress)
		if wait > 0 {
			keepalive = func(p keel.RehydrateProgress) {
				fmt.Fprintf(os.Stderr, "restored %d/%d (%d failed)\n", p.Restored, p.Total, p.Failed)
			}
		}
		res, err := a.Rehydrate(cmd.Context(), o, wait, keepalive)
		if err != nil {
			return err
		}

		if res.Skipped {
			fmt.Println("Workspace already populated.")
			return nil
		}
		fmt.Printf("Restored %d of %d file(s)\n", res.Restored, res.Total)
		for _, p := range res.FailedPaths {
			fmt.Printf("  failed: %s\n", p)
		}
		return nil
	},
}

// plan command
var planCmd = &cobra.Command{
	Use:   "plan PATH...",
	Short: "Record the files a project will contain",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := projectID(cmd)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "Plan")
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.Plan(cmd.Context(), pid, args)
		if err != nil {
			return err
		}
		fmt.Printf("Planned %d new file(s)\n", n)
		return nil
	},
}

// mark command
var markCmd = &cobra.Command{
	Use:   "mark PATH STATUS",
	Short: "Set a file's generation status (planned, generating, failed, skipped)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := projectID(cmd)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "SetStatus")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.SetStatus(cmd.Context(), pid, args[0], model.GenerationStatus(args[1]))
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show generation progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := projectID(cmd)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "Status")
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := a.Status(cmd.Context(), pid)
		if err != nil {
			return err
		}
		fmt.Printf("Project:    %s\n", s.ProjectID)
		fmt.Printf("Progress:   %.1f%% (%d of %d)\n", s.PercentComplete, s.Completed, s.Total-s.Skipped)
		fmt.Printf("Planned:    %d\n", s.Planned)
		fmt.Printf("Generating: %d\n", s.Generating)
		fmt.Printf("Failed:     %d\n", s.Failed)
		fmt.Printf("Skipped:    %d\n", s.Skipped)
		fmt.Printf("Resumable:  %t\n", s.Resumable)
		return nil
	},
}

// ls command
var lsCmd = &cobra.Command{
	Use:   "ls [DIR]",
	Short: "List project files",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := projectID(cmd)
		if err != nil {
			return err
		}
		dir := ""
		if len(args) > 0 {
			dir = args[0]
		}

		a, err := newApp(cmd.Context(), "List")
		if err != nil {
			return err
		}
		defer a.Close()

		recs, err := a.List(cmd.Context(), pid, dir)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("No files found.")
			return nil
		}
		for _, r := range recs {
			if r.IsFolder {
				fmt.Printf("%-12s  %-10s  %8s  %s/\n", "", "folder", "", r.Path)
				continue
			}
			fmt.Printf("%-12s  %-10s  %8d  %s\n", r.ContentHash[:12], r.Language, r.SizeBytes, r.Path)
		}
		return nil
	},
}

// rm command
var rmCmd = &cobra.Command{
	Use:   "rm PATH",
	Short: "Delete a project file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := owner(cmd)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "Remove")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Remove(cmd.Context(), o, args[0])
	},
}

// close command
var closeCmd = &cobra.Command{
	Use:   "close",
	Short: "Discard a sandbox (--purge also deletes the project's records)",
	RunE: func(cmd *cobra.Command, args []string) error {
		purge, _ := cmd.Flags().GetBool("purge")
		o, err := owner(cmd)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "CloseWorkspace")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.CloseWorkspace(cmd.Context(), o, purge)
	},
}

// sweep command
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete blobs no file record references",
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		pid, err := projectID(cmd)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "Sweep")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Sweep(cmd.Context(), pid, dryRun)
		if err != nil {
			return err
		}
		for _, k := range res.OrphanKeys {
			fmt.Println(k)
		}
		fmt.Printf("Scanned %d, orphaned %d, deleted %d, too young %d\n",
			res.Scanned, res.Orphaned, res.Deleted, res.SkippedYoung)
		return nil
	},
}

// fix command
var fixCmd = &cobra.Command{
	Use:   "fix",
	Short: "Remediate build and runtime errors",
}

var fixRunCmd = &cobra.Command{
	Use:   "run [ERROR...]",
	Short: "Classify and repair errors (read from stdin when none are given)",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		command, _ := cmd.Flags().GetString("command")
		o, err := owner(cmd)
		if err != nil {
			return err
		}

		errs := args
		if len(errs) == 0 {
			errs, err = readErrorLines(os.Stdin)
			if err != nil {
				return err
			}
		}

		a, err := newApp(cmd.Context(), "Remediate")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Remediate(cmd.Context(), remediation.Request{
			Owner:               o,
			Errors:              errs,
			Command:             command,
			RequireConfirmation: confirm,
		})
		if err != nil {
			return err
		}
		printResult(res)
		return nil
	},
}

var fixPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List AI repairs awaiting approval",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")

		a, err := newApp(cmd.Context(), "PendingFixes")
		if err != nil {
			return err
		}
		defer a.Close()

		fixes, err := a.PendingFixes(cmd.Context(), project)
		if err != nil {
			return err
		}
		if len(fixes) == 0 {
			fmt.Println("No pending fixes.")
			return nil
		}
		for _, f := range fixes {
			fmt.Printf("%s  %-12s  %-10s  %-24s  ~%d tokens  $%.4f  expires %s\n",
				f.ID, f.Owner.ProjectID, f.Complexity, f.Model,
				f.Estimate.TotalTokens(), f.Estimate.CostUSD,
				f.ExpiresAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var fixApproveCmd = &cobra.Command{
	Use:   "approve ID",
	Short: "Run a pending AI repair",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "ApproveFix")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.ApproveFix(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printResult(res)
		return nil
	},
}

var fixCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Discard a pending AI repair",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "CancelFix")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.CancelFix(cmd.Context(), args[0])
	},
}

// readErrorLines splits r into error texts on blank lines.
func readErrorLines(r io.Reader) ([]string, error) {
	var (
		errs  []string
		block []string
	)
	flush := func() {
		if len(block) > 0 {
			errs = append(errs, strings.Join(block, "\n"))
			block = nil
		}
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		block = append(block, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading errors: %w", err)
	}
	flush()
	if len(errs) == 0 {
		return nil, errors.New("no errors given")
	}
	return errs, nil
}

func printResult(res *remediation.Result) {
	switch {
	case res.PendingConfirmation:
		fmt.Printf("Pending approval: %s\n", res.PendingFixID)
		if res.Estimate != nil {
			fmt.Printf("Estimate: ~%d tokens, $%.4f\n", res.Estimate.TotalTokens(), res.Estimate.CostUSD)
		}
	case res.RateLimited:
		fmt.Printf("Rate limited, retry in %s\n", res.RetryAfter.Truncate(time.Second))
	case res.Success:
		fmt.Printf("Fixed (%s, %s)\n", res.Category, res.Complexity)
	default:
		fmt.Printf("Not fixed (%s)\n", res.Category)
	}
	if res.Message != "" {
		fmt.Println(res.Message)
	}
	for _, f := range res.FilesModified {
		fmt.Printf("  modified: %s\n", f)
	}
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context(), "History")
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.History(cmd.Context(), limit)
		if err != nil {
			return err
		}

		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}

		for _, op := range ops {
			duration := ""
			if op.FinishedAt.Valid {
				d := op.FinishedAt.Time.Sub(op.StartedAt)
				duration = d.Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-15s  %s  %-10s  %-10s  %s\n",
				op.ID,
				op.Operation,
				op.StartedAt.Format("2006-01-02 15:04:05"),
				op.Status,
				duration,
				op.Parameters,
			)
		}
		return nil
	},
}

// metrics command
var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Print metric totals across runs in Prometheus text format",
	Long: `Every command folds its counters into the metrics file (metrics_file,
default <base_dir>/metrics/keel.prom) when it exits. This prints those totals.
Point the node exporter's textfile collector at the same directory to scrape them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Metrics")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.WriteMetrics(os.Stdout)
	},
}

func init() {
	rootCmd.PersistentFlags().String("user", os.Getenv("KEEL_USER"), "User ID owning the sandbox")
	rootCmd.PersistentFlags().String("project", os.Getenv("KEEL_PROJECT"), "Project ID")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// store subcommands
	storeCmd.AddCommand(storeInitCmd)
	storeCmd.AddCommand(storeValidateCmd)

	// db subcommands
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbBackupCmd)

	// fix subcommands
	fixCmd.AddCommand(fixRunCmd)
	fixRunCmd.Flags().Bool("confirm", false, "Hold AI repairs for approval")
	fixRunCmd.Flags().String("command", "", "Command that produced the errors")
	fixCmd.AddCommand(fixPendingCmd)
	fixCmd.AddCommand(fixApproveCmd)
	fixCmd.AddCommand(fixCancelCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(rehydrateCmd)
	rehydrateCmd.Flags().Duration("wait", 0, "Run in the background, reporting progress at this interval")
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(markCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(closeCmd)
	closeCmd.Flags().Bool("purge", false, "Also delete the project's file records")
	rootCmd.AddCommand(sweepCmd)
	sweepCmd.Flags().Bool("dry-run", false, "Report orphans without deleting them")
	rootCmd.AddCommand(fixCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
	rootCmd.AddCommand(metricsCmd)
}
