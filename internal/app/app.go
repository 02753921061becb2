package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/dgraph-io/badger/v4"

	"keel-go/internal/config"
	"keel-go/internal/database"
	"keel-go/internal/encryption"
	"keel-go/internal/fixes"
	"keel-go/internal/keel"
	"keel-go/internal/llm"
	"keel-go/internal/metrics"
	"keel-go/internal/model"
	"keel-go/internal/objectstore"
	"keel-go/internal/remediation"
	"keel-go/internal/workspace"
)

// ErrNotEncrypted is returned by Unlock when the object store stores plaintext.
var ErrNotEncrypted = errors.New("object store is not encrypted")

// KeelApp is the application layer between the CLI and the engine and
// remediation pipeline. It constructs all dependencies from config, records
// mutating commands as operations, and releases resources on Close.
type KeelApp struct {
	cfg       *config.Config
	db        *database.SQLiteDatabase
	store     keel.ObjectStore
	ws        keel.Workspace
	exec      keel.BatchExecutor
	encryptor keel.Encryptor
	engine    *keel.Engine
	orch      *remediation.Orchestrator
	kv        *badger.DB
	metrics   *metrics.Metrics
	logger    keel.Logger
	clock     keel.Clock
	op        *Operation
	logCloser io.Closer
}

// NewKeelApp creates a fully wired KeelApp from the given config.
// operation identifies the CLI command being run (e.g. "Write", "Remediate").
// The caller must call Close when done.
func NewKeelApp(ctx context.Context, cfg *config.Config, operation string) (*KeelApp, error) {
	clock := keel.RealClock{}
	opID := clock.Now().UTC().Format("20060102T150405Z")
	slogger, logCloser, err := newLogger(cfg.Log, cfg.LogDir, opID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	a := &KeelApp{
		cfg:       cfg,
		metrics:   metrics.New(),
		logger:    logger,
		clock:     clock,
		op:        NewOperation(operation, ""),
		logCloser: logCloser,
	}
	if err := a.wire(ctx, os.Getenv); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *KeelApp) wire(ctx context.Context, getenv func(string) string) error {
	cfg := a.cfg

	if cfg.ObjectStore.Encrypted {
		enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
		if err != nil {
			return fmt.Errorf("creating encryptor: %w", err)
		}
		a.encryptor = enc
	}

	store, err := objectstore.NewObjectStoreFromConfig(ctx, cfg.ObjectStore, a.encryptor)
	if err != nil {
		return fmt.Errorf("creating object store: %w", err)
	}
	a.store = store

	db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.InstanceID)
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	a.db = db
	if err := db.CheckMigrations(); err != nil {
		return fmt.Errorf("database schema out of date (run 'keel db migrate'): %w", err)
	}

	ws, exec, err := workspace.NewWorkspaceFromConfig(cfg.Workspace, a.logger)
	if err != nil {
		return fmt.Errorf("creating workspace: %w", err)
	}
	a.ws, a.exec = ws, exec

	a.engine = keel.NewEngine(db, store, ws, a.logger, a.clock, engineOptions(cfg.Engine), a.metrics)

	return a.wireRemediation(getenv)
}

func engineOptions(cfg config.EngineConfig) keel.Options {
	return keel.Options{
		UploadMaxAttempts:    cfg.UploadMaxAttempts,
		UploadInitialBackoff: time.Duration(cfg.UploadInitialBackoffMS) * time.Millisecond,
		UploadMaxBackoff:     time.Duration(cfg.UploadMaxBackoffMS) * time.Millisecond,
		RehydrateConcurrency: cfg.RehydrateConcurrency,
		RehydrateMinFiles:    cfg.RehydrateMinFiles,
		PresignTTL:           time.Duration(cfg.PresignTTLSeconds) * time.Second,
		OrphanMinAge:         time.Duration(cfg.OrphanMinAgeSeconds) * time.Second,
	}
}

func (a *KeelApp) wireRemediation(getenv func(string) string) error {
	rc := a.cfg.Remediation

	var (
		attempts remediation.AttemptStore
		pending  remediation.PendingStore
	)
	switch rc.StoreType {
	case "badger":
		kv, err := remediation.OpenBadger(rc.StoreDir, false, a.logger)
		if err != nil {
			return fmt.Errorf("opening remediation store: %w", err)
		}
		a.kv = kv
		attempts = remediation.NewBadgerAttemptStore(kv, rc.Window())
		pending = remediation.NewBadgerPendingStore(kv, rc.PendingTTL(), a.clock)
	default:
		attempts = remediation.NewMemoryAttemptStore()
		pending = remediation.NewMemoryPendingStore(rc.PendingTTL())
	}

	chain, err := fixes.DefaultChain(fixes.Options{PortMin: rc.PortMin, PortMax: rc.PortMax}, a.logger)
	if err != nil {
		return fmt.Errorf("loading deterministic fixes: %w", err)
	}

	depDir := ""
	if a.cfg.Workspace.Type == "docker" {
		depDir = a.cfg.Workspace.ProjectDir
	}
	deps := remediation.NewDependencyPass(a.exec, depDir, rc.InstallDependencies, a.logger)

	proposer, err := llm.NewProposerFromConfig(a.cfg.AI, getenv, a.logger)
	if err != nil {
		return fmt.Errorf("creating model provider: %w", err)
	}

	estimator, err := remediation.NewCostEstimator(remediation.DefaultPricing)
	if err != nil {
		// Estimates fall back to a character heuristic.
		a.logger.Warn("token counter unavailable", "error", err)
	}

	engine := a.engine
	target := func(owner keel.Owner) fixes.Target { return fixes.NewEngineTarget(engine, owner) }

	policy := remediation.Policy{
		Window:      rc.Window(),
		Cooldown:    rc.Cooldown(),
		MaxAttempts: rc.MaxAttempts,
	}
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("invalid remediation policy: %w", err)
	}

	a.orch = remediation.NewOrchestrator(target, chain, deps, attempts, pending, proposer, estimator,
		a.logger, a.clock, keel.UUIDGenerator{}, a.metrics, remediation.Options{
			Policy:              policy,
			RequireConfirmation: rc.RequireConfirmation,
			PendingTTL:          rc.PendingTTL(),
			MaxSteps:            rc.MaxSteps,
			MaxTokens:           a.cfg.AI.MaxTokens,
			Models:              llm.Models(a.cfg.AI),
		})
	return nil
}

// Migrate applies pending schema migrations to the configured database.
func Migrate(cfg *config.Config) error {
	db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.InstanceID)
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	defer db.Close()
	if err := db.MigrateUp(); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}
	return nil
}

// persistOperation saves the operation to the database, giving it an auto-increment ID.
// This should only be called for mutating commands.
func (a *KeelApp) persistOperation(ctx context.Context, parameters string) error {
	if a.op.Persisted() {
		return nil
	}
	a.op.Parameters = parameters
	dbOp, err := a.db.CreateOperation(ctx, a.op.Operation, parameters)
	if err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	a.op.ID = dbOp.ID
	return nil
}

// Owner builds and validates a workspace owner.
func Owner(userID, projectID string) (keel.Owner, error) {
	o := keel.Owner{UserID: userID, ProjectID: projectID}
	if err := o.Validate(); err != nil {
		return keel.Owner{}, err
	}
	return o, nil
}

// Engine exposes the wired engine.
func (a *KeelApp) Engine() *keel.Engine { return a.engine }

// Orchestrator exposes the wired remediation pipeline.
func (a *KeelApp) Orchestrator() *remediation.Orchestrator { return a.orch }

// Encrypted reports whether reads need Unlock first.
func (a *KeelApp) Encrypted() bool {
	es, ok := a.store.(*objectstore.EncryptedStore)
	return ok && es.Locked()
}

// SetupEncryption generates the key pair protected by passphrase.
func (a *KeelApp) SetupEncryption(passphrase string) error {
	if a.encryptor == nil {
		return ErrNotEncrypted
	}
	if a.encryptor.IsConfigured() {
		return fmt.Errorf("encryption keys already exist")
	}
	return a.encryptor.Setup(passphrase)
}

// Unlock opens the private key so encrypted objects can be read.
func (a *KeelApp) Unlock(passphrase string) error {
	es, ok := a.store.(*objectstore.EncryptedStore)
	if !ok {
		return ErrNotEncrypted
	}
	if err := es.Unlock(passphrase); err != nil {
		return fmt.Errorf("unlocking object store: %w", err)
	}
	return nil
}

// ValidateStore checks that the durable store is reachable and writable.
func (a *KeelApp) ValidateStore(ctx context.Context) error {
	return a.store.ValidateSetup(ctx)
}

func (a *KeelApp) Write(ctx context.Context, owner keel.Owner, p string, content []byte) (*model.FileRecord, error) {
	if err := a.persistOperation(ctx, owner.ProjectID+":"+p); err != nil {
		return nil, err
	}
	rec, err := a.engine.Write(ctx, owner, p, content)
	return rec, a.op.Fail(err)
}

func (a *KeelApp) Read(ctx context.Context, owner keel.Owner, p string) ([]byte, error) {
	return a.engine.Read(ctx, owner, p)
}

// Rehydrate restores the owner's sandbox. With a non-nil keepalive the
// restore runs as a task polled every interval, reporting progress.
func (a *KeelApp) Rehydrate(ctx context.Context, owner keel.Owner, interval time.Duration, keepalive func(keel.RehydrateProgress)) (*keel.RehydrateResult, error) {
	if keepalive == nil {
		return a.engine.Rehydrate(ctx, owner)
	}
	task := a.engine.StartRehydrate(ctx, owner)
	res, err := task.Wait(ctx, interval, keepalive)
	if err != nil && ctx.Err() != nil {
		task.Cancel()
		<-task.Done()
	}
	return res, err
}

func (a *KeelApp) Plan(ctx context.Context, projectID string, paths []string) (int, error) {
	if err := a.persistOperation(ctx, projectID); err != nil {
		return 0, err
	}
	n, err := a.engine.PlanFiles(ctx, projectID, paths)
	return n, a.op.Fail(err)
}

func (a *KeelApp) SetStatus(ctx context.Context, projectID, p string, status model.GenerationStatus) error {
	if err := a.persistOperation(ctx, projectID+":"+p); err != nil {
		return err
	}
	return a.op.Fail(a.engine.SetGenerationStatus(ctx, projectID, p, status))
}

func (a *KeelApp) Status(ctx context.Context, projectID string) (*keel.ProjectStatus, error) {
	return a.engine.Status(ctx, projectID)
}

// List returns the records directly under dir, or every record when dir is empty.
func (a *KeelApp) List(ctx context.Context, projectID, dir string) ([]*model.FileRecord, error) {
	if dir == "" {
		return a.engine.ListFiles(ctx, projectID)
	}
	return a.engine.ListDirectory(ctx, projectID, dir)
}

func (a *KeelApp) Remove(ctx context.Context, owner keel.Owner, p string) error {
	if err := a.persistOperation(ctx, owner.ProjectID+":"+p); err != nil {
		return err
	}
	return a.op.Fail(a.engine.DeleteFile(ctx, owner, p))
}

// CloseWorkspace tears down the sandbox. With purge the project's records
// are deleted as well.
func (a *KeelApp) CloseWorkspace(ctx context.Context, owner keel.Owner, purge bool) error {
	if !purge {
		return a.engine.CloseWorkspace(ctx, owner)
	}
	if err := a.persistOperation(ctx, owner.ProjectID); err != nil {
		return err
	}
	return a.op.Fail(a.engine.DeleteProject(ctx, owner))
}

func (a *KeelApp) Sweep(ctx context.Context, projectID string, dryRun bool) (*keel.SweepResult, error) {
	if !dryRun {
		if err := a.persistOperation(ctx, projectID); err != nil {
			return nil, err
		}
	}
	res, err := a.engine.ReconcileOrphans(ctx, projectID, dryRun)
	return res, a.op.Fail(err)
}

func (a *KeelApp) Remediate(ctx context.Context, req remediation.Request) (*remediation.Result, error) {
	if err := a.persistOperation(ctx, req.Owner.ProjectID); err != nil {
		return nil, err
	}
	res, err := a.orch.Remediate(ctx, req)
	if res != nil && !res.Success && !res.PendingConfirmation {
		a.op.Status = "error"
	}
	return res, a.op.Fail(err)
}

func (a *KeelApp) PendingFixes(ctx context.Context, projectID string) ([]*remediation.PendingFix, error) {
	return a.orch.ListPending(ctx, projectID)
}

func (a *KeelApp) ApproveFix(ctx context.Context, id string) (*remediation.Result, error) {
	if err := a.persistOperation(ctx, id); err != nil {
		return nil, err
	}
	res, err := a.orch.Approve(ctx, id)
	if res != nil && !res.Success {
		a.op.Status = "error"
	}
	return res, a.op.Fail(err)
}

func (a *KeelApp) CancelFix(ctx context.Context, id string) error {
	return a.orch.Cancel(ctx, id)
}

// History returns the most recent operations.
func (a *KeelApp) History(ctx context.Context, limit int) ([]*model.Operation, error) {
	return a.engine.History(ctx, limit)
}

// WriteMetrics writes the totals saved by earlier runs plus this process's
// own counts, in the Prometheus text format.
func (a *KeelApp) WriteMetrics(w io.Writer) error {
	totals, err := metrics.Totals(a.cfg.MetricsFile, a.metrics.Registry)
	if err != nil {
		return err
	}
	return metrics.WriteFamilies(w, totals)
}

// SaveMetrics folds this process's counts into the metrics file.
func (a *KeelApp) SaveMetrics() error {
	if a.cfg.MetricsFile == "" {
		return nil
	}
	return metrics.SaveTextfile(a.cfg.MetricsFile, a.metrics.Registry)
}

// metadataKey is where database snapshots live in the durable store,
// outside every project's blob prefix so the sweep never sees them.
func (a *KeelApp) metadataKey(version string) string {
	return path.Join("metadata", a.cfg.InstanceID, "keel-"+version+".db")
}

// BackupDatabase snapshots the metadata index into the durable store and
// returns the key it was stored under.
func (a *KeelApp) BackupDatabase(ctx context.Context) (string, error) {
	version := a.clock.Now().UTC().Format("20060102T150405Z")
	if a.op.Persisted() {
		version = fmt.Sprintf("op%06d", a.op.ID)
	}

	tmpFile, err := os.CreateTemp("", "keel-db-backup-*.db")
	if err != nil {
		return "", fmt.Errorf("creating temp file for db backup: %w", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	// VACUUM INTO refuses to overwrite an existing file.
	os.Remove(tmpPath)
	defer os.Remove(tmpPath)

	if err := a.db.BackupTo(ctx, tmpPath); err != nil {
		return "", err
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return "", fmt.Errorf("opening db backup for upload: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat db backup: %w", err)
	}

	key, err := a.store.Put(ctx, a.metadataKey(version), f, info.Size())
	if err != nil {
		return "", fmt.Errorf("uploading db backup: %w", err)
	}
	return key, nil
}

// Close finalizes the operation and closes all resources. A persisted
// operation gets its record finished and, for sqlite databases, a
// snapshot uploaded to the durable store.
func (a *KeelApp) Close() error {
	var firstErr error

	if a.op.Persisted() {
		ctx := context.Background()
		if err := a.db.FinishOperation(ctx, a.op.ID, a.op.Status); err != nil {
			firstErr = fmt.Errorf("finishing operation: %w", err)
		}
		if a.cfg.Database.Type == "sqlite" {
			if _, err := a.BackupDatabase(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	if err := a.SaveMetrics(); err != nil {
		a.logger.Warn("saving metrics", "path", a.cfg.MetricsFile, "error", err)
	}

	if err := a.closeResources(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (a *KeelApp) closeResources() error {
	var firstErr error
	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			firstErr = fmt.Errorf("closing remediation store: %w", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing database: %w", err)
		}
	}
	if c, ok := a.store.(io.Closer); ok {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing object store: %w", err)
		}
	}
	if a.logCloser != nil {
		a.logCloser.Close()
	}
	return firstErr
}
