package keel

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"keel-go/internal/metrics"
	"keel-go/internal/model"
)

var tracer = otel.Tracer("keel-go/internal/keel")

// Options tunes the engine's retry, fan-out and sweep behaviour.
type Options struct {
	UploadMaxAttempts    int
	UploadInitialBackoff time.Duration
	UploadMaxBackoff     time.Duration
	RehydrateConcurrency int
	RehydrateMinFiles    int
	PresignTTL           time.Duration
	OrphanMinAge         time.Duration
}

// DefaultOptions returns the options used when the config leaves them unset.
func DefaultOptions() Options {
	return Options{
		UploadMaxAttempts:    4,
		UploadInitialBackoff: 200 * time.Millisecond,
		UploadMaxBackoff:     5 * time.Second,
		RehydrateConcurrency: 8,
		RehydrateMinFiles:    3,
		PresignTTL:           15 * time.Minute,
		OrphanMinAge:         time.Hour,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.UploadMaxAttempts <= 0 {
		o.UploadMaxAttempts = d.UploadMaxAttempts
	}
	if o.UploadInitialBackoff <= 0 {
		o.UploadInitialBackoff = d.UploadInitialBackoff
	}
	if o.UploadMaxBackoff <= 0 {
		o.UploadMaxBackoff = d.UploadMaxBackoff
	}
	if o.RehydrateConcurrency <= 0 {
		o.RehydrateConcurrency = d.RehydrateConcurrency
	}
	if o.RehydrateMinFiles <= 0 {
		o.RehydrateMinFiles = d.RehydrateMinFiles
	}
	if o.PresignTTL <= 0 {
		o.PresignTTL = d.PresignTTL
	}
	if o.OrphanMinAge < 0 {
		o.OrphanMinAge = 0
	}
	return o
}

// Engine keeps the workspace, durable store and metadata index consistent.
// Writes go to the durable store first, then metadata, then the workspace.
// Reads prefer the workspace and fall back to the durable tiers.
type Engine struct {
	meta    MetadataStore
	store   ObjectStore
	ws      Workspace
	logger  Logger
	clock   Clock
	opts    Options
	metrics *metrics.Metrics

	// blobs is held shared from upload to commit and exclusively by the
	// orphan sweep while it deletes.
	blobs sync.RWMutex
}

// NewEngine creates an Engine over the three tiers. m may be nil.
func NewEngine(meta MetadataStore, store ObjectStore, ws Workspace, logger Logger, clock Clock, opts Options, m *metrics.Metrics) *Engine {
	return &Engine{
		meta:    meta,
		store:   store,
		ws:      ws,
		logger:  logger,
		clock:   clock,
		opts:    opts.withDefaults(),
		metrics: m,
	}
}

// Write persists content at path for the owner's project.
//
// The blob is uploaded (with retry) and its locator verified before the
// metadata transaction opens, so a failed upload leaves metadata untouched.
// A failed metadata commit leaves the uploaded blob orphaned for the sweep.
// The workspace mirror is best-effort.
func (e *Engine) Write(ctx context.Context, owner Owner, p string, content []byte) (*model.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "keel.Engine.Write", trace.WithAttributes(
		attribute.String("project_id", owner.ProjectID),
		attribute.String("path", p),
		attribute.Int("size", len(content)),
	))
	defer span.End()

	rec, err := e.write(ctx, owner, p, content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return rec, nil
}

func (e *Engine) write(ctx context.Context, owner Owner, p string, content []byte) (*model.FileRecord, error) {
	clean, err := ValidatePath(p)
	if err != nil {
		e.metrics.ObserveWrite("invalid_path")
		return nil, err
	}
	if err := ValidateID(owner.ProjectID); err != nil {
		e.metrics.ObserveWrite("invalid_path")
		return nil, err
	}

	existing, err := e.meta.FindFile(ctx, owner.ProjectID, clean)
	if err != nil {
		e.metrics.ObserveWrite("metadata_error")
		return nil, fmt.Errorf("looking up file record: %w", err)
	}
	if existing != nil && existing.IsFolder {
		e.metrics.ObserveWrite("invalid_path")
		return nil, fmt.Errorf("%w: %s is a folder", ErrInvalidPath, clean)
	}

	rec, err := e.persist(ctx, owner, clean, existing, content)
	if err != nil {
		return nil, err
	}

	e.mirror(ctx, owner, clean, content)

	e.metrics.ObserveWrite("ok")
	e.logger.Info("file written", "project", owner.ProjectID, "path", clean, "size", len(content))
	return rec, nil
}

// persist uploads content unless the record already points at it, then
// commits the record.
func (e *Engine) persist(ctx context.Context, owner Owner, clean string, existing *model.FileRecord, content []byte) (*model.FileRecord, error) {
	e.blobs.RLock()
	defer e.blobs.RUnlock()

	hash := ContentHash(content)
	key := ContentKey(owner.ProjectID, hash)

	locator := key
	var err error
	if e.unchanged(ctx, existing, hash) {
		e.logger.Debug("content unchanged, skipping upload", "project", owner.ProjectID, "path", clean)
	} else {
		locator, err = e.upload(ctx, key, content)
		if err != nil {
			e.metrics.ObserveWrite("upload_failed")
			e.logger.Error("durable upload failed", "project", owner.ProjectID, "path", clean, "error", err)
			return nil, err
		}
	}

	if err := VerifyKey(locator, owner.ProjectID, hash); err != nil {
		e.metrics.ObserveWrite("upload_failed")
		return nil, fmt.Errorf("%w: %w", ErrStorageWrite, err)
	}

	now := e.clock.Now()
	rec := &model.FileRecord{
		ProjectID:   owner.ProjectID,
		Path:        clean,
		Name:        path.Base(clean),
		ContentHash: hash,
		SizeBytes:   int64(len(content)),
		StorageKey:  sql.NullString{String: locator, Valid: true},
		Language:    model.LanguageForPath(clean),
		Status:      model.StatusCompleted,
		ParentPath:  model.ParentPath(clean),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.meta.CommitFile(ctx, rec); err != nil {
		e.metrics.ObserveWrite("commit_failed")
		e.logger.Error("metadata commit failed, blob left orphaned", "project", owner.ProjectID, "path", clean, "key", locator, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrMetadataCommit, err)
	}
	return rec, nil
}

// unchanged reports whether the record already points at a stored copy of hash.
func (e *Engine) unchanged(ctx context.Context, existing *model.FileRecord, hash string) bool {
	if existing == nil || existing.Status != model.StatusCompleted || existing.ContentHash != hash || !existing.StorageKey.Valid {
		return false
	}
	ok, err := e.store.Exists(ctx, existing.StorageKey.String)
	if err != nil {
		e.logger.Warn("checking existing blob", "key", existing.StorageKey.String, "error", err)
		return false
	}
	return ok
}

// upload stores content under key, retrying transient failures with
// exponential backoff up to the configured attempt count.
func (e *Engine) upload(ctx context.Context, key string, content []byte) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.UploadInitialBackoff
	b.MaxInterval = e.opts.UploadMaxBackoff

	attempt := 0
	op := func() (string, error) {
		attempt++
		e.metrics.ObserveUploadAttempt()
		loc, err := e.store.Put(ctx, key, bytes.NewReader(content), int64(len(content)))
		if err != nil {
			e.logger.Warn("upload attempt failed", "key", key, "attempt", attempt, "error", err)
			if permanentUploadError(err) {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		return loc, nil
	}

	loc, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(e.opts.UploadMaxAttempts)),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %s after %d attempt(s): %w", ErrStorageWrite, key, attempt, err)
	}
	return loc, nil
}

// permanentUploadError reports whether retrying a failed Put cannot help.
func permanentUploadError(err error) bool {
	return errors.Is(err, ErrInvalidPath) ||
		errors.Is(err, ErrLocked) ||
		errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// mirror writes content into the owner's workspace. Failures are logged only:
// the durable copy is already safe.
func (e *Engine) mirror(ctx context.Context, owner Owner, p string, content []byte) {
	if owner.UserID == "" {
		e.logger.Debug("no user scope, skipping workspace mirror", "project", owner.ProjectID, "path", p)
		return
	}
	if err := e.ws.WriteFile(ctx, owner, p, content); err != nil {
		e.metrics.ObserveMirrorFailure()
		e.logger.Warn("workspace mirror failed", "owner", owner.String(), "path", p, "error", err)
	}
}

// Read returns a file's content, preferring the workspace. When the workspace
// lacks the file it is fetched from the durable store and written back.
func (e *Engine) Read(ctx context.Context, owner Owner, p string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "keel.Engine.Read", trace.WithAttributes(
		attribute.String("project_id", owner.ProjectID),
		attribute.String("path", p),
	))
	defer span.End()

	clean, err := ValidatePath(p)
	if err != nil {
		return nil, err
	}

	data, err := e.ws.ReadFile(ctx, owner, clean)
	if err == nil {
		span.SetAttributes(attribute.String("tier", "workspace"))
		return data, nil
	}
	if !errors.Is(err, ErrNotFound) {
		e.logger.Warn("workspace read failed, falling back to durable store", "owner", owner.String(), "path", clean, "error", err)
	}

	rec, err := e.meta.FindFile(ctx, owner.ProjectID, clean)
	if err != nil {
		return nil, fmt.Errorf("looking up file record: %w", err)
	}
	if rec == nil || rec.IsFolder || rec.Status != model.StatusCompleted || !rec.StorageKey.Valid {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, clean)
	}

	data, err = e.fetch(ctx, rec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("tier", "durable"))

	e.mirror(ctx, owner, clean, data)
	return data, nil
}

// fetch downloads a record's blob and checks it against the recorded hash.
func (e *Engine) fetch(ctx context.Context, rec *model.FileRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := e.store.Get(ctx, rec.StorageKey.String, &buf); err != nil {
		return nil, fmt.Errorf("fetching %s: %w", rec.Path, err)
	}
	if got := ContentHash(buf.Bytes()); got != rec.ContentHash {
		return nil, fmt.Errorf("integrity check failed for %s: hash %s, want %s", rec.Path, got, rec.ContentHash)
	}
	return buf.Bytes(), nil
}
