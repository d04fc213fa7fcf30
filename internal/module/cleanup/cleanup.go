// Package cleanup retries deletion of module directories that could not be
// removed when their module was uninstalled.
//
// Failed deletions are persisted as store.PendingCleanup records. Each pass
// over the queue attempts the deletions that are due, spacing attempts for
// one path with exponential backoff on its retry count.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/dshills/modhost/internal/store"
)

// DefaultInterval is the default time between cleanup passes.
const DefaultInterval = time.Minute

// RetryConfig configures how often one path is retried.
type RetryConfig struct {
	// MaxRetries is the number of failed attempts after which a record is
	// abandoned. Abandoned records stay queued for an operator.
	MaxRetries int

	// InitialDelay is the delay after the first failed attempt.
	InitialDelay time.Duration

	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration

	// Multiplier grows the delay after each attempt.
	Multiplier float64
}

// DefaultRetryConfig returns the defaults used by New.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   10,
		InitialDelay: 5 * time.Second,
		MaxDelay:     30 * time.Minute,
		Multiplier:   2.0,
	}
}

// Delay returns how long to wait after a record's last attempt given its
// retry count.
func (c RetryConfig) Delay(retries int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          c.Multiplier,
		MaxInterval:         c.MaxDelay,
	}
	b.Reset()
	d := b.NextBackOff()
	for i := 0; i < retries; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Deleter removes a directory tree.
type Deleter func(path string) error

// Service owns the pending cleanup queue.
type Service struct {
	queue   store.CleanupQueue
	records store.ModuleRecords
	remove  Deleter
	retry   RetryConfig
	now     func() time.Time
	logger  *slog.Logger

	// mu serializes passes.
	mu sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithRecords lets a pass recognize paths reused by a reinstalled module.
func WithRecords(r store.ModuleRecords) Option {
	return func(s *Service) { s.records = r }
}

// WithDeleter replaces os.RemoveAll.
func WithDeleter(d Deleter) Option {
	return func(s *Service) { s.remove = d }
}

// WithRetry sets the retry schedule.
func WithRetry(c RetryConfig) Option {
	return func(s *Service) { s.retry = c }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates a cleanup service over queue.
func New(queue store.CleanupQueue, opts ...Option) *Service {
	s := &Service{
		queue:  queue,
		remove: os.RemoveAll,
		retry:  DefaultRetryConfig(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "cleanup")
	if s.retry.Multiplier < 1 {
		s.retry.Multiplier = 1
	}
	return s
}

// Enqueue records a failed deletion of path. An existing record for the
// same path keeps its retry count.
func (s *Service) Enqueue(ctx context.Context, path, moduleID string) error {
	if path == "" {
		return errors.New("cleanup path is required")
	}
	rec := store.PendingCleanup{Path: path, ModuleID: moduleID, LastAttemptAt: s.now()}
	if existing, ok, err := s.find(ctx, path); err != nil {
		return err
	} else if ok {
		rec.RetryCount = existing.RetryCount
		if rec.ModuleID == "" {
			rec.ModuleID = existing.ModuleID
		}
	}
	if err := s.queue.UpsertPendingCleanup(ctx, rec); err != nil {
		return fmt.Errorf("enqueue cleanup %s: %w", path, err)
	}
	s.logger.Info("cleanup queued", "path", path, "module", moduleID)
	return nil
}

// Forget drops the record for path. It returns store.ErrNotFound when
// nothing was queued.
func (s *Service) Forget(ctx context.Context, path string) error {
	if err := s.queue.DeletePendingCleanup(ctx, path); err != nil {
		return err
	}
	s.logger.Info("cleanup forgotten: path reused", "path", path)
	return nil
}

// Pending returns the queued records.
func (s *Service) Pending(ctx context.Context) ([]store.PendingCleanup, error) {
	return s.queue.ListPendingCleanups(ctx)
}

func (s *Service) find(ctx context.Context, path string) (store.PendingCleanup, bool, error) {
	recs, err := s.queue.ListPendingCleanups(ctx)
	if err != nil {
		return store.PendingCleanup{}, false, fmt.Errorf("list cleanups: %w", err)
	}
	for _, r := range recs {
		if r.Path == path {
			return r, true, nil
		}
	}
	return store.PendingCleanup{}, false, nil
}

// Report summarizes one pass. Each field lists paths.
type Report struct {
	Deleted   []string // Removed from disk (or already gone)
	Reused    []string // Now owned by a reinstalled module; left on disk
	Failed    []string // Attempted and failed again
	Deferred  []string // Not due yet
	Abandoned []string // Over MaxRetries
}

// Attempted returns the number of deletions tried in the pass.
func (r *Report) Attempted() int {
	return len(r.Deleted) + len(r.Failed)
}

// RunOnce runs a single pass over the queue. The error reports store
// failures and cancellation; deletion failures are recorded, not returned.
func (s *Service) RunOnce(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.queue.ListPendingCleanups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cleanups: %w", err)
	}

	report := &Report{}
	var errs []error
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.process(ctx, rec, report); err != nil {
			errs = append(errs, err)
		}
	}

	if report.Attempted() > 0 || len(report.Reused) > 0 {
		s.logger.Info("cleanup pass",
			"deleted", len(report.Deleted),
			"reused", len(report.Reused),
			"failed", len(report.Failed),
			"deferred", len(report.Deferred),
			"abandoned", len(report.Abandoned))
	}
	return report, errors.Join(errs...)
}

func (s *Service) process(ctx context.Context, rec store.PendingCleanup, report *Report) error {
	logger := s.logger.With("path", rec.Path, "module", rec.ModuleID)

	if s.reused(ctx, rec) {
		report.Reused = append(report.Reused, rec.Path)
		return s.drop(ctx, rec.Path)
	}

	if s.retry.MaxRetries > 0 && rec.RetryCount >= s.retry.MaxRetries {
		report.Abandoned = append(report.Abandoned, rec.Path)
		logger.Warn("cleanup abandoned", "retries", rec.RetryCount)
		return nil
	}

	now := s.now()
	if due := rec.LastAttemptAt.Add(s.retry.Delay(rec.RetryCount)); now.Before(due) {
		report.Deferred = append(report.Deferred, rec.Path)
		return nil
	}

	err := s.remove(rec.Path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		report.Deleted = append(report.Deleted, rec.Path)
		logger.Info("module directory deleted", "retries", rec.RetryCount)
		return s.drop(ctx, rec.Path)
	}

	rec.RetryCount++
	rec.LastAttemptAt = now
	report.Failed = append(report.Failed, rec.Path)
	logger.Warn("cleanup attempt failed", "retries", rec.RetryCount, "error", err)
	if uerr := s.queue.UpsertPendingCleanup(ctx, rec); uerr != nil {
		return fmt.Errorf("update cleanup %s: %w", rec.Path, uerr)
	}
	return nil
}

// reused reports whether an installed module with the record's id lives at
// the record's path again.
func (s *Service) reused(ctx context.Context, rec store.PendingCleanup) bool {
	if s.records == nil || rec.ModuleID == "" {
		return false
	}
	m, err := s.records.GetInstalledModule(ctx, rec.ModuleID)
	if err != nil {
		return false
	}
	return m.Path == rec.Path
}

func (s *Service) drop(ctx context.Context, path string) error {
	if err := s.queue.DeletePendingCleanup(ctx, path); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete cleanup %s: %w", path, err)
	}
	return nil
}

// Run calls RunOnce immediately and then every interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("cleanup pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
