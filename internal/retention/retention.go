// Package retention purges soft-deleted conversations on a cron schedule.
package retention

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"threadline/pkg/config"
	"threadline/pkg/state/logger"
	"threadline/pkg/telemetry"
	"threadline/pkg/timeutil"
)

// ErrRunning is returned by RunOnce while another run is in progress.
var ErrRunning = errors.New("retention run already in progress")

// Store is what a run reads and deletes.
type Store interface {
	SoftDeleted() (map[string]int64, error)
	PurgeConversation(id string) error
}

type Option func(*Runner)

func WithClock(c timeutil.Clock) Option { return func(r *Runner) { r.clock = c } }

// OnPurge is called with each purged conversation id.
func OnPurge(fn func(convID string)) Option { return func(r *Runner) { r.onPurge = fn } }

type Runner struct {
	store   Store
	cfg     config.RetentionConfig
	lease   *fileLease
	clock   timeutil.Clock
	onPurge func(string)

	mu      sync.Mutex
	running bool
}

// New returns a runner whose lease file lives in leaseDir.
func New(st Store, cfg config.RetentionConfig, leaseDir string, opts ...Option) *Runner {
	r := &Runner{store: st, cfg: cfg, clock: timeutil.System}
	for _, o := range opts {
		o(r)
	}
	r.lease = newFileLease(leaseDir, r.clock)
	return r
}

// Start schedules runs on the configured cron until ctx ends. It returns
// immediately; a disabled runner only logs.
func (r *Runner) Start(ctx context.Context) {
	if !r.cfg.Enabled {
		logger.Info("retention_disabled")
		return
	}
	logger.Info("retention_enabled", "cron", r.cfg.Cron, "period", r.cfg.Period.Duration().String(), "dry_run", r.cfg.DryRun)
	go r.scheduleLoop(ctx)
}

func (r *Runner) scheduleLoop(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(r.cfg.Cron, r.clock.Now(), false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", r.cfg.Cron, "error", err)
			next = r.clock.Now().Add(30 * time.Second)
		}
		wait := next.Sub(r.clock.Now())
		if wait < time.Second {
			wait = time.Second
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, ErrRunning) {
			logger.Error("retention_run_error", "error", err)
		}
	}
}

// RunOnce purges every conversation soft-deleted longer than the retention
// period ago and returns how many were purged, or would be under dry run.
// It does nothing when another process holds the lease.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return 0, ErrRunning
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	ttl := r.cfg.LockTTL.Duration()
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	owner := uuid.Must(uuid.NewV7()).String()
	ok, err := r.lease.Acquire(owner, ttl)
	if err != nil {
		return 0, fmt.Errorf("lease acquire: %w", err)
	}
	if !ok {
		logger.Info("retention_lease_not_acquired")
		return 0, nil
	}
	defer func() {
		if err := r.lease.Release(owner); err != nil {
			logger.Error("retention_lease_release_error", "error", err)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go r.heartbeat(runCtx, cancel, owner, ttl)

	return r.purge(runCtx, owner)
}

// heartbeat renews the lease and aborts the run after repeated failures.
func (r *Runner) heartbeat(ctx context.Context, abort context.CancelFunc, owner string, ttl time.Duration) {
	t := time.NewTicker(ttl / 3)
	defer t.Stop()
	fails := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := r.lease.Renew(owner, ttl); err != nil {
				fails++
				logger.Error("retention_lease_renew_failed", "error", err, "count", fails)
				if fails >= 3 {
					abort()
					return
				}
				continue
			}
			fails = 0
		}
	}
}

func (r *Runner) purge(ctx context.Context, runID string) (int, error) {
	marked, err := r.store.SoftDeleted()
	if err != nil {
		return 0, fmt.Errorf("scan soft deleted: %w", err)
	}
	cutoff := r.clock.Now().Add(-r.cfg.Period.Duration()).UnixNano()

	ids := make([]string, 0, len(marked))
	for id, ts := range marked {
		if ts < cutoff {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	logger.Info("retention_run_start", "run_id", runID, "marked", len(marked), "eligible", len(ids), "dry_run", r.cfg.DryRun)

	purged := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return purged, fmt.Errorf("retention run aborted: %w", err)
		}
		if r.cfg.DryRun {
			logger.Info("retention_item", "run_id", runID, "conversation_id", id, "status", "dry_run")
			purged++
			continue
		}
		if err := r.store.PurgeConversation(id); err != nil {
			logger.Error("retention_purge_failed", "run_id", runID, "conversation_id", id, "error", err)
			continue
		}
		purged++
		telemetry.RetentionPurged.Inc()
		if r.onPurge != nil {
			r.onPurge(id)
		}
	}
	logger.Info("retention_run_complete", "run_id", runID, "scanned", len(marked), "purged", purged)
	return purged, nil
}
