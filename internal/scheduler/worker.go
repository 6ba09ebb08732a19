package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hray3182/concierge/internal/metrics"
	"github.com/hray3182/concierge/internal/models"
)

var (
	// ErrCycleInProgress is returned when a cycle is already running in this process.
	ErrCycleInProgress = errors.New("reminder cycle already running")
	// ErrCycleLocked is returned when another instance holds the cycle lock.
	ErrCycleLocked = errors.New("reminder cycle locked by another instance")
)

// Roller advances recurring date items whose occurrence has passed.
type Roller interface {
	RolloverDue(ctx context.Context, orgID uuid.UUID, limit int) (int, error)
}

type WorkerConfig struct {
	OrgID         uuid.UUID
	Interval      time.Duration
	ShutdownGrace time.Duration
	Concurrency   int
	RolloverBatch int
}

// CycleReport summarises one scan and dispatch pass.
type CycleReport struct {
	Due        int
	Sent       int
	Failed     int
	Terminal   int
	Skipped    int
	RolledOver int
	Results    []DispatchResult
}

func (r *CycleReport) add(res DispatchResult) {
	r.Results = append(r.Results, res)
	switch res.Outcome {
	case OutcomeSent:
		r.Sent++
	case OutcomeTerminal:
		r.Terminal++
	case OutcomeSkipped:
		r.Skipped++
	default:
		r.Failed++
	}
}

// Worker scans and dispatches due reminders on a fixed interval. At most one
// cycle runs per process; ticks that arrive while a cycle runs are dropped.
type Worker struct {
	scanner    *Scanner
	dispatcher *Dispatcher
	roller     Roller
	lock       CycleLock
	cfg        WorkerConfig
	metrics    *metrics.Collectors
	logger     *zap.Logger
	now        func() time.Time

	running  sync.Mutex
	inflight sync.WaitGroup
	notifyCh chan struct{}
}

type WorkerOption func(*Worker)

// WithRoller runs date-item rollover at the start of every cycle.
func WithRoller(r Roller) WorkerOption {
	return func(w *Worker) { w.roller = r }
}

// WithCycleLock adds a cross-instance lock around each cycle.
func WithCycleLock(l CycleLock) WorkerOption {
	return func(w *Worker) { w.lock = l }
}

func WithMetrics(m *metrics.Collectors) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

func NewWorker(scanner *Scanner, dispatcher *Dispatcher, cfg WorkerConfig, logger *zap.Logger, opts ...WorkerOption) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.RolloverBatch <= 0 {
		cfg.RolloverBatch = 500
	}
	w := &Worker{
		scanner:    scanner,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "worker")),
		now:        time.Now,
		notifyCh:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Notify triggers an immediate check. Non-blocking if a check is already pending.
func (w *Worker) Notify() {
	select {
	case w.notifyCh <- struct{}{}:
	default:
	}
}

// Start runs until ctx is cancelled, then waits up to ShutdownGrace for the
// in-flight cycle. The cycle stops taking new rules once ctx is done, and the
// rule being dispatched runs to completion on its own timeout.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("reminder worker started",
		zap.Duration("interval", w.cfg.Interval),
		zap.Int("concurrency", w.cfg.Concurrency),
	)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.trigger(ctx, "startup")
	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return
		case <-ticker.C:
			w.trigger(ctx, "tick")
		case <-w.notifyCh:
			w.trigger(ctx, "notify")
		}
	}
}

func (w *Worker) shutdown() {
	done := make(chan struct{})
	go func() {
		w.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("reminder worker stopped")
	case <-time.After(w.cfg.ShutdownGrace):
		w.logger.Warn("reminder worker stopped with a cycle still running",
			zap.Duration("grace", w.cfg.ShutdownGrace))
	}
}

// trigger starts a cycle in the background unless one is already running.
func (w *Worker) trigger(ctx context.Context, reason string) {
	if !w.running.TryLock() {
		w.logger.Debug("cycle still running, skipping", zap.String("reason", reason))
		w.metrics.Cycle("skipped", 0)
		return
	}

	w.inflight.Add(1)
	go func() {
		defer w.inflight.Done()
		defer w.running.Unlock()

		report, err := w.cycle(ctx)
		w.logCycle(reason, report, err)
	}()
}

// RunCycle runs one cycle synchronously.
func (w *Worker) RunCycle(ctx context.Context) (*CycleReport, error) {
	if !w.running.TryLock() {
		w.metrics.Cycle("skipped", 0)
		return nil, ErrCycleInProgress
	}
	defer w.running.Unlock()
	return w.cycle(ctx)
}

func (w *Worker) cycle(ctx context.Context) (*CycleReport, error) {
	start := time.Now()

	if w.lock != nil {
		release, ok, err := w.lock.TryAcquire(ctx)
		if err != nil {
			w.metrics.Cycle("lock_error", 0)
			return nil, fmt.Errorf("acquire cycle lock: %w", err)
		}
		if !ok {
			w.metrics.Cycle("locked", 0)
			return nil, ErrCycleLocked
		}
		defer release()
	}

	report := &CycleReport{}
	if w.roller != nil {
		n, err := w.roller.RolloverDue(ctx, w.cfg.OrgID, w.cfg.RolloverBatch)
		if err != nil {
			w.logger.Warn("date rollover failed", zap.Error(err))
		}
		report.RolledOver = n
		w.metrics.RolledOver(n)
	}

	rules, err := w.scanner.FindDue(ctx, w.cfg.OrgID, w.now())
	if err != nil {
		w.metrics.Cycle("scan_error", 0)
		return report, err
	}
	report.Due = len(rules)
	w.metrics.Due(len(rules))

	for _, res := range w.dispatchAll(ctx, rules) {
		report.add(res)
	}

	w.metrics.Cycle("ok", time.Since(start))
	return report, nil
}

// dispatchAll dispatches rules in scan order, at most Concurrency at a time.
// Results are returned in the same order as rules; rules not started before
// ctx was cancelled are absent.
func (w *Worker) dispatchAll(ctx context.Context, rules []*models.ReminderRule) []DispatchResult {
	results := make([]DispatchResult, len(rules))
	started := make([]bool, len(rules))

	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)
	for i, rule := range rules {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// Go may block on the limit past cancellation.
			if ctx.Err() != nil {
				return nil
			}
			started[i] = true
			results[i] = w.dispatchOne(context.WithoutCancel(ctx), rule)
			return nil
		})
	}
	_ = g.Wait()

	out := results[:0]
	for i, res := range results {
		if started[i] {
			out = append(out, res)
		}
	}
	return out
}

// dispatchOne contains a panicking collaborator to the rule that triggered it.
func (w *Worker) dispatchOne(ctx context.Context, rule *models.ReminderRule) (res DispatchResult) {
	defer func() {
		if p := recover(); p != nil {
			w.logger.Error("dispatch panicked",
				zap.String("rule_id", rule.ID.String()),
				zap.Any("panic", p),
			)
			res = DispatchResult{
				RuleID:  rule.ID,
				Outcome: OutcomeFailed,
				Kind:    models.ErrorKindUnknown,
				Err:     fmt.Errorf("dispatch panicked: %v", p),
			}
		}
	}()
	return w.dispatcher.Dispatch(ctx, rule)
}

func (w *Worker) logCycle(reason string, report *CycleReport, err error) {
	switch {
	case errors.Is(err, ErrCycleLocked):
		w.logger.Debug("cycle held by another instance", zap.String("reason", reason))
	case err != nil:
		w.logger.Error("reminder cycle failed", zap.String("reason", reason), zap.Error(err))
	case report.Due > 0 || report.RolledOver > 0:
		w.logger.Info("reminder cycle complete",
			zap.String("reason", reason),
			zap.Int("due", report.Due),
			zap.Int("sent", report.Sent),
			zap.Int("failed", report.Failed),
			zap.Int("terminal", report.Terminal),
			zap.Int("skipped", report.Skipped),
			zap.Int("rolled_over", report.RolledOver),
		)
	}
}
