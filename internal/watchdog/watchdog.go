// Package watchdog runs the periodic sweep that reclaims jobs whose worker
// died mid-flight: any job in the active-jobs set whose heartbeat is older
// than the staleness window is marked failed and removed. Scheduling is
// grounded on the arkeep scheduler's gocron wiring (NewJob/CronJob/
// WithSingletonMode), with the logger kept as slog to match the rest of
// this module's ambient stack.
package watchdog

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/jmylchreest/refyne-api/internal/queue"
)

const sweepTag = "watchdog-sweep"

// Watchdog wraps a gocron.Scheduler running a single recurring sweep job.
type Watchdog struct {
	cron       gocron.Scheduler
	q          *queue.Queue
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
}

// New builds a Watchdog. interval controls how often the sweep runs;
// staleAfter is the heartbeat age past which a job is reclaimed.
func New(q *queue.Queue, interval, staleAfter time.Duration, logger *slog.Logger) (*Watchdog, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		cron:       cron,
		q:          q,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger.With("component", "watchdog"),
	}, nil
}

// Start registers the sweep job and starts the scheduler.
func (w *Watchdog) Start(ctx context.Context) error {
	_, err := w.cron.NewJob(
		gocron.DurationJob(w.interval),
		gocron.NewTask(w.sweep, ctx),
		gocron.WithTags(sweepTag),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}
	w.logger.Info("starting", "interval", w.interval, "stale_after", w.staleAfter)
	w.cron.Start()
	return nil
}

// Stop shuts the scheduler down, waiting for an in-flight sweep to finish.
func (w *Watchdog) Stop() error {
	w.logger.Info("stopping")
	return w.cron.Shutdown()
}

func (w *Watchdog) sweep(ctx context.Context) {
	reclaimed, err := w.q.FailStaleJobs(ctx, w.staleAfter)
	if err != nil {
		w.logger.Error("sweep failed", "error", err)
		return
	}
	if reclaimed > 0 {
		w.logger.Warn("reclaimed stale jobs", "count", reclaimed)
	} else {
		w.logger.Debug("sweep found no stale jobs")
	}
}
