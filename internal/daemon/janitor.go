package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/randalmurphal/fab/internal/config"
	faberrors "github.com/randalmurphal/fab/internal/errors"
	"github.com/randalmurphal/fab/internal/metrics"
	"github.com/randalmurphal/fab/internal/storage"
)

// sweepTimeout bounds one retention sweep.
const sweepTimeout = time.Minute

// Janitor purges terminal tasks older than the retention window on a
// cron schedule. A zero max age disables it.
type Janitor struct {
	store  *storage.Store
	maxAge time.Duration
	sched  string
	cron   *cron.Cron
	logger *slog.Logger
}

// NewJanitor creates a janitor from the retention config.
func NewJanitor(store *storage.Store, cfg config.RetentionConfig, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:  store,
		maxAge: cfg.MaxAge.Std(),
		sched:  cfg.Schedule,
		logger: logger,
	}
}

// Start schedules the sweep. An unparseable schedule is a configuration
// error.
func (j *Janitor) Start() error {
	if j.maxAge <= 0 {
		j.logger.Info("retention disabled, terminal tasks are kept forever")
		return nil
	}

	j.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := j.cron.AddFunc(j.sched, func() {
		if _, err := j.Sweep(context.Background()); err != nil {
			j.logger.Error("retention sweep failed", "error", err)
		}
	})
	if err != nil {
		return faberrors.ErrConfigInvalid("retention.schedule", err.Error())
	}

	j.cron.Start()
	j.logger.Info("retention sweeps scheduled", "schedule", j.sched, "max_age", j.maxAge)
	return nil
}

// Stop halts scheduling. A sweep already underway finishes on its own.
func (j *Janitor) Stop() {
	if j.cron != nil {
		j.cron.Stop()
	}
}

// Sweep deletes terminal tasks older than the retention window and
// reports how many went.
func (j *Janitor) Sweep(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	cutoff := time.Now().Add(-j.maxAge)
	purged, err := j.store.PurgeTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		metrics.TasksPurged.Add(float64(purged))
		j.logger.Info("purged old terminal tasks", "count", purged, "cutoff", cutoff.Format(time.RFC3339))
	}
	return purged, nil
}
