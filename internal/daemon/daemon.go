// Package daemon runs the factory: it owns the store, queue, executor
// pool, HTTP API, and retention janitor, and polls the queue for
// claimable work. One daemon owns one store; a PID guard beside the
// store file enforces that.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/fab/internal/agent"
	"github.com/randalmurphal/fab/internal/api"
	"github.com/randalmurphal/fab/internal/config"
	"github.com/randalmurphal/fab/internal/db"
	"github.com/randalmurphal/fab/internal/db/driver"
	faberrors "github.com/randalmurphal/fab/internal/errors"
	"github.com/randalmurphal/fab/internal/events"
	"github.com/randalmurphal/fab/internal/executor"
	"github.com/randalmurphal/fab/internal/lock"
	"github.com/randalmurphal/fab/internal/metrics"
	"github.com/randalmurphal/fab/internal/queue"
	"github.com/randalmurphal/fab/internal/storage"
	"github.com/randalmurphal/fab/internal/task"
	"github.com/randalmurphal/fab/internal/watcher"
	"github.com/randalmurphal/fab/internal/workflow"
)

// Status describes the daemon lifecycle.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
)

// Daemon wires the factory's components into one long-running process.
type Daemon struct {
	cfg      *config.Config
	cfgPath  string
	logger   *slog.Logger
	workerID string

	database *db.DB
	store    *storage.Store
	queue    *queue.Queue
	pub      events.Publisher
	defs     *workflow.Registry
	agents   atomic.Pointer[agent.Registry]
	guard    *lock.Guard
	pool     *Pool
	janitor  *Janitor
	server   *api.Server

	mu        sync.Mutex
	status    Status
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New assembles a daemon from configuration: open and migrate the store,
// take the single-instance guard, build the workflow and agent
// registries, and check that every phase has an agent. Any error here is
// a fatal startup error.
func New(cfg *config.Config, cfgPath string, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	defs, err := buildDefinitions(cfg, logger)
	if err != nil {
		return nil, err
	}
	reg, err := BuildAgentRegistry(cfg)
	if err != nil {
		return nil, err
	}
	if err := checkCoverage(defs, reg); err != nil {
		return nil, err
	}

	dialect, err := driver.ParseDialect(cfg.Store.Dialect)
	if err != nil {
		return nil, faberrors.ErrConfigInvalid("store.dialect", err.Error())
	}
	dsn := cfg.Store.DSN
	var guard *lock.Guard
	if dsn == "" {
		dsn = cfg.Store.Path
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store directory: %w", err)
			}
		}
		guard = lock.ForStore(dsn)
	}

	database, err := db.OpenWithDialect(context.Background(), dialect, dsn)
	if err != nil {
		return nil, faberrors.ErrStoreUnavailable(err)
	}
	if guard != nil {
		if err := guard.Acquire(); err != nil {
			database.Close()
			return nil, err
		}
	}

	host, _ := os.Hostname()
	if host == "" {
		host = "fab"
	}

	d := &Daemon{
		cfg:      cfg,
		cfgPath:  cfgPath,
		logger:   logger,
		workerID: fmt.Sprintf("%s-%d", host, os.Getpid()),
		database: database,
		pub:      events.NewMemoryPublisher(),
		defs:     defs,
		guard:    guard,
		status:   StatusStopped,
	}
	d.agents.Store(reg)

	d.store = storage.New(database, logger)
	d.queue = queue.New(d.store, defs, d.pub, cfg.Daemon.MaxQueueDepth, logger)

	exec := executor.New(d.store, d.queue, d.Agents, d.pub, logger)
	d.pool = NewPool(exec, cfg.Daemon.MaxConcurrent, logger)
	d.janitor = NewJanitor(d.store, cfg.Retention, logger)

	d.server = api.New(&api.Config{
		Listen:    cfg.Server.Listen,
		RateLimit: cfg.Server.RateLimit,
		RateBurst: cfg.Server.RateBurst,
		Logger:    logger,
	}, api.Deps{
		Queue:  d.queue,
		Store:  d.store,
		Events: d.pub,
		Status: d,
	})

	return d, nil
}

// Agents returns the live agent registry. Executors call this per
// invocation so a SIGHUP reload takes effect at the next phase.
func (d *Daemon) Agents() *agent.Registry {
	return d.agents.Load()
}

// Status returns the daemon lifecycle state.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Addr returns the API server's bound address, valid after Start.
func (d *Daemon) Addr() string {
	return d.server.Addr()
}

// Start recovers orphaned tasks, then launches the janitor, API server,
// and poll loop.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.status != StatusStopped {
		d.mu.Unlock()
		return fmt.Errorf("daemon is %s", d.status)
	}
	d.status = StatusRunning
	d.startedAt = time.Now()
	d.ctx, d.cancel = context.WithCancel(context.Background())
	ctx := d.ctx
	d.mu.Unlock()

	// Tasks left RUNNING by a crash or kill go back to QUEUED before any
	// claiming starts, so their attempt counts survive intact.
	released, err := d.queue.ReleaseAllRunning(ctx)
	if err != nil {
		d.fail()
		return err
	}
	if released > 0 {
		d.logger.Info("re-queued tasks from previous run", "count", released)
	}

	if err := d.janitor.Start(); err != nil {
		d.fail()
		return err
	}
	if err := d.server.Start(); err != nil {
		d.janitor.Stop()
		d.fail()
		return err
	}

	d.startConfigWatcher(ctx)

	d.wg.Add(1)
	go d.pollLoop()

	d.logger.Info("daemon started",
		"listen", d.server.Addr(),
		"store", d.database.String(),
		"max_concurrent", d.cfg.Daemon.MaxConcurrent,
		"poll_interval", d.cfg.Daemon.PollInterval.Std(),
		"agents", d.Agents().Names(),
	)
	return nil
}

func (d *Daemon) fail() {
	d.mu.Lock()
	d.status = StatusStopped
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Unlock()
}

// Stop drains the daemon: claiming stops at once, in-flight tasks get
// the configured shutdown timeout to finish, and whatever remains is
// cancelled and left RUNNING for the next start's recovery sweep. The
// store closes last so finalizing writes land.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if d.status != StatusRunning {
		d.mu.Unlock()
		return
	}
	d.status = StatusStopping
	d.mu.Unlock()

	d.logger.Info("shutting down")
	d.cancel()
	d.wg.Wait()

	d.pool.Shutdown(d.cfg.Daemon.ShutdownTimeout.Std())
	d.server.Stop()
	d.janitor.Stop()
	d.pub.Close()

	if err := d.store.Close(); err != nil {
		d.logger.Error("closing store", "error", err)
	}
	if d.guard != nil {
		d.guard.Release()
	}

	d.mu.Lock()
	d.status = StatusStopped
	d.mu.Unlock()
	d.logger.Info("daemon stopped")
}

// startConfigWatcher reloads the agent registry whenever the config
// file changes on disk, if enabled. A watcher that cannot be set up
// disables watching rather than failing the start; SIGHUP still works.
func (d *Daemon) startConfigWatcher(ctx context.Context) {
	if !d.cfg.Daemon.WatchConfig || d.cfgPath == "" {
		return
	}

	w, err := watcher.New(&watcher.Config{
		Path:   d.cfgPath,
		Logger: d.logger,
		OnChange: func() {
			if err := d.Reload(); err != nil {
				d.logger.Error("reload after config change failed", "error", err)
			}
		},
	})
	if err != nil {
		d.logger.Warn("config watching disabled", "path", d.cfgPath, "error", err)
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := w.Start(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("config watcher stopped", "error", err)
		}
	}()
}

// Reload rebuilds the agent registry from the config file and swaps it
// atomically. Running phases keep the registry they resolved; the next
// invocation sees the new one. Workflow tuning and store settings need a
// restart.
func (d *Daemon) Reload() error {
	cfg, err := config.LoadFrom(d.cfgPath)
	if err != nil {
		return err
	}
	reg, err := BuildAgentRegistry(cfg)
	if err != nil {
		return err
	}
	if err := checkCoverage(d.defs, reg); err != nil {
		return err
	}
	d.agents.Store(reg)
	d.logger.Info("agent registry reloaded", "agents", reg.Names())
	return nil
}

// DaemonStatus implements api.StatusSource.
func (d *Daemon) DaemonStatus() api.Status {
	d.mu.Lock()
	status := d.status
	startedAt := d.startedAt
	d.mu.Unlock()

	var uptime float64
	if !startedAt.IsZero() {
		uptime = time.Since(startedAt).Seconds()
	}
	snap := d.pool.Snapshot()
	return api.Status{
		State:          string(status),
		UptimeSeconds:  uptime,
		PoolMax:        snap.Max,
		PoolActive:     snap.Active,
		ActiveTasks:    snap.ActiveTasks,
		TasksCompleted: snap.Completed,
		TasksFailed:    snap.Failed,
		MeanRunSeconds: snap.MeanRunSeconds,
	}
}

func (d *Daemon) pollLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.Daemon.PollInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

// tick claims and dispatches until the pool saturates or the queue runs
// dry. The free-slot check happens before each claim, so a saturated
// pool never strands tasks in RUNNING; a claim the pool still rejects
// (slot lost to a race) is released straight back to QUEUED.
func (d *Daemon) tick() {
	d.observeQueueDepth()

	for d.ctx.Err() == nil {
		if d.pool.ActiveCount() >= d.cfg.Daemon.MaxConcurrent {
			return
		}
		claimed, err := d.queue.Claim(d.ctx, d.workerID)
		if err != nil {
			d.logger.Error("claim failed", "error", err)
			return
		}
		if claimed == nil {
			return
		}
		if err := d.pool.Submit(claimed); err != nil {
			if _, rerr := d.queue.Release(d.ctx, claimed.ID); rerr != nil {
				d.logger.Error("release after pool rejection failed", "task_id", claimed.ID, "error", rerr)
			}
			return
		}
	}
}

func (d *Daemon) observeQueueDepth() {
	stats, err := d.queue.Stats(d.ctx)
	if err != nil {
		return
	}
	metrics.QueueDepth.Set(float64(stats[task.StatusQueued]))
}

// BuildAgentRegistry converts the config's agents section into an
// immutable registry of command agents.
func BuildAgentRegistry(cfg *config.Config) (*agent.Registry, error) {
	regs := make([]agent.Registration, 0, len(cfg.Agents))
	for name, ac := range cfg.Agents {
		cmd := agent.NewCommandAgent(ac.Command...)
		cmd.Dir = ac.Dir
		cmd.Env = ac.Env
		regs = append(regs, agent.Registration{
			Name:    name,
			Agent:   cmd,
			Timeout: ac.Timeout.Std(),
		})
	}
	return agent.NewRegistry(regs...)
}

// buildDefinitions applies per-kind config tuning to the built-in
// workflow definitions.
func buildDefinitions(cfg *config.Config, logger *slog.Logger) (*workflow.Registry, error) {
	base := []*workflow.Definition{workflow.FivePhaseTDD()}

	kinds := make(map[string]bool, len(base))
	defs := make([]*workflow.Definition, 0, len(base))
	for _, def := range base {
		kinds[def.Kind] = true
		if wc, ok := cfg.Workflows[def.Kind]; ok {
			timeouts := make(map[task.Phase]time.Duration, len(wc.Timeouts))
			for name, dur := range wc.Timeouts {
				timeouts[task.Phase(name)] = dur.Std()
			}
			def = def.Override(wc.MaxRetries, timeouts)
		}
		defs = append(defs, def)
	}

	for kind := range cfg.Workflows {
		if !kinds[kind] {
			logger.Warn("workflow tuning ignores unknown kind", "kind", kind)
		}
	}

	return workflow.NewRegistry(defs...)
}

// checkCoverage verifies every agent the definitions name is registered.
func checkCoverage(defs *workflow.Registry, reg *agent.Registry) error {
	for _, kind := range defs.Kinds() {
		def, _ := defs.Lookup(kind)
		if err := reg.Covers(def.Agents()...); err != nil {
			return err
		}
	}
	return nil
}
