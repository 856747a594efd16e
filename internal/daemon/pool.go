package daemon

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	faberrors "github.com/randalmurphal/fab/internal/errors"
	"github.com/randalmurphal/fab/internal/metrics"
	"github.com/randalmurphal/fab/internal/task"
)

// durationWindow is how many recent runs feed the rolling mean.
const durationWindow = 32

// cancelGrace bounds the wait for executors to notice a cancelled pool
// context during shutdown.
const cancelGrace = 5 * time.Second

// Runner executes one claimed task to completion. Satisfied by
// executor.Executor.
type Runner interface {
	Run(ctx context.Context, claimed *task.Task) task.Status
}

// Pool runs claimed tasks on a bounded set of executor slots. Submit is
// non-blocking: when every slot is busy the claim is rejected with
// POOL_BUSY and the caller releases it back to the queue.
type Pool struct {
	runner Runner
	max    int
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	accepting bool
	active    map[string]time.Time
	completed int64
	failed    int64
	durations []time.Duration
}

// NewPool creates a pool with max executor slots.
func NewPool(runner Runner, max int, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	metrics.PoolCapacity.Set(float64(max))
	return &Pool{
		runner:    runner,
		max:       max,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		accepting: true,
		active:    make(map[string]time.Time),
	}
}

// Submit hands a claimed task to a free slot. The run happens on its own
// goroutine under the pool's context, so daemon shutdown reaches every
// in-flight executor.
func (p *Pool) Submit(t *task.Task) error {
	p.mu.Lock()
	if !p.accepting || len(p.active) >= p.max {
		p.mu.Unlock()
		metrics.PoolRejections.Inc()
		return faberrors.ErrPoolBusy(p.max)
	}
	p.active[t.ID] = time.Now()
	metrics.PoolActive.Set(float64(len(p.active)))
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		start := time.Now()
		status := p.runner.Run(p.ctx, t)
		p.finish(t.ID, status, time.Since(start))
	}()
	return nil
}

func (p *Pool) finish(id string, status task.Status, took time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.active, id)
	metrics.PoolActive.Set(float64(len(p.active)))

	switch status {
	case task.StatusCompleted:
		p.completed++
	case task.StatusFailed:
		p.failed++
	default:
		// Left in place for the recovery sweep; not an outcome.
		return
	}
	p.durations = append(p.durations, took)
	if len(p.durations) > durationWindow {
		p.durations = p.durations[1:]
	}
}

// ActiveCount returns the number of tasks currently executing.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Snapshot reports the pool's live state for health and metrics.
type Snapshot struct {
	Max            int      `json:"max"`
	Active         int      `json:"active"`
	ActiveTasks    []string `json:"active_tasks,omitempty"`
	Completed      int64    `json:"completed"`
	Failed         int64    `json:"failed"`
	MeanRunSeconds float64  `json:"mean_run_seconds"`
}

// Snapshot returns a point-in-time view of the pool.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var mean float64
	if len(p.durations) > 0 {
		var sum time.Duration
		for _, d := range p.durations {
			sum += d
		}
		mean = (sum / time.Duration(len(p.durations))).Seconds()
	}

	return Snapshot{
		Max:            p.max,
		Active:         len(ids),
		ActiveTasks:    ids,
		Completed:      p.completed,
		Failed:         p.failed,
		MeanRunSeconds: mean,
	}
}

// Shutdown stops intake, waits up to timeout for in-flight tasks to
// finish, then cancels the pool context so remaining executors abandon
// their tasks at the next phase boundary for the recovery sweep.
func (p *Pool) Shutdown(timeout time.Duration) {
	p.mu.Lock()
	p.accepting = false
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return
	case <-time.After(timeout):
		p.logger.Warn("drain timed out, cancelling in-flight executors", "active", p.ActiveCount())
	}

	p.cancel()
	select {
	case <-done:
	case <-time.After(cancelGrace):
		p.logger.Error("executors still running after cancel", "active", p.ActiveCount())
	}
}
