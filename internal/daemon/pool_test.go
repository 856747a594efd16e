package daemon

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	faberrors "github.com/randalmurphal/fab/internal/errors"
	"github.com/randalmurphal/fab/internal/task"
)

// stubRunner runs tasks with scripted outcomes. A non-nil gate makes every
// run block until the gate closes or the pool context ends.
type stubRunner struct {
	gate     chan struct{}
	outcomes map[string]task.Status

	mu   sync.Mutex
	runs []string
}

func (r *stubRunner) Run(ctx context.Context, claimed *task.Task) task.Status {
	r.mu.Lock()
	r.runs = append(r.runs, claimed.ID)
	r.mu.Unlock()

	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return task.StatusRunning
		}
	}
	if st, ok := r.outcomes[claimed.ID]; ok {
		return st
	}
	return task.StatusCompleted
}

func (r *stubRunner) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.runs...)
}

func poolTask(id string) *task.Task {
	return task.New(id, "five_phase_tdd", 5, nil, task.PhaseE2ETestGen)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPoolRejectsWhenFull(t *testing.T) {
	runner := &stubRunner{gate: make(chan struct{})}
	p := NewPool(runner, 2, discardLogger())
	defer p.Shutdown(time.Second)

	if err := p.Submit(poolTask("a")); err != nil {
		t.Fatalf("submit a: %v", err)
	}
	if err := p.Submit(poolTask("b")); err != nil {
		t.Fatalf("submit b: %v", err)
	}
	waitFor(t, "a and b to start", func() bool { return len(runner.ran()) == 2 })

	err := p.Submit(poolTask("c"))
	if !faberrors.IsCode(err, faberrors.CodePoolBusy) {
		t.Fatalf("submit c = %v, want POOL_BUSY", err)
	}
	if got := len(runner.ran()); got != 2 {
		t.Errorf("runs = %d, want the rejected task never to start", got)
	}

	// A freed slot accepts again; the closed gate no longer blocks.
	close(runner.gate)
	waitFor(t, "slots to drain", func() bool { return p.ActiveCount() == 0 })
	if err := p.Submit(poolTask("d")); err != nil {
		t.Errorf("submit after drain: %v", err)
	}
}

func TestPoolCountsOutcomes(t *testing.T) {
	runner := &stubRunner{outcomes: map[string]task.Status{
		"ok1":  task.StatusCompleted,
		"ok2":  task.StatusCompleted,
		"bad":  task.StatusFailed,
		"left": task.StatusRunning,
	}}
	p := NewPool(runner, 4, discardLogger())
	defer p.Shutdown(time.Second)

	for _, id := range []string{"ok1", "ok2", "bad", "left"} {
		if err := p.Submit(poolTask(id)); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}
	waitFor(t, "all runs to finish", func() bool { return p.ActiveCount() == 0 })

	snap := p.Snapshot()
	if snap.Completed != 2 || snap.Failed != 1 {
		t.Errorf("completed/failed = %d/%d, want 2/1", snap.Completed, snap.Failed)
	}
	if snap.Active != 0 || len(snap.ActiveTasks) != 0 {
		t.Errorf("active = %+v, want empty", snap)
	}
	if snap.Max != 4 {
		t.Errorf("max = %d", snap.Max)
	}
}

func TestPoolSnapshotListsActiveTasks(t *testing.T) {
	runner := &stubRunner{gate: make(chan struct{})}
	p := NewPool(runner, 2, discardLogger())
	defer func() {
		close(runner.gate)
		p.Shutdown(time.Second)
	}()

	if err := p.Submit(poolTask("zeta")); err != nil {
		t.Fatal(err)
	}
	if err := p.Submit(poolTask("alpha")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "both runs to start", func() bool { return len(runner.ran()) == 2 })

	snap := p.Snapshot()
	if snap.Active != 2 {
		t.Fatalf("active = %d", snap.Active)
	}
	if snap.ActiveTasks[0] != "alpha" || snap.ActiveTasks[1] != "zeta" {
		t.Errorf("active tasks = %v, want sorted", snap.ActiveTasks)
	}
}

func TestPoolShutdownDrains(t *testing.T) {
	runner := &stubRunner{gate: make(chan struct{})}
	p := NewPool(runner, 1, discardLogger())

	if err := p.Submit(poolTask("slow")); err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(runner.gate)
	}()

	p.Shutdown(5 * time.Second)
	if snap := p.Snapshot(); snap.Completed != 1 {
		t.Errorf("completed = %d, want the in-flight task drained", snap.Completed)
	}
	if err := p.Submit(poolTask("late")); !faberrors.IsCode(err, faberrors.CodePoolBusy) {
		t.Errorf("submit after shutdown = %v, want POOL_BUSY", err)
	}
}

func TestPoolShutdownCancelsStuckRuns(t *testing.T) {
	// The gate never closes, so the run only ends via the pool context.
	runner := &stubRunner{gate: make(chan struct{})}
	p := NewPool(runner, 1, discardLogger())

	if err := p.Submit(poolTask("stuck")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "run to start", func() bool { return len(runner.ran()) == 1 })

	start := time.Now()
	p.Shutdown(50 * time.Millisecond)
	if took := time.Since(start); took > 2*time.Second {
		t.Errorf("shutdown took %v, want prompt cancel after the drain window", took)
	}

	snap := p.Snapshot()
	if snap.Completed != 0 || snap.Failed != 0 {
		t.Errorf("snapshot = %+v, abandoned run must not count as an outcome", snap)
	}
}
