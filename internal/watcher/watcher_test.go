package watcher

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startWatcher builds a watcher over a fresh config file and runs it
// until the test ends. Returns the file path and a fire counter.
func startWatcher(t *testing.T, debounce time.Duration) (string, *atomic.Int32) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen: \":8080\"\n"), 0o644))

	var fired atomic.Int32
	w, err := New(&Config{
		Path:     path,
		Debounce: debounce,
		OnChange: func() { fired.Add(1) },
		Logger:   discardLogger(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Start(ctx) }()

	return path, &fired
}

func waitForCount(t *testing.T, counter *atomic.Int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if counter.Load() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("fire count = %d, want %d", counter.Load(), want)
}

func TestWatcherFiresOnContentChange(t *testing.T) {
	path, fired := startWatcher(t, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen: \":9090\"\n"), 0o644))

	waitForCount(t, fired, 1)
}

func TestWatcherCoalescesBursts(t *testing.T) {
	path, fired := startWatcher(t, 80*time.Millisecond)

	// Rapid writes inside the quiet period collapse to one callback.
	for i := 0; i < 5; i++ {
		content := []byte("burst: " + string(rune('a'+i)) + "\n")
		require.NoError(t, os.WriteFile(path, content, 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	waitForCount(t, fired, 1)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load(), "late duplicate fire after burst")
}

func TestWatcherIgnoresTouchWithoutChange(t *testing.T) {
	path, fired := startWatcher(t, 20*time.Millisecond)

	// Same bytes rewritten: event arrives, hash matches, no callback.
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen: \":8080\"\n"), 0o644))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	path, fired := startWatcher(t, 20*time.Millisecond)

	sibling := filepath.Join(filepath.Dir(path), "notes.txt")
	require.NoError(t, os.WriteFile(sibling, []byte("unrelated"), 0o644))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestWatcherStopsOnContextCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a: 1\n"), 0o644))

	w, err := New(&Config{
		Path:     path,
		OnChange: func() {},
		Logger:   discardLogger(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Start(ctx) }()

	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}

	select {
	case <-w.Done():
	default:
		t.Error("Done channel still open after stop")
	}
}

func TestNewRejectsMissingDir(t *testing.T) {
	_, err := New(&Config{
		Path:     filepath.Join(t.TempDir(), "no-such-dir", "config.yaml"),
		OnChange: func() {},
		Logger:   discardLogger(),
	})
	require.Error(t, err)
}

func TestDebouncerCoalesces(t *testing.T) {
	var fired atomic.Int32
	d := NewDebouncer(30*time.Millisecond, func(string) { fired.Add(1) })
	defer d.Stop()

	for i := 0; i < 5; i++ {
		d.Trigger("config.yaml")
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, d.PendingCount())

	waitForCount(t, &fired, 1)
	assert.Equal(t, 0, d.PendingCount())
}

func TestDebouncerStopCancelsPending(t *testing.T) {
	var fired atomic.Int32
	d := NewDebouncer(20*time.Millisecond, func(string) { fired.Add(1) })

	d.Trigger("config.yaml")
	d.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())

	// Triggers after Stop are dropped.
	d.Trigger("config.yaml")
	assert.Equal(t, 0, d.PendingCount())
}
