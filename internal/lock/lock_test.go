package lock

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	faberrors "github.com/randalmurphal/fab/internal/errors"
)

func storePath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "fab.db")
}

func TestGuard_Path(t *testing.T) {
	g := ForStore("/var/lib/fab/fab.db")
	assert.Equal(t, "/var/lib/fab/fab.db.pid", g.Path())
}

func TestGuard_Acquire_NoFile(t *testing.T) {
	g := ForStore(storePath(t))

	require.NoError(t, g.Acquire())
	defer g.Release()

	data, err := os.ReadFile(g.Path())
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))
}

func TestGuard_Acquire_StalePID(t *testing.T) {
	g := ForStore(storePath(t))

	// A very high pid that should not correspond to a live process.
	require.NoError(t, os.WriteFile(g.Path(), []byte("999999"), 0o644))

	require.NoError(t, g.Acquire())
	defer g.Release()

	data, err := os.ReadFile(g.Path())
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data), "stale guard should be replaced")
}

func TestGuard_Acquire_MalformedFile(t *testing.T) {
	g := ForStore(storePath(t))

	require.NoError(t, os.WriteFile(g.Path(), []byte("not-a-number"), 0o644))

	require.NoError(t, g.Acquire())
	defer g.Release()
}

func TestGuard_Acquire_LiveProcess(t *testing.T) {
	g := ForStore(storePath(t))

	// The current process stands in for a live daemon.
	require.NoError(t, os.WriteFile(g.Path(), []byte(strconv.Itoa(os.Getpid())), 0o644))

	err := g.Acquire()
	require.Error(t, err)
	assert.True(t, faberrors.IsCode(err, faberrors.CodeDaemonRunning), "error = %v", err)
}

func TestGuard_Acquire_SecondGuardConflicts(t *testing.T) {
	path := storePath(t)

	first := ForStore(path)
	require.NoError(t, first.Acquire())
	defer first.Release()

	second := ForStore(path)
	err := second.Acquire()
	assert.True(t, faberrors.IsCode(err, faberrors.CodeDaemonRunning), "error = %v", err)
}

func TestGuard_DistinctStoresIndependent(t *testing.T) {
	a := ForStore(storePath(t))
	b := ForStore(storePath(t))

	require.NoError(t, a.Acquire())
	defer a.Release()
	require.NoError(t, b.Acquire())
	defer b.Release()
}

func TestGuard_Release_Idempotent(t *testing.T) {
	g := ForStore(storePath(t))

	require.NoError(t, g.Acquire())
	g.Release()
	g.Release()

	_, err := os.Stat(g.Path())
	assert.True(t, os.IsNotExist(err), "guard file should be gone")
}

func TestGuard_AcquireAfterRelease(t *testing.T) {
	g := ForStore(storePath(t))

	require.NoError(t, g.Acquire())
	g.Release()
	require.NoError(t, g.Acquire())
	g.Release()
}
