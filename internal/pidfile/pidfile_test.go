package pidfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T, alive map[int32]bool) *Tracker {
	tr := New(filepath.Join(t.TempDir(), "nodes.json"))
	tr.alive = func(pid int32) bool { return alive[pid] }
	return tr
}

func TestRegisterListUnregister(t *testing.T) {
	alive := map[int32]bool{100: true, 200: true}
	tr := newTestTracker(t, alive)

	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, tr.Register(Entry{PID: 100, PeerID: "12D3KooWA", Nickname: "alice", StartedAt: started}))
	require.NoError(t, tr.Register(Entry{PID: 200, PeerID: "12D3KooWB", StartedAt: started}))

	// Re-registering replaces the entry
	require.NoError(t, tr.Register(Entry{PID: 100, PeerID: "12D3KooWA", Nickname: "alicia", StartedAt: started}))

	entries, err := tr.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int32(200), entries[0].PID)
	assert.Equal(t, "alicia", entries[1].Nickname)
	assert.True(t, started.Equal(entries[1].StartedAt))

	require.NoError(t, tr.Unregister(200))
	entries, err = tr.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int32(100), entries[0].PID)
}

func TestListDropsDeadProcesses(t *testing.T) {
	alive := map[int32]bool{100: true, 200: true}
	tr := newTestTracker(t, alive)
	require.NoError(t, tr.Register(Entry{PID: 100}))
	require.NoError(t, tr.Register(Entry{PID: 200}))

	delete(alive, 100)
	entries, err := tr.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int32(200), entries[0].PID)

	// The file itself was corrected
	data, err := os.ReadFile(tr.path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"pid": 100`)
}

func TestKillRejectsUntrackedProcess(t *testing.T) {
	tr := newTestTracker(t, map[int32]bool{})
	err := tr.Kill(12345)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a running swapbytes process")
}

func TestRegisterDefaultsToCurrentPID(t *testing.T) {
	pid := int32(os.Getpid())
	tr := newTestTracker(t, map[int32]bool{pid: true})
	require.NoError(t, tr.Register(Entry{}))

	entries, err := tr.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, pid, entries[0].PID)
}
