// Package pidfile tracks running swapbytes nodes in a shared JSON file so
// the ps, kill and killall subcommands can find them.
package pidfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

const processName = "swapbytes"

// DefaultPath is the tracking file shared by every node of this user.
var DefaultPath = filepath.Join(os.TempDir(), ".swapbytes-nodes")

// Entry describes one running node.
type Entry struct {
	PID       int32     `json:"pid"`
	PeerID    string    `json:"peerId,omitempty"`
	Addrs     []string  `json:"addrs,omitempty"`
	Nickname  string    `json:"nickname,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

type trackingFile struct {
	Nodes []Entry `json:"nodes"`
}

// Tracker reads and writes one tracking file.
type Tracker struct {
	path string
	// alive reports whether pid is still a swapbytes process.
	alive func(pid int32) bool
	mu    sync.Mutex
}

// New returns a tracker for the file at path.
func New(path string) *Tracker {
	return &Tracker{path: path, alive: isSwapbytesProcess}
}

var defaultTracker = New(DefaultPath)

// withLockedFile opens, locks and reads the file, drops dead entries, and
// hands the live ones to fn.
func (t *Tracker) withLockedFile(flags int, fn func(*os.File, []Entry) error) error {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.OpenFile(t.path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open tracking file: %w", err)
	}
	defer file.Close()

	if err := lockFile(file); err != nil {
		return err
	}
	defer unlockFile(file)

	var entries []Entry
	stat, err := file.Stat()
	if err != nil {
		return err
	}
	if stat.Size() > 0 {
		var tf trackingFile
		if err := json.NewDecoder(file).Decode(&tf); err == nil {
			entries = tf.Nodes
		}
	}

	// Drop entries whose process is gone (auto-corrects the file)
	live := entries[:0:0]
	for _, e := range entries {
		if t.alive(e.PID) {
			live = append(live, e)
		}
	}
	if len(live) != len(entries) {
		if err := write(file, live); err != nil {
			return err
		}
	}

	return fn(file, live)
}

func isSwapbytesProcess(pid int32) bool {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return false
	}
	running, err := proc.IsRunning()
	if err != nil || !running {
		return false
	}
	name, err := proc.Name()
	if err != nil {
		return false
	}
	return strings.Contains(name, processName)
}

func write(file *os.File, entries []Entry) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.Seek(0, 0); err != nil {
		return err
	}
	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(trackingFile{Nodes: entries})
}

func without(entries []Entry, pid int32) []Entry {
	out := []Entry{}
	for _, e := range entries {
		if e.PID != pid {
			out = append(out, e)
		}
	}
	return out
}

// Register records e, replacing any entry with the same PID.
func (t *Tracker) Register(e Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e.PID == 0 {
		e.PID = int32(os.Getpid())
	}
	return t.withLockedFile(os.O_RDWR|os.O_CREATE, func(file *os.File, entries []Entry) error {
		return write(file, append(without(entries, e.PID), e))
	})
}

// Unregister removes pid from the file.
func (t *Tracker) Unregister(pid int32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.withLockedFile(os.O_RDWR|os.O_CREATE, func(file *os.File, entries []Entry) error {
		return write(file, without(entries, pid))
	})
}

// List returns every live node.
func (t *Tracker) List() ([]Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []Entry
	err := t.withLockedFile(os.O_RDWR|os.O_CREATE, func(_ *os.File, entries []Entry) error {
		result = entries
		return nil
	})
	return result, err
}

// Kill terminates pid if it is a swapbytes process.
// Uses graceful shutdown: SIGTERM first, wait 5s, then SIGKILL if needed
func (t *Tracker) Kill(pid int32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.alive(pid) {
		return fmt.Errorf("PID %d is not a running swapbytes process", pid)
	}
	proc, err := process.NewProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to get process: %w", err)
	}
	if err := stop(proc); err != nil {
		return err
	}

	// Remove from tracking file (best-effort)
	_ = t.withLockedFile(os.O_RDWR, func(file *os.File, entries []Entry) error {
		return write(file, without(entries, pid))
	})
	return nil
}

// KillAll terminates every tracked node and returns how many there were.
func (t *Tracker) KillAll() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var targets []Entry
	err := t.withLockedFile(os.O_RDWR|os.O_CREATE, func(file *os.File, entries []Entry) error {
		targets = entries
		return write(file, []Entry{})
	})
	if err != nil {
		return 0, err
	}

	var wg sync.WaitGroup
	for _, e := range targets {
		proc, err := process.NewProcess(e.PID)
		if err != nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = stop(proc)
		}()
	}
	wg.Wait()
	return len(targets), nil
}

// stop sends SIGTERM, waits up to five seconds, then sends SIGKILL.
func stop(proc *process.Process) error {
	if err := proc.Terminate(); err != nil {
		if err := proc.Kill(); err != nil {
			return fmt.Errorf("failed to kill process: %w", err)
		}
		return nil
	}
	for i := 0; i < 50; i++ {
		running, err := proc.IsRunning()
		if err != nil || !running {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err := proc.Kill(); err != nil {
		return fmt.Errorf("failed to force kill process: %w", err)
	}
	return nil
}

// CommandLine returns the command line of pid, or "" if it is unavailable.
func CommandLine(pid int32) string {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return ""
	}
	cmdline, err := proc.Cmdline()
	if err != nil {
		return ""
	}
	return cmdline
}

// Register records e in the default tracking file.
func Register(e Entry) error { return defaultTracker.Register(e) }

// Unregister removes the current process from the default tracking file.
func Unregister() error { return defaultTracker.Unregister(int32(os.Getpid())) }

// List returns every live node in the default tracking file.
func List() ([]Entry, error) { return defaultTracker.List() }

// Kill terminates a tracked node.
func Kill(pid int32) error { return defaultTracker.Kill(pid) }

// KillAll terminates every tracked node.
func KillAll() (int, error) { return defaultTracker.KillAll() }
