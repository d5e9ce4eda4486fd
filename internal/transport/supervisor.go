// Package transport spawns and supervises the external jacktrip server
// processes that terminate UDP audio for each room. Every spawned child
// is paired with a goroutine that waits on the process handle, so exits
// are always reaped and unexpected deaths are reported to the registry.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"
)

const (
	// startupProbe is how long a child must survive after Start before
	// the spawn is considered successful.
	startupProbe = 250 * time.Millisecond

	// stopGrace is how long Stop waits after SIGTERM before escalating
	// to SIGKILL.
	stopGrace = 5 * time.Second
)

// ErrSpawnFailed is returned when the transport binary cannot be started
// or dies during the startup probe.
var ErrSpawnFailed = errors.New("transport spawn failed")

// Handle tracks one running transport process.
type Handle struct {
	RoomID string
	Port   int

	cmd  *exec.Cmd
	done chan struct{} // closed after Wait returns

	mu      sync.Mutex
	stopped bool // Stop was requested; suppresses the exit callback
}

// Supervisor spawns jacktrip server processes and watches their
// lifetimes. ExitHandler (if set before the first Spawn) is invoked from
// a watcher goroutine whenever a child dies without Stop being called.
type Supervisor struct {
	bin      string
	onExit   func(roomID string)
	handleMu sync.Mutex
	handles  map[string]*Handle
}

// New creates a supervisor for the given jacktrip binary path.
func New(bin string) *Supervisor {
	return &Supervisor{
		bin:     bin,
		handles: make(map[string]*Handle),
	}
}

// SetExitHandler installs the callback for unexpected child exits.
// Must be called before the first Spawn.
func (s *Supervisor) SetExitHandler(fn func(roomID string)) {
	s.onExit = fn
}

// Spawn starts a jacktrip server for a room on the given UDP port.
//
// The child runs in hub server mode (-S) bound to the allocated port,
// with the room id as its JACK client name so the audio kernel exposes
// unambiguous port names, and with --nojackportsconnect so a newly
// connecting client appears with no incident graph edges. Routing is
// always an explicit patchbay action.
//
// If ctx is cancelled during the startup probe the child is killed and
// reaped before Spawn returns, so no process outlives a cancelled
// request.
func (s *Supervisor) Spawn(ctx context.Context, roomID string, port, channels int) (*Handle, error) {
	args := []string{
		"-S",
		"-B", strconv.Itoa(port),
		"-n", strconv.Itoa(channels),
		"-J", roomID,
		"--nojackportsconnect",
		"-q", "4",
	}
	cmd := exec.Command(s.bin, args...)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	h := &Handle{
		RoomID: roomID,
		Port:   port,
		cmd:    cmd,
		done:   make(chan struct{}),
	}

	go s.watch(h)

	// The child must survive a short probe; jacktrip exits immediately on
	// a bad flag or an unbindable port.
	select {
	case <-h.done:
		return nil, fmt.Errorf("%w: process exited during startup", ErrSpawnFailed)
	case <-ctx.Done():
		s.Stop(h)
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, ctx.Err())
	case <-time.After(startupProbe):
	}

	s.handleMu.Lock()
	s.handles[roomID] = h
	s.handleMu.Unlock()

	slog.Info("transport started", "room_id", roomID, "port", port, "pid", cmd.Process.Pid)
	return h, nil
}

// watch reaps the child and reports unexpected exits.
func (s *Supervisor) watch(h *Handle) {
	err := h.cmd.Wait()
	close(h.done)

	s.handleMu.Lock()
	delete(s.handles, h.RoomID)
	s.handleMu.Unlock()

	h.mu.Lock()
	stopped := h.stopped
	h.mu.Unlock()

	if stopped {
		slog.Debug("transport stopped", "room_id", h.RoomID, "port", h.Port)
		return
	}
	slog.Warn("transport died unexpectedly", "room_id", h.RoomID, "port", h.Port, "err", err)
	if s.onExit != nil {
		s.onExit(h.RoomID)
	}
}

// Stop terminates a child gracefully, escalating to SIGKILL after the
// grace window. It blocks until the process has been reaped. Stopping an
// already-dead handle is a no-op.
func (s *Supervisor) Stop(h *Handle) {
	if h == nil {
		return
	}

	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()

	select {
	case <-h.done:
		return
	default:
	}

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		slog.Debug("sigterm transport", "room_id", h.RoomID, "err", err)
	}

	select {
	case <-h.done:
		return
	case <-time.After(stopGrace):
	}

	slog.Warn("transport ignored SIGTERM, killing", "room_id", h.RoomID, "port", h.Port)
	_ = h.cmd.Process.Kill()
	<-h.done
}

// Alive reports whether the handle's process is still running.
func (s *Supervisor) Alive(h *Handle) bool {
	if h == nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Count returns the number of live supervised processes.
func (s *Supervisor) Count() int {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()
	return len(s.handles)
}
