// Package pty spawns processes attached to pseudo-terminals and manages
// their lifecycle: writes, resizes, kills, and exit notification.
package pty

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
)

const (
	// defaultShutdownDeadline bounds the SIGTERM-to-SIGKILL escalation.
	defaultShutdownDeadline = 3 * time.Second

	// writeQueueDepth bounds pending writes per handle. Writes are
	// fire-and-forget; a stuck process must not block callers.
	writeQueueDepth = 256

	readBufferSize = 4096
)

// SpawnError indicates the process could not be started.
type SpawnError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying cause.
func (e *SpawnError) Unwrap() error {
	return e.Err
}

// SpawnOptions configures one pty-backed process.
type SpawnOptions struct {
	// Command is the program to run; Args are its arguments.
	Command string
	Args    []string

	// Cwd is the working directory.
	Cwd string

	// Cols and Rows set the initial terminal size.
	Cols int
	Rows int

	// Env is merged on top of the inherited environment; overrides win.
	Env map[string]string

	// OnData receives raw output chunks in arrival order. The slice is
	// only valid for the duration of the call.
	OnData func([]byte)

	// OnExit fires exactly once when the process exits, with the wait
	// error if any. Kill does not suppress it.
	OnExit func(error)
}

// Spawner creates pty-backed processes. The zero value is not usable;
// call NewSpawner.
type Spawner struct {
	log *slog.Logger

	// Injectable for tests.
	startWithSize    func(*exec.Cmd, *pty.Winsize) (*os.File, error)
	setSize          func(*os.File, *pty.Winsize) error
	shutdownDeadline time.Duration
}

// NewSpawner creates a Spawner.
func NewSpawner(logger *slog.Logger) *Spawner {
	if logger == nil {
		logger = slog.Default()
	}

	return &Spawner{
		log:              logger,
		startWithSize:    pty.StartWithSize,
		setSize:          pty.Setsize,
		shutdownDeadline: defaultShutdownDeadline,
	}
}

// Spawn starts the process attached to a new pseudo-terminal.
func (s *Spawner) Spawn(opts SpawnOptions) (*Handle, error) {
	if opts.Command == "" {
		return nil, &SpawnError{Path: "", Err: fmt.Errorf("command is required")}
	}

	cmd := exec.Command(opts.Command, opts.Args...) //nolint:gosec // command comes from the embedded provider spec or config
	cmd.Dir = opts.Cwd
	cmd.Env = MergeEnv(os.Environ(), opts.Env)

	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	s.log.Debug(
		"starting pty process",
		slog.String("component", "pty"),
		slog.String("event.type", "pty.spawn"),
		slog.String("pty.command", opts.Command),
		slog.String("pty.cwd", opts.Cwd),
	)

	ptmx, err := s.startWithSize(cmd, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
	if err != nil {
		return nil, &SpawnError{Path: cmd.Path, Err: err}
	}

	h := &Handle{
		ptmx:             ptmx,
		cmd:              cmd,
		pgid:             lookupPgid(cmd),
		writeCh:          make(chan []byte, writeQueueDepth),
		done:             make(chan struct{}),
		log:              s.log,
		setSize:          s.setSize,
		shutdownDeadline: s.shutdownDeadline,
	}

	go h.readLoop(opts.OnData)
	go h.writeLoop()
	go h.waitLoop(opts.OnExit)

	return h, nil
}

// Handle is an exclusively owned pty-backed process.
type Handle struct {
	mu     sync.Mutex
	ptmx   *os.File
	cmd    *exec.Cmd
	pgid   int
	exited bool

	writeCh chan []byte
	done    chan struct{}

	exitOnce sync.Once
	killOnce sync.Once

	log              *slog.Logger
	setSize          func(*os.File, *pty.Winsize) error
	shutdownDeadline time.Duration
}

// Pid returns the process id, or 0 when unknown.
func (h *Handle) Pid() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}

	return h.cmd.Process.Pid
}

// Alive reports whether the process has not yet exited.
func (h *Handle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return !h.exited
}

// Write queues data for the process. It never blocks; if the queue is
// full the chunk is dropped and logged.
func (h *Handle) Write(p []byte) {
	if len(p) == 0 {
		return
	}

	buf := make([]byte, len(p))
	copy(buf, p)

	select {
	case h.writeCh <- buf:
	default:
		h.log.Warn(
			"pty write queue full, dropping chunk",
			slog.String("component", "pty"),
			slog.String("event.type", "pty.write.drop"),
			slog.Int("pty.chunk_bytes", len(p)),
		)
	}
}

// Resize changes the terminal size. Resizing a process that has already
// exited is expected during teardown races and is logged, not returned.
func (h *Handle) Resize(cols, rows int) {
	h.mu.Lock()
	exited := h.exited
	ptmx := h.ptmx
	h.mu.Unlock()

	if exited || ptmx == nil {
		h.log.Debug(
			"resize after exit ignored",
			slog.String("component", "pty"),
			slog.String("event.type", "pty.resize.late"),
		)

		return
	}

	err := h.setSize(ptmx, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
	if err != nil {
		h.log.Debug(
			"pty resize failed",
			slog.String("component", "pty"),
			slog.String("event.type", "pty.resize.error"),
			slog.String("error", err.Error()),
		)
	}
}

// Kill terminates the process. It is idempotent: killing an exited
// process is a success. The exit callback still fires exactly once.
func (h *Handle) Kill() {
	h.killOnce.Do(h.kill)
}

func (h *Handle) kill() {
	h.mu.Lock()
	exited := h.exited
	pid := 0
	if h.cmd != nil && h.cmd.Process != nil {
		pid = h.cmd.Process.Pid
	}
	pgid := h.pgid
	h.mu.Unlock()

	if exited || pid <= 0 {
		return
	}

	h.log.Debug(
		"stopping pty process",
		slog.String("component", "pty"),
		slog.String("event.type", "pty.kill"),
		slog.Int("pty.pid", pid),
	)

	signalProcess(pid, pgid, false)

	deadline := h.shutdownDeadline
	if deadline <= 0 {
		deadline = defaultShutdownDeadline
	}

	select {
	case <-h.done:
		return
	case <-time.After(deadline):
	}

	signalProcess(pid, pgid, true)

	select {
	case <-h.done:
	case <-time.After(deadline):
	}
}

func (h *Handle) readLoop(onData func([]byte)) {
	buf := make([]byte, readBufferSize)

	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 && onData != nil {
			onData(buf[:n])
		}

		if err != nil {
			// EOF or closed pty; waitLoop handles exit notification.
			return
		}
	}
}

func (h *Handle) writeLoop() {
	for {
		select {
		case <-h.done:
			return
		case p := <-h.writeCh:
			h.mu.Lock()
			ptmx := h.ptmx
			exited := h.exited
			h.mu.Unlock()

			if exited || ptmx == nil {
				continue
			}

			if _, err := ptmx.Write(p); err != nil {
				h.log.Debug(
					"pty write failed",
					slog.String("component", "pty"),
					slog.String("event.type", "pty.write.error"),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (h *Handle) waitLoop(onExit func(error)) {
	err := h.cmd.Wait()

	h.mu.Lock()
	h.exited = true
	ptmx := h.ptmx
	h.mu.Unlock()

	close(h.done)

	if ptmx != nil {
		_ = ptmx.Close()
	}

	h.exitOnce.Do(func() {
		if onExit != nil {
			onExit(err)
		}
	})
}

// MergeEnv merges overrides on top of a base KEY=VALUE environment.
// Overrides win; the result is sorted for determinism.
func MergeEnv(base []string, overrides map[string]string) []string {
	merged := make(map[string]string, len(base)+len(overrides))

	for _, pair := range base {
		if idx := strings.IndexByte(pair, '='); idx > 0 {
			merged[pair[:idx]] = pair[idx+1:]
		}
	}

	for k, v := range overrides {
		merged[k] = v
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}

	sort.Strings(out)

	return out
}
