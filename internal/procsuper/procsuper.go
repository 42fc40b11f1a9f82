// Package procsuper supervises the single managed target subprocess a `run`
// session owns: a PTY-backed child process whose combined output is
// captured into a bounded ring buffer for the `proc-output` command and
// virtual table (spec §3.1 supplement).
package procsuper

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// Options configures a managed subprocess launch.
type Options struct {
	Command    []string
	Dir        string
	Env        []string
	MaxBytes   int // bounded output buffer size; 0 uses DefaultMaxBytes
	Rows, Cols uint16
}

// DefaultMaxBytes bounds the managed-process terminal scrollback kept for
// proc_output.
const DefaultMaxBytes = 128 * 1024

// ExitInfo describes why the managed process stopped.
type ExitInfo struct {
	ExitCode int
	Err      error
}

// Supervisor owns one managed child process: its PTY, its bounded output
// history, and the single on-exit notification session.go depends on to
// clear pid/disconnect the executor (spec §4.5 "Run").
type Supervisor struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu         sync.Mutex
	history    []byte
	historyMax int
	exited     bool

	done     chan struct{}
	onExit   func(ExitInfo)
	lastExit ExitInfo
	exitMu   sync.Mutex
}

// Start launches the managed command under a PTY and begins capturing its
// output (spec §4.5 "Run. ... spawn the target with an inspector argument
// injected").
func Start(ctx context.Context, opts Options) (*Supervisor, error) {
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("procsuper: empty command")
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	rows, cols := opts.Rows, opts.Cols
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}

	cmd := exec.CommandContext(ctx, opts.Command[0], opts.Command[1:]...)
	cmd.Dir = opts.Dir
	if opts.Env != nil {
		cmd.Env = opts.Env
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("procsuper: start pty: %w", err)
	}

	s := &Supervisor{
		cmd:        cmd,
		ptmx:       ptmx,
		historyMax: maxBytes,
		done:       make(chan struct{}),
	}
	go s.readLoop()
	go s.waitLoop()
	return s, nil
}

// OnExit registers the single exit callback. Must be called before the
// process exits to guarantee delivery; if the process has already exited,
// fn is invoked immediately (outside the lock, so it may itself call back
// into the supervisor).
func (s *Supervisor) OnExit(fn func(ExitInfo)) {
	s.exitMu.Lock()
	select {
	case <-s.done:
		info := s.lastExit
		s.exitMu.Unlock()
		fn(info)
		return
	default:
		s.onExit = fn
		s.exitMu.Unlock()
	}
}

func (s *Supervisor) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			s.mu.Lock()
			s.history = append(s.history, chunk...)
			if len(s.history) > s.historyMax {
				s.history = append([]byte(nil), s.history[len(s.history)-s.historyMax:]...)
			}
			s.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (s *Supervisor) waitLoop() {
	err := s.cmd.Wait()
	exitCode := 0
	if s.cmd.ProcessState != nil {
		exitCode = s.cmd.ProcessState.ExitCode()
	}
	info := ExitInfo{ExitCode: exitCode, Err: err}

	s.exitMu.Lock()
	s.lastExit = info
	cb := s.onExit
	s.exitMu.Unlock()

	s.mu.Lock()
	s.exited = true
	if s.ptmx != nil {
		_ = s.ptmx.Close()
	}
	s.mu.Unlock()

	close(s.done)
	if cb != nil {
		cb(info)
	}
}

// Output returns a snapshot of the bounded captured output.
func (s *Supervisor) Output() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.history...)
}

// PID returns the managed process's pid, or 0 if it never started.
func (s *Supervisor) PID() int {
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Alive reports whether the process has not yet exited.
func (s *Supervisor) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.exited
}

// Kill terminates the managed process (spec §4.5 "Close. ... signal the
// child if managed").
func (s *Supervisor) Kill() error {
	if s.cmd.Process == nil {
		return nil
	}
	return s.cmd.Process.Kill()
}

// Write sends input to the managed process's PTY (used by interactive
// session commands, if any, that forward stdin).
func (s *Supervisor) Write(p []byte) (int, error) {
	s.mu.Lock()
	ptmx := s.ptmx
	exited := s.exited
	s.mu.Unlock()
	if exited || ptmx == nil {
		return 0, io.ErrClosedPipe
	}
	return ptmx.Write(p)
}
