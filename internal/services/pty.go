package services

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bananajs/banana/internal/logger"
	"github.com/creack/pty"
)

// ErrProcessDead is returned when writing to or resizing an exited process.
var ErrProcessDead = errors.New("process is not running")

const outputChunkSize = 4096

// SpawnOptions describes the interactive shell to start for a channel.
type SpawnOptions struct {
	Command string
	Args    []string
	Dir     string
	Cols    uint16
	Rows    uint16
	Env     []string
}

// Process is a running interactive program attached to one channel.
type Process interface {
	Write(p []byte) error
	Resize(cols, rows uint16) error
	Kill() error
	// Output yields chunks as they are read and is closed after the last one.
	Output() <-chan []byte
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	Alive() bool
	Pid() int
}

// Spawner starts processes. The gateway depends on this rather than on PTYs
// directly.
type Spawner interface {
	Spawn(opts SpawnOptions) (Process, error)
}

// PTYSpawner starts shells on a pseudo-terminal.
type PTYSpawner struct {
	Shell string
	Env   []string
}

// NewPTYSpawner creates a spawner for the given default shell
func NewPTYSpawner(shell string) *PTYSpawner {
	return &PTYSpawner{Shell: shell}
}

// Spawn starts opts.Command (or the default shell) in a PTY of the requested size.
func (s *PTYSpawner) Spawn(opts SpawnOptions) (Process, error) {
	command := opts.Command
	if command == "" {
		command = s.Shell
	}
	if command == "" {
		command = "/bin/sh"
	}
	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	cmd := exec.Command(command, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env,
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
	)
	cmd.Env = append(cmd.Env, opts.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("failed to start %s in pty: %w", command, err)
	}

	session := &ProcessSession{
		cmd:       cmd,
		ptmx:      ptmx,
		dir:       opts.Dir,
		cols:      cols,
		rows:      rows,
		createdAt: time.Now(),
		output:    make(chan []byte, 64),
		exited:    make(chan struct{}),
		killed:    make(chan struct{}),
	}
	session.alive.Store(true)

	go session.readLoop()
	go session.waitLoop()

	logger.Debugf("🐚 Started %s (pid %d) in %s at %dx%d", command, cmd.Process.Pid, opts.Dir, cols, rows)
	return session, nil
}

// ProcessSession is a shell running on a PTY, owned by exactly one channel.
type ProcessSession struct {
	cmd       *exec.Cmd
	ptmx      *os.File
	dir       string
	createdAt time.Time

	sizeMu sync.Mutex
	cols   uint16
	rows   uint16

	writeMu sync.Mutex

	alive    atomic.Bool
	output   chan []byte
	exited   chan struct{}
	killed   chan struct{}
	killOnce sync.Once
	exitErr  error
}

func (s *ProcessSession) readLoop() {
	defer close(s.output)

	buf := make([]byte, outputChunkSize)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.output <- chunk:
			case <-s.killed:
				return
			}
		}
		if err != nil {
			// EOF or EIO once the shell side of the pty is gone.
			return
		}
	}
}

func (s *ProcessSession) waitLoop() {
	err := s.cmd.Wait()
	s.exitErr = err
	s.alive.Store(false)
	close(s.exited)
	if err != nil {
		logger.Debugf("🛑 Process %d exited: %v", s.cmd.Process.Pid, err)
	} else {
		logger.Debugf("🛑 Process %d exited cleanly", s.cmd.Process.Pid)
	}
}

// Write sends raw bytes to the terminal.
func (s *ProcessSession) Write(p []byte) error {
	if !s.alive.Load() {
		return ErrProcessDead
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.ptmx.Write(p); err != nil {
		return fmt.Errorf("pty write: %w", err)
	}
	return nil
}

// Resize changes the terminal window size.
func (s *ProcessSession) Resize(cols, rows uint16) error {
	if !s.alive.Load() {
		return ErrProcessDead
	}
	if cols == 0 || rows == 0 {
		return fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}
	s.sizeMu.Lock()
	defer s.sizeMu.Unlock()
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("pty resize: %w", err)
	}
	s.cols, s.rows = cols, rows
	return nil
}

// Kill terminates the process group and releases the pty. Safe to call repeatedly.
func (s *ProcessSession) Kill() error {
	var err error
	s.killOnce.Do(func() {
		close(s.killed)
		if s.alive.Load() && s.cmd.Process != nil {
			if kerr := killProcessGroup(s.cmd.Process); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
				err = kerr
			}
		}
		if cerr := s.ptmx.Close(); cerr != nil && err == nil && !errors.Is(cerr, os.ErrClosed) {
			err = cerr
		}
		s.alive.Store(false)
	})
	return err
}

func (s *ProcessSession) Output() <-chan []byte { return s.output }

func (s *ProcessSession) Done() <-chan struct{} { return s.exited }

func (s *ProcessSession) Alive() bool { return s.alive.Load() }

func (s *ProcessSession) Pid() int {
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Size returns the current terminal dimensions.
func (s *ProcessSession) Size() (cols, rows uint16) {
	s.sizeMu.Lock()
	defer s.sizeMu.Unlock()
	return s.cols, s.rows
}

// Dir is the working directory the shell started in.
func (s *ProcessSession) Dir() string { return s.dir }

// ExitErr is the error from Wait once Done is closed.
func (s *ProcessSession) ExitErr() error {
	select {
	case <-s.exited:
		return s.exitErr
	default:
		return nil
	}
}
