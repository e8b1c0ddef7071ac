// Package supervisor owns the lifecycle of the user-supplied subprocess:
// spawning it, funneling its stdout/stderr into a bounded ring, applying
// signal discipline on command, and broadcasting reload events to anyone
// waiting for the subprocess to come back up.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jamsocket/simple-artifact-server/internal/command"
	"github.com/jamsocket/simple-artifact-server/internal/logger"
)

// Command is a message sent through the supervisor's command queue.
type Command int

const (
	CommandRestart Command = iota
	CommandInterrupt
	CommandStateChange
)

func (c Command) String() string {
	switch c {
	case CommandRestart:
		return "restart"
	case CommandInterrupt:
		return "interrupt"
	case CommandStateChange:
		return "state_change"
	default:
		return "unknown"
	}
}

// State names the run-loop's current phase, for logging and lifecycle
// events only — the only state callers can observe programmatically is
// Running().
type State string

const (
	StateSpawning State = "spawning"
	StateRunning  State = "running"
	StateWaiting  State = "waiting"
)

const (
	ringCapacity  = 50
	queueCapacity = 32
)

// ErrQueueClosed is returned by the enqueue operations once Shutdown has
// been called; it signals that the process is tearing down.
var ErrQueueClosed = errors.New("supervisor: command queue closed")

// errQueueClosed is the internal sentinel the run-loop uses to distinguish
// a clean shutdown from a genuine spawn/IO failure.
var errQueueClosed = errors.New("command queue closed")

// Supervisor owns one child process across its entire restart history. It
// is created once at startup and runs until Shutdown is called.
//
// Unlike the Rust original, there is no cyclic-ownership problem to solve
// here: the run-loop goroutine below simply closes over the *Supervisor
// pointer returned by New. Go's garbage collector has no trouble with a
// goroutine and its owner holding references to each other, so the
// "two-phase construction with a weak back-reference" the spec calls for
// collapses to an ordinary goroutine launch.
type Supervisor struct {
	spec command.Spec
	port uint16
	log  *logger.Logger
	pub  LifecycleEventPublisher

	running atomic.Bool
	ring    *lineRing
	reload  *reloadBus
	cmdCh   chan Command

	shutdownMu sync.RWMutex
	closed     bool
	loopDone   chan struct{}

	// pendingRespawn is set by handleCommand when a Restart kills the
	// child deliberately, so the run-loop skips WAITING and spawns the
	// next generation immediately instead of blocking on cmdCh for an
	// unrelated command. Only ever touched from the run-loop goroutine.
	pendingRespawn bool
}

// New creates a Supervisor for spec and immediately starts its run-loop,
// which spawns the first child. port is exported to the child as PORT.
func New(spec command.Spec, port uint16, log *logger.Logger, pub LifecycleEventPublisher) *Supervisor {
	if pub == nil {
		pub = NoopPublisher()
	}
	s := &Supervisor{
		spec:     spec,
		port:     port,
		log:      log.WithFields(zap.String("component", "supervisor")),
		pub:      pub,
		ring:     newLineRing(ringCapacity),
		reload:   newReloadBus(),
		cmdCh:    make(chan Command, queueCapacity),
		loopDone: make(chan struct{}),
	}
	go s.runLoop()
	return s
}

// Running reports whether a spawned child has not yet been reaped.
func (s *Supervisor) Running() bool {
	return s.running.Load()
}

// Stdout returns a snapshot of the combined stdout/stderr ring, oldest
// line first, joined by "\n".
func (s *Supervisor) Stdout() string {
	return s.ring.snapshot()
}

// Restart enqueues a Restart command (SIGKILL the child, respawn).
func (s *Supervisor) Restart(ctx context.Context) error {
	return s.enqueue(ctx, CommandRestart)
}

// Interrupt enqueues an Interrupt command (SIGHUP the child).
func (s *Supervisor) Interrupt(ctx context.Context) error {
	return s.enqueue(ctx, CommandInterrupt)
}

// StateChange enqueues a StateChange command — a no-op on a running
// child, a retry trigger on a dead one.
func (s *Supervisor) StateChange(ctx context.Context) error {
	return s.enqueue(ctx, CommandStateChange)
}

func (s *Supervisor) enqueue(ctx context.Context, c Command) error {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	if s.closed {
		return ErrQueueClosed
	}
	select {
	case s.cmdCh <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForReload blocks until the next reload broadcast, unless the
// subprocess is already running, in which case it returns immediately —
// "wait for reload if down", not "wait until next reload".
func (s *Supervisor) WaitForReload(ctx context.Context) error {
	sub := s.reload.subscribe()
	defer s.reload.unsubscribe(sub)

	if s.Running() {
		return nil
	}

	select {
	case <-sub:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown closes the command queue, causing the run-loop to kill any live
// child and exit, then waits for it to do so (or ctx to expire).
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.shutdownMu.Lock()
	if s.closed {
		s.shutdownMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.cmdCh)
	s.shutdownMu.Unlock()

	select {
	case <-s.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runLoop is the sole mutator of running and the sole spawner/reaper of
// children, per the supervisor's ownership rule. It cycles
// SPAWNING -> RUNNING -> (exit) -> WAITING -> SPAWNING until the command
// queue is closed.
func (s *Supervisor) runLoop() {
	defer close(s.loopDone)
	defer s.pub.Close()

	for {
		if err := s.spawnAndRun(); err != nil {
			if errors.Is(err, errQueueClosed) {
				s.log.Info("command queue closed, run-loop exiting")
				return
			}
			s.log.Error("run-loop aborting", zap.Error(err))
			s.running.Store(false)
			return
		}

		if s.pendingRespawn {
			s.pendingRespawn = false
			s.log.Info("respawning after commanded restart")
			continue
		}

		s.log.Info("subprocess exited, waiting for a signal before restarting")
		if _, ok := <-s.cmdCh; !ok {
			return
		}
	}
}

// spawnAndRun materializes and spawns one generation of the child,
// attaches its stdout/stderr readers, and runs the RUNNING-state select
// loop until the child exits or the queue is closed. Returns nil on a
// child exit (the outer loop then enters WAITING, or respawns at once
// after a commanded restart).
func (s *Supervisor) spawnAndRun() error {
	s.log.Debug("state transition", zap.String("state", string(StateSpawning)))

	cmd := command.Materialize(s.spec, s.port)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn: %w", err)
	}
	s.log.Info("subprocess spawned",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("command", s.spec.String()))

	lines := make(chan string, 64)
	var g errgroup.Group
	g.Go(func() error { return scanLines(stdout, lines) })
	g.Go(func() error { return scanLines(stderr, lines) })
	go func() {
		if err := g.Wait(); err != nil {
			s.log.Debug("stream reader error", zap.Error(err))
		}
		close(lines)
	}()

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	s.running.Store(true)
	s.log.Debug("state transition", zap.String("state", string(StateRunning)))
	s.reload.broadcast()
	s.pub.Publish(LifecycleEvent{State: string(StateRunning)})

	for {
		select {
		case qcmd, ok := <-s.cmdCh:
			if !ok {
				s.killChild(cmd)
				<-exited
				s.running.Store(false)
				return errQueueClosed
			}
			s.handleCommand(cmd, qcmd)

		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			s.ring.push(line)

		case err := <-exited:
			s.running.Store(false)
			s.appendExitMessage(err)
			s.pub.Publish(LifecycleEvent{State: "exited"})
			return nil
		}
	}
}

func (s *Supervisor) handleCommand(cmd *exec.Cmd, qcmd Command) {
	switch qcmd {
	case CommandRestart:
		s.log.Info("restarting subprocess")
		s.pendingRespawn = true
		if err := cmd.Process.Kill(); err != nil {
			s.log.Warn("kill failed", zap.Error(err))
		}
	case CommandInterrupt:
		s.log.Info("interrupting subprocess")
		if err := syscall.Kill(cmd.Process.Pid, syscall.SIGHUP); err != nil {
			s.log.Warn("sighup failed", zap.Error(err))
		}
	case CommandStateChange:
		// no-op while a child is running; only meaningful in WAITING.
	}
}

func (s *Supervisor) killChild(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := cmd.Process.Kill(); err != nil {
		s.log.Warn("kill on shutdown failed", zap.Error(err))
	}
}

func (s *Supervisor) appendExitMessage(err error) {
	s.ring.push("")

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		s.ring.push("Subprocess exited with code: 0")
		s.log.Info("subprocess exited", zap.Int("code", 0))
	case errors.As(err, &exitErr) && exitErr.ExitCode() >= 0:
		code := exitErr.ExitCode()
		s.ring.push(fmt.Sprintf("Subprocess exited with code: %d", code))
		s.log.Info("subprocess exited", zap.Int("code", code))
	default:
		s.ring.push("Subprocess exited with no exit code.")
		s.log.Info("subprocess exited with no exit code", zap.Error(err))
	}
}

func scanLines(r io.Reader, out chan<- string) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		out <- scanner.Text()
	}
	return scanner.Err()
}
