// Package supervisor owns the tool-server child processes: it spawns them,
// captures their stdio line-by-line, tracks a per-server state machine, and
// restarts crashed servers within a configured budget.
//
// Thread-safe: all access to server state is protected by a mutex, and
// process state is mutated only by supervisor goroutines (single writer).
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"refinery/pkg/events"
)

// State is the lifecycle state of one supervised server.
type State string

// Server lifecycle states.
const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateCrashed  State = "crashed"
)

// Descriptor is the static launch configuration for one tool server.
// Immutable after load; the supervisor keeps its own copy.
type Descriptor struct {
	Name        string
	Command     string
	Args        []string
	Env         map[string]string
	Critical    bool
	AutoRestart bool
	MaxRestarts int
}

// ProcessState is the mutable runtime record for one server.
type ProcessState struct {
	Name      string
	State     State
	PID       int
	StartedAt time.Time
	Restarts  int
	LastErr   string
}

// Timings groups the supervisor's delay knobs. Tests shrink these; production
// uses the defaults.
type Timings struct {
	// ReadinessGrace promotes starting -> running if the process has not
	// exited and has stayed silent this long.
	ReadinessGrace time.Duration
	// StopGrace is how long Stop waits after the graceful signal before
	// force-killing.
	StopGrace time.Duration
	// RestartDelay is the fixed pause before an auto-restart.
	RestartDelay time.Duration
	// HealthyAfter is the sustained running period that resets the
	// consecutive-restart counter.
	HealthyAfter time.Duration
}

// DefaultTimings returns the production delays.
func DefaultTimings() Timings {
	return Timings{
		ReadinessGrace: 2 * time.Second,
		StopGrace:      5 * time.Second,
		RestartDelay:   5 * time.Second,
		HealthyAfter:   60 * time.Second,
	}
}

// maxLineBytes bounds a single stdio line; generated artifacts can be large.
const maxLineBytes = 1 << 20

// handle is the supervisor's per-server bookkeeping.
type handle struct {
	desc    Descriptor
	state   ProcessState
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex // serializes stdin writes
	done    chan struct{}
	gen     int // spawn generation; stale goroutine callbacks are dropped
	stopping bool
}

// Supervisor manages N tool-server processes in parallel.
type Supervisor struct {
	bus     *events.Bus
	timings Timings

	mu       sync.Mutex
	servers  map[string]*handle
	handlers map[string]func(string) // stdout line subscribers, survive restarts
	wg       sync.WaitGroup

	terminator Terminator
	logSink    func(server, stream, line string)

	// cmdFactory builds the exec.Cmd for a descriptor. Tests override this
	// to spawn controllable commands.
	cmdFactory func(Descriptor) *exec.Cmd
}

// New creates a Supervisor publishing lifecycle events on bus.
func New(bus *events.Bus) *Supervisor {
	s := &Supervisor{
		bus:        bus,
		timings:    DefaultTimings(),
		servers:    make(map[string]*handle),
		handlers:   make(map[string]func(string)),
		terminator: GroupTerminator{},
	}
	s.cmdFactory = func(d Descriptor) *exec.Cmd {
		//nolint:gosec // launching operator-configured tool servers is the point
		cmd := exec.Command(d.Command, d.Args...)
		cmd.Env = mergedEnv(d.Env)
		// Own process group so termination can reach wrapper descendants
		// (npx, package runners) and not just the wrapper itself.
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		return cmd
	}
	return s
}

// SetTimings replaces the delay knobs. Call before Start.
func (s *Supervisor) SetTimings(t Timings) { s.timings = t }

// SetTerminator replaces the kill capability. Call before Start.
func (s *Supervisor) SetTerminator(t Terminator) { s.terminator = t }

// SetCommandFactory replaces the command factory.
//
//refinery:testonly
func (s *Supervisor) SetCommandFactory(f func(Descriptor) *exec.Cmd) { s.cmdFactory = f }

// SetLogSink installs the receiver for captured stdio lines. The sink is
// called as sink(server, "stdout"|"stderr", line) from scanner goroutines.
func (s *Supervisor) SetLogSink(sink func(server, stream, line string)) { s.logSink = sink }

// OnStdoutLine registers fn to receive every stdout line of the named server.
// The registration survives restarts and may precede Start. One subscriber
// per server; the protocol client is the intended consumer.
func (s *Supervisor) OnStdoutLine(name string, fn func(line string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = fn
}

// Start spawns the described server. Starting an already-tracked server that
// is not stopped or crashed is an error.
func (s *Supervisor) Start(_ context.Context, desc Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.servers[desc.Name]
	if ok && h.state.State != StateStopped && h.state.State != StateCrashed {
		return fmt.Errorf("server %s already %s", desc.Name, h.state.State)
	}
	if !ok {
		h = &handle{desc: desc, state: ProcessState{Name: desc.Name, State: StateStopped}}
		s.servers[desc.Name] = h
	}
	h.desc = desc
	h.stopping = false
	h.state.Restarts = 0
	h.state.LastErr = ""

	return s.spawnLocked(h)
}

// spawnLocked starts h's process and wires its monitor goroutines.
// Caller holds s.mu.
func (s *Supervisor) spawnLocked(h *handle) error {
	cmd := s.cmdFactory(h.desc)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe for %s: %w", h.desc.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe for %s: %w", h.desc.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe for %s: %w", h.desc.Name, err)
	}

	if err := cmd.Start(); err != nil {
		h.state.State = StateCrashed
		h.state.LastErr = err.Error()
		s.publish(events.KindServerError, h, err.Error())
		return fmt.Errorf("spawn %s: %w", h.desc.Name, err)
	}

	h.gen++
	gen := h.gen
	h.cmd = cmd
	h.stdin = stdin
	h.done = make(chan struct{})
	h.state.State = StateStarting
	h.state.PID = cmd.Process.Pid
	h.state.StartedAt = time.Now()

	name := h.desc.Name
	s.publish(events.KindServerStarted, h, "")

	s.wg.Add(2)
	go s.scanStdout(name, gen, stdout)
	go s.scanStderr(name, gen, stderr)

	// Readiness grace: a silent server that survives the grace period is
	// considered running.
	grace := s.timings.ReadinessGrace
	done := h.done
	time.AfterFunc(grace, func() {
		select {
		case <-done:
		default:
			s.markRunning(name, gen)
		}
	})

	// Reap the child to avoid zombies, then run exit handling.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := cmd.Wait()
		s.onExit(name, gen, err)
	}()

	return nil
}

func (s *Supervisor) scanStdout(name string, gen int, r io.Reader) {
	defer s.wg.Done()

	s.mu.Lock()
	fn := s.handlers[name]
	s.mu.Unlock()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Text()
		s.markRunning(name, gen)
		if s.logSink != nil {
			s.logSink(name, "stdout", line)
		}
		if fn != nil {
			fn(line)
		}
	}
}

func (s *Supervisor) scanStderr(name string, _ int, r io.Reader) {
	defer s.wg.Done()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		if s.logSink != nil {
			s.logSink(name, "stderr", sc.Text())
		}
	}
}

// markRunning promotes starting -> running and arms the healthy-period reset
// for the restart counter.
func (s *Supervisor) markRunning(name string, gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.servers[name]
	if !ok || h.gen != gen || h.state.State != StateStarting {
		return
	}
	h.state.State = StateRunning

	healthy := s.timings.HealthyAfter
	time.AfterFunc(healthy, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		hh, ok := s.servers[name]
		if ok && hh.gen == gen && hh.state.State == StateRunning {
			hh.state.Restarts = 0
		}
	})
}

// onExit handles process termination for a given spawn generation.
func (s *Supervisor) onExit(name string, gen int, waitErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.servers[name]
	if !ok || h.gen != gen {
		return
	}
	close(h.done)
	h.cmd = nil
	h.stdin = nil
	pid := h.state.PID
	h.state.PID = 0

	if h.stopping {
		h.state.State = StateStopped
		h.state.Restarts = 0
		s.publishPID(events.KindServerExited, h, pid, "")
		return
	}

	msg := "exited unexpectedly"
	if waitErr != nil {
		msg = waitErr.Error()
	}
	h.state.State = StateCrashed
	h.state.LastErr = msg
	s.publishPID(events.KindServerExited, h, pid, msg)

	if !h.desc.AutoRestart {
		return
	}
	if h.state.Restarts >= h.desc.MaxRestarts {
		budget := fmt.Sprintf("restart budget exhausted after %d restarts: %s", h.state.Restarts, msg)
		h.state.LastErr = budget
		s.publish(events.KindServerError, h, budget)
		return
	}

	h.state.Restarts++
	delay := s.timings.RestartDelay
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		hh, ok := s.servers[name]
		if !ok || hh.stopping || hh.state.State != StateCrashed {
			return
		}
		if err := s.spawnLocked(hh); err != nil {
			// spawnLocked already recorded the failure; the next exit cycle
			// never comes for a spawn error, so re-enter the budget check.
			hh.state.LastErr = err.Error()
		}
	})
}

// Stop gracefully terminates the named server: graceful signal, StopGrace
// wait, forced kill. The server's runtime record is reset to stopped.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	s.mu.Lock()
	h, ok := s.servers[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown server %s", name)
	}
	if h.state.State == StateStopped || h.state.State == StateCrashed {
		h.stopping = true
		h.state.State = StateStopped
		s.mu.Unlock()
		return nil
	}
	h.stopping = true
	pid := h.state.PID
	done := h.done
	s.mu.Unlock()

	if err := s.terminator.Signal(pid); err != nil {
		// Signal failure means the process is already gone; the reaper will
		// finish the bookkeeping.
		<-done
		return nil //nolint:nilerr // already-exited is success for Stop
	}

	select {
	case <-done:
	case <-time.After(s.timings.StopGrace):
		_ = s.terminator.Kill(pid)
		<-done
	case <-ctx.Done():
		_ = s.terminator.Kill(pid)
		<-done
		return ctx.Err()
	}
	return nil
}

// StopAll stops every tracked server and waits for supervisor goroutines.
func (s *Supervisor) StopAll(ctx context.Context) {
	for _, name := range s.Names() {
		_ = s.Stop(ctx, name)
	}
	s.wg.Wait()
}

// Status returns a copy of the server's runtime record.
func (s *Supervisor) Status(name string) (ProcessState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.servers[name]
	if !ok {
		return ProcessState{}, fmt.Errorf("unknown server %s", name)
	}
	return h.state, nil
}

// Running reports whether the named server is currently running.
func (s *Supervisor) Running(name string) bool {
	st, err := s.Status(name)
	return err == nil && st.State == StateRunning
}

// Names returns the tracked server names, sorted.
func (s *Supervisor) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.servers))
	for name := range s.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptor returns the launch configuration for the named server.
func (s *Supervisor) Descriptor(name string) (Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.servers[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("unknown server %s", name)
	}
	return h.desc, nil
}

// WriteLine writes one protocol frame to the server's stdin. The frame must
// already be newline-terminated.
func (s *Supervisor) WriteLine(name string, frame []byte) error {
	s.mu.Lock()
	h, ok := s.servers[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown server %s", name)
	}
	stdin := h.stdin
	st := h.state.State
	s.mu.Unlock()

	if stdin == nil || (st != StateRunning && st != StateStarting) {
		return fmt.Errorf("server %s not running (state %s)", name, st)
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := stdin.Write(frame); err != nil {
		return fmt.Errorf("write to %s: %w", name, err)
	}
	return nil
}

// WaitRunning blocks until the named server reports running, the server
// crashes, or the wait times out.
func (s *Supervisor) WaitRunning(ctx context.Context, name string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st, err := s.Status(name)
		if err != nil {
			return err
		}
		switch st.State {
		case StateRunning:
			return nil
		case StateCrashed:
			return fmt.Errorf("server %s crashed: %s", name, st.LastErr)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server %s not running after %s (state %s)", name, timeout, st.State)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

func (s *Supervisor) publish(kind string, h *handle, errMsg string) {
	s.publishPID(kind, h, h.state.PID, errMsg)
}

func (s *Supervisor) publishPID(kind string, h *handle, pid int, errMsg string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Kind:   kind,
		Server: h.desc.Name,
		PID:    pid,
		Status: string(h.state.State),
		Err:    errMsg,
	})
}

// mergedEnv appends the descriptor's env on top of the process environment,
// with deterministic ordering for the descriptor's part.
func mergedEnv(env map[string]string) []string {
	out := os.Environ()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
