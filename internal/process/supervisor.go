// Package process supervises game-server children: it spawns them through
// the host executor, tails their pipes into the hub, drives the lifecycle
// state machine off console patterns and exits, and escalates stop
// requests from polite to fatal.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/craftplane/craftplane/internal/apierr"
	"github.com/craftplane/craftplane/internal/hostexec"
	"github.com/craftplane/craftplane/internal/hub"
	"github.com/craftplane/craftplane/internal/install"
	"github.com/craftplane/craftplane/internal/props"
	"github.com/craftplane/craftplane/internal/registry"
	"github.com/craftplane/craftplane/pkg/smap"
	"github.com/craftplane/craftplane/pkg/utils"
)

const (
	DefaultGracefulTimeout = 30 * time.Second
	DefaultKillDelay       = 5 * time.Second

	// A console write that blocks this long means the child has wedged
	// with a full stdin pipe.
	commandWriteTimeout = 10 * time.Second

	// Modded servers print stack traces well past the scanner default.
	maxLineBytes = 1 << 20

	mirrorTimeout = 5 * time.Second

	javaBin  = "java"
	shellBin = "sh"
)

type ExitStatus struct {
	Code int
}

type Status struct {
	ServerID  string         `json:"server_id"`
	PID       int            `json:"pid"`
	State     registry.State `json:"state"`
	StartedAt time.Time      `json:"started_at"`
}

type Stats struct {
	PID            int            `json:"pid"`
	State          registry.State `json:"state"`
	UptimeSeconds  int64          `json:"uptime_seconds"`
	CPUPercent     float64        `json:"cpu_percent"`
	MemoryRSSBytes uint64         `json:"memory_rss_bytes"`
}

type Supervisor struct {
	logger   *zap.Logger
	exec     hostexec.Executor
	hub      *hub.Hub
	registry *registry.Registry

	entries *smap.Map[*entry]

	gracefulTimeout time.Duration
	killDelay       time.Duration
}

func New(logger *zap.Logger, executor hostexec.Executor, h *hub.Hub, reg *registry.Registry) *Supervisor {
	return NewWithTimeouts(logger, executor, h, reg, DefaultGracefulTimeout, DefaultKillDelay)
}

func NewWithTimeouts(logger *zap.Logger, executor hostexec.Executor, h *hub.Hub, reg *registry.Registry, graceful, killDelay time.Duration) *Supervisor {
	return &Supervisor{
		logger:          logger,
		exec:            executor,
		hub:             h,
		registry:        reg,
		entries:         smap.New[*entry](),
		gracefulTimeout: graceful,
		killDelay:       killDelay,
	}
}

type entry struct {
	serverID  string
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	cancel    context.CancelFunc

	stdinMu sync.Mutex
	stdin   io.WriteCloser

	stateMu sync.Mutex
	state   registry.State

	exit *utils.SetOnce[ExitStatus]
}

func (e *entry) currentState() registry.State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	return e.state
}

// writeStdin writes one console line to the child, bounded so a wedged
// pipe cannot block the caller forever.
func (e *entry) writeStdin(text string) error {
	e.stdinMu.Lock()
	defer e.stdinMu.Unlock()

	if f, ok := e.stdin.(*os.File); ok {
		_ = f.SetWriteDeadline(time.Now().Add(commandWriteTimeout))
		defer f.SetWriteDeadline(time.Time{})
	}

	_, err := io.WriteString(e.stdin, text+"\n")

	return err
}

// transitionTo applies the state machine; it reports false when the edge
// does not exist, including self-transitions.
func (e *entry) transitionTo(state registry.State) bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	if !transitionAllowed(e.state, state) {
		return false
	}
	e.state = state

	return true
}

// Start spawns the server and begins supervising it. The caller has
// already recorded the Starting intent; Start attaches the pid and the
// pipes. The child is detached from ctx: request cancellation must not
// kill a server mid-boot.
func (s *Supervisor) Start(ctx context.Context, server *registry.Server, runnable *install.Runnable, dir, defaultJavaOpts string) (int, error) {
	if _, ok := s.entries.Get(server.ID); ok {
		return 0, apierr.New(apierr.AlreadyRunning, "server %q is already running", server.Name)
	}

	argv, err := buildArgv(server, runnable, defaultJavaOpts)
	if err != nil {
		return 0, err
	}

	procCtx, cancel := context.WithCancel(context.Background())

	cmd := s.exec.Command(procCtx, hostexec.Spec{Argv: argv, Dir: dir})

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()

		return 0, fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()

		return 0, fmt.Errorf("opening stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()

		return 0, fmt.Errorf("opening stderr pipe: %w", err)
	}

	// Each run gets a fresh console.
	s.hub.ResetLogs(server.ID)

	if err := cmd.Start(); err != nil {
		cancel()

		return 0, fmt.Errorf("spawning %q: %w", strings.Join(argv, " "), err)
	}

	e := &entry{
		serverID:  server.ID,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		cancel:    cancel,
		stdin:     stdin,
		state:     registry.StateStarting,
		exit:      utils.NewSetOnce[ExitStatus](),
	}

	if !s.entries.InsertIfAbsent(server.ID, e) {
		// Lost a start race; this child must not linger.
		_ = hostexec.SignalGroup(cmd, syscall.SIGKILL)
		go cmd.Wait()
		cancel()

		return 0, apierr.New(apierr.AlreadyRunning, "server %q is already running", server.Name)
	}

	s.logger.Info("server spawned",
		zap.String("server_id", server.ID),
		zap.Int("pid", e.pid),
		zap.Strings("argv", argv),
	)

	s.hub.PublishLog(server.ID, hub.StreamSystem, fmt.Sprintf("launching: %s", strings.Join(argv, " ")))

	mirrorCtx, mirrorCancel := context.WithTimeout(ctx, mirrorTimeout)
	defer mirrorCancel()
	if err := s.registry.SetState(mirrorCtx, server.ID, registry.StateStarting, &e.pid); err != nil {
		s.logger.Warn("recording pid failed", zap.String("server_id", server.ID), zap.Error(err))
	}

	go s.readPipe(e, stdout, hub.StreamStdout)
	go s.readPipe(e, stderr, hub.StreamStderr)
	go s.waitExit(e)

	return e.pid, nil
}

func buildArgv(server *registry.Server, runnable *install.Runnable, defaultJavaOpts string) ([]string, error) {
	switch runnable.Kind {
	case install.KindJar:
		javaArgs, err := props.JavaArgs(server, defaultJavaOpts)
		if err != nil {
			return nil, err
		}

		argv := append([]string{javaBin}, javaArgs...)

		return append(argv, "-jar", runnable.Path, "nogui"), nil

	case install.KindScript:
		// JVM flags travel via user_jvm_args.txt for script launches.
		return []string{shellBin, runnable.Path, "nogui"}, nil

	default:
		return nil, fmt.Errorf("unknown runnable kind %q", runnable.Kind)
	}
}

func (s *Supervisor) readPipe(e *entry, r io.Reader, stream hub.Stream) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		s.hub.PublishLog(e.serverID, stream, line)

		if next, ok := detectState(line); ok && e.transitionTo(next) {
			s.mirror(e, next)
		}
	}
}

func (s *Supervisor) waitExit(e *entry) {
	err := e.cmd.Wait()

	code := 0
	switch {
	case e.cmd.ProcessState != nil:
		code = e.cmd.ProcessState.ExitCode()
	case err != nil:
		code = -1
	}

	final := finalState(e.currentState(), code)

	e.stateMu.Lock()
	e.state = final
	e.stateMu.Unlock()

	s.entries.Remove(e.serverID)

	s.logger.Info("server exited",
		zap.String("server_id", e.serverID),
		zap.Int("exit_code", code),
		zap.String("final_state", string(final)),
		zap.Duration("uptime", time.Since(e.startedAt)),
	)

	s.hub.PublishLog(e.serverID, hub.StreamSystem, fmt.Sprintf("server process exited with code %d", code))
	s.mirror(e, final)

	_ = e.exit.SetValue(ExitStatus{Code: code})
	e.cancel()
}

// mirror publishes a transition to the hub and the registry. Registry
// failures are logged, not propagated: the child is already in the new
// state and subscribers must hear about it.
func (s *Supervisor) mirror(e *entry, state registry.State) {
	s.hub.PublishState(e.serverID, state)

	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()

	var pid *int
	if state.Live() {
		pid = &e.pid
	}

	if err := s.registry.SetState(ctx, e.serverID, state, pid); err != nil {
		s.logger.Warn("mirroring state to registry failed",
			zap.String("server_id", e.serverID),
			zap.String("state", string(state)),
			zap.Error(err),
		)
	}
}

// SendCommand writes one console command to the child, echoing it to
// subscribers first so input appears before the output it causes.
func (s *Supervisor) SendCommand(ctx context.Context, serverID, text string) error {
	e, ok := s.entries.Get(serverID)
	if !ok {
		return apierr.New(apierr.NotRunning, "server is not running")
	}
	if state := e.currentState(); state != registry.StateRunning {
		return apierr.New(apierr.NotRunning, "server is %s, not running", state)
	}

	s.hub.PublishLog(serverID, hub.StreamSystem, "> "+text)

	if err := e.writeStdin(text); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return apierr.Wrap(apierr.Timeout, err, "server console did not accept the command")
		}

		return apierr.Wrap(apierr.NotRunning, err, "writing to server console")
	}

	return nil
}

// Stop ends the child: politely via the console, then SIGTERM, then
// SIGKILL. force skips the polite phase. The final Stopped/Exited state is
// published by the exit watcher.
func (s *Supervisor) Stop(ctx context.Context, serverID string, force bool) error {
	e, ok := s.entries.Get(serverID)
	if !ok {
		return apierr.New(apierr.AlreadyStopped, "server is not running")
	}

	if e.transitionTo(registry.StateStopping) {
		s.mirror(e, registry.StateStopping)
	}

	if !force {
		if writeErr := e.writeStdin("stop"); writeErr != nil {
			s.logger.Debug("stop command write failed, escalating",
				zap.String("server_id", serverID), zap.Error(writeErr))
		}

		if s.awaitExit(ctx, e, s.gracefulTimeout) {
			return nil
		}

		s.hub.PublishLog(serverID, hub.StreamSystem, "server did not stop in time, terminating")
	}

	_ = hostexec.SignalGroup(e.cmd, syscall.SIGTERM)
	if s.awaitExit(ctx, e, s.killDelay) {
		return nil
	}

	s.hub.PublishLog(serverID, hub.StreamSystem, "server ignored terminate, killing")
	_ = hostexec.SignalGroup(e.cmd, syscall.SIGKILL)

	if _, err := e.exit.WaitWithContext(ctx); err != nil {
		return apierr.Wrap(apierr.Timeout, err, "server %s did not exit after kill", serverID)
	}

	return nil
}

// awaitExit waits up to d for the child to be reaped. A cancelled caller
// context also ends the wait.
func (s *Supervisor) awaitExit(ctx context.Context, e *entry, d time.Duration) bool {
	waitCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	_, err := e.exit.WaitWithContext(waitCtx)

	return err == nil
}

// Status reports the live entry for one server.
func (s *Supervisor) Status(serverID string) (*Status, bool) {
	e, ok := s.entries.Get(serverID)
	if !ok {
		return nil, false
	}

	return &Status{
		ServerID:  e.serverID,
		PID:       e.pid,
		State:     e.currentState(),
		StartedAt: e.startedAt,
	}, true
}

// Stats samples resource usage of the live child.
func (s *Supervisor) Stats(ctx context.Context, serverID string) (*Stats, error) {
	e, ok := s.entries.Get(serverID)
	if !ok {
		return nil, apierr.New(apierr.NotRunning, "server is not running")
	}

	stats := &Stats{
		PID:           e.pid,
		State:         e.currentState(),
		UptimeSeconds: int64(time.Since(e.startedAt).Seconds()),
	}

	proc, err := gopsproc.NewProcess(int32(e.pid))
	if err != nil {
		// Probably exiting right now; report what we know.
		return stats, nil
	}

	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		stats.MemoryRSSBytes = mem.RSS
	}

	return stats, nil
}

// List snapshots every live entry.
func (s *Supervisor) List() []Status {
	items := s.entries.Items()
	out := make([]Status, 0, len(items))
	for _, e := range items {
		out = append(out, Status{
			ServerID:  e.serverID,
			PID:       e.pid,
			State:     e.currentState(),
			StartedAt: e.startedAt,
		})
	}

	return out
}

// Shutdown gracefully stops every live server, in parallel, bounded by ctx.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	var eg errgroup.Group
	for id := range s.entries.Items() {
		eg.Go(func() error {
			err := s.Stop(ctx, id, false)
			if apierr.KindOf(err) == apierr.AlreadyStopped {
				return nil
			}

			return err
		})
	}

	return eg.Wait()
}
