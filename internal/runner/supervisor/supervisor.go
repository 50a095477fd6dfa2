// Package supervisor manages the dev-server child processes a runner hosts.
// One process-wide Supervisor owns every child; the in-memory table is the
// authoritative record of what is running, and it is the sole source of
// log chunks and process-exit notifications.
//
// Children are spawned through the shell in their own process group so that
// a stop can signal the whole tree — npm and friends spawn grandchildren
// that would otherwise survive the parent.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/codyde/sentryvibe/internal/protocol"
)

const (
	// gracePeriod is how long a child gets after SIGTERM before the whole
	// process group is SIGKILLed.
	gracePeriod = 2 * time.Second

	// quickExitThreshold flags exits under this duration as suspected
	// startup failures in the process-exited payload.
	quickExitThreshold = 5 * time.Second

	// logBufferCap is how many log chunks are retained per child for
	// fetch-logs replay.
	logBufferCap = 2000

	// maxLineSize bounds a single output line. Bundlers print long lines;
	// anything beyond this is split.
	maxLineSize = 256 * 1024
)

// portMin and portMax bound accepted port-detection matches. Anything
// outside is a version number or timestamp that happened to match.
const (
	portMin = 3000
	portMax = 65535
)

// portPatterns are tried in order against each output line. The first match
// with a value in [portMin, portMax] wins, once per process.
var portPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:localhost|127\.0\.0\.1|0\.0\.0\.0):(\d{4,5})`),
	regexp.MustCompile(`port[:\s]+(\d{4,5})`),
	regexp.MustCompile(`Local:.*?:(\d{4,5})`),
	regexp.MustCompile(`ready.*?(\d{4,5})`),
}

// EventSink receives the events the supervisor produces. Implemented by the
// connection manager, which forwards them to the broker.
type EventSink interface {
	SendEvent(evt *protocol.Event)
}

// ErrNotRunning is returned by FetchLogs when no child exists for the
// project.
var ErrNotRunning = errors.New("supervisor: no process for project")

// child is one supervised dev-server process.
type child struct {
	projectID string
	commandID string
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time

	// done is closed by the waiter goroutine after the process exits and
	// its exit event has been emitted.
	done chan struct{}

	portOnce sync.Once

	// mu guards cursor, port, and logs.
	mu     sync.Mutex
	cursor int64
	port   int
	logs   []protocol.LogChunkPayload
}

// Supervisor is the process-wide registry of supervised children. At most
// one child exists per project.
type Supervisor struct {
	sink   EventSink
	logger *zap.Logger

	mu    sync.Mutex
	procs map[string]*child
}

// New creates a Supervisor.
func New(sink EventSink, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		sink:   sink,
		logger: logger.Named("supervisor"),
		procs:  make(map[string]*child),
	}
}

// StartDevServer spawns the project's dev server, stopping any existing
// child for the project first. It returns once the process has started;
// output streaming, port detection, and exit reporting continue in the
// background.
func (s *Supervisor) StartDevServer(ctx context.Context, commandID, projectID string, p protocol.StartDevServerPayload) (int, error) {
	if p.RunCommand == "" {
		return 0, errors.New("supervisor: missing runCommand")
	}
	if p.Cwd == "" {
		return 0, errors.New("supervisor: missing cwd")
	}

	// At most one child per project: replace means stop-then-start.
	if err := s.StopDevServer(ctx, projectID); err != nil {
		s.logger.Warn("stopping previous dev server",
			zap.String("project_id", projectID),
			zap.Error(err),
		)
	}

	cmd := exec.Command("/bin/sh", "-c", p.RunCommand)
	cmd.Dir = p.Cwd
	cmd.Env = buildEnv(p.Env, p.PreferredPort)
	// Own process group so stop can signal the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("supervisor: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("supervisor: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("supervisor: starting %q: %w", p.RunCommand, err)
	}

	c := &child{
		projectID: projectID,
		commandID: commandID,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		logs:      make([]protocol.LogChunkPayload, 0, 64),
	}

	s.mu.Lock()
	s.procs[projectID] = c
	s.mu.Unlock()

	s.logger.Info("dev server started",
		zap.String("project_id", projectID),
		zap.Int("pid", c.pid),
		zap.String("run_command", p.RunCommand),
	)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		s.streamOutput(c, "stdout", stdout)
	}()
	go func() {
		defer readers.Done()
		s.streamOutput(c, "stderr", stderr)
	}()

	go s.wait(c, &readers)

	return c.pid, nil
}

// StopDevServer stops the project's child: SIGTERM, a grace period, then
// SIGKILL on the entire process group, plus a kill of anything still
// listening on the detected port. Idempotent — stopping a project with no
// child returns nil.
func (s *Supervisor) StopDevServer(ctx context.Context, projectID string) error {
	s.mu.Lock()
	c, ok := s.procs[projectID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	c.mu.Lock()
	port := c.port
	c.mu.Unlock()

	s.logger.Info("stopping dev server",
		zap.String("project_id", projectID),
		zap.Int("pid", c.pid),
	)

	// Negative pid signals the process group.
	_ = syscall.Kill(-c.pid, syscall.SIGTERM)

	select {
	case <-c.done:
	case <-time.After(gracePeriod):
		s.logger.Warn("dev server ignored SIGTERM, killing group",
			zap.String("project_id", projectID),
			zap.Int("pid", c.pid),
		)
		_ = syscall.Kill(-c.pid, syscall.SIGKILL)
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	// Belt and braces: the child may have re-execed outside its group.
	if port > 0 {
		killByPort(port)
	}
	return nil
}

// FetchLogs returns the retained log chunks with cursor greater than after.
func (s *Supervisor) FetchLogs(projectID string, after int64) ([]protocol.LogChunkPayload, error) {
	s.mu.Lock()
	c, ok := s.procs[projectID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotRunning
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]protocol.LogChunkPayload, 0)
	for _, chunk := range c.logs {
		if chunk.Cursor > after {
			out = append(out, chunk)
		}
	}
	return out, nil
}

// Port returns the detected port for a project's child, or 0.
func (s *Supervisor) Port(projectID string) int {
	s.mu.Lock()
	c, ok := s.procs[projectID]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port
}

// ActiveCount returns the number of supervised children, reported in
// heartbeats.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// StopAll stops every child. Called on runner shutdown.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.StopDevServer(ctx, id); err != nil {
			s.logger.Warn("stopping dev server on shutdown",
				zap.String("project_id", id),
				zap.Error(err),
			)
		}
	}
}

// streamOutput reads one of the child's output streams line by line,
// retaining each line as a log chunk, emitting it as a log-chunk event, and
// feeding it to port detection.
func (s *Supervisor) streamOutput(c *child, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Text()

		c.mu.Lock()
		c.cursor++
		chunk := protocol.LogChunkPayload{
			Stream: stream,
			Data:   line,
			Cursor: c.cursor,
		}
		c.logs = append(c.logs, chunk)
		if len(c.logs) > logBufferCap {
			c.logs = c.logs[len(c.logs)-logBufferCap:]
		}
		c.mu.Unlock()

		s.sink.SendEvent(protocol.NewEvent(protocol.EvtLogChunk, c.commandID, c.projectID, chunk))

		if port, ok := detectPort(line); ok {
			c.portOnce.Do(func() {
				c.mu.Lock()
				c.port = port
				c.mu.Unlock()

				s.logger.Info("port detected",
					zap.String("project_id", c.projectID),
					zap.Int("port", port),
					zap.Int("pid", c.pid),
				)
				s.sink.SendEvent(protocol.NewEvent(protocol.EvtPortDetected, c.commandID, c.projectID, protocol.PortDetectedPayload{
					Port: port,
					PID:  c.pid,
				}))
			})
		}
	}
}

// wait blocks until the child exits, then emits process-exited and removes
// the child from the registry. The output readers are drained first so the
// exit event is the last thing subscribers see.
func (s *Supervisor) wait(c *child, readers *sync.WaitGroup) {
	readers.Wait()
	err := c.cmd.Wait()
	duration := time.Since(c.startedAt)

	exitCode := 0
	signal := ""
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				signal = ws.Signal().String()
			}
		} else {
			exitCode = -1
		}
	}

	s.mu.Lock()
	// Only remove our own entry — a replacement may already be installed.
	if s.procs[c.projectID] == c {
		delete(s.procs, c.projectID)
	}
	s.mu.Unlock()

	close(c.done)

	quick := duration < quickExitThreshold
	s.logger.Info("dev server exited",
		zap.String("project_id", c.projectID),
		zap.Int("pid", c.pid),
		zap.Int("exit_code", exitCode),
		zap.Duration("duration", duration),
		zap.Bool("quick_exit", quick),
	)

	s.sink.SendEvent(protocol.NewEvent(protocol.EvtProcessExited, c.commandID, c.projectID, protocol.ProcessExitedPayload{
		PID:       c.pid,
		ExitCode:  exitCode,
		Signal:    signal,
		DurationS: duration.Seconds(),
		QuickExit: quick,
	}))
}

// detectPort runs the ordered patterns against one output line.
func detectPort(line string) (int, bool) {
	for _, re := range portPatterns {
		m := re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		port, err := strconv.Atoi(m[1])
		if err != nil || port < portMin || port > portMax {
			continue
		}
		return port, true
	}
	return 0, false
}

// buildEnv merges the process environment with the overrides dev servers
// need: CI off so frameworks do not switch to non-interactive build mode,
// color off so log chunks stay parseable, and PORT when a reservation
// exists.
func buildEnv(extra map[string]string, preferredPort int) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env,
		"CI=false",
		"NO_COLOR=1",
		"FORCE_COLOR=0",
	)
	if preferredPort > 0 {
		env = append(env, "PORT="+strconv.Itoa(preferredPort))
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// killByPort kills whatever still listens on port. Best effort — failures
// are ignored, the group kill already did the real work.
func killByPort(port int) {
	cmd := exec.Command("/bin/sh", "-c",
		fmt.Sprintf("lsof -ti tcp:%d | xargs -r kill -9", port))
	_ = cmd.Run()
}
