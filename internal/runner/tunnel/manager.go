// Package tunnel manages cloudflared quick tunnels for dev servers. A quick
// tunnel prints its public URL on startup; the manager scrapes it from the
// process output and reports it to the broker, then watches the process so
// a dead tunnel is reported as closed instead of silently serving 404s.
package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/codyde/sentryvibe/internal/protocol"
)

const (
	// urlDeadline is how long a freshly spawned cloudflared gets to print
	// its URL before the attempt is abandoned.
	urlDeadline = 30 * time.Second

	// maxRetries bounds how many times a failed attempt is retried.
	maxRetries = 3

	backoffBase = time.Second
)

// urlPattern extracts the quick-tunnel URL from cloudflared output. The URL
// can appear on either stream depending on the cloudflared version.
var urlPattern = regexp.MustCompile(`https://[A-Za-z0-9-]+\.trycloudflare\.com`)

// permanentMarkers identify failures that no amount of retrying fixes.
var permanentMarkers = []string{
	"address already in use",
	"permission denied",
	"bind: ",
}

// ErrNoURL is returned when cloudflared ran but never printed a URL within
// the deadline, on every attempt.
var ErrNoURL = errors.New("tunnel: no URL within deadline")

// EventSink receives tunnel lifecycle events. Implemented by the connection
// manager.
type EventSink interface {
	SendEvent(evt *protocol.Event)
}

// tunnel is one live cloudflared process.
type tunnel struct {
	port      int
	url       string
	projectID string
	cmd       *exec.Cmd
	done      chan struct{}
}

// Manager owns the port → tunnel mapping. At most one tunnel exists per
// port.
type Manager struct {
	binary string
	sink   EventSink
	logger *zap.Logger

	mu      sync.Mutex
	tunnels map[int]*tunnel
}

// New creates a Manager. binary is the cloudflared executable; empty means
// "cloudflared" resolved via PATH.
func New(binary string, sink EventSink, logger *zap.Logger) *Manager {
	if binary == "" {
		binary = "cloudflared"
	}
	return &Manager{
		binary:  binary,
		sink:    sink,
		logger:  logger.Named("tunnel"),
		tunnels: make(map[int]*tunnel),
	}
}

// Create opens a tunnel to localhost:port and returns its public URL,
// emitting tunnel-created. If a tunnel already exists for the port its URL
// is returned (and the event re-emitted so the requesting command still
// gets its terminal event). Transient failures are retried with
// exponential backoff and jitter; permanent ones are not.
func (m *Manager) Create(ctx context.Context, commandID, projectID string, port int) (string, error) {
	m.mu.Lock()
	if existing, ok := m.tunnels[port]; ok {
		url := existing.url
		m.mu.Unlock()
		m.sink.SendEvent(protocol.NewEvent(protocol.EvtTunnelCreated, commandID, projectID, protocol.TunnelPayloadEvent{
			Port: port,
			URL:  url,
		}))
		return url, nil
	}
	m.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := backoff(attempt)
			m.logger.Info("retrying tunnel",
				zap.Int("port", port),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
			)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wait):
			}
		}

		url, err := m.attempt(ctx, projectID, port)
		if err == nil {
			m.sink.SendEvent(protocol.NewEvent(protocol.EvtTunnelCreated, commandID, projectID, protocol.TunnelPayloadEvent{
				Port: port,
				URL:  url,
			}))
			return url, nil
		}

		lastErr = err
		if isPermanent(err) {
			m.logger.Error("tunnel failed permanently",
				zap.Int("port", port),
				zap.Error(err),
			)
			return "", err
		}
		m.logger.Warn("tunnel attempt failed",
			zap.Int("port", port),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return "", fmt.Errorf("tunnel: giving up after %d attempts: %w", maxRetries+1, lastErr)
}

// Close shuts down the tunnel for port and emits tunnel-closed. Idempotent.
func (m *Manager) Close(commandID string, port int) {
	m.mu.Lock()
	t, ok := m.tunnels[port]
	if ok {
		delete(m.tunnels, port)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.logger.Info("closing tunnel", zap.Int("port", port), zap.String("url", t.url))
	_ = t.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-t.done:
	case <-time.After(2 * time.Second):
		_ = t.cmd.Process.Kill()
	}

	m.sink.SendEvent(protocol.NewEvent(protocol.EvtTunnelClosed, commandID, t.projectID, protocol.TunnelPayloadEvent{
		Port: port,
	}))
}

// URL returns the URL of the tunnel for port, or "".
func (m *Manager) URL(port int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tunnels[port]; ok {
		return t.url
	}
	return ""
}

// CloseAll tears down every tunnel. Called on runner shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ports := make([]int, 0, len(m.tunnels))
	for port := range m.tunnels {
		ports = append(ports, port)
	}
	m.mu.Unlock()

	for _, port := range ports {
		m.Close("", port)
	}
}

// attempt spawns one cloudflared process and waits for its URL. On success
// the tunnel is registered and a watcher goroutine reports unexpected
// exits.
func (m *Manager) attempt(ctx context.Context, projectID string, port int) (string, error) {
	cmd := exec.Command(m.binary,
		"tunnel", "--url", fmt.Sprintf("http://localhost:%d", port), "--no-autoupdate")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("tunnel: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("tunnel: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		// A missing binary can never be fixed by retrying.
		return "", fmt.Errorf("tunnel: starting %s: %w", m.binary, err)
	}

	// Scan both streams: the URL appears on either, and the combined output
	// is what carries permanent-error diagnostics.
	lines := make(chan string, 64)
	var readers sync.WaitGroup
	readers.Add(2)
	scan := func(r io.Reader) {
		defer readers.Done()
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			default:
			}
		}
	}
	go scan(stdout)
	go scan(stderr)
	go func() {
		readers.Wait()
		close(lines)
	}()

	deadline := time.NewTimer(urlDeadline)
	defer deadline.Stop()

	var output strings.Builder
	for {
		select {
		case <-ctx.Done():
			m.kill(cmd)
			return "", ctx.Err()

		case <-deadline.C:
			m.kill(cmd)
			return "", fmt.Errorf("%w (output: %s)", ErrNoURL, truncate(output.String(), 500))

		case line, ok := <-lines:
			if !ok {
				// Process exited without printing a URL.
				_ = cmd.Wait()
				return "", fmt.Errorf("tunnel: process exited before URL: %s", truncate(output.String(), 500))
			}
			output.WriteString(line)
			output.WriteByte('\n')

			if url := urlPattern.FindString(line); url != "" {
				t := &tunnel{
					port:      port,
					url:       url,
					projectID: projectID,
					cmd:       cmd,
					done:      make(chan struct{}),
				}
				m.mu.Lock()
				m.tunnels[port] = t
				m.mu.Unlock()

				go m.watch(t, lines)

				m.logger.Info("tunnel created", zap.Int("port", port), zap.String("url", url))
				return url, nil
			}

			if marker := matchPermanent(line); marker != "" {
				m.kill(cmd)
				return "", fmt.Errorf("tunnel: permanent failure (%s): %s", marker, line)
			}
		}
	}
}

// watch drains the remaining output and reaps the process. If the tunnel
// dies while still registered, the mapping is removed and tunnel-closed
// emitted so the broker does not keep advertising a dead URL.
func (m *Manager) watch(t *tunnel, lines <-chan string) {
	for range lines {
	}
	_ = t.cmd.Wait()
	close(t.done)

	m.mu.Lock()
	_, live := m.tunnels[t.port]
	if live {
		delete(m.tunnels, t.port)
	}
	m.mu.Unlock()

	if live {
		m.logger.Warn("tunnel exited unexpectedly", zap.Int("port", t.port), zap.String("url", t.url))
		m.sink.SendEvent(protocol.NewEvent(protocol.EvtTunnelClosed, "", t.projectID, protocol.TunnelPayloadEvent{
			Port: t.port,
		}))
	}
}

// kill terminates an attempt's process and reaps it.
func (m *Manager) kill(cmd *exec.Cmd) {
	_ = cmd.Process.Kill()
	_ = cmd.Wait()
}

// isPermanent reports whether err should bypass the retry loop.
func isPermanent(err error) bool {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return true
	}
	return strings.Contains(err.Error(), "permanent failure")
}

// matchPermanent returns the matched marker if the line describes a
// non-retryable failure.
func matchPermanent(line string) string {
	lower := strings.ToLower(line)
	for _, marker := range permanentMarkers {
		if strings.Contains(lower, marker) {
			return strings.TrimSpace(marker)
		}
	}
	return ""
}

// truncate caps s for inclusion in error messages.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// backoff computes 2^n seconds plus up to one second of jitter.
func backoff(attempt int) time.Duration {
	base := backoffBase * time.Duration(1<<attempt)
	return base + time.Duration(rand.Int63n(int64(time.Second)))
}
