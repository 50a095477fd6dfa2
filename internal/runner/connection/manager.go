// Package connection maintains the runner's persistent WebSocket attach
// channel to the broker. It handles:
//   - The attach handshake (runner id + key as the first frame)
//   - Heartbeat loop (runner-status events with host metrics)
//   - Command receive loop (ack each command, hand it to the Handler)
//   - Event send path (the Manager is the EventSink every component writes to)
//   - Automatic reconnection with exponential backoff + jitter on any failure
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codyde/sentryvibe/internal/protocol"
	"github.com/codyde/sentryvibe/internal/runner/metrics"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	backoffFactor  = 2.0
	// jitterFraction adds up to ±20% random jitter to each backoff interval
	// to prevent thundering herd when many runners reconnect simultaneously.
	jitterFraction = 0.2

	// heartbeatInterval is how often the runner sends runner-status events.
	// The broker drops a session after missing two.
	heartbeatInterval = 30 * time.Second

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// attachReplyWait bounds how long the runner waits for the broker's
	// answer to the attach frame.
	attachReplyWait = 10 * time.Second

	// sendBufferSize is how many outbound events are buffered across a
	// reconnect. Events beyond it are dropped, oldest retained.
	sendBufferSize = 512
)

// ErrUnauthorized is returned when the broker rejects the attach handshake.
var ErrUnauthorized = errors.New("connection: attach rejected as unauthorized")

// CommandHandler executes commands received from the broker. Implemented by
// Handler.
type CommandHandler interface {
	Handle(ctx context.Context, cmd *protocol.Command)
}

// ActiveCounter reports how many jobs the runner is hosting, included in
// heartbeats. Implemented by the supervisor.
type ActiveCounter interface {
	ActiveCount() int
}

// Config holds everything needed to attach to a broker.
type Config struct {
	// BrokerURL is the attach endpoint, e.g.
	// "ws://localhost:8080/api/v1/runner/attach".
	BrokerURL string
	// RunnerID identifies this runner; commands are addressed to it.
	RunnerID string
	// Secret is the plaintext runner key (or the local-mode shared secret).
	Secret string
	// Version is the runner binary version, sent during attach.
	Version string
}

// Manager owns the attach channel. It implements the EventSink used by
// every runner component; events sent while disconnected are buffered up to
// sendBufferSize and flushed after the next attach.
type Manager struct {
	cfg     Config
	handler CommandHandler
	active  ActiveCounter
	logger  *zap.Logger

	send chan *protocol.Event

	// dropped counts events discarded because the buffer was full, for a
	// periodic warning instead of one log line per loss.
	mu      sync.Mutex
	dropped int
}

// New creates a Manager. Call Run to start the connection loop.
func New(cfg Config, handler CommandHandler, active ActiveCounter, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		handler: handler,
		active:  active,
		logger:  logger.Named("connection"),
		send:    make(chan *protocol.Event, sendBufferSize),
	}
}

// Run starts the connection loop: attach, serve the session, reconnect with
// exponential backoff on any failure. Blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			m.logger.Info("connection manager stopped")
			return
		}

		m.logger.Info("connecting to broker", zap.String("url", m.cfg.BrokerURL))

		start := time.Now()
		if err := m.session(ctx); err != nil {
			m.logger.Warn("session ended, retrying",
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			// A session that survived long enough to have been useful resets
			// the backoff; rapid-fire failures keep growing it.
			if time.Since(start) > time.Minute {
				backoff = backoffInitial
			} else {
				backoff = nextBackoff(backoff)
			}
			continue
		}

		backoff = backoffInitial
	}
}

// SendEvent implements the runner components' event sink. Non-blocking —
// when the buffer is full the event is dropped and counted.
func (m *Manager) SendEvent(evt *protocol.Event) {
	select {
	case m.send <- evt:
	default:
		m.mu.Lock()
		m.dropped++
		n := m.dropped
		m.mu.Unlock()
		if n%100 == 1 {
			m.logger.Warn("event buffer full, dropping events", zap.Int("dropped_total", n))
		}
	}
}

// session runs one attach session: dial → handshake → pump loops.
// Returns when the session ends.
func (m *Manager) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, m.cfg.BrokerURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("connection: dial: %w", err)
	}
	defer conn.Close()

	if err := m.attach(conn); err != nil {
		return err
	}

	m.logger.Info("attached to broker", zap.String("runner_id", m.cfg.RunnerID))

	sessionCtx, stop := context.WithCancel(ctx)
	defer stop()

	errCh := make(chan error, 2)
	go func() { errCh <- m.writePump(sessionCtx, conn) }()
	go func() { errCh <- m.readPump(sessionCtx, conn) }()

	// Announce presence immediately so the broker's status view is current
	// without waiting a full heartbeat interval.
	m.SendEvent(m.statusEvent(ctx))
	go m.heartbeatLoop(sessionCtx)

	err = <-errCh
	stop()
	if ctx.Err() != nil {
		// Graceful shutdown, not a session failure.
		return nil
	}
	return err
}

// attach performs the handshake: write the attach frame, wait for the
// broker's verdict.
func (m *Manager) attach(conn *websocket.Conn) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteJSON(protocol.AttachRequest{
		Type:     "attach",
		RunnerID: m.cfg.RunnerID,
		Secret:   m.cfg.Secret,
		Version:  m.cfg.Version,
		Platform: runtime.GOOS,
	})
	if err != nil {
		return fmt.Errorf("connection: writing attach frame: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(attachReplyWait))
	var resp protocol.AttachResponse
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("connection: reading attach response: %w", err)
	}
	if resp.Type != "attached" {
		if resp.Error == "unauthorized" {
			return ErrUnauthorized
		}
		return fmt.Errorf("connection: attach failed: %s", resp.Error)
	}
	return nil
}

// readPump reads command frames until the connection breaks. Each command
// is acked immediately and executed on its own goroutine — execution time
// must not block the socket.
func (m *Manager) readPump(ctx context.Context, conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("connection: read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var cmd protocol.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			m.logger.Warn("malformed command frame", zap.Error(err))
			continue
		}
		if err := cmd.Validate(); err != nil {
			m.logger.Warn("invalid command", zap.Error(err))
			continue
		}

		m.SendEvent(protocol.NewEvent(protocol.EvtAck, cmd.ID, cmd.ProjectID, nil))

		go m.handler.Handle(ctx, &cmd)
	}
}

// writePump is the sole writer on the connection: buffered events plus
// periodic pings.
func (m *Manager) writePump(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil

		case evt := <-m.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(evt); err != nil {
				return fmt.Errorf("connection: write: %w", err)
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("connection: ping: %w", err)
			}
		}
	}
}

// heartbeatLoop queues a runner-status event every interval until the
// session ends.
func (m *Manager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SendEvent(m.statusEvent(ctx))
		}
	}
}

// statusEvent builds a runner-status heartbeat with current host metrics.
func (m *Manager) statusEvent(ctx context.Context) *protocol.Event {
	snap := metrics.Collect(ctx)
	active := 0
	if m.active != nil {
		active = m.active.ActiveCount()
	}
	return protocol.NewEvent(protocol.EvtRunnerStatus, "", "", protocol.RunnerStatusPayload{
		RunnerID:    m.cfg.RunnerID,
		Version:     m.cfg.Version,
		Platform:    runtime.GOOS,
		ActiveJobs:  active,
		CPUPercent:  snap.CPUPercent,
		MemPercent:  snap.MemPercent,
		DiskPercent: snap.DiskPercent,
	})
}

// nextBackoff returns the next backoff duration, capped at backoffMax.
func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// jitter adds a random ±jitterFraction perturbation to d.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
