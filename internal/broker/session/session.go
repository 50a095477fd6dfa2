// Package session owns the broker side of a runner's WebSocket connection.
//
// A session begins with an HTTP upgrade and an attach handshake: the first
// frame the runner sends must be an attach request carrying its key. Once
// authenticated, the session installs itself into the registry and runs
// three goroutines for the rest of its life:
//
//   - readPump pulls frames off the wire and hands them to a buffered
//     queue; it never calls into the router directly so a slow database
//     write cannot stall socket reads.
//   - routePump drains that queue into the event router.
//   - writePump is the only goroutine that writes to the connection. It
//     serialises queued commands and periodic pings.
//
// Teardown is idempotent: displacement by a newer session, heartbeat
// staleness, read errors, and server shutdown all funnel into Close.
package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codyde/sentryvibe/internal/broker/dispatch"
	"github.com/codyde/sentryvibe/internal/broker/events"
	"github.com/codyde/sentryvibe/internal/broker/registry"
	"github.com/codyde/sentryvibe/internal/broker/runnerkeys"
	"github.com/codyde/sentryvibe/internal/protocol"
)

const (
	// writeWait is the maximum time allowed to write a frame to the runner.
	writeWait = 10 * time.Second

	// pongWait is how long the broker waits for any read after sending a
	// ping. Runner events also reset the deadline, so an active session
	// never pings out.
	pongWait = 60 * time.Second

	// pingPeriod is how often the broker pings. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// attachWait bounds how long a fresh connection may sit unauthenticated
	// before the broker hangs up.
	attachWait = 10 * time.Second

	// maxMessageSize caps inbound frames. Build stream events carry
	// assistant output, so this is generous.
	maxMessageSize = 1 << 20

	// sendBufferSize is the capacity of the outbound command channel.
	sendBufferSize = 64

	// eventQueueSize is the capacity of the inbound event queue between
	// readPump and routePump.
	eventQueueSize = 512
)

// upgrader performs the HTTP → WebSocket protocol upgrade. CheckOrigin
// always returns true — runners are not browsers and carry their own
// credentials; origin policy belongs to the reverse proxy.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

var (
	errSessionClosed  = errors.New("session: closed")
	errSendBufferFull = errors.New("session: send buffer full")
)

// Deps are the collaborators a session needs.
type Deps struct {
	Keys     *runnerkeys.Store
	Registry *registry.Registry
	Dispatch *dispatch.Dispatcher
	Router   *events.Router
	Logger   *zap.Logger
}

// Session is one attached runner connection.
type Session struct {
	deps Deps
	conn *websocket.Conn

	runnerID string
	userID   string
	version  string
	platform string
	gen      uint64

	send      chan *protocol.Command
	inbox     chan *protocol.Event
	closed    chan struct{}
	closeOnce sync.Once

	logger *zap.Logger
}

// Handle upgrades the request and runs the session to completion. It
// blocks until the connection closes, which is fine for an HTTP handler.
func Handle(w http.ResponseWriter, r *http.Request, deps Deps) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		deps.Logger.Warn("runner ws upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	s := &Session{
		deps:   deps,
		conn:   conn,
		send:   make(chan *protocol.Command, sendBufferSize),
		inbox:  make(chan *protocol.Event, eventQueueSize),
		closed: make(chan struct{}),
		logger: deps.Logger.Named("session").With(zap.String("remote_addr", r.RemoteAddr)),
	}
	s.run()
}

// run performs the attach handshake and starts the pumps.
func (s *Session) run() {
	if !s.attach() {
		_ = s.conn.Close()
		return
	}

	s.logger = s.logger.With(zap.String("runner_id", s.runnerID))
	s.gen = s.deps.Registry.Register(s.runnerID, s.userID, s.version, s.platform, s)
	s.deps.Dispatch.NotifyAttached(s.runnerID)

	go s.writePump()
	go s.routePump()
	s.readPump()

	s.Close()
}

// attach reads and answers the handshake frame. Returns false on any
// failure; the caller closes the socket.
func (s *Session) attach() bool {
	s.conn.SetReadLimit(maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(attachWait)); err != nil {
		return false
	}

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		s.logger.Debug("connection closed before attach", zap.Error(err))
		return false
	}

	req, err := protocol.ParseAttach(data)
	if err != nil {
		s.logger.Debug("invalid attach frame", zap.Error(err))
		s.reject("bad-request")
		return false
	}
	if req.RunnerID == "" {
		s.reject("bad-request")
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), attachWait)
	defer cancel()

	_, userID, err := s.deps.Keys.Authenticate(ctx, req.Secret)
	if err != nil {
		s.logger.Warn("runner attach rejected",
			zap.String("runner_id", req.RunnerID),
			zap.Error(err),
		)
		s.reject("unauthorized")
		return false
	}

	s.runnerID = req.RunnerID
	s.userID = userID.String()

	ok := protocol.AttachResponse{Type: "attached"}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(ok); err != nil {
		return false
	}

	// Record version/platform now that the handshake carried them. The
	// registry entry is created by run with the same values.
	s.version = req.Version
	s.platform = req.Platform
	return true
}

// reject answers a failed handshake, best effort. Error carries a stable
// machine-readable code — the runner switches on "unauthorized" to stop
// reconnecting — and the human-readable detail stays in the logs.
func (s *Session) reject(code string) {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = s.conn.WriteJSON(protocol.AttachResponse{Type: "error", Error: code})
}

// Send queues a command for the runner. Implements registry.Sink. It
// fails fast when the session is closing or the buffer is full — the
// dispatcher treats either as a delivery failure and keeps the command
// queued for the next session.
func (s *Session) Send(cmd *protocol.Command) error {
	select {
	case <-s.closed:
		return errSessionClosed
	default:
	}
	select {
	case s.send <- cmd:
		return nil
	case <-s.closed:
		return errSessionClosed
	default:
		return errSendBufferFull
	}
}

// Close tears the session down once: deregisters from the registry, fails
// the in-flight dispatch, ends the command streams this runner was
// feeding, and closes the socket. Implements registry.Sink. Safe to call
// concurrently — readPump, writePump, displacement, and the staleness
// sweep all funnel here.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)

		s.deps.Registry.Deregister(s.runnerID, s.gen)
		s.deps.Dispatch.NotifyDetached(s.runnerID)
		s.deps.Router.RunnerDetached(s.runnerID)
		_ = s.conn.Close()
	})
}

// readPump reads frames until the connection dies. Every successful read
// refreshes the deadline, so either pongs or events keep the session alive.
func (s *Session) readPump() {
	defer s.Close()

	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				s.logger.Warn("runner connection lost", zap.Error(err))
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		evt, err := protocol.ParseEvent(data)
		if err != nil {
			s.logger.Warn("dropping malformed event frame", zap.Error(err))
			continue
		}

		select {
		case s.inbox <- evt:
		default:
			// The router is wedged behind a slow database. Dropping the
			// frame is better than stalling reads until the ping deadline
			// kills the session.
			s.logger.Warn("inbound event queue full, dropping frame",
				zap.String("event_type", string(evt.Type)),
			)
		}
	}
}

// routePump feeds queued events to the router, off the read path.
func (s *Session) routePump() {
	for {
		select {
		case evt := <-s.inbox:
			s.deps.Router.Route(context.Background(), s.runnerID, evt)
		case <-s.closed:
			// Drain what already arrived so terminal events are not lost.
			for {
				select {
				case evt := <-s.inbox:
					s.deps.Router.Route(context.Background(), s.runnerID, evt)
				default:
					return
				}
			}
		}
	}
}

// writePump is the single writer on the connection.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case cmd := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(cmd); err != nil {
				s.logger.Warn("command write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.closed:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
