package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codyde/sentryvibe/internal/protocol"
)

// stubSink records sends and closes for assertions.
type stubSink struct {
	mu     sync.Mutex
	sent   []*protocol.Command
	closed bool
}

func (s *stubSink) Send(cmd *protocol.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, cmd)
	return nil
}

func (s *stubSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *stubSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestRegisterAndLookup(t *testing.T) {
	r := New(zap.NewNop(), nil)
	sink := &stubSink{}

	r.Register("runner-1", "user-1", "1.0.0", "linux/amd64", sink)

	assert.True(t, r.IsAttached("runner-1"))
	got, ok := r.Sink("runner-1")
	require.True(t, ok)
	assert.Same(t, Sink(sink), got)

	attached := r.Attached()
	require.Len(t, attached, 1)
	assert.Equal(t, "runner-1", attached[0].ID)
	assert.Equal(t, "user-1", attached[0].UserID)
	assert.Equal(t, "1.0.0", attached[0].Version)
}

func TestRegisterDisplacesExisting(t *testing.T) {
	r := New(zap.NewNop(), nil)
	old := &stubSink{}
	replacement := &stubSink{}

	oldGen := r.Register("runner-1", "user-1", "1.0.0", "linux/amd64", old)
	r.Register("runner-1", "user-1", "1.0.1", "linux/amd64", replacement)

	assert.True(t, old.isClosed())
	assert.False(t, replacement.isClosed())

	// The displaced session's teardown must not remove the new session.
	r.Deregister("runner-1", oldGen)
	assert.True(t, r.IsAttached("runner-1"))

	got, ok := r.Sink("runner-1")
	require.True(t, ok)
	assert.Same(t, Sink(replacement), got)
}

func TestDeregister(t *testing.T) {
	r := New(zap.NewNop(), nil)
	gen := r.Register("runner-1", "user-1", "1.0.0", "linux/amd64", &stubSink{})

	r.Deregister("runner-1", gen)

	assert.False(t, r.IsAttached("runner-1"))
	_, ok := r.Sink("runner-1")
	assert.False(t, ok)

	// Repeat is a no-op.
	r.Deregister("runner-1", gen)
}

func TestSweepStale(t *testing.T) {
	r := New(zap.NewNop(), nil)
	staleSink := &stubSink{}
	liveSink := &stubSink{}

	r.Register("stale", "user-1", "1.0.0", "linux/amd64", staleSink)
	r.Register("live", "user-1", "1.0.0", "linux/amd64", liveSink)

	// Age the stale runner past the cutoff; keep the live one fresh.
	r.mu.Lock()
	r.runners["stale"].LastHeartbeat = time.Now().UTC().Add(-time.Minute)
	r.mu.Unlock()
	r.Heartbeat("live")

	swept := r.SweepStale(30 * time.Second)

	assert.Equal(t, []string{"stale"}, swept)
	assert.True(t, staleSink.isClosed())
	assert.False(t, r.IsAttached("stale"))
	assert.True(t, r.IsAttached("live"))
	assert.False(t, liveSink.isClosed())
}

func TestHeartbeatKeepsRunnerAlive(t *testing.T) {
	r := New(zap.NewNop(), nil)
	r.Register("runner-1", "user-1", "1.0.0", "linux/amd64", &stubSink{})

	r.mu.Lock()
	r.runners["runner-1"].LastHeartbeat = time.Now().UTC().Add(-time.Minute)
	r.mu.Unlock()

	r.Heartbeat("runner-1")
	swept := r.SweepStale(30 * time.Second)

	assert.Empty(t, swept)
	assert.True(t, r.IsAttached("runner-1"))
}

func TestHeartbeatUnknownRunner(t *testing.T) {
	r := New(zap.NewNop(), nil)
	// Must not panic or create an entry.
	r.Heartbeat("ghost")
	assert.False(t, r.IsAttached("ghost"))
}

func TestStatusCallback(t *testing.T) {
	var mu sync.Mutex
	events := []string{}
	r := New(zap.NewNop(), func(id string, online bool) {
		mu.Lock()
		defer mu.Unlock()
		if online {
			events = append(events, id+":online")
		} else {
			events = append(events, id+":offline")
		}
	})

	gen := r.Register("runner-1", "user-1", "1.0.0", "linux/amd64", &stubSink{})
	r.Deregister("runner-1", gen)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"runner-1:online", "runner-1:offline"}, events)
}
