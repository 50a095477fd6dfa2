package tunnel

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codyde/sentryvibe/internal/protocol"
)

type recordingSink struct {
	mu     sync.Mutex
	events []*protocol.Event
}

func (r *recordingSink) SendEvent(evt *protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingSink) count(t protocol.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evt := range r.events {
		if evt.Type == t {
			n++
		}
	}
	return n
}

// fakeBinary writes an executable shell script standing in for cloudflared.
func fakeBinary(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cloudflared")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestCreateScrapesURL(t *testing.T) {
	sink := &recordingSink{}
	bin := fakeBinary(t, `echo "INF +--- quick tunnel"
echo "INF https://brave-otter-1234.trycloudflare.com" >&2
sleep 60`)
	m := New(bin, sink, zap.NewNop())

	url, err := m.Create(context.Background(), "cmd-1", "proj-1", 3001)
	require.NoError(t, err)
	assert.Equal(t, "https://brave-otter-1234.trycloudflare.com", url)
	assert.Equal(t, 1, sink.count(protocol.EvtTunnelCreated))
	assert.Equal(t, url, m.URL(3001))

	m.Close("cmd-2", 3001)
	assert.Equal(t, 1, sink.count(protocol.EvtTunnelClosed))
	assert.Empty(t, m.URL(3001))
}

func TestCreateReturnsExistingTunnel(t *testing.T) {
	sink := &recordingSink{}
	bin := fakeBinary(t, `echo "https://same-url-0001.trycloudflare.com"
sleep 60`)
	m := New(bin, sink, zap.NewNop())
	defer m.CloseAll()

	url1, err := m.Create(context.Background(), "cmd-1", "proj-1", 3001)
	require.NoError(t, err)
	url2, err := m.Create(context.Background(), "cmd-2", "proj-1", 3001)
	require.NoError(t, err)

	assert.Equal(t, url1, url2)
	// Both commands got their terminal event.
	assert.Equal(t, 2, sink.count(protocol.EvtTunnelCreated))
}

func TestRetryAfterFailedAttempt(t *testing.T) {
	state := filepath.Join(t.TempDir(), "state")
	t.Setenv("TUNNEL_TEST_STATE", state)

	sink := &recordingSink{}
	// First invocation exits without a URL; the second succeeds.
	bin := fakeBinary(t, `if [ ! -f "$TUNNEL_TEST_STATE" ]; then
  touch "$TUNNEL_TEST_STATE"
  echo "failed to request quick tunnel"
  exit 1
fi
echo "https://second-try-9999.trycloudflare.com"
sleep 60`)
	m := New(bin, sink, zap.NewNop())
	defer m.CloseAll()

	start := time.Now()
	url, err := m.Create(context.Background(), "cmd-1", "proj-1", 3002)
	require.NoError(t, err)
	assert.Equal(t, "https://second-try-9999.trycloudflare.com", url)
	// One backoff happened: 2s base plus up to 1s jitter.
	assert.GreaterOrEqual(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, sink.count(protocol.EvtTunnelCreated))
}

func TestPermanentErrorSkipsRetry(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "count")
	t.Setenv("TUNNEL_TEST_COUNT", counter)

	sink := &recordingSink{}
	bin := fakeBinary(t, `echo run >> "$TUNNEL_TEST_COUNT"
echo "failed to bind: address already in use"
exit 1`)
	m := New(bin, sink, zap.NewNop())

	_, err := m.Create(context.Background(), "cmd-1", "proj-1", 3003)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permanent")

	data, readErr := os.ReadFile(counter)
	require.NoError(t, readErr)
	assert.Equal(t, "run\n", string(data), "expected exactly one attempt")
}

func TestMissingBinary(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "no-such-binary"), &recordingSink{}, zap.NewNop())

	start := time.Now()
	_, err := m.Create(context.Background(), "cmd-1", "proj-1", 3004)
	require.Error(t, err)
	// A missing binary must fail fast, not burn through the retry schedule.
	assert.Less(t, time.Since(start), time.Second)
}

func TestUnexpectedExitEmitsClosed(t *testing.T) {
	sink := &recordingSink{}
	bin := fakeBinary(t, `echo "https://short-lived-0001.trycloudflare.com"
sleep 0.2`)
	m := New(bin, sink, zap.NewNop())

	_, err := m.Create(context.Background(), "cmd-1", "proj-1", 3005)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sink.count(protocol.EvtTunnelClosed) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Empty(t, m.URL(3005))
}

func TestCloseIsIdempotent(t *testing.T) {
	sink := &recordingSink{}
	m := New("cloudflared", sink, zap.NewNop())

	m.Close("cmd-1", 9999)
	m.Close("cmd-1", 9999)
	assert.Equal(t, 0, sink.count(protocol.EvtTunnelClosed))
}
