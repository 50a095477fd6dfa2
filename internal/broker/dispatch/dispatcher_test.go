package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codyde/sentryvibe/internal/broker/registry"
	"github.com/codyde/sentryvibe/internal/protocol"
)

// ackingSink acknowledges every delivered command through the dispatcher,
// like a healthy runner would.
type ackingSink struct {
	mu   sync.Mutex
	d    *Dispatcher
	sent []*protocol.Command
	fail error // when set, Send returns it
	mute bool  // when set, deliveries are never acked
}

func (s *ackingSink) Send(cmd *protocol.Command) error {
	s.mu.Lock()
	if s.fail != nil {
		err := s.fail
		s.mu.Unlock()
		return err
	}
	s.sent = append(s.sent, cmd)
	mute := s.mute
	s.mu.Unlock()

	if !mute {
		go s.d.Ack(cmd.ID)
	}
	return nil
}

func (s *ackingSink) Close() {}

func (s *ackingSink) sentIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sent))
	for _, cmd := range s.sent {
		ids = append(ids, cmd.ID)
	}
	return ids
}

func (s *ackingSink) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func newTestDispatcher(opts Options) (*Dispatcher, *registry.Registry) {
	reg := registry.New(zap.NewNop(), nil)
	d := New(reg, zap.NewNop(), opts)
	return d, reg
}

func cmd(id string) *protocol.Command {
	return &protocol.Command{
		ID:        id,
		Type:      protocol.CmdHealthCheck,
		Timestamp: time.Now().UTC(),
	}
}

func TestSendAndAck(t *testing.T) {
	d, reg := newTestDispatcher(Options{})
	sink := &ackingSink{d: d}
	gen := reg.Register("runner-1", "user-1", "1.0.0", "linux/amd64", sink)
	defer reg.Deregister("runner-1", gen)
	d.NotifyAttached("runner-1")

	err := d.Send(context.Background(), "runner-1", cmd("cmd-1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"cmd-1"}, sink.sentIDs())
	assert.Equal(t, 0, d.QueueDepth("runner-1"))
}

func TestSendNotConnected(t *testing.T) {
	d, _ := newTestDispatcher(Options{})

	err := d.Send(context.Background(), "ghost", cmd("cmd-1"))
	assert.ErrorIs(t, err, ErrRunnerNotConnected)
}

func TestSendPreservesOrder(t *testing.T) {
	d, reg := newTestDispatcher(Options{})
	sink := &ackingSink{d: d}
	gen := reg.Register("runner-1", "user-1", "1.0.0", "linux/amd64", sink)
	defer reg.Deregister("runner-1", gen)
	d.NotifyAttached("runner-1")

	const n = 20
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		id := string(rune('a' + i))
		idx := i
		go func() {
			defer wg.Done()
			errs[idx] = d.Send(context.Background(), "runner-1", cmd(id))
		}()
		// Stagger the enqueues so arrival order is deterministic.
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "command %d", i)
	}
	ids := sink.sentIDs()
	require.Len(t, ids, n)
	for i := 1; i < n; i++ {
		assert.Less(t, ids[i-1], ids[i], "delivery out of order at %d", i)
	}
}

func TestSendQueueFull(t *testing.T) {
	d, reg := newTestDispatcher(Options{QueueCap: 1, AckTimeout: time.Hour})
	sink := &ackingSink{d: d, mute: true}
	gen := reg.Register("runner-1", "user-1", "1.0.0", "linux/amd64", sink)
	defer reg.Deregister("runner-1", gen)
	d.NotifyAttached("runner-1")

	go d.Send(context.Background(), "runner-1", cmd("cmd-1")) //nolint:errcheck

	require.Eventually(t, func() bool {
		return d.QueueDepth("runner-1") == 1
	}, time.Second, 5*time.Millisecond)

	err := d.Send(context.Background(), "runner-1", cmd("cmd-2"))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestSendRetriesOnceThenTimesOut(t *testing.T) {
	d, reg := newTestDispatcher(Options{AckTimeout: 30 * time.Millisecond})
	sink := &ackingSink{d: d, mute: true}
	gen := reg.Register("runner-1", "user-1", "1.0.0", "linux/amd64", sink)
	defer reg.Deregister("runner-1", gen)
	d.NotifyAttached("runner-1")

	err := d.Send(context.Background(), "runner-1", cmd("cmd-1"))
	assert.ErrorIs(t, err, ErrAckTimeout)
	// The original attempt plus exactly one retry.
	assert.Equal(t, 2, sink.sentCount())
	assert.Equal(t, 0, d.QueueDepth("runner-1"))
}

func TestSendCallerTimeoutDoesNotRevoke(t *testing.T) {
	d, reg := newTestDispatcher(Options{AckTimeout: time.Hour})
	sink := &ackingSink{d: d, mute: true}
	gen := reg.Register("runner-1", "user-1", "1.0.0", "linux/amd64", sink)
	defer reg.Deregister("runner-1", gen)
	d.NotifyAttached("runner-1")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := d.Send(ctx, "runner-1", cmd("cmd-1"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	// The command is still in flight for the runner.
	assert.Equal(t, 1, d.QueueDepth("runner-1"))
}

func TestDetachFailsInflight(t *testing.T) {
	d, reg := newTestDispatcher(Options{AckTimeout: time.Hour})
	sink := &ackingSink{d: d, mute: true}
	reg.Register("runner-1", "user-1", "1.0.0", "linux/amd64", sink)
	d.NotifyAttached("runner-1")

	done := make(chan error, 1)
	go func() {
		done <- d.Send(context.Background(), "runner-1", cmd("cmd-1"))
	}()

	require.Eventually(t, func() bool {
		return sink.sentCount() == 1
	}, time.Second, 5*time.Millisecond)

	d.NotifyDetached("runner-1")

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrRunnerNotConnected)
	case <-time.After(time.Second):
		t.Fatal("in-flight send was not failed on detach")
	}
}

func TestQueueSurvivesToNextAttach(t *testing.T) {
	d, reg := newTestDispatcher(Options{AckTimeout: time.Second})
	first := &ackingSink{d: d, fail: errors.New("socket closed")}
	gen := reg.Register("runner-1", "user-1", "1.0.0", "linux/amd64", first)
	d.NotifyAttached("runner-1")

	done := make(chan error, 1)
	go func() {
		done <- d.Send(context.Background(), "runner-1", cmd("cmd-1"))
	}()

	// Let the first delivery attempt fail against the dead socket, then
	// simulate the reconnect.
	require.Eventually(t, func() bool {
		return d.QueueDepth("runner-1") == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	reg.Deregister("runner-1", gen)
	d.NotifyDetached("runner-1")

	second := &ackingSink{d: d}
	reg.Register("runner-1", "user-1", "1.0.0", "linux/amd64", second)
	d.NotifyAttached("runner-1")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("queued command was not replayed on reattach")
	}
	assert.Equal(t, []string{"cmd-1"}, second.sentIDs())
}

func TestQueuedCommandExpires(t *testing.T) {
	d, reg := newTestDispatcher(Options{MaxQueueAge: 30 * time.Millisecond})
	// Attach just long enough to pass the fast-fail check, then detach so
	// the command sits queued.
	gen := reg.Register("runner-1", "user-1", "1.0.0", "linux/amd64", &ackingSink{d: d, mute: true, fail: errors.New("socket closed")})
	d.NotifyAttached("runner-1")

	done := make(chan error, 1)
	go func() {
		done <- d.Send(context.Background(), "runner-1", cmd("cmd-1"))
	}()

	require.Eventually(t, func() bool {
		return d.QueueDepth("runner-1") == 1
	}, time.Second, 5*time.Millisecond)
	reg.Deregister("runner-1", gen)
	d.NotifyDetached("runner-1")

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrExpired)
	case <-time.After(5 * time.Second):
		t.Fatal("queued command did not expire")
	}
}

func TestAckUnknownCommand(t *testing.T) {
	d, _ := newTestDispatcher(Options{})
	// Must not panic.
	d.Ack("never-sent")
}
