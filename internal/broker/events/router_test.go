package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codyde/sentryvibe/internal/broker/db"
	"github.com/codyde/sentryvibe/internal/broker/repositories"
	"github.com/codyde/sentryvibe/internal/protocol"
)

// recordingStores captures persistence side effects for assertions. Only
// the methods the router calls are implemented with behavior; the rest
// satisfy the interfaces.
type recordingStores struct {
	mu            sync.Mutex
	devServer     []string // "status:port:pid"
	tunnelURLs    []string
	genStates     []string
	messages      []db.Message
	procUpserts   []db.RunningProcess
	procDeletes   []uuid.UUID
	portsReleased []uuid.UUID
}

func newRecordingStores() *recordingStores { return &recordingStores{} }

func (s *recordingStores) stores() Stores {
	return Stores{
		Projects:  (*recProjects)(s),
		Processes: (*recProcesses)(s),
		Messages:  (*recMessages)(s),
		Ports:     (*recPorts)(s),
	}
}

type recProjects recordingStores

func (p *recProjects) Create(context.Context, *db.Project) error          { return nil }
func (p *recProjects) GetByID(context.Context, uuid.UUID) (*db.Project, error) {
	return nil, repositories.ErrNotFound
}
func (p *recProjects) GetBySlug(context.Context, string) (*db.Project, error) {
	return nil, repositories.ErrNotFound
}
func (p *recProjects) Update(context.Context, *db.Project) error { return nil }
func (p *recProjects) Delete(context.Context, uuid.UUID) error   { return nil }
func (p *recProjects) List(context.Context, uuid.UUID, repositories.ListOptions) ([]db.Project, int64, error) {
	return nil, 0, nil
}
func (p *recProjects) BindRunner(context.Context, uuid.UUID, string) error { return nil }
func (p *recProjects) ClearRunner(context.Context, uuid.UUID) error        { return nil }
func (p *recProjects) UpdateDevServer(_ context.Context, _ uuid.UUID, status string, port, pid int, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devServer = append(p.devServer, status+":"+itoa(port)+":"+itoa(pid))
	return nil
}
func (p *recProjects) UpdateTunnelURL(_ context.Context, _ uuid.UUID, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tunnelURLs = append(p.tunnelURLs, url)
	return nil
}
func (p *recProjects) UpdateGenerationState(_ context.Context, _ uuid.UUID, state string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.genStates = append(p.genStates, state)
	return nil
}
func (p *recProjects) TouchActivity(context.Context, uuid.UUID, time.Time) error { return nil }

type recProcesses recordingStores

func (p *recProcesses) Upsert(_ context.Context, proc *db.RunningProcess) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.procUpserts = append(p.procUpserts, *proc)
	return nil
}
func (p *recProcesses) GetByProject(context.Context, uuid.UUID) (*db.RunningProcess, error) {
	return nil, repositories.ErrNotFound
}
func (p *recProcesses) Delete(_ context.Context, projectID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.procDeletes = append(p.procDeletes, projectID)
	return nil
}
func (p *recProcesses) List(context.Context) ([]db.RunningProcess, error) { return nil, nil }
func (p *recProcesses) ListByRunner(context.Context, string) ([]db.RunningProcess, error) {
	return nil, nil
}

type recMessages recordingStores

func (m *recMessages) Create(_ context.Context, msg *db.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, *msg)
	return nil
}
func (m *recMessages) ListByProject(context.Context, uuid.UUID, repositories.ListOptions) ([]db.Message, int64, error) {
	return nil, 0, nil
}

type recPorts recordingStores

func (p *recPorts) GetUnreleased(context.Context, uuid.UUID) (*db.PortAllocation, error) {
	return nil, repositories.ErrNotFound
}
func (p *recPorts) ListUnreleasedPorts(context.Context) ([]int, error)    { return nil, nil }
func (p *recPorts) Reserve(context.Context, *db.PortAllocation) error     { return nil }
func (p *recPorts) Release(_ context.Context, projectID uuid.UUID, _ time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.portsReleased = append(p.portsReleased, projectID)
	return nil
}
func (p *recPorts) DeleteAbandoned(context.Context, time.Time) (int64, error) { return 0, nil }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

type stubAcker struct {
	mu  sync.Mutex
	ids []string
}

func (a *stubAcker) Ack(commandID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ids = append(a.ids, commandID)
}

type stubHeartbeater struct {
	mu  sync.Mutex
	ids []string
}

func (h *stubHeartbeater) Heartbeat(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ids = append(h.ids, id)
}

func newTestRouter(t *testing.T) (*Router, *recordingStores, *stubAcker, *stubHeartbeater) {
	t.Helper()
	stores := newRecordingStores()
	acker := &stubAcker{}
	hb := &stubHeartbeater{}
	return NewRouter(zap.NewNop(), acker, hb, stores.stores()), stores, acker, hb
}

func evt(t protocol.EventType, commandID, projectID, payload string) *protocol.Event {
	e := &protocol.Event{
		Type:      t,
		CommandID: commandID,
		ProjectID: projectID,
		Timestamp: time.Now().UTC(),
	}
	if payload != "" {
		e.Payload = []byte(payload)
	}
	return e
}

func TestRouteFanoutScopes(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	projectID := uuid.Must(uuid.NewV7()).String()

	cmdSub := r.SubscribeCommand("cmd-1", 8)
	projSub := r.SubscribeProject(projectID, 8)
	allSub := r.SubscribeAll(8)
	otherCmd := r.SubscribeCommand("cmd-2", 8)

	r.Route(context.Background(), "runner-1",
		evt(protocol.EvtLogChunk, "cmd-1", projectID, `{"stream":"stdout","data":"ready"}`))

	for _, sub := range []*Subscription{cmdSub, projSub, allSub} {
		select {
		case got := <-sub.Events():
			assert.Equal(t, protocol.EvtLogChunk, got.Type)
		default:
			t.Fatalf("subscriber %s missed the event", sub.scope)
		}
	}
	select {
	case <-otherCmd.Events():
		t.Fatal("unrelated command subscriber received the event")
	default:
	}
}

func TestRouteAck(t *testing.T) {
	r, _, acker, _ := newTestRouter(t)
	allSub := r.SubscribeAll(8)

	r.Route(context.Background(), "runner-1", evt(protocol.EvtAck, "cmd-1", "", ""))

	assert.Equal(t, []string{"cmd-1"}, acker.ids)
	// Acks are plumbing, not subscriber traffic.
	select {
	case <-allSub.Events():
		t.Fatal("ack was fanned out")
	default:
	}
}

func TestRouteRunnerStatusHeartbeats(t *testing.T) {
	r, _, _, hb := newTestRouter(t)
	allSub := r.SubscribeAll(8)

	r.Route(context.Background(), "runner-1",
		evt(protocol.EvtRunnerStatus, "", "", `{"runnerId":"runner-1"}`))

	assert.Equal(t, []string{"runner-1"}, hb.ids)
	select {
	case got := <-allSub.Events():
		assert.Equal(t, protocol.EvtRunnerStatus, got.Type)
	default:
		t.Fatal("runner-status not delivered to all-subscriber")
	}
}

func TestTerminalEventClosesCommandSubscriptions(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	projectID := uuid.Must(uuid.NewV7()).String()
	sub := r.SubscribeCommand("cmd-1", 8)

	r.Route(context.Background(), "runner-1",
		evt(protocol.EvtBuildCompleted, "cmd-1", projectID, `{"summary":"done"}`))

	// The terminal event itself is delivered, then the channel closes.
	got, ok := <-sub.Events()
	require.True(t, ok)
	assert.Equal(t, protocol.EvtBuildCompleted, got.Type)
	_, ok = <-sub.Events()
	assert.False(t, ok)
}

func TestSlowSubscriberDropped(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	sub := r.SubscribeAll(1)

	r.Route(context.Background(), "runner-1",
		evt(protocol.EvtLogChunk, "cmd-1", "", `{}`))
	// Buffer now full; next delivery drops the subscriber.
	r.Route(context.Background(), "runner-1",
		evt(protocol.EvtLogChunk, "cmd-1", "", `{}`))

	// First event is readable, then the closed channel shows the drop.
	_, ok := <-sub.Events()
	require.True(t, ok)
	_, ok = <-sub.Events()
	assert.False(t, ok)
}

func TestPortDetectedPersists(t *testing.T) {
	r, stores, _, _ := newTestRouter(t)
	projectID := uuid.Must(uuid.NewV7())

	r.Route(context.Background(), "runner-1",
		evt(protocol.EvtPortDetected, "cmd-1", projectID.String(), `{"port":3005,"pid":4242}`))

	stores.mu.Lock()
	defer stores.mu.Unlock()
	require.Equal(t, []string{"running:3005:4242"}, stores.devServer)
	require.Len(t, stores.procUpserts, 1)
	assert.Equal(t, projectID, stores.procUpserts[0].ProjectID)
	assert.Equal(t, 4242, stores.procUpserts[0].PID)
	assert.Equal(t, "runner-1", stores.procUpserts[0].RunnerID)
}

func TestTunnelLifecyclePersists(t *testing.T) {
	r, stores, _, _ := newTestRouter(t)
	projectID := uuid.Must(uuid.NewV7()).String()

	r.Route(context.Background(), "runner-1",
		evt(protocol.EvtTunnelCreated, "cmd-1", projectID, `{"port":3005,"url":"https://abc.trycloudflare.com"}`))
	r.Route(context.Background(), "runner-1",
		evt(protocol.EvtTunnelClosed, "cmd-2", projectID, `{"port":3005}`))

	stores.mu.Lock()
	defer stores.mu.Unlock()
	assert.Equal(t, []string{"https://abc.trycloudflare.com", ""}, stores.tunnelURLs)
}

func TestProcessExitedPersists(t *testing.T) {
	r, stores, _, _ := newTestRouter(t)
	projectID := uuid.Must(uuid.NewV7())

	r.Route(context.Background(), "runner-1",
		evt(protocol.EvtProcessExited, "cmd-1", projectID.String(), `{"pid":4242,"exitCode":0,"durationSeconds":120}`))

	stores.mu.Lock()
	defer stores.mu.Unlock()
	require.Equal(t, []string{"stopped:0:0"}, stores.devServer)
	assert.Equal(t, []uuid.UUID{projectID}, stores.procDeletes)
	assert.Equal(t, []uuid.UUID{projectID}, stores.portsReleased)
}

func TestQuickExitMarksFailed(t *testing.T) {
	r, stores, _, _ := newTestRouter(t)
	projectID := uuid.Must(uuid.NewV7())

	r.Route(context.Background(), "runner-1",
		evt(protocol.EvtProcessExited, "cmd-1", projectID.String(), `{"pid":4242,"exitCode":1,"durationSeconds":2,"quickExit":true}`))

	stores.mu.Lock()
	defer stores.mu.Unlock()
	require.Equal(t, []string{"failed:0:0"}, stores.devServer)
}

func TestBuildCompletedAppendsMessage(t *testing.T) {
	r, stores, _, _ := newTestRouter(t)
	projectID := uuid.Must(uuid.NewV7())

	r.Route(context.Background(), "runner-1",
		evt(protocol.EvtBuildCompleted, "cmd-1", projectID.String(), `{"summary":"built the app","todos":[]}`))

	stores.mu.Lock()
	defer stores.mu.Unlock()
	require.Len(t, stores.messages, 1)
	assert.Equal(t, "assistant", stores.messages[0].Role)
	assert.Equal(t, "cmd-1", stores.messages[0].CommandID)
	assert.Equal(t, projectID, stores.messages[0].ProjectID)
	assert.Equal(t, []string{`{"status":"completed"}`}, stores.genStates)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	sub := r.SubscribeCommand("cmd-1", 8)

	r.Unsubscribe(sub)
	r.Unsubscribe(sub)

	_, ok := <-sub.Events()
	assert.False(t, ok)
}

func TestRunnerDetachedFailsOwnedCommandStreams(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	sub := r.SubscribeCommand("cmd-1", 8)

	// The ack teaches the router which runner owns the stream.
	r.Route(context.Background(), "runner-1", evt(protocol.EvtAck, "cmd-1", "", ""))
	r.RunnerDetached("runner-1")

	got, ok := <-sub.Events()
	require.True(t, ok)
	require.Equal(t, protocol.EvtError, got.Type)
	assert.Equal(t, "cmd-1", got.CommandID)

	var p protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(got.Payload, &p))
	assert.Equal(t, "runner-disconnected", p.Code)

	_, ok = <-sub.Events()
	assert.False(t, ok)
}

func TestRunnerDetachedLeavesOtherRunnersAlone(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	sub := r.SubscribeCommand("cmd-2", 8)

	r.Route(context.Background(), "runner-2", evt(protocol.EvtAck, "cmd-2", "", ""))
	r.RunnerDetached("runner-1")

	select {
	case <-sub.Events():
		t.Fatal("stream on a different runner was disturbed")
	default:
	}
}

func TestRunnerDetachedIsIdempotent(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	sub := r.SubscribeCommand("cmd-1", 8)

	r.Route(context.Background(), "runner-1", evt(protocol.EvtAck, "cmd-1", "", ""))
	r.RunnerDetached("runner-1")
	r.RunnerDetached("runner-1")

	got, ok := <-sub.Events()
	require.True(t, ok)
	assert.Equal(t, protocol.EvtError, got.Type)
	_, ok = <-sub.Events()
	assert.False(t, ok)
}

func TestTerminalEventClearsStreamOwnership(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	projectID := uuid.Must(uuid.NewV7()).String()

	r.Route(context.Background(), "runner-1", evt(protocol.EvtAck, "cmd-1", "", ""))
	r.Route(context.Background(), "runner-1",
		evt(protocol.EvtBuildCompleted, "cmd-1", projectID, `{"summary":"done"}`))

	// A late subscriber to the finished command must not be failed when the
	// runner later detaches.
	sub := r.SubscribeCommand("cmd-1", 8)
	r.RunnerDetached("runner-1")

	select {
	case <-sub.Events():
		t.Fatal("finished command stream was failed on detach")
	default:
	}
}
