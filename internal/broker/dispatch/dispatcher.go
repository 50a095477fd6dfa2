// Package dispatch owns the per-runner command queues.
//
// Each runner gets one bounded FIFO queue drained by a single pump
// goroutine, which is what gives the per-runner ordering guarantee:
// commands enqueued before t are written to the socket strictly before any
// enqueued after t, and nothing else ever writes to the queue's sink.
//
// A delivered command is not considered done until the runner acknowledges
// it with an ack event carrying the same command id. An unacknowledged
// send is retried once; after that the waiter is failed. If the runner
// detaches mid-flight the in-flight command fails immediately, but the
// rest of the queue survives and is replayed to the runner's next
// attachment, bounded by wall-clock age.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codyde/sentryvibe/internal/broker/registry"
	"github.com/codyde/sentryvibe/internal/protocol"
)

var (
	// ErrRunnerNotConnected is returned when the target runner has no live
	// session at enqueue time, or detaches while a command is in flight.
	ErrRunnerNotConnected = errors.New("dispatch: runner is not connected")

	// ErrQueueFull is returned when the runner's queue is at capacity.
	ErrQueueFull = errors.New("dispatch: command queue full")

	// ErrAckTimeout is returned when the runner accepted the frame but never
	// acknowledged it within the ack timeout, on the final attempt.
	ErrAckTimeout = errors.New("dispatch: timed out waiting for ack")

	// ErrExpired is returned for commands that sat queued past the maximum
	// queue age without a runner attaching to drain them.
	ErrExpired = errors.New("dispatch: queued command expired")
)

const (
	// maxAttempts bounds delivery tries per command: the original send plus
	// one retry.
	maxAttempts = 2

	defaultQueueCap    = 64
	defaultAckTimeout  = 10 * time.Second
	defaultMaxQueueAge = 2 * time.Minute
)

// pending is a queued command and its waiting caller.
type pending struct {
	cmd        *protocol.Command
	enqueuedAt time.Time
	attempts   int
	done       chan error // buffered, written exactly once
}

// runnerQueue is the FIFO for one runner id. items is only popped by the
// pump; Send appends under the dispatcher lock.
type runnerQueue struct {
	items   []*pending
	pumping bool
	wake    chan struct{} // buffered 1; nudges a parked pump
	detach  chan struct{} // closed on detach, replaced on attach
}

// Options tune the dispatcher. Zero values take defaults.
type Options struct {
	QueueCap    int
	AckTimeout  time.Duration
	MaxQueueAge time.Duration

	// Observe, when set, is called once per command with its final outcome:
	// "ack", "timeout", "disconnected", "expired", or "queue_full".
	Observe func(cmdType protocol.CommandType, outcome string)
}

// Dispatcher routes commands to attached runner sessions.
type Dispatcher struct {
	reg    *registry.Registry
	logger *zap.Logger
	opts   Options

	mu     sync.Mutex
	queues map[string]*runnerQueue
	acks   map[string]chan struct{} // commandID → ack signal
}

// New creates a Dispatcher over the given registry.
func New(reg *registry.Registry, logger *zap.Logger, opts Options) *Dispatcher {
	if opts.QueueCap <= 0 {
		opts.QueueCap = defaultQueueCap
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = defaultAckTimeout
	}
	if opts.MaxQueueAge <= 0 {
		opts.MaxQueueAge = defaultMaxQueueAge
	}
	return &Dispatcher{
		reg:    reg,
		logger: logger.Named("dispatch"),
		opts:   opts,
		queues: make(map[string]*runnerQueue),
		acks:   make(map[string]chan struct{}),
	}
}

// Send enqueues a command for a runner and blocks until the runner
// acknowledges it, delivery fails, or ctx expires. A ctx expiry releases
// the caller but does not revoke the command: the queue keeps it and the
// event stream it produces is simply orphaned.
func (d *Dispatcher) Send(ctx context.Context, runnerID string, cmd *protocol.Command) error {
	if !d.reg.IsAttached(runnerID) {
		d.observe(cmd.Type, "disconnected")
		return ErrRunnerNotConnected
	}

	p := &pending{
		cmd:        cmd,
		enqueuedAt: time.Now().UTC(),
		done:       make(chan error, 1),
	}

	d.mu.Lock()
	q := d.queue(runnerID)
	if len(q.items) >= d.opts.QueueCap {
		d.mu.Unlock()
		d.observe(cmd.Type, "queue_full")
		return ErrQueueFull
	}
	q.items = append(q.items, p)
	if !q.pumping {
		q.pumping = true
		go d.pump(runnerID, q)
	}
	d.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	d.logger.Debug("command enqueued",
		zap.String("runner_id", runnerID),
		zap.String("command_id", cmd.ID),
		zap.String("type", string(cmd.Type)),
	)

	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Ack resolves the waiter for a command id. Called by the event router
// when an ack frame arrives. Unknown ids are ignored.
func (d *Dispatcher) Ack(commandID string) {
	d.mu.Lock()
	ch, ok := d.acks[commandID]
	if ok {
		delete(d.acks, commandID)
	}
	d.mu.Unlock()
	if ok {
		close(ch)
	}
}

// NotifyAttached wakes the runner's pump so queued commands from a
// previous session are replayed. Called on every successful attach.
func (d *Dispatcher) NotifyAttached(runnerID string) {
	d.mu.Lock()
	q, exists := d.queues[runnerID]
	if exists {
		q.detach = make(chan struct{})
		if !q.pumping && len(q.items) > 0 {
			q.pumping = true
			go d.pump(runnerID, q)
		}
	}
	d.mu.Unlock()

	if exists {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
}

// NotifyDetached fails the in-flight ack wait for the runner, if any.
// Queued commands stay put for the next attachment.
func (d *Dispatcher) NotifyDetached(runnerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q, exists := d.queues[runnerID]; exists {
		select {
		case <-q.detach:
			// already closed
		default:
			close(q.detach)
		}
	}
}

// QueueDepth reports the number of commands waiting for a runner.
func (d *Dispatcher) QueueDepth(runnerID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q, exists := d.queues[runnerID]; exists {
		return len(q.items)
	}
	return 0
}

// queue returns the runner's queue, creating it if needed. Caller holds mu.
func (d *Dispatcher) queue(runnerID string) *runnerQueue {
	q, exists := d.queues[runnerID]
	if !exists {
		q = &runnerQueue{
			wake:   make(chan struct{}, 1),
			detach: make(chan struct{}),
		}
		d.queues[runnerID] = q
	}
	return q
}

// pump drains one runner's queue in order. Exactly one pump runs per queue
// at a time; it exits when the queue is empty and restarts on the next
// enqueue.
func (d *Dispatcher) pump(runnerID string, q *runnerQueue) {
	for {
		d.mu.Lock()
		if len(q.items) == 0 {
			q.pumping = false
			d.mu.Unlock()
			return
		}
		p := q.items[0]
		detach := q.detach
		d.mu.Unlock()

		if age := time.Since(p.enqueuedAt); age > d.opts.MaxQueueAge {
			d.finish(q, p, ErrExpired)
			d.logger.Warn("dropping expired queued command",
				zap.String("runner_id", runnerID),
				zap.String("command_id", p.cmd.ID),
				zap.Duration("age", age),
			)
			continue
		}

		sink, attached := d.reg.Sink(runnerID)
		if !attached {
			// Park until the runner reattaches or the head entry expires.
			select {
			case <-q.wake:
			case <-time.After(time.Until(p.enqueuedAt.Add(d.opts.MaxQueueAge))):
			}
			continue
		}

		p.attempts++
		ackCh := d.registerAck(p.cmd.ID)

		if err := sink.Send(p.cmd); err != nil {
			d.unregisterAck(p.cmd.ID)
			if p.attempts >= maxAttempts {
				d.finish(q, p, ErrRunnerNotConnected)
			}
			// The session is going away; wait for the next attach.
			select {
			case <-q.wake:
			case <-time.After(time.Second):
			}
			continue
		}

		select {
		case <-ackCh:
			d.finish(q, p, nil)
			d.logger.Debug("command acknowledged",
				zap.String("runner_id", runnerID),
				zap.String("command_id", p.cmd.ID),
				zap.Int("attempts", p.attempts),
			)
		case <-detach:
			d.unregisterAck(p.cmd.ID)
			d.finish(q, p, ErrRunnerNotConnected)
		case <-time.After(d.opts.AckTimeout):
			d.unregisterAck(p.cmd.ID)
			if p.attempts >= maxAttempts {
				d.finish(q, p, ErrAckTimeout)
				d.logger.Warn("command unacknowledged after final attempt",
					zap.String("runner_id", runnerID),
					zap.String("command_id", p.cmd.ID),
				)
			}
			// Otherwise loop around and resend the same head entry.
		}
	}
}

// finish pops the head entry and releases its waiter.
func (d *Dispatcher) finish(q *runnerQueue, p *pending, err error) {
	d.mu.Lock()
	if len(q.items) > 0 && q.items[0] == p {
		q.items = q.items[1:]
	}
	d.mu.Unlock()
	d.observe(p.cmd.Type, outcomeFor(err))
	p.done <- err
}

func (d *Dispatcher) observe(cmdType protocol.CommandType, outcome string) {
	if d.opts.Observe != nil {
		d.opts.Observe(cmdType, outcome)
	}
}

func outcomeFor(err error) string {
	switch {
	case err == nil:
		return "ack"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrRunnerNotConnected):
		return "disconnected"
	default:
		return "timeout"
	}
}

func (d *Dispatcher) registerAck(commandID string) chan struct{} {
	ch := make(chan struct{})
	d.mu.Lock()
	d.acks[commandID] = ch
	d.mu.Unlock()
	return ch
}

func (d *Dispatcher) unregisterAck(commandID string) {
	d.mu.Lock()
	delete(d.acks, commandID)
	d.mu.Unlock()
}
