// Package maintenance runs the broker's periodic housekeeping on a gocron
// scheduler: stale runner sessions are displaced, expired port reservations
// are released, and the sampled Prometheus gauges are refreshed.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/codyde/sentryvibe/internal/broker/dispatch"
	"github.com/codyde/sentryvibe/internal/broker/events"
	"github.com/codyde/sentryvibe/internal/broker/metrics"
	"github.com/codyde/sentryvibe/internal/broker/ports"
	"github.com/codyde/sentryvibe/internal/broker/registry"
	"github.com/codyde/sentryvibe/internal/broker/repositories"
	"github.com/codyde/sentryvibe/internal/broker/websocket"
)

const (
	// sessionSweepInterval is how often stale sessions are checked for.
	// staleAge is twice the runner heartbeat interval: one missed beat is
	// forgiven, two is a dead peer.
	sessionSweepInterval = 30 * time.Second
	staleAge             = 60 * time.Second

	portSweepInterval = time.Minute
	gaugeInterval     = 15 * time.Second
)

// Janitor wraps gocron and owns the broker's recurring jobs.
// The zero value is not usable — create instances with New.
type Janitor struct {
	cron   gocron.Scheduler
	deps   Deps
	logger *zap.Logger
}

// Deps are the components the jobs operate on. Metrics may be nil, which
// skips gauge sampling.
type Deps struct {
	Registry  *registry.Registry
	Dispatch  *dispatch.Dispatcher
	Events    *events.Router
	Ports     *ports.Allocator
	PortsRepo repositories.PortAllocationRepository
	Hub       *websocket.Hub
	Metrics   *metrics.Metrics
}

// New creates a Janitor. Call Start to begin processing.
func New(deps Deps, logger *zap.Logger) (*Janitor, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("maintenance: creating gocron scheduler: %w", err)
	}
	return &Janitor{
		cron:   s,
		deps:   deps,
		logger: logger.Named("maintenance"),
	}, nil
}

// Start registers the jobs and starts the scheduler. ctx bounds the
// database work done by individual job runs.
func (j *Janitor) Start(ctx context.Context) error {
	jobs := []struct {
		name     string
		interval time.Duration
		run      func()
	}{
		{"session-sweep", sessionSweepInterval, func() { j.sweepSessions() }},
		{"port-sweep", portSweepInterval, func() { j.sweepPorts(ctx) }},
		{"gauge-sample", gaugeInterval, func() { j.sampleGauges(ctx) }},
	}

	for _, job := range jobs {
		_, err := j.cron.NewJob(
			gocron.DurationJob(job.interval),
			gocron.NewTask(job.run),
			gocron.WithName(job.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("maintenance: scheduling %s: %w", job.name, err)
		}
	}

	j.cron.Start()
	j.logger.Info("maintenance jobs started", zap.Int("jobs", len(jobs)))
	return nil
}

// Stop shuts the scheduler down, waiting for running jobs to finish.
func (j *Janitor) Stop() error {
	if err := j.cron.Shutdown(); err != nil {
		return fmt.Errorf("maintenance: shutdown: %w", err)
	}
	j.logger.Info("maintenance jobs stopped")
	return nil
}

// sweepSessions displaces runners that stopped heartbeating, fails their
// in-flight command waits, and ends the command streams they were feeding,
// so callers get an answer promptly instead of an ack timeout. The sink
// close inside SweepStale triggers the same teardown; repeating it here is
// harmless (both calls are idempotent) and covers sinks that were already
// gone.
func (j *Janitor) sweepSessions() {
	for _, id := range j.deps.Registry.SweepStale(staleAge) {
		j.deps.Dispatch.NotifyDetached(id)
		j.deps.Events.RunnerDetached(id)
	}
}

func (j *Janitor) sweepPorts(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := j.deps.Ports.Sweep(ctx); err != nil {
		j.logger.Warn("port reservation sweep failed", zap.Error(err))
	}
}

// sampleGauges refreshes the gauges that track external state rather than
// counting broker-side transitions.
func (j *Janitor) sampleGauges(ctx context.Context) {
	m := j.deps.Metrics
	if m == nil {
		return
	}

	attached := j.deps.Registry.Attached()
	m.AttachedRunners.Set(float64(len(attached)))
	m.UIClients.Set(float64(j.deps.Hub.ConnectedCount()))

	// Reset first so runners that detached since the last sample disappear
	// instead of reporting their final depth forever.
	m.QueueDepth.Reset()
	for _, runner := range attached {
		m.QueueDepth.WithLabelValues(runner.ID).Set(float64(j.deps.Dispatch.QueueDepth(runner.ID)))
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	reserved, err := j.deps.PortsRepo.ListUnreleasedPorts(ctx)
	if err != nil {
		j.logger.Warn("sampling port reservations failed", zap.Error(err))
		return
	}
	m.PortsReserved.Set(float64(len(reserved)))
}
