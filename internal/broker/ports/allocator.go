// Package ports hands out dev-server ports from a fixed range and keeps
// the reservations in the database so they survive broker restarts.
//
// Allocation is sticky: a project that already holds an unreleased
// reservation gets the same port back, so a dev server that restarts keeps
// its URL. Reservations that were never backed by a running process are
// swept after a TTL so crashed builds do not leak ports.
package ports

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codyde/sentryvibe/internal/broker/db"
	"github.com/codyde/sentryvibe/internal/broker/repositories"
)

const (
	// RangeStart and RangeEnd bound the allocatable ports, inclusive.
	// 3000 is left out of the range — most frameworks default to it and a
	// locally-run broker UI commonly occupies it.
	RangeStart = 3001
	RangeEnd   = 4000

	// abandonTTL is how long an unreleased reservation may sit without a
	// running process before the sweeper reclaims it.
	abandonTTL = 10 * time.Minute
)

// probeFunc reports whether a port is free on the broker host. Replaced in
// tests. The broker-side probe is advisory only — the dev server binds on
// the runner host, which the broker cannot see — but it catches the common
// single-host deployment where broker and runner share a machine.
type probeFunc func(port int) bool

// Allocator assigns ports to projects.
type Allocator struct {
	repo   repositories.PortAllocationRepository
	logger *zap.Logger
	probe  probeFunc
}

// NewAllocator creates an Allocator over the given reservation store.
func NewAllocator(repo repositories.PortAllocationRepository, logger *zap.Logger) *Allocator {
	return &Allocator{
		repo:   repo,
		logger: logger.Named("ports"),
		probe:  probeListen,
	}
}

// ReserveFor returns the project's port. An existing unreleased
// reservation always wins, so a restarting dev server keeps its URL.
// Otherwise preferred is tried first when it falls inside the range, then
// the range is scanned for the first free port. A reservation lost to a
// concurrent caller (ErrPortTaken) just moves the scan along. Exhaustion
// returns 0 with no error: the caller passes 0 through and lets the
// dev-server framework pick its own port.
func (a *Allocator) ReserveFor(ctx context.Context, projectID uuid.UUID, preferred int) (int, error) {
	if existing, err := a.repo.GetUnreleased(ctx, projectID); err == nil {
		a.logger.Debug("reusing existing port reservation",
			zap.String("project_id", projectID.String()),
			zap.Int("port", existing.Port),
		)
		return existing.Port, nil
	} else if !errors.Is(err, repositories.ErrNotFound) {
		return 0, err
	}

	reserved, err := a.repo.ListUnreleasedPorts(ctx)
	if err != nil {
		return 0, err
	}
	taken := make(map[int]bool, len(reserved))
	for _, p := range reserved {
		taken[p] = true
	}

	try := func(port int) (bool, error) {
		err := a.repo.Reserve(ctx, &db.PortAllocation{
			ProjectID:  projectID,
			Port:       port,
			ReservedAt: time.Now().UTC(),
		})
		if errors.Is(err, repositories.ErrPortTaken) {
			taken[port] = true
			return false, nil
		}
		if err != nil {
			return false, err
		}
		a.logger.Info("port reserved",
			zap.String("project_id", projectID.String()),
			zap.Int("port", port),
		)
		return true, nil
	}

	if preferred >= RangeStart && preferred <= RangeEnd && !taken[preferred] && a.probe(preferred) {
		ok, err := try(preferred)
		if err != nil {
			return 0, err
		}
		if ok {
			return preferred, nil
		}
	}

	for port := RangeStart; port <= RangeEnd; port++ {
		if taken[port] || !a.probe(port) {
			continue
		}
		ok, err := try(port)
		if err != nil {
			return 0, err
		}
		if ok {
			return port, nil
		}
	}

	a.logger.Warn("port range exhausted",
		zap.String("project_id", projectID.String()),
	)
	return 0, nil
}

// Release frees the project's reservation. Safe to call when none exists.
func (a *Allocator) Release(ctx context.Context, projectID uuid.UUID) error {
	if err := a.repo.Release(ctx, projectID, time.Now().UTC()); err != nil {
		return err
	}
	a.logger.Debug("port released", zap.String("project_id", projectID.String()))
	return nil
}

// Sweep reclaims unreleased reservations older than the TTL that have no
// running process. Wired to the broker's scheduler.
func (a *Allocator) Sweep(ctx context.Context) error {
	n, err := a.repo.DeleteAbandoned(ctx, time.Now().UTC().Add(-abandonTTL))
	if err != nil {
		return fmt.Errorf("ports: sweep: %w", err)
	}
	if n > 0 {
		a.logger.Info("reclaimed abandoned port reservations", zap.Int64("count", n))
	}
	return nil
}

// probeListen tries to bind the port on the broker host.
func probeListen(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
