package repositories

import "errors"

// ErrNotFound is returned by Get* methods when no matching record exists.
// Callers should use errors.Is to distinguish it from database failures.
var ErrNotFound = errors.New("repositories: record not found")

// ErrRunnerMismatch is returned by ProjectRepository.BindRunner when the
// project is already bound to a different runner. The HTTP layer maps it
// to 409 Conflict.
var ErrRunnerMismatch = errors.New("repositories: project bound to a different runner")

// ErrPortTaken is returned by PortAllocationRepository.Reserve when another
// unreleased reservation already holds the port. The allocator treats it as
// a lost race and tries the next candidate.
var ErrPortTaken = errors.New("repositories: port already reserved")
