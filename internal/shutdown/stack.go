// Package shutdown releases benchmark resources in reverse order of
// acquisition.
//
// Each setup step that acquires an engine resource pushes a release
// function onto a Stack. Unwinding pops and runs them last-in first-out,
// so a failure at step N of setup releases exactly the N-1 resources that
// were acquired, and a full teardown mirrors setup:
//
//  1. notifier - close the completion notifier (event mode)
//  2. pool - return task buffers to the inventory
//  3. remote_region - unmap the imported peer memory
//  4. local_region - deregister local memory
//  5. started_context - stop the context and drain in-flight tasks
//  6. context - close the idle context
//
// An export unwinds export_artifacts (remove the published descriptor
// files), then local_region and context.
//
// Release errors are logged, counted and aggregated; they never stop the
// remaining releases from running.
package shutdown

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// ReleaseFunc releases one acquired resource.
type ReleaseFunc func() error

type entry struct {
	release ReleaseFunc
	name    string
}

// Stack is a LIFO of release functions.
type Stack struct {
	name      string
	entries   []entry
	released  []string
	mu        sync.Mutex
	unwinding atomic.Bool
}

// NewStack creates an empty stack. The name tags log lines.
func NewStack(name string) *Stack {
	return &Stack{name: name}
}

// Push records a release function for a resource that was just acquired.
func (s *Stack) Push(name string, release ReleaseFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, entry{name: name, release: release})
}

// Len returns the number of releases still pending.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}

// Released returns the names of released resources in release order.
func (s *Stack) Released() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string{}, s.released...)
}

// IsUnwinding reports whether an Unwind is in progress.
func (s *Stack) IsUnwinding() bool {
	return s.unwinding.Load()
}

func (s *Stack) pop() (entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) == 0 {
		return entry{}, false
	}

	e := s.entries[len(s.entries)-1]
	s.entries = s.entries[:len(s.entries)-1]
	s.released = append(s.released, e.name)

	return e, true
}

// Unwind runs every pending release, newest first. Each release runs at
// most once, so calling Unwind again only runs releases pushed since.
func (s *Stack) Unwind() error {
	if !s.unwinding.CompareAndSwap(false, true) {
		log.Warn().Str("stack", s.name).Msg("Teardown already in progress")
		return nil
	}
	defer s.unwinding.Store(false)

	started := time.Now()

	var errs error

	for {
		e, ok := s.pop()
		if !ok {
			break
		}

		if err := e.release(); err != nil {
			log.Error().
				Err(err).
				Str("stack", s.name).
				Str("resource", e.name).
				Msg("Error releasing resource")
			IncrementTeardownErrors()

			errs = multierr.Append(errs, err)

			continue
		}

		IncrementReleases()
		log.Debug().Str("stack", s.name).Str("resource", e.name).Msg("Resource released")
	}

	duration := time.Since(started)
	SetTeardownDuration(duration)

	if errs != nil {
		log.Warn().
			Str("stack", s.name).
			Int("error_count", len(multierr.Errors(errs))).
			Dur("duration", duration).
			Msg("Teardown completed with errors")
	} else {
		log.Debug().Str("stack", s.name).Dur("duration", duration).Msg("Teardown completed")
	}

	return errs
}
