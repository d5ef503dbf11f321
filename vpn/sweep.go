package vpn

import (
	"context"
	"sync"

	"github.com/yllada/vpn-profiles/common"
	"github.com/yllada/vpn-profiles/metrics"
	"github.com/yllada/vpn-profiles/profile"
	"golang.org/x/sync/errgroup"
)

// StatusSweep reconciles the persisted state of every loaded profile with
// the real connection, once, off the caller's goroutine. Checks run on a
// bounded pool and Wait is the join point.
type StatusSweep struct {
	mu      sync.Mutex
	machine *Machine
	workers int
	log     common.Logger
	running bool
	done    chan struct{}
	checked int
	failed  int
}

// NewStatusSweep creates a sweep running at most workers checks at a time.
func NewStatusSweep(machine *Machine, workers int, log common.Logger) *StatusSweep {
	if workers <= 0 {
		workers = common.DefaultStatusWorkers
	}
	if workers > common.MaxStatusWorkers {
		workers = common.MaxStatusWorkers
	}
	if log == nil {
		log = common.GetLogger()
	}
	done := make(chan struct{})
	close(done)
	return &StatusSweep{
		machine: machine,
		workers: workers,
		log:     log,
		done:    done,
	}
}

// Start checks every profile in registry order. It returns immediately;
// a sweep already in progress is left alone.
func (s *StatusSweep) Start(ctx context.Context, profiles []*profile.Profile) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.checked, s.failed = 0, 0
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	s.log.Debug("Status sweep started (%d profiles, %d workers)", len(profiles), s.workers)

	go func() {
		defer close(done)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.workers)
		for _, p := range profiles {
			p := p
			g.Go(func() error {
				s.check(gctx, p)
				return nil
			})
		}
		g.Wait()

		s.mu.Lock()
		s.running = false
		checked, failed := s.checked, s.failed
		s.mu.Unlock()
		s.log.Info("Status sweep finished: %d checked, %d failed", checked, failed)
	}()
}

// check reconciles one profile. snapshot carries the state the profile had
// when the sweep started; the machine ignores the result if it moved on.
func (s *StatusSweep) check(ctx context.Context, snapshot *profile.Profile) {
	if ctx.Err() != nil {
		return
	}

	live, ok := s.machine.registry.Lookup(snapshot.Name)
	if !ok || live.ID != snapshot.ID {
		return
	}

	actor, err := s.machine.ActorFor(live)
	if err == nil {
		var observed profile.State
		observed, err = actor.CheckStatus(ctx)
		if err == nil {
			err = s.machine.Reconcile(live, snapshot.State, observed)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.checked++
	if err != nil {
		s.failed++
		metrics.StatusChecks.WithLabelValues("error").Inc()
		s.log.Warn("Status check failed for %s: %v", snapshot.Name, err)
		return
	}
	metrics.StatusChecks.WithLabelValues("ok").Inc()
}

// IsRunning returns whether a sweep is in progress.
func (s *StatusSweep) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Wait blocks until the current sweep, if any, has finished or ctx is done.
func (s *StatusSweep) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
