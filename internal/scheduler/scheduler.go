// Package scheduler runs one fetch loop per watched subject and relays new
// items to the notification sink.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"xwatch/internal/config"
	"xwatch/internal/fetcher"
	"xwatch/internal/governor"
	"xwatch/internal/model"
	"xwatch/internal/storage"
)

// Sink delivers a new item downstream.
type Sink interface {
	Send(ctx context.Context, item model.Item) error
}

// Options are the scheduler settings that may change on reload.
type Options struct {
	// Tick is the pause between two cycles of a subject.
	Tick            time.Duration
	SuppressBacklog bool
	FallbackEnabled bool
	// RequireAck marks an item seen only after the sink accepted it.
	RequireAck    bool
	ShutdownGrace time.Duration
}

// Scheduler owns the set of subject runners.
type Scheduler struct {
	store    storage.Storage
	gov      *governor.Governor
	primary  fetcher.Client
	fallback fetcher.Client
	sink     Sink
	log      *slog.Logger

	optMu sync.RWMutex
	opts  Options

	// mu serializes every mutation of the subject set.
	mu      sync.Mutex
	runners map[string]*runner
	work    context.Context
	closed  bool
}

// New creates a Scheduler. fallback may be nil.
func New(store storage.Storage, gov *governor.Governor, primary, fallback fetcher.Client, sink Sink, opts Options, log *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		gov:      gov,
		primary:  primary,
		fallback: fallback,
		sink:     sink,
		opts:     opts,
		log:      log,
		runners:  make(map[string]*runner),
	}
}

// SetOptions replaces the runtime options. Running cycles see the new values
// from their next step on.
func (s *Scheduler) SetOptions(o Options) {
	s.optMu.Lock()
	defer s.optMu.Unlock()
	s.opts = o
}

// Options returns the current runtime options.
func (s *Scheduler) Options() Options {
	s.optMu.RLock()
	defer s.optMu.RUnlock()
	return s.opts
}

// Subjects returns the names of all managed subjects, sorted.
func (s *Scheduler) Subjects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.runners))
	for name := range s.runners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Apply changes the subject set as one step: added subjects are started,
// changed subjects are updated in place (seen set and cooldown are kept), and
// removed subjects are stopped. Apply returns once every removed runner has
// finished its in-flight cycle, so nothing is emitted for them afterwards.
func (s *Scheduler) Apply(d config.SubjectDiff) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	for _, sub := range d.Added {
		if r, ok := s.runners[sub.Name]; ok {
			r.update(sub)
			continue
		}
		r := newRunner(s, sub)
		s.runners[sub.Name] = r
		if s.work != nil {
			r.start(s.work)
		}
		s.log.Info("subject added", "subject", sub.Name, "min_interval", sub.MinInterval, "enabled", sub.Enabled)
	}

	for _, sub := range d.Changed {
		r, ok := s.runners[sub.Name]
		if !ok {
			continue
		}
		r.update(sub)
		s.log.Info("subject updated", "subject", sub.Name, "min_interval", sub.MinInterval, "enabled", sub.Enabled)
	}

	for _, name := range d.Removed {
		r, ok := s.runners[name]
		if !ok {
			continue
		}
		delete(s.runners, name)
		r.stop()
		s.gov.Forget(name)
		s.log.Info("subject removed", "subject", name)
	}
}

// Run starts all runners and blocks until ctx is done. Cancelling ctx does not
// interrupt cycles in flight; they get ShutdownGrace to finish before their
// context is cancelled. The store is flushed before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	work, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	s.mu.Lock()
	s.work = work
	for _, r := range s.runners {
		r.start(work)
	}
	n := len(s.runners)
	s.mu.Unlock()

	s.log.Info("scheduler started", "subjects", n)
	<-ctx.Done()

	s.mu.Lock()
	s.closed = true
	runners := make([]*runner, 0, len(s.runners))
	for _, r := range s.runners {
		runners = append(runners, r)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, r := range runners {
			r.stop()
		}
		close(done)
	}()

	grace := s.Options().ShutdownGrace
	select {
	case <-done:
	case <-time.After(grace):
		s.log.Warn("shutdown grace elapsed, cancelling in-flight cycles", "grace", grace)
		cancel()
		<-done
	}

	if err := s.store.Flush(context.Background()); err != nil {
		return fmt.Errorf("flush state: %w", err)
	}
	s.log.Info("scheduler stopped")
	return nil
}
