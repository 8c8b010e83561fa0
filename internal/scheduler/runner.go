package scheduler

import (
	"context"
	"strconv"
	"sync"
	"time"

	"xwatch/internal/filter"
	"xwatch/internal/model"
)

// State is the position of a runner in its fetch cycle.
type State int

const (
	Idle State = iota
	Fetching
	Diffing
)

func (s State) String() string {
	switch s {
	case Fetching:
		return "fetching"
	case Diffing:
		return "diffing"
	default:
		return "idle"
	}
}

// runner drives the fetch cycle of one subject.
type runner struct {
	s *Scheduler

	mu      sync.Mutex
	subject model.Subject
	state   State
	primed  bool
	started bool

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newRunner(s *Scheduler, sub model.Subject) *runner {
	return &runner{
		s:       s,
		subject: sub,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (r *runner) start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	go r.loop(ctx)
}

// stop ends the loop and waits for the cycle in flight, if any.
func (r *runner) stop() {
	r.stopOnce.Do(func() { close(r.quit) })
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if started {
		<-r.done
	}
}

func (r *runner) update(sub model.Subject) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subject = sub
}

func (r *runner) current() model.Subject {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subject
}

func (r *runner) setState(st State) {
	r.mu.Lock()
	r.state = st
	r.mu.Unlock()
}

// State returns the runner's cycle position.
func (r *runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *runner) loop(ctx context.Context) {
	defer close(r.done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-r.quit:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		// A stop requested while the timer fired wins.
		select {
		case <-r.quit:
			return
		default:
		}

		r.cycle(ctx)

		tick := r.s.Options().Tick
		if tick <= 0 {
			tick = time.Second
		}
		timer.Reset(tick)
	}
}

// cycle runs one Idle → Fetching → Diffing → Idle pass.
func (r *runner) cycle(ctx context.Context) {
	sub := r.current()
	if !sub.Enabled {
		return
	}
	s := r.s
	log := s.log.With("subject", sub.Name)

	if wait := s.gov.SubjectWait(sub.Name, sub.MinInterval); wait > 0 {
		return
	}

	r.setState(Fetching)
	defer r.setState(Idle)

	items, res := s.fetch(ctx, sub.Name)
	if res == fetchSkipped {
		log.Debug("channels busy, skipping tick")
		return
	}
	s.gov.MarkFetched(sub.Name)
	if res == fetchFailed {
		return
	}

	r.setState(Diffing)
	r.process(ctx, sub, items)
}

// process diffs a successful item list against the seen set, emits new items
// and records them.
func (r *runner) process(ctx context.Context, sub model.Subject, items []model.Item) {
	s := r.s
	opts := s.Options()
	log := s.log.With("subject", sub.Name)

	baseline := false
	if !r.primed {
		has, err := s.store.HasSubject(ctx, sub.Name)
		if err != nil {
			// Without history the backlog cannot be told apart; retry next cycle.
			log.Error("check subject history, skipping cycle", "error", err)
			return
		}
		r.primed = true
		baseline = opts.SuppressBacklog && !has
	}

	fresh, historical, err := r.diff(ctx, sub.Name, items)
	if err != nil {
		log.Error("check seen", "error", err)
		return
	}

	marked := 0
	mark := func(it model.Item) {
		if err := s.store.MarkSeen(ctx, sub.Name, it.ID); err != nil {
			log.Error("mark seen", "item_id", it.ID, "error", err)
			return
		}
		marked++
	}

	for _, it := range historical {
		mark(it)
	}

	if baseline {
		for _, it := range fresh {
			mark(it)
		}
		log.Info("baseline established", "items", len(fresh))
		r.flush(ctx, marked)
		return
	}

	sent := 0
	for _, it := range fresh {
		if !filter.Match(it, sub.Filters) {
			log.Debug("item filtered out", "item_id", it.ID)
			mark(it)
			continue
		}

		if err := s.sink.Send(ctx, it); err != nil {
			log.Error("send item", "item_id", it.ID, "error", err)
			if opts.RequireAck {
				// Later items stay unseen too so the next cycle resends in order.
				break
			}
		} else {
			sent++
		}
		mark(it)
	}

	if sent > 0 {
		log.Info("sent notifications", "count", sent)
	}
	r.flush(ctx, marked)
}

func (r *runner) flush(ctx context.Context, marked int) {
	if marked == 0 {
		return
	}
	if err := r.s.store.Flush(ctx); err != nil {
		r.s.log.Error("flush state", "subject", r.current().Name, "error", err)
	}
}

// diff splits the unseen items of an oldest-to-newest list. Unseen items older
// than the newest already-seen item are historical: they are recorded without
// being emitted. The rest are fresh, in upstream order.
//
// Numeric IDs are compared by value, so a pinned item that the upstream places
// out of order does not move the cursor. Other IDs fall back to list position.
func (r *runner) diff(ctx context.Context, subject string, items []model.Item) (fresh, historical []model.Item, err error) {
	seen := make([]bool, len(items))
	cursor := -1
	for i, it := range items {
		ok, err := r.s.store.IsSeen(ctx, subject, it.ID)
		if err != nil {
			return nil, nil, err
		}
		seen[i] = ok
		if ok {
			cursor = i
		}
	}
	newest, numeric := newestSeenID(items, seen)

	dup := make(map[string]bool, len(items))
	for i, it := range items {
		if seen[i] || it.ID == "" || dup[it.ID] {
			continue
		}
		dup[it.ID] = true

		older := i < cursor
		if numeric {
			id, _ := strconv.ParseUint(it.ID, 10, 64)
			older = id < newest
		}
		if older {
			historical = append(historical, it)
		} else {
			fresh = append(fresh, it)
		}
	}
	return fresh, historical, nil
}

// newestSeenID returns the highest seen ID. ok is false unless every non-empty
// ID in items is a decimal number.
func newestSeenID(items []model.Item, seen []bool) (newest uint64, ok bool) {
	for i, it := range items {
		if it.ID == "" {
			continue
		}
		id, err := strconv.ParseUint(it.ID, 10, 64)
		if err != nil {
			return 0, false
		}
		if seen[i] && id > newest {
			newest = id
		}
	}
	return newest, true
}
