// Package governor paces upstream requests per channel and per subject.
//
// Every channel has a next-allowed-request time that only moves forward
// (except on Reset) and a backoff level driven by rate-limit signals.
// Subjects carry an independent cooldown so a single subject cannot consume
// the request budget of the others.
package governor

import (
	"math"
	"sync"
	"time"

	"xwatch/internal/model"
)

// maxShift bounds the exponent; larger levels saturate in backoff anyway.
const maxShift = 30

// Config holds the pacing parameters.
type Config struct {
	// MinInterval is the pacing floor applied after every request on a channel.
	MinInterval time.Duration
	// BaseBackoff is multiplied by 2^level after each rate-limit signal.
	BaseBackoff time.Duration
	// BackoffCap bounds the computed backoff (upstream hints may exceed it).
	BackoffCap time.Duration
}

// ChannelState is a snapshot of one channel's pacing state.
type ChannelState struct {
	NextAllowed time.Time
	Level       int
	LastKind    model.OutcomeKind
	LastErr     error
}

type channelState struct {
	ChannelState
	unusable map[string]bool
}

// Governor tracks pacing state shared by all subjects.
type Governor struct {
	mu       sync.Mutex
	cfg      Config
	now      func() time.Time
	channels map[string]*channelState
	fetched  map[string]time.Time
}

// New creates a Governor with the given pacing parameters.
func New(cfg Config) *Governor {
	return &Governor{
		cfg:      cfg,
		now:      time.Now,
		channels: make(map[string]*channelState),
		fetched:  make(map[string]time.Time),
	}
}

// SetConfig replaces the pacing parameters. Existing deadlines are kept.
func (g *Governor) SetConfig(cfg Config) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
}

// SetClock overrides the time source (useful for testing).
func (g *Governor) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// Now returns the governor's current time.
func (g *Governor) Now() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.now()
}

func (g *Governor) channel(name string) *channelState {
	cs, ok := g.channels[name]
	if !ok {
		cs = &channelState{unusable: make(map[string]bool)}
		g.channels[name] = cs
	}
	return cs
}

// Permit returns how long the caller must wait before issuing a request on channel.
// Zero means the request may be issued now.
func (g *Governor) Permit(channel string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	cs := g.channel(channel)
	if wait := cs.NextAllowed.Sub(g.now()); wait > 0 {
		return wait
	}
	return 0
}

// Acquire is Permit that also reserves the slot: on a zero result the
// channel's next-allowed time moves to now + MinInterval, so concurrent
// callers are spaced by the pacing floor before any outcome is reported.
func (g *Governor) Acquire(channel string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	cs := g.channel(channel)
	if wait := cs.NextAllowed.Sub(now); wait > 0 {
		return wait
	}
	cs.NextAllowed = now.Add(g.cfg.MinInterval)
	return 0
}

// Usable reports whether channel may still be used for subject.
// A channel becomes unusable for a subject after a PermanentError until Reset.
func (g *Governor) Usable(channel, subject string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.channel(channel).unusable[subject]
}

// Report records the outcome of a request on channel for subject and returns
// the delay until the channel's next allowed request.
func (g *Governor) Report(channel, subject string, o model.Outcome) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	cs := g.channel(channel)
	cs.LastKind = o.Kind
	cs.LastErr = o.Err

	var wait time.Duration
	switch o.Kind {
	case model.Success:
		cs.Level = 0
		wait = g.cfg.MinInterval
	case model.RateLimited:
		cs.Level++
		wait = g.backoff(cs.Level)
		if o.RetryAfter > wait {
			wait = o.RetryAfter
		}
	case model.TransientError:
		wait = g.cfg.MinInterval
	case model.PermanentError:
		cs.unusable[subject] = true
		wait = g.cfg.MinInterval
	}

	if next := now.Add(wait); next.After(cs.NextAllowed) {
		cs.NextAllowed = next
	}
	return cs.NextAllowed.Sub(now)
}

// backoff returns min(cap, base * 2^level).
func (g *Governor) backoff(level int) time.Duration {
	shift := min(max(level, 0), maxShift)
	d := time.Duration(math.MaxInt64)
	if base := g.cfg.BaseBackoff; base <= time.Duration(math.MaxInt64>>shift) {
		d = base << shift
	}
	if g.cfg.BackoffCap > 0 && d > g.cfg.BackoffCap {
		return g.cfg.BackoffCap
	}
	return d
}

// State returns a snapshot of channel's state.
func (g *Governor) State(channel string) ChannelState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.channel(channel).ChannelState
}

// Reset clears every unusable mark. Called on configuration reload.
func (g *Governor) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, cs := range g.channels {
		clear(cs.unusable)
	}
}

// SubjectWait returns how long until subject may be fetched again given its
// minimum interval. Zero means it is due.
func (g *Governor) SubjectWait(subject string, interval time.Duration) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	last, ok := g.fetched[subject]
	if !ok {
		return 0
	}
	if wait := last.Add(interval).Sub(g.now()); wait > 0 {
		return wait
	}
	return 0
}

// MarkFetched records a completed fetch attempt for subject and returns its time.
func (g *Governor) MarkFetched(subject string) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.fetched[subject] = now
	return now
}

// LastFetch returns when subject was last attempted.
func (g *Governor) LastFetch(subject string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.fetched[subject]
	return t, ok
}

// Forget drops all per-subject state for a removed subject.
func (g *Governor) Forget(subject string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.fetched, subject)
	for _, cs := range g.channels {
		delete(cs.unusable, subject)
	}
}
