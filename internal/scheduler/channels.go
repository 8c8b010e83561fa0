package scheduler

import (
	"context"

	"xwatch/internal/fetcher"
	"xwatch/internal/model"
)

type fetchResult int

const (
	fetchOK fetchResult = iota
	fetchFailed
	// fetchSkipped means no channel was attempted; the cooldown is not consumed.
	fetchSkipped
)

// fetch tries the primary channel and, when it is rate limited, permanently
// failing or unusable for subject, the fallback channel. A usable primary that
// is still inside its wait window skips the tick.
func (s *Scheduler) fetch(ctx context.Context, subject string) ([]model.Item, fetchResult) {
	attempted := false

	if ch := s.primary.Channel(); s.gov.Usable(ch, subject) {
		if s.gov.Acquire(ch) > 0 {
			return nil, fetchSkipped
		}
		attempted = true
		o := s.attempt(ctx, s.primary, subject)
		switch o.Kind {
		case model.Success:
			return o.Items, fetchOK
		case model.TransientError:
			return nil, fetchFailed
		}
	}

	if !s.fallbackReady(subject) {
		if attempted {
			return nil, fetchFailed
		}
		return nil, fetchSkipped
	}

	o := s.attempt(ctx, s.fallback, subject)
	if o.Kind == model.Success {
		return o.Items, fetchOK
	}
	s.log.Warn("all channels failed", "subject", subject, "error", o.Err)
	return nil, fetchFailed
}

// fallbackReady acquires the fallback slot if the fallback may be used now.
func (s *Scheduler) fallbackReady(subject string) bool {
	if s.fallback == nil || !s.Options().FallbackEnabled {
		return false
	}
	ch := s.fallback.Channel()
	return s.gov.Usable(ch, subject) && s.gov.Acquire(ch) == 0
}

func (s *Scheduler) attempt(ctx context.Context, c fetcher.Client, subject string) model.Outcome {
	ch := c.Channel()
	o := c.Fetch(ctx, subject)
	wait := s.gov.Report(ch, subject, o)

	log := s.log.With("subject", subject, "channel", ch)
	switch o.Kind {
	case model.Success:
		log.Debug("fetched", "items", len(o.Items))
	case model.RateLimited:
		log.Info("rate limited", "backoff", wait, "level", s.gov.State(ch).Level)
	case model.TransientError:
		log.Info("transient fetch error", "error", o.Err)
	case model.PermanentError:
		log.Error("permanent fetch error, channel disabled for subject until reload", "error", o.Err)
	}
	return o
}
