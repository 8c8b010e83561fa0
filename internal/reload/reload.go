// Package reload applies committed configuration changes to the running watcher.
package reload

import (
	"context"
	"log/slog"
	"sync"

	"xwatch/internal/config"
	"xwatch/internal/governor"
	"xwatch/internal/notify"
	"xwatch/internal/scheduler"
)

// Scheduler is the part of the scheduler a reload mutates.
type Scheduler interface {
	Apply(d config.SubjectDiff)
	SetOptions(o scheduler.Options)
}

// Fallback is the reconfigurable fallback channel.
type Fallback interface {
	SetBaseURL(baseURL string)
}

// Notifier receives the reload notice and the destination chat.
type Notifier interface {
	SetChatID(id int64)
	Notify(ctx context.Context, text string) error
}

// Controller diffs every new configuration against the one in effect and
// applies the difference.
type Controller struct {
	sched    Scheduler
	gov      *governor.Governor
	fallback Fallback
	notifier Notifier
	log      *slog.Logger

	mu  sync.Mutex
	cur *config.Config
}

// New creates a Controller. fallback and notifier may be nil.
func New(sched Scheduler, gov *governor.Governor, fallback Fallback, notifier Notifier, current *config.Config, log *slog.Logger) *Controller {
	return &Controller{
		sched:    sched,
		gov:      gov,
		fallback: fallback,
		notifier: notifier,
		cur:      current,
		log:      log,
	}
}

// SchedulerOptions derives the scheduler's runtime options from cfg.
func SchedulerOptions(cfg *config.Config) scheduler.Options {
	return scheduler.Options{
		Tick:            cfg.CheckInterval,
		SuppressBacklog: cfg.SuppressInitialBacklog,
		FallbackEnabled: cfg.Fallback.Enabled,
		RequireAck:      cfg.RequireAck,
		ShutdownGrace:   cfg.ShutdownGrace,
	}
}

// Current returns the configuration in effect.
func (c *Controller) Current() *config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

// Apply makes next the configuration in effect and returns the subject diff
// that was applied.
func (c *Controller) Apply(ctx context.Context, next *config.Config) config.SubjectDiff {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.cur
	d := config.Diff(prev, next)

	if keys := config.RestartRequired(prev, next); len(keys) > 0 {
		c.log.Warn("config keys changed that need a restart to take effect", "keys", keys)
	}

	c.gov.SetConfig(next.GovernorConfig())
	c.gov.Reset()
	if c.fallback != nil {
		c.fallback.SetBaseURL(next.Fallback.BaseURL)
	}
	if c.notifier != nil {
		c.notifier.SetChatID(next.Telegram.ChatID)
	}
	c.sched.SetOptions(SchedulerOptions(next))
	c.sched.Apply(d)
	c.cur = next

	c.log.Info("config applied",
		"added", len(d.Added),
		"removed", len(d.Removed),
		"changed", len(d.Changed),
	)

	if c.notifier != nil && next.NotifyStartup && !d.Empty() {
		if err := c.notifier.Notify(ctx, notify.FormatReload(len(d.Added), len(d.Removed), len(d.Changed))); err != nil {
			c.log.Error("send reload notice", "error", err)
		}
	}
	return d
}

// Run applies configurations from updates until ctx is done or updates is closed.
func (c *Controller) Run(ctx context.Context, updates <-chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			if cfg == nil {
				continue
			}
			c.Apply(ctx, cfg)
		}
	}
}
