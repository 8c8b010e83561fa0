package config

import (
	"reflect"
	"sort"

	"github.com/samber/lo"

	"xwatch/internal/model"
)

// SubjectDiff is the change in the subject set between two configurations.
type SubjectDiff struct {
	Added   []model.Subject
	Removed []string
	Changed []model.Subject
}

// Empty reports whether the diff changes nothing.
func (d SubjectDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Diff compares subjects by name. Interval, enabled flag or filter changes on an
// existing subject are reported as Changed. Results are sorted by name.
func Diff(oldCfg, newCfg *Config) SubjectDiff {
	var oldSubs, newSubs []model.Subject
	if oldCfg != nil {
		oldSubs = oldCfg.Subjects
	}
	if newCfg != nil {
		newSubs = newCfg.Subjects
	}

	byName := func(s model.Subject) string { return s.Name }
	oldM := lo.KeyBy(oldSubs, byName)
	newM := lo.KeyBy(newSubs, byName)

	var d SubjectDiff
	for _, name := range sortedKeys(newM) {
		n := newM[name]
		o, ok := oldM[name]
		switch {
		case !ok:
			d.Added = append(d.Added, n)
		case !sameSubject(o, n):
			d.Changed = append(d.Changed, n)
		}
	}
	for _, name := range sortedKeys(oldM) {
		if _, ok := newM[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}
	return d
}

func sameSubject(a, b model.Subject) bool {
	if a.MinInterval != b.MinInterval || a.Enabled != b.Enabled {
		return false
	}
	if len(a.Filters) == 0 && len(b.Filters) == 0 {
		return true
	}
	return reflect.DeepEqual(a.Filters, b.Filters)
}

func sortedKeys(m map[string]model.Subject) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}

// RestartRequired lists changed keys that only take effect after a restart.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var keys []string
	if oldCfg.StateFile != newCfg.StateFile {
		keys = append(keys, "state_file")
	}
	if oldCfg.SeenRetention != newCfg.SeenRetention {
		keys = append(keys, "seen_retention")
	}
	if oldCfg.RequestTimeout != newCfg.RequestTimeout {
		keys = append(keys, "request_timeout")
	}
	if oldCfg.LogLevel != newCfg.LogLevel {
		keys = append(keys, "log_level")
	}
	if oldCfg.Telegram.BotToken != newCfg.Telegram.BotToken {
		keys = append(keys, "telegram.bot_token")
	}
	if oldCfg.Telegram.RatePerSec != newCfg.Telegram.RatePerSec {
		keys = append(keys, "telegram.rate_per_sec")
	}
	if oldCfg.Telegram.RetryMax != newCfg.Telegram.RetryMax {
		keys = append(keys, "telegram.retry_max")
	}
	if oldCfg.Fallback.Timeout != newCfg.Fallback.Timeout {
		keys = append(keys, "fallback.timeout")
	}
	if oldCfg.Timezone != newCfg.Timezone {
		keys = append(keys, "timezone")
	}
	return keys
}
