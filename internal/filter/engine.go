// Package filter implements the per-subject item matching engine.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"xwatch/internal/model"
)

// Match checks whether an item's text passes the given set of filters.
// If no filters are provided, the item always passes.
// Include filters use OR logic (at least one must match).
// Exclude filters use AND logic (none must match).
func Match(item model.Item, filters []model.Filter) bool {
	if len(filters) == 0 {
		return true
	}

	text := strings.ToLower(item.Text)
	hasIncludes := false
	anyIncludeMatched := false

	for _, f := range filters {
		switch f.Kind {
		case model.FilterInclude, model.FilterIncludeRe:
			hasIncludes = true
			if matchesFilter(text, f) {
				anyIncludeMatched = true
			}
		case model.FilterExclude, model.FilterExcludeRe:
			if matchesFilter(text, f) {
				return false
			}
		}
	}

	return !hasIncludes || anyIncludeMatched
}

func matchesFilter(text string, f model.Filter) bool {
	switch f.Kind {
	case model.FilterInclude, model.FilterExclude:
		return strings.Contains(text, strings.ToLower(f.Value))
	case model.FilterIncludeRe, model.FilterExcludeRe:
		re, err := regexp.Compile("(?i)" + f.Value)
		if err != nil {
			return false
		}
		return re.MatchString(text)
	}
	return false
}

// Validate checks that a filter has a known kind, a value, and compiles if it is a regex.
func Validate(f model.Filter) error {
	if strings.TrimSpace(f.Value) == "" {
		return fmt.Errorf("filter %q: empty value", f.Kind)
	}
	switch f.Kind {
	case model.FilterInclude, model.FilterExclude:
		return nil
	case model.FilterIncludeRe, model.FilterExcludeRe:
		if _, err := regexp.Compile("(?i)" + f.Value); err != nil {
			return fmt.Errorf("invalid regex: %w", err)
		}
		return nil
	}
	return fmt.Errorf("unknown filter kind %q", f.Kind)
}
