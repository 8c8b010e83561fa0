// Package model defines the domain types used across the application.
package model

import "time"

// Subject is a watched upstream profile.
type Subject struct {
	Name        string
	MinInterval time.Duration
	Enabled     bool
	Filters     []Filter
}

// FilterKind defines the type of filter rule.
type FilterKind string

// Supported filter kinds.
const (
	FilterInclude   FilterKind = "include"
	FilterExclude   FilterKind = "exclude"
	FilterIncludeRe FilterKind = "include_re"
	FilterExcludeRe FilterKind = "exclude_re"
)

// Filter is a single matching rule attached to a subject.
type Filter struct {
	Kind  FilterKind
	Value string
}

// MediaKind identifies the type of an attached media reference.
type MediaKind string

// Supported media kinds.
const (
	MediaPhoto MediaKind = "photo"
	MediaVideo MediaKind = "video"
)

// Media is a reference to a photo or video attached to an item.
type Media struct {
	Kind MediaKind
	URL  string
}

// Item is one unit of content observed from a subject.
// Identity is (Subject, ID).
type Item struct {
	Subject  string
	ID       string
	PostedAt time.Time
	Text     string
	URL      string
	Media    []Media
}
