// Package storage defines the seen-item persistence interface and its implementations.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// DefaultRetention is the per-subject cap on remembered item IDs.
const DefaultRetention = 500

// Storage persists the set of already-delivered item IDs per subject.
//
// IDs are kept in the order they were marked. When a subject holds more than
// the retention cap, the oldest IDs are dropped first.
type Storage interface {
	// Load reads the persisted state and returns the seen IDs per subject,
	// oldest first. Unreadable state is treated as empty.
	Load(ctx context.Context) (map[string][]string, error)
	HasSubject(ctx context.Context, subject string) (bool, error)
	IsSeen(ctx context.Context, subject, id string) (bool, error)
	MarkSeen(ctx context.Context, subject, id string) error
	// Flush makes every mark since the previous Flush durable.
	Flush(ctx context.Context) error
	Close() error
}

// Open picks a backend from the path extension: .db, .sqlite and .sqlite3
// use SQLite, anything else the JSON state file.
func Open(ctx context.Context, path string, retention int, log *slog.Logger) (Storage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("state path is required")
	}
	if retention <= 0 {
		retention = DefaultRetention
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return NewSQLite(ctx, path, retention, log)
	default:
		return NewJSONFile(ctx, path, retention, log)
	}
}
