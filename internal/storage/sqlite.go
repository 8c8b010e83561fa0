package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"xwatch/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
// Marks are written immediately; Flush checkpoints the WAL.
type SQLite struct {
	db        *sql.DB
	retention int
	log       *slog.Logger
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
// A file that is not a SQLite database is moved aside and replaced by an
// empty one.
func NewSQLite(_ context.Context, dsn string, retention int, log *slog.Logger) (*SQLite, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}

	db, err := openSQLite(dsn)
	if errors.Is(err, errNotADatabase) && isFile(dsn) {
		aside := fmt.Sprintf("%s.corrupt-%s", dsn, time.Now().UTC().Format("20060102T150405"))
		log.Warn("state database unreadable, starting empty", "path", dsn, "moved_to", aside, "error", err)
		if err := os.Rename(dsn, aside); err != nil {
			return nil, fmt.Errorf("move corrupt state: %w", err)
		}
		for _, suffix := range []string{"-wal", "-shm"} {
			_ = os.Remove(dsn + suffix)
		}
		db, err = openSQLite(dsn)
	}
	if err != nil {
		return nil, err
	}

	return &SQLite{db: db, retention: retention, log: log}, nil
}

// errNotADatabase marks SQLITE_NOTADB and SQLITE_CORRUPT failures.
var errNotADatabase = errors.New("not a sqlite database")

func openSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)

	fail := func(step string, err error) (*sql.DB, error) {
		_ = db.Close()
		if isCorrupt(err) {
			return nil, fmt.Errorf("%s: %w: %w", step, errNotADatabase, err)
		}
		return nil, fmt.Errorf("%s: %w", step, err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fail("set WAL mode", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		return fail("set synchronous", err)
	}
	if err := migrations.Run(db); err != nil {
		return fail("run migrations", err)
	}
	return db, nil
}

func isCorrupt(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_CORRUPT:
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "file is not a database") || strings.Contains(msg, "malformed")
}

// isFile reports whether dsn names an existing regular file rather than an
// in-memory or URI database.
func isFile(dsn string) bool {
	if dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return false
	}
	fi, err := os.Stat(dsn)
	return err == nil && fi.Mode().IsRegular()
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Load returns all seen IDs per subject, oldest first.
// A read failure is logged and treated as empty state.
func (s *SQLite) Load(ctx context.Context) (map[string][]string, error) {
	out := make(map[string][]string)

	rows, err := s.db.QueryContext(ctx,
		`SELECT subject, item_id FROM seen_items ORDER BY id`,
	)
	if err != nil {
		s.log.Warn("load seen items, starting empty", "error", err)
		return out, nil
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var subject, id string
		if err := rows.Scan(&subject, &id); err != nil {
			s.log.Warn("scan seen item, starting empty", "error", err)
			return make(map[string][]string), nil
		}
		out[subject] = append(out[subject], id)
	}
	if err := rows.Err(); err != nil {
		s.log.Warn("iterate seen items, starting empty", "error", err)
		return make(map[string][]string), nil
	}
	return out, nil
}

// HasSubject reports whether any ID has been recorded for subject.
func (s *SQLite) HasSubject(ctx context.Context, subject string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM seen_items WHERE subject = ?)`, subject,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check subject: %w", err)
	}
	return exists == 1, nil
}

// IsSeen checks whether an item has already been recorded.
func (s *SQLite) IsSeen(ctx context.Context, subject, id string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM seen_items WHERE subject = ? AND item_id = ?`,
		subject, id,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check seen: %w", err)
	}
	return count > 0, nil
}

// MarkSeen records an item and trims the subject to the retention cap.
func (s *SQLite) MarkSeen(ctx context.Context, subject, id string) error {
	if id == "" {
		return fmt.Errorf("mark seen: empty id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(timeLayout)
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO seen_items (subject, item_id, seen_at) VALUES (?, ?, ?)`,
		subject, id, now,
	); err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM seen_items
		 WHERE subject = ?
		   AND id NOT IN (SELECT id FROM seen_items WHERE subject = ? ORDER BY id DESC LIMIT ?)`,
		subject, subject, s.retention,
	); err != nil {
		return fmt.Errorf("trim seen: %w", err)
	}
	return tx.Commit()
}

// Flush checkpoints the write-ahead log into the main database file.
func (s *SQLite) Flush(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(FULL)"); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}
