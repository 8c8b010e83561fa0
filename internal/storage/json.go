package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const stateVersion = 1

type stateFile struct {
	Version  int                     `json:"version"`
	Subjects map[string]subjectState `json:"subjects"`
}

type subjectState struct {
	Seen      []string  `json:"seen"`
	UpdatedAt time.Time `json:"updated_at"`
}

type seenSet struct {
	ids       []string
	index     map[string]struct{}
	updatedAt time.Time
}

func newSeenSet(ids []string) *seenSet {
	s := &seenSet{index: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		if _, ok := s.index[id]; ok || id == "" {
			continue
		}
		s.index[id] = struct{}{}
		s.ids = append(s.ids, id)
	}
	return s
}

// add appends id and drops the oldest entries beyond limit.
func (s *seenSet) add(id string, limit int, now time.Time) bool {
	if _, ok := s.index[id]; ok {
		return false
	}
	s.index[id] = struct{}{}
	s.ids = append(s.ids, id)
	s.updatedAt = now
	if over := len(s.ids) - limit; over > 0 {
		for _, old := range s.ids[:over] {
			delete(s.index, old)
		}
		s.ids = append([]string(nil), s.ids[over:]...)
	}
	return true
}

// JSONFile implements Storage with an in-memory index and a JSON state file
// written atomically (temp file, fsync, rename).
type JSONFile struct {
	path      string
	retention int
	log       *slog.Logger

	mu       sync.Mutex
	subjects map[string]*seenSet
	gen      uint64
	flushed  uint64

	flushMu sync.Mutex
}

// NewJSONFile opens the state file at path and loads it.
func NewJSONFile(ctx context.Context, path string, retention int, log *slog.Logger) (*JSONFile, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	s := &JSONFile{
		path:      path,
		retention: retention,
		log:       log,
		subjects:  make(map[string]*seenSet),
	}
	if _, err := s.Load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Load reads the state file. A missing or corrupt file yields empty state.
func (s *JSONFile) Load(_ context.Context) (map[string][]string, error) {
	loaded := make(map[string]*seenSet)

	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.log.Info("state file not found, starting empty", "path", s.path)
	case err != nil:
		s.log.Warn("read state file, starting empty", "path", s.path, "error", err)
	case len(data) == 0:
	default:
		var st stateFile
		if err := json.Unmarshal(data, &st); err != nil {
			s.log.Warn("state file corrupt, starting empty", "path", s.path, "error", err)
			break
		}
		for name, sub := range st.Subjects {
			set := newSeenSet(sub.Seen)
			set.updatedAt = sub.UpdatedAt
			if over := len(set.ids) - s.retention; over > 0 {
				for _, old := range set.ids[:over] {
					delete(set.index, old)
				}
				set.ids = set.ids[over:]
			}
			loaded[name] = set
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjects = loaded
	s.flushed = s.gen

	out := make(map[string][]string, len(loaded))
	for name, set := range loaded {
		out[name] = append([]string(nil), set.ids...)
	}
	return out, nil
}

// HasSubject reports whether any ID has been recorded for subject.
func (s *JSONFile) HasSubject(_ context.Context, subject string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.subjects[subject]
	return ok && len(set.ids) > 0, nil
}

// IsSeen checks whether id has already been recorded for subject.
func (s *JSONFile) IsSeen(_ context.Context, subject, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.subjects[subject]
	if !ok {
		return false, nil
	}
	_, seen := set.index[id]
	return seen, nil
}

// MarkSeen records id for subject in memory. Call Flush to persist.
func (s *JSONFile) MarkSeen(_ context.Context, subject, id string) error {
	if id == "" {
		return fmt.Errorf("mark seen: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.subjects[subject]
	if !ok {
		set = newSeenSet(nil)
		s.subjects[subject] = set
	}
	if set.add(id, s.retention, time.Now().UTC()) {
		s.gen++
	}
	return nil
}

// Flush writes the state file if anything changed since the last flush.
func (s *JSONFile) Flush(_ context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if s.gen == s.flushed {
		s.mu.Unlock()
		return nil
	}
	gen := s.gen
	st := stateFile{Version: stateVersion, Subjects: make(map[string]subjectState, len(s.subjects))}
	for name, set := range s.subjects {
		st.Subjects[name] = subjectState{
			Seen:      append([]string(nil), set.ids...),
			UpdatedAt: set.updatedAt,
		}
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return err
	}

	s.mu.Lock()
	s.flushed = gen
	s.mu.Unlock()
	return nil
}

// Close flushes pending marks.
func (s *JSONFile) Close() error {
	return s.Flush(context.Background())
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}

	// Persist the rename itself. Not every platform supports syncing a directory.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
