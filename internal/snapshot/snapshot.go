// Package snapshot persists per-terminal session records, one JSON file
// per terminal per date, for later browsing and restore.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DateLayout keys snapshot directories.
const DateLayout = "2006-01-02"

// retentionWindow bounds how long dated snapshot directories are kept.
const retentionWindow = 30 * 24 * time.Hour

// Record is one persisted terminal session.
type Record struct {
	ID          string    `json:"id"`
	Cwd         string    `json:"cwd"`
	ProjectPath string    `json:"projectPath,omitempty"`
	Title       string    `json:"title,omitempty"`
	AgentMode   bool      `json:"agentMode"`
	SessionID   string    `json:"sessionId,omitempty"`
	ProfileID   string    `json:"profileId,omitempty"`
	BufferTail  string    `json:"bufferTail,omitempty"`
	SavedAt     time.Time `json:"savedAt"`
}

// Store reads and writes dated session records under root. Writes are
// best-effort at the call sites that matter; the store itself returns
// errors and lets the orchestrator decide to log instead of propagate.
type Store struct {
	root string
	log  *slog.Logger
	now  func() time.Time
}

// NewStore creates a Store rooted at dir.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{root: dir, log: logger, now: time.Now}
}

// Write persists one record under today's date, overwriting any earlier
// snapshot of the same terminal for that date.
func (s *Store) Write(rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("snapshot record has no terminal id")
	}

	rec.SavedAt = s.now().UTC()

	dir := filepath.Join(s.root, rec.SavedAt.Format(DateLayout))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	path := filepath.Join(dir, rec.ID+".json")

	tmp, err := os.CreateTemp(dir, "."+rec.ID+"-*.json")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return fmt.Errorf("write snapshot: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("close snapshot: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("replace snapshot: %w", err)
	}

	return nil
}

// Remove deletes the terminal's record for today, if any. Removing a
// record that was never written is a success.
func (s *Store) Remove(terminalID string) error {
	path := filepath.Join(s.root, s.now().UTC().Format(DateLayout), terminalID+".json")

	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove snapshot: %w", err)
	}

	return nil
}

// Dates lists the snapshot dates present, newest first.
func (s *Store) Dates() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot root: %w", err)
	}

	var dates []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		if _, err := time.Parse(DateLayout, e.Name()); err != nil {
			continue
		}

		dates = append(dates, e.Name())
	}

	sort.Sort(sort.Reverse(sort.StringSlice(dates)))

	return dates, nil
}

// ForDate returns the records saved under date, optionally filtered to
// one project path. Records are ordered by terminal id.
func (s *Store) ForDate(date, projectPath string) ([]Record, error) {
	if _, err := time.Parse(DateLayout, date); err != nil {
		return nil, fmt.Errorf("invalid snapshot date %q: %w", date, err)
	}

	dir := filepath.Join(s.root, date)

	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot directory: %w", err)
	}

	var recs []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			s.log.Warn(
				"skipping unreadable snapshot",
				slog.String("component", "snapshot"),
				slog.String("event.type", "snapshot.read.error"),
				slog.String("snapshot.file", e.Name()),
				slog.String("error", err.Error()),
			)

			continue
		}

		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			s.log.Warn(
				"skipping malformed snapshot",
				slog.String("component", "snapshot"),
				slog.String("event.type", "snapshot.decode.error"),
				slog.String("snapshot.file", e.Name()),
				slog.String("error", err.Error()),
			)

			continue
		}

		if projectPath != "" && rec.ProjectPath != projectPath {
			continue
		}

		recs = append(recs, rec)
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })

	return recs, nil
}

// Prune removes dated directories older than the retention window and
// returns how many were removed.
func (s *Store) Prune() (int, error) {
	dates, err := s.Dates()
	if err != nil {
		return 0, err
	}

	cutoff := s.now().UTC().Add(-retentionWindow).Format(DateLayout)

	removed := 0
	for _, date := range dates {
		if date >= cutoff {
			continue
		}

		if err := os.RemoveAll(filepath.Join(s.root, date)); err != nil {
			return removed, fmt.Errorf("prune snapshot date %s: %w", date, err)
		}

		removed++
	}

	return removed, nil
}
