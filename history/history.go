// Package history keeps a local record of processed requests in a JSON
// file. Entries are stored newest first and capped at a maximum count.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxEntries is used when a store is created with a non-positive cap.
const DefaultMaxEntries = 50

// Entry is one processed request.
type Entry struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	InputText  string                 `json:"inputText"`
	OutputText string                 `json:"outputText"`
	Mode       string                 `json:"mode"`
	Options    map[string]interface{} `json:"options,omitempty"`
}

// Store is a file-backed history. It is safe for concurrent use within one
// process; concurrent processes may lose each other's writes.
type Store struct {
	path       string
	maxEntries int
	now        func() time.Time

	mu sync.Mutex
}

// NewStore creates a store at path. The file is created on first Append.
func NewStore(path string, maxEntries int) *Store {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Store{path: path, maxEntries: maxEntries, now: time.Now}
}

// DefaultPath returns ~/.rephrase/history.json.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate home directory: %w", err)
	}
	return filepath.Join(home, ".rephrase", "history.json"), nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Append adds e as the newest entry, assigning an ID and timestamp when
// unset, and drops the oldest entries beyond the cap.
func (s *Store) Append(e Entry) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return Entry{}, err
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	}

	entries = append([]Entry{e}, entries...)
	if len(entries) > s.maxEntries {
		entries = entries[:s.maxEntries]
	}
	if err := s.save(entries); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// List returns all entries, newest first. A missing file is an empty history.
func (s *Store) List() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Clear removes every entry.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

func (s *Store) load() ([]Entry, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode history %s: %w", s.path, err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

// save writes entries atomically through a temporary file.
func (s *Store) save(entries []Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create history directory: %w", err)
	}

	tmpFile := s.path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o600); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	if err := os.Rename(tmpFile, s.path); err != nil {
		return fmt.Errorf("replace history: %w", err)
	}
	return nil
}
