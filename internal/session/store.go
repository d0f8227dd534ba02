package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// ErrNotFound is returned when no session has the requested ID.
var ErrNotFound = errors.New("session not found")

// Store manages session files in one directory.
type Store struct {
	dir string
	mu  sync.RWMutex
}

// NewStore creates a new session store at the given directory.
// The directory will be created if it doesn't exist.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory holding the session files.
func (s *Store) Dir() string {
	return s.dir
}

// Save persists a session to disk. The file is replaced atomically.
func (s *Store) Save(session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+session.ID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("writing session file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("writing session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("writing session file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.sessionPath(session.ID)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("writing session file: %w", err)
	}
	return nil
}

// Load retrieves a session by ID. A unique ID prefix is accepted.
func (s *Store) Load(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	full, err := s.resolveUnlocked(id)
	if err != nil {
		return nil, err
	}
	session, err := s.loadUnlocked(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		return nil, err
	}
	return session, nil
}

// Delete removes a session from disk.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.sessionPath(id)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("deleting session file: %w", err)
	}
	return nil
}

// List returns summaries of all sessions, newest first.
func (s *Store) List() ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids, err := s.idsUnlocked()
	if err != nil {
		return nil, err
	}

	var summaries []Summary
	for _, id := range ids {
		session, err := s.loadUnlocked(id)
		if err != nil {
			continue // corrupted
		}
		summaries = append(summaries, session.Summary())
	}

	slices.SortFunc(summaries, func(a, b Summary) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return summaries, nil
}

// MostRecent returns the most recently updated session, or nil if no sessions exist.
func (s *Store) MostRecent() (*Session, error) {
	summaries, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(summaries) == 0 {
		return nil, nil
	}
	return s.Load(summaries[0].ID)
}

func (s *Store) idsUnlocked() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading session directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// resolveUnlocked expands an ID prefix to a full session ID.
func (s *Store) resolveUnlocked(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("%w: empty id", ErrNotFound)
	}
	if _, err := os.Stat(s.sessionPath(id)); err == nil {
		return id, nil
	}

	ids, err := s.idsUnlocked()
	if err != nil {
		return "", err
	}
	var matches []string
	for _, candidate := range ids {
		if strings.HasPrefix(candidate, id) {
			matches = append(matches, candidate)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %q", ErrNotFound, id)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("session id %q is ambiguous (%d matches)", id, len(matches))
	}
}

// loadUnlocked loads a session without acquiring the lock.
// Caller must hold at least a read lock.
func (s *Store) loadUnlocked(id string) (*Session, error) {
	data, err := os.ReadFile(s.sessionPath(id))
	if err != nil {
		return nil, err
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("unmarshaling session: %w", err)
	}
	return &session, nil
}

// sessionPath returns the file path for a session ID.
func (s *Store) sessionPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}
