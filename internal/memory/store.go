package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Snapshot is the unit of persistence: one owner's full semantic state.
// Stores must be atomic at the owner granularity.
type Snapshot struct {
	Owner   string    `json:"owner"`
	SavedAt time.Time `json:"saved_at"`
	Items   []Item    `json:"items"`
}

// Store abstracts persistence for semantic memory. The core is agnostic to
// the backing technology.
type Store interface {
	Load(ctx context.Context, owner string) (Snapshot, error)
	Save(ctx context.Context, owner string, snapshot Snapshot) error
}

// InMemoryStore implements Store for tests and local demos.
type InMemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{snapshots: make(map[string]Snapshot)}
}

func (s *InMemoryStore) Load(_ context.Context, owner string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if snapshot, ok := s.snapshots[owner]; ok {
		return snapshot, nil
	}
	return Snapshot{Owner: owner}, nil
}

func (s *InMemoryStore) Save(_ context.Context, owner string, snapshot Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Deep-copy so later mutation of the caller's slice cannot alias.
	copied := snapshot
	copied.Items = append([]Item(nil), snapshot.Items...)
	s.snapshots[owner] = copied
	return nil
}

// FileStore persists one JSON snapshot file per owner under a root directory.
// Writes go through a temp file plus rename so a crash never leaves a
// half-written snapshot.
type FileStore struct {
	rootDir string
	mu      sync.Mutex
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{rootDir: dir}
}

func (s *FileStore) path(owner string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case 'a' <= r && r <= 'z', 'A' <= r && r <= 'Z', '0' <= r && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, owner)
	return filepath.Join(s.rootDir, sanitized+".json")
}

func (s *FileStore) Load(_ context.Context, owner string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(owner))
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{Owner: owner}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot for %s: %w", owner, err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot for %s: %w", owner, err)
	}
	return snapshot, nil
}

func (s *FileStore) Save(_ context.Context, owner string, snapshot Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.rootDir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot for %s: %w", owner, err)
	}

	target := s.path(owner)
	tmp, err := os.CreateTemp(s.rootDir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace snapshot for %s: %w", owner, err)
	}
	return nil
}
