package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Metadata is the per-session JSON record written alongside the transcript.
type Metadata struct {
	Name           string     `json:"name,omitempty"`
	Cwd            string     `json:"cwd,omitempty"`
	Model          string     `json:"model,omitempty"`
	LastIdleAt     *time.Time `json:"lastIdleAt,omitempty"`
	LastObservedAt *time.Time `json:"lastObservedAt,omitempty"`
	CurrentIntent  string     `json:"currentIntent,omitempty"`
}

// MetadataStore persists one JSON file per session under <data>/meta.
type MetadataStore struct {
	dir string
	mu  sync.Mutex
}

func NewMetadataStore(dataDir string) *MetadataStore {
	return &MetadataStore{dir: filepath.Join(dataDir, "meta")}
}

func (s *MetadataStore) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

// Load reads a session's metadata. A missing file is not an error; it
// returns the zero record.
func (s *MetadataStore) Load(sessionID string) (Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(sessionID)
}

func (s *MetadataStore) load(sessionID string) (Metadata, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, nil
		}
		return Metadata{}, fmt.Errorf("read metadata %s: %w", sessionID, err)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return Metadata{}, fmt.Errorf("decode metadata %s: %w", sessionID, err)
	}
	return m, nil
}

// Save writes a session's full metadata record.
func (s *MetadataStore) Save(sessionID string, m Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(sessionID, m)
}

func (s *MetadataStore) save(sessionID string, m Metadata) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata %s: %w", sessionID, err)
	}
	if err := os.WriteFile(s.path(sessionID), data, 0644); err != nil {
		return fmt.Errorf("write metadata %s: %w", sessionID, err)
	}
	return nil
}

// Update applies fn to the current record under the store lock and persists
// the result. Lifecycle code uses this for read-modify-write fields like
// timestamps and intent.
func (s *MetadataStore) Update(sessionID string, fn func(*Metadata)) (Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load(sessionID)
	if err != nil {
		return Metadata{}, err
	}
	fn(&m)
	if err := s.save(sessionID, m); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

// Remove deletes a session's metadata record.
func (s *MetadataStore) Remove(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove metadata %s: %w", sessionID, err)
	}
	return nil
}

// List returns ids of every session with a metadata record.
func (s *MetadataStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list metadata: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		ids = append(ids, name[:len(name)-len(".json")])
	}
	return ids, nil
}
