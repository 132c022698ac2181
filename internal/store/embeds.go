package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/icksaur/caco/internal/relay"
)

// EmbedStore persists embed metadata keyed by URL in a single JSON file. The
// media-lookup service records entries when a tool produces an embeddable
// link; the relay pipeline matches tool output against the index both live
// and during replay, which is what makes replayed embed ordering
// reconstructible.
type EmbedStore struct {
	path string

	mu     sync.Mutex
	embeds map[string]relay.Embed
}

func NewEmbedStore(dataDir string) (*EmbedStore, error) {
	s := &EmbedStore{
		path:   filepath.Join(dataDir, "embeds.json"),
		embeds: make(map[string]relay.Embed),
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read embed index: %w", err)
	}
	if err := json.Unmarshal(data, &s.embeds); err != nil {
		return nil, fmt.Errorf("decode embed index: %w", err)
	}
	return s, nil
}

// Record adds or refreshes one embed entry and persists the index.
func (s *EmbedStore) Record(em relay.Embed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embeds[em.URL] = em

	data, err := json.MarshalIndent(s.embeds, "", "  ")
	if err != nil {
		return fmt.Errorf("encode embed index: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("write embed index: %w", err)
	}
	return nil
}

// Match implements relay.EmbedIndex: every known URL appearing in the tool
// output is an output-reference marker.
func (s *EmbedStore) Match(toolOutput string) []relay.Embed {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []relay.Embed
	for url, em := range s.embeds {
		if strings.Contains(toolOutput, url) {
			out = append(out, em)
		}
	}
	// Deterministic order keeps replay byte-for-byte stable.
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}
