// Package store owns the daemon's on-disk state: per-session JSONL
// transcripts, per-session metadata records, and the embed metadata index.
// Everything is written under one data directory, resolved from an explicit
// override, the user's XDG data home, or a temp-dir fallback for restricted
// environments.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/icksaur/caco/internal/relay"
)

// DataDirs returns candidate data directories in priority order.
// 1) CACO_DATA_DIR (explicit override)
// 2) ~/.local/share/caco (default)
// 3) $TMPDIR/caco (fallback for restricted environments)
func DataDirs() []string {
	seen := make(map[string]bool)
	var dirs []string

	add := func(dir string) {
		dir = strings.TrimSpace(dir)
		if dir == "" || seen[dir] {
			return
		}
		seen[dir] = true
		dirs = append(dirs, dir)
	}

	add(os.Getenv("CACO_DATA_DIR"))
	if home, err := os.UserHomeDir(); err == nil {
		add(filepath.Join(home, ".local", "share", "caco"))
	}
	add(filepath.Join(os.TempDir(), "caco"))
	return dirs
}

// ResolveDataDir picks the first writable candidate and creates its layout.
func ResolveDataDir(override string) (string, error) {
	candidates := DataDirs()
	if override != "" {
		candidates = append([]string{override}, candidates...)
	}
	var lastErr error
	for _, dir := range candidates {
		ok := true
		for _, sub := range []string{"transcripts", "meta"} {
			if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
				lastErr = fmt.Errorf("create data directory %s: %w", dir, err)
				ok = false
				break
			}
		}
		if ok {
			return dir, nil
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no writable data directory found")
	}
	return "", lastErr
}

// TranscriptStore reads and writes per-session JSONL transcripts: one JSON
// event per line, first line always the session-start event carrying the
// originating working directory.
type TranscriptStore struct {
	dir string

	mu      sync.Mutex
	writers map[string]*transcriptWriter
}

type transcriptWriter struct {
	file *os.File
	enc  *json.Encoder
}

func NewTranscriptStore(dataDir string) *TranscriptStore {
	return &TranscriptStore{
		dir:     filepath.Join(dataDir, "transcripts"),
		writers: make(map[string]*transcriptWriter),
	}
}

func (s *TranscriptStore) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".jsonl")
}

// Append writes one event to the session's transcript, opening the file on
// first use.
func (s *TranscriptStore) Append(sessionID string, ev relay.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.writers[sessionID]
	if !ok {
		f, err := os.OpenFile(s.path(sessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open transcript %s: %w", sessionID, err)
		}
		w = &transcriptWriter{file: f, enc: json.NewEncoder(f)}
		s.writers[sessionID] = w
	}
	if err := w.enc.Encode(ev); err != nil {
		return fmt.Errorf("append transcript %s: %w", sessionID, err)
	}
	return nil
}

// Close releases the session's open transcript handle, if any.
func (s *TranscriptStore) Close(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.writers[sessionID]; ok {
		w.file.Close()
		delete(s.writers, sessionID)
	}
}

// Open returns a reader over the session's transcript for replay.
func (s *TranscriptStore) Open(sessionID string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(sessionID))
	if err != nil {
		return nil, fmt.Errorf("open transcript %s: %w", sessionID, err)
	}
	return f, nil
}

// Remove deletes the session's transcript from disk.
func (s *TranscriptStore) Remove(sessionID string) error {
	s.Close(sessionID)
	if err := os.Remove(s.path(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove transcript %s: %w", sessionID, err)
	}
	return nil
}

// Dir returns the transcript directory, for filesystem watchers.
func (s *TranscriptStore) Dir() string { return s.dir }

// TranscriptInfo is the discovery record for one on-disk transcript.
type TranscriptInfo struct {
	SessionID  string
	Cwd        string
	Summary    string
	ModifiedAt time.Time
}

// Scan walks the transcript directory and reconstructs discovery records
// without activating any subprocess. The working directory comes from the
// session-start first line; the summary is the last assistant text found.
// Malformed lines are skipped individually.
func (s *TranscriptStore) Scan() (map[string]TranscriptInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]TranscriptInfo{}, nil
		}
		return nil, fmt.Errorf("scan transcripts: %w", err)
	}

	infos := make(map[string]TranscriptInfo, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		sessionID := strings.TrimSuffix(name, ".jsonl")
		info, err := s.readInfo(sessionID)
		if err != nil {
			continue
		}
		if fi, err := entry.Info(); err == nil {
			info.ModifiedAt = fi.ModTime()
		}
		infos[sessionID] = info
	}
	return infos, nil
}

func (s *TranscriptStore) readInfo(sessionID string) (TranscriptInfo, error) {
	f, err := os.Open(s.path(sessionID))
	if err != nil {
		return TranscriptInfo{}, err
	}
	defer f.Close()

	info := TranscriptInfo{SessionID: sessionID}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		ev, err := relay.Normalize(sc.Bytes())
		if err != nil {
			continue
		}
		switch ev.Type {
		case relay.TypeSessionStart:
			if info.Cwd == "" {
				info.Cwd = ev.Cwd
			}
		case relay.TypeAssistantMessage:
			if ev.Text != "" {
				info.Summary = summarizeLine(ev.Text)
			}
		}
	}
	return info, nil
}

// summarizeLine truncates text to a single short line for listings.
func summarizeLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	const max = 120
	if len(text) > max {
		text = text[:max] + "…"
	}
	return strings.TrimSpace(text)
}
