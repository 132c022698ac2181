package store

import (
	"testing"
	"time"

	"github.com/icksaur/caco/internal/relay"
)

func TestTranscriptAppendAndScan(t *testing.T) {
	dir := t.TempDir()
	if _, err := ResolveDataDir(dir); err != nil {
		t.Fatal(err)
	}
	ts := NewTranscriptStore(dir)

	events := []relay.Event{
		{Type: relay.TypeSessionStart, SessionID: "s1", Cwd: "/tmp/project"},
		{Type: relay.TypeUserMessage, SessionID: "s1", Text: "fix the tests"},
		{Type: relay.TypeAssistantMessage, SessionID: "s1", Text: "Done, all tests pass now."},
		{Type: relay.TypeIdle, SessionID: "s1"},
	}
	for _, ev := range events {
		if err := ts.Append("s1", ev); err != nil {
			t.Fatal(err)
		}
	}
	ts.Close("s1")

	infos, err := ts.Scan()
	if err != nil {
		t.Fatal(err)
	}
	info, ok := infos["s1"]
	if !ok {
		t.Fatalf("session s1 not discovered: %v", infos)
	}
	if info.Cwd != "/tmp/project" {
		t.Fatalf("cwd = %q, want /tmp/project", info.Cwd)
	}
	if info.Summary != "Done, all tests pass now." {
		t.Fatalf("summary = %q", info.Summary)
	}
}

func TestTranscriptRoundTripThroughReplay(t *testing.T) {
	dir := t.TempDir()
	if _, err := ResolveDataDir(dir); err != nil {
		t.Fatal(err)
	}
	ts := NewTranscriptStore(dir)

	ts.Append("s1", relay.Event{Type: relay.TypeSessionStart, SessionID: "s1", Cwd: "/x"})
	ts.Append("s1", relay.Event{Type: relay.TypeAssistantMessage, SessionID: "s1", Text: "hello"})
	ts.Close("s1")

	r, err := ts.Open("s1")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	events, err := relay.Replay("s1", r, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[1].Text != "hello" {
		t.Fatalf("replayed %+v", events)
	}
}

func TestTranscriptRemove(t *testing.T) {
	dir := t.TempDir()
	if _, err := ResolveDataDir(dir); err != nil {
		t.Fatal(err)
	}
	ts := NewTranscriptStore(dir)
	ts.Append("s1", relay.Event{Type: relay.TypeSessionStart, Cwd: "/x"})

	if err := ts.Remove("s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := ts.Open("s1"); err == nil {
		t.Fatal("transcript should be gone")
	}
	// Removing twice is fine.
	if err := ts.Remove("s1"); err != nil {
		t.Fatal(err)
	}
}

func TestMetadataUpdate(t *testing.T) {
	dir := t.TempDir()
	if _, err := ResolveDataDir(dir); err != nil {
		t.Fatal(err)
	}
	ms := NewMetadataStore(dir)

	// Load of a never-written session returns the zero record.
	m, err := ms.Load("s1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Name != "" || m.LastIdleAt != nil {
		t.Fatalf("expected zero record, got %+v", m)
	}

	now := time.Now().UTC()
	if _, err := ms.Update("s1", func(m *Metadata) {
		m.Name = "refactor"
		m.LastIdleAt = &now
		m.CurrentIntent = "refactoring the parser"
	}); err != nil {
		t.Fatal(err)
	}

	m, err = ms.Load("s1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Name != "refactor" || m.CurrentIntent != "refactoring the parser" {
		t.Fatalf("round trip lost fields: %+v", m)
	}
	if m.LastIdleAt == nil || !m.LastIdleAt.Equal(now) {
		t.Fatalf("timestamp mismatch: %+v", m.LastIdleAt)
	}

	ids, err := ms.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "s1" {
		t.Fatalf("List = %v", ids)
	}
}

func TestEmbedStorePersistence(t *testing.T) {
	dir := t.TempDir()
	es, err := NewEmbedStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := es.Record(relay.Embed{URL: "https://example.com/v", Title: "V"}); err != nil {
		t.Fatal(err)
	}

	// A fresh store over the same directory sees the persisted entry.
	es2, err := NewEmbedStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	matches := es2.Match("tool printed https://example.com/v today")
	if len(matches) != 1 || matches[0].Title != "V" {
		t.Fatalf("Match = %+v", matches)
	}
	if got := es2.Match("nothing relevant"); len(got) != 0 {
		t.Fatalf("unexpected matches: %+v", got)
	}
}
