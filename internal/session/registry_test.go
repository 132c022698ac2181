package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/icksaur/caco/internal/dispatch"
	"github.com/icksaur/caco/internal/relay"
	"github.com/icksaur/caco/internal/runtime"
	"github.com/icksaur/caco/internal/store"
)

// fakeProc records interactions instead of spawning anything.
type fakeProc struct {
	mu      sync.Mutex
	sent    []runtime.Prompt
	sendErr error
	stopErr error
	stopped bool
	done    chan struct{}
}

func newFakeProc() *fakeProc {
	return &fakeProc{done: make(chan struct{})}
}

func (p *fakeProc) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte)
	return ch, func() {}
}

func (p *fakeProc) Send(prompt runtime.Prompt) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, prompt)
	return nil
}

func (p *fakeProc) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		p.stopped = true
		close(p.done)
	}
	return p.stopErr
}

func (p *fakeProc) Done() <-chan struct{} { return p.done }

type testEnv struct {
	reg     *Registry
	tracker *dispatch.Tracker
	meta    *store.MetadataStore
	ts      *store.TranscriptStore

	mu     sync.Mutex
	procs  []*fakeProc
	starts []runtime.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	if _, err := store.ResolveDataDir(dir); err != nil {
		t.Fatal(err)
	}
	env := &testEnv{
		tracker: dispatch.NewTracker(),
		meta:    store.NewMetadataStore(dir),
		ts:      store.NewTranscriptStore(dir),
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	start := func(ctx context.Context, rc runtime.Config) (Proc, error) {
		env.mu.Lock()
		defer env.mu.Unlock()
		p := newFakeProc()
		env.procs = append(env.procs, p)
		env.starts = append(env.starts, rc)
		// Deletion handles exit on their own.
		for _, a := range rc.Args {
			if a == "--delete" {
				close(p.done)
				p.stopped = true
				break
			}
		}
		return p, nil
	}
	env.reg = NewRegistry(Config{AgentCommand: "agent", DeleteTimeout: time.Second, Start: start}, log, env.ts, env.meta, env.tracker)
	return env
}

func (env *testEnv) lastProc(t *testing.T) *fakeProc {
	t.Helper()
	env.mu.Lock()
	defer env.mu.Unlock()
	if len(env.procs) == 0 {
		t.Fatal("no subprocess was started")
	}
	return env.procs[len(env.procs)-1]
}

func TestCreateRequiresModel(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.reg.Create(context.Background(), t.TempDir(), CreateOptions{})
	if !errors.Is(err, ErrModelRequired) {
		t.Fatalf("expected ErrModelRequired, got %v", err)
	}
}

func TestCreateWritesSessionStart(t *testing.T) {
	env := newTestEnv(t)
	cwd := t.TempDir()

	id, err := env.reg.Create(context.Background(), cwd, CreateOptions{Model: "m-1", Name: "build"})
	if err != nil {
		t.Fatal(err)
	}
	if !env.reg.IsActive(id) {
		t.Fatal("new session should be active")
	}

	env.ts.Close(id)
	r, err := env.ts.Open(id)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	events, err := relay.Replay(id, r, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) == 0 || events[0].Type != relay.TypeSessionStart || events[0].Cwd != cwd {
		t.Fatalf("transcript should open with session-start carrying cwd, got %+v", events)
	}

	m, err := env.meta.Load(id)
	if err != nil {
		t.Fatal(err)
	}
	if m.Model != "m-1" || m.Name != "build" || m.Cwd != cwd {
		t.Fatalf("metadata not persisted: %+v", m)
	}
}

func TestResumeIsIdempotentWhenActive(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.reg.Create(context.Background(), t.TempDir(), CreateOptions{Model: "m-1"})
	if err != nil {
		t.Fatal(err)
	}

	before := len(env.starts)
	res, err := env.reg.Resume(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if res.SessionID != id || res.UsedFallbackCwd {
		t.Fatalf("unexpected resume result: %+v", res)
	}
	if len(env.starts) != before {
		t.Fatal("resume of an active session must not start a subprocess")
	}
}

func TestResumeUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.reg.Resume(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResumeFallbackCwd(t *testing.T) {
	env := newTestEnv(t)
	gone := t.TempDir()
	id, err := env.reg.Create(context.Background(), gone, CreateOptions{Model: "m-1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.reg.Stop(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(gone); err != nil {
		t.Fatal(err)
	}

	res, err := env.reg.Resume(context.Background(), id)
	if err != nil {
		t.Fatalf("resume with vanished cwd should succeed: %v", err)
	}
	if !res.UsedFallbackCwd {
		t.Fatal("fallback should be reported to the caller")
	}
	self, _ := os.Getwd()
	if res.Cwd != self {
		t.Fatalf("fallback cwd = %q, want %q", res.Cwd, self)
	}
}

func TestResumeNoticePrependedOnce(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.reg.Create(context.Background(), t.TempDir(), CreateOptions{Model: "m-1"})
	if err != nil {
		t.Fatal(err)
	}
	env.reg.Stop(context.Background(), id)
	if _, err := env.reg.Resume(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	proc := env.lastProc(t)
	if err := env.reg.Send(id, runtime.Prompt{Text: "first"}); err != nil {
		t.Fatal(err)
	}
	if err := env.reg.Send(id, runtime.Prompt{Text: "second"}); err != nil {
		t.Fatal(err)
	}

	proc.mu.Lock()
	defer proc.mu.Unlock()
	if len(proc.sent) != 2 {
		t.Fatalf("expected 2 prompts, got %d", len(proc.sent))
	}
	if !strings.HasPrefix(proc.sent[0].Text, "[Session resumed") || !strings.HasSuffix(proc.sent[0].Text, "first") {
		t.Fatalf("first prompt should carry the resume notice: %q", proc.sent[0].Text)
	}
	if strings.Contains(proc.sent[1].Text, "Session resumed") {
		t.Fatalf("notice must be consumed exactly once: %q", proc.sent[1].Text)
	}
}

func TestResumeNoticeSurvivesFailedSend(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.reg.Create(context.Background(), t.TempDir(), CreateOptions{Model: "m-1"})
	if err != nil {
		t.Fatal(err)
	}
	env.reg.Stop(context.Background(), id)
	if _, err := env.reg.Resume(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	proc := env.lastProc(t)
	proc.mu.Lock()
	proc.sendErr = errors.New("stdin pipe broken")
	proc.mu.Unlock()

	if err := env.reg.Send(id, runtime.Prompt{Text: "first"}); err == nil {
		t.Fatal("expected the send to fail")
	}

	proc.mu.Lock()
	proc.sendErr = nil
	proc.mu.Unlock()

	if err := env.reg.Send(id, runtime.Prompt{Text: "retry"}); err != nil {
		t.Fatal(err)
	}
	proc.mu.Lock()
	defer proc.mu.Unlock()
	if len(proc.sent) != 1 {
		t.Fatalf("expected 1 delivered prompt, got %d", len(proc.sent))
	}
	if !strings.HasPrefix(proc.sent[0].Text, "[Session resumed") {
		t.Fatalf("retry after a failed send should still carry the notice: %q", proc.sent[0].Text)
	}
}

func TestSendStreamSubscribesBeforeSending(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.reg.Create(context.Background(), t.TempDir(), CreateOptions{Model: "m-1"})
	if err != nil {
		t.Fatal(err)
	}

	events, unsubscribe, err := env.reg.SendStream(id, runtime.Prompt{Text: "go"})
	if err != nil {
		t.Fatal(err)
	}
	defer unsubscribe()
	if events == nil {
		t.Fatal("expected a live event channel")
	}

	proc := env.lastProc(t)
	proc.mu.Lock()
	defer proc.mu.Unlock()
	if len(proc.sent) != 1 || proc.sent[0].Text != "go" {
		t.Fatalf("prompt not delivered: %+v", proc.sent)
	}
}

func TestSendStreamRequiresActive(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.reg.SendStream("ghost", runtime.Prompt{Text: "hi"}); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
}

func TestSendRequiresActive(t *testing.T) {
	env := newTestEnv(t)
	err := env.reg.Send("ghost", runtime.Prompt{Text: "hi"})
	if !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
}

func TestStopSurvivesTeardownFailure(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.reg.Create(context.Background(), t.TempDir(), CreateOptions{Model: "m-1"})
	if err != nil {
		t.Fatal(err)
	}
	env.tracker.Start(id, "cid")
	env.lastProc(t).stopErr = errors.New("agent wedged")

	if err := env.reg.Stop(context.Background(), id); err != nil {
		t.Fatalf("teardown failure must not fail Stop: %v", err)
	}
	if env.reg.IsActive(id) {
		t.Fatal("session must be unregistered despite teardown failure")
	}
	if env.tracker.IsBusy(id) {
		t.Fatal("dispatch state must be cleared despite teardown failure")
	}
}

func TestDeleteRefusesBusySession(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.reg.Create(context.Background(), t.TempDir(), CreateOptions{Model: "m-1"})
	if err != nil {
		t.Fatal(err)
	}
	env.tracker.Start(id, "")

	if err := env.reg.Delete(context.Background(), id); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestDeleteInactiveUsesThrowawayHandle(t *testing.T) {
	env := newTestEnv(t)
	cwd := t.TempDir()
	id, err := env.reg.Create(context.Background(), cwd, CreateOptions{Model: "m-1"})
	if err != nil {
		t.Fatal(err)
	}
	env.reg.Stop(context.Background(), id)

	if err := env.reg.Delete(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	env.mu.Lock()
	last := env.starts[len(env.starts)-1]
	env.mu.Unlock()
	found := false
	for i, a := range last.Args {
		if a == "--delete" && i+1 < len(last.Args) && last.Args[i+1] == id {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a throwaway deletion handle, got args %v", last.Args)
	}
	if last.Cwd != cwd {
		t.Fatalf("deletion handle should root at the last-known cwd, got %q", last.Cwd)
	}

	if _, err := env.ts.Open(id); err == nil {
		t.Fatal("transcript should be removed")
	}
	if _, err := env.reg.Resume(context.Background(), id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted session should be unknown, got %v", err)
	}
}

func TestMostRecentForDir(t *testing.T) {
	env := newTestEnv(t)
	cwd := t.TempDir()

	a, err := env.reg.Create(context.Background(), cwd, CreateOptions{Model: "m-1"})
	if err != nil {
		t.Fatal(err)
	}
	env.reg.mu.Lock()
	info := env.reg.cache[a]
	info.ModifiedAt = time.Now().Add(-time.Hour)
	env.reg.cache[a] = info
	env.reg.mu.Unlock()

	b, err := env.reg.Create(context.Background(), cwd, CreateOptions{Model: "m-1"})
	if err != nil {
		t.Fatal(err)
	}

	got, ok := env.reg.MostRecentForDir(cwd)
	if !ok || got != b {
		t.Fatalf("MostRecentForDir = %q, %v; want %q", got, ok, b)
	}
	if _, ok := env.reg.MostRecentForDir("/nowhere"); ok {
		t.Fatal("unknown directory should report no session")
	}
}

func TestRename(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.reg.Create(context.Background(), t.TempDir(), CreateOptions{Model: "m-1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.reg.Rename(id, "new name"); err != nil {
		t.Fatal(err)
	}
	m, _ := env.meta.Load(id)
	if m.Name != "new name" {
		t.Fatalf("name = %q", m.Name)
	}
	if err := env.reg.Rename("ghost", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDiscoveryCacheFromDisk(t *testing.T) {
	env := newTestEnv(t)

	env.ts.Append("old", relay.Event{Type: relay.TypeSessionStart, SessionID: "old", Cwd: "/srv/app"})
	env.ts.Append("old", relay.Event{Type: relay.TypeAssistantMessage, SessionID: "old", Text: "done earlier"})
	env.ts.Close("old")

	if err := env.reg.LoadCache(); err != nil {
		t.Fatal(err)
	}
	sessions := env.reg.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("expected 1 discovered session, got %+v", sessions)
	}
	s := sessions[0]
	if s.ID != "old" || s.Cwd != "/srv/app" || s.Summary != "done earlier" || s.Active {
		t.Fatalf("unexpected session info: %+v", s)
	}
}
