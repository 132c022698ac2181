// Package session owns the session lifecycle: the mapping from working
// directories to persisted session records, the subset of sessions with a
// live backing subprocess, and the create/resume/stop/delete operations.
// External subprocess teardown is always best-effort: a stuck agent process
// must never leave the registry believing a session is still active.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/icksaur/caco/internal/dispatch"
	"github.com/icksaur/caco/internal/relay"
	"github.com/icksaur/caco/internal/runtime"
	"github.com/icksaur/caco/internal/store"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrNotActive     = errors.New("session is not active")
	ErrBusy          = errors.New("session is busy")
	ErrModelRequired = errors.New("a model identifier is required to create a session")
	ErrNoWorkingDir  = errors.New("session has no recorded working directory")
)

// resumeNotice is prepended to the first prompt after a resume so the agent
// re-verifies its environment before trusting earlier state.
const resumeNotice = "[Session resumed. The working directory or its contents may have changed since the last turn; re-verify your environment before relying on earlier state.]\n\n"

// Proc is the subset of the runtime process the registry depends on.
// Narrowed for tests.
type Proc interface {
	Subscribe() (<-chan []byte, func())
	Send(runtime.Prompt) error
	Stop(ctx context.Context) error
	Done() <-chan struct{}
}

// StartFunc launches a backing subprocess. The default wraps runtime.Start.
type StartFunc func(ctx context.Context, cfg runtime.Config) (Proc, error)

// Config holds registry-wide settings.
type Config struct {
	// AgentCommand and AgentArgs name the backing agent binary.
	AgentCommand string
	AgentArgs    []string

	// SystemPrompt seeds newly created conversational contexts.
	SystemPrompt string

	// DeleteTimeout bounds the throwaway-handle deletion of an inactive
	// session's conversation state.
	DeleteTimeout time.Duration

	// Start overrides how subprocesses are launched. Nil means runtime.Start.
	Start StartFunc
}

// CreateOptions configures a new session.
type CreateOptions struct {
	Model string
	Name  string
}

// ResumeResult reports a completed resume.
type ResumeResult struct {
	SessionID string
	Cwd       string

	// UsedFallbackCwd is set when the recorded directory no longer exists
	// and the daemon's own working directory was substituted. A context
	// hint, not an error.
	UsedFallbackCwd bool
}

// activeSession pairs a persisted session with its live subprocess. It
// exists only while the subprocess runs and is never recreated implicitly; a
// daemon restart leaves every session inactive until explicitly resumed.
type activeSession struct {
	proc  Proc
	cwd   string
	model string

	// pendingResumeContext is consumed by the first send after a resume.
	pendingResumeContext bool
}

// Registry is the single owner of session state.
type Registry struct {
	cfg         Config
	log         *slog.Logger
	transcripts *store.TranscriptStore
	meta        *store.MetadataStore
	tracker     *dispatch.Tracker

	mu     sync.Mutex
	active map[string]*activeSession
	cache  map[string]store.TranscriptInfo

	start StartFunc
	newID func() string
}

func NewRegistry(cfg Config, log *slog.Logger, transcripts *store.TranscriptStore, meta *store.MetadataStore, tracker *dispatch.Tracker) *Registry {
	if cfg.DeleteTimeout <= 0 {
		cfg.DeleteTimeout = 30 * time.Second
	}
	start := cfg.Start
	if start == nil {
		start = func(ctx context.Context, rc runtime.Config) (Proc, error) {
			return runtime.Start(ctx, rc)
		}
	}
	return &Registry{
		cfg:         cfg,
		log:         log,
		transcripts: transcripts,
		meta:        meta,
		tracker:     tracker,
		active:      make(map[string]*activeSession),
		cache:       make(map[string]store.TranscriptInfo),
		start:       start,
		newID:       func() string { return uuid.New().String() },
	}
}

// LoadCache scans the transcript store and rebuilds the discovery cache
// without activating any subprocess. Runs at startup and after filesystem
// change notifications.
func (r *Registry) LoadCache() error {
	infos, err := r.transcripts.Scan()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cache = infos
	r.mu.Unlock()
	return nil
}

// Create spawns a new session rooted at cwd. A model identifier is
// mandatory; there is no implicit default.
func (r *Registry) Create(ctx context.Context, cwd string, opts CreateOptions) (string, error) {
	if opts.Model == "" {
		return "", ErrModelRequired
	}
	if _, err := os.Stat(cwd); err != nil {
		return "", fmt.Errorf("working directory %s: %w", cwd, err)
	}

	id := r.newID()
	proc, err := r.start(ctx, runtime.Config{
		Command:      r.cfg.AgentCommand,
		Args:         r.cfg.AgentArgs,
		Cwd:          cwd,
		Model:        opts.Model,
		SystemPrompt: r.cfg.SystemPrompt,
	})
	if err != nil {
		return "", fmt.Errorf("start agent for new session: %w", err)
	}

	// The session-start event is always the transcript's first line; replay
	// and discovery both depend on it carrying the working directory.
	startEv := relay.Event{Type: relay.TypeSessionStart, SessionID: id, Timestamp: time.Now().UTC(), Cwd: cwd, Model: opts.Model}
	if err := r.transcripts.Append(id, startEv); err != nil {
		r.log.Warn("failed to write session-start event", "session", id, "error", err)
	}
	if err := r.meta.Save(id, store.Metadata{Name: opts.Name, Cwd: cwd, Model: opts.Model}); err != nil {
		r.log.Warn("failed to persist session metadata", "session", id, "error", err)
	}

	r.mu.Lock()
	r.active[id] = &activeSession{proc: proc, cwd: cwd, model: opts.Model}
	r.cache[id] = store.TranscriptInfo{SessionID: id, Cwd: cwd, ModifiedAt: time.Now()}
	r.mu.Unlock()

	r.log.Info("session created", "session", id, "cwd", cwd, "model", opts.Model)
	return id, nil
}

// Resume reactivates a known session. Idempotent when already active. A
// vanished working directory falls back to the daemon's own and is reported
// to the caller, which is expected to prepend a re-verify notice to the next
// prompt (the registry arranges that via pendingResumeContext).
func (r *Registry) Resume(ctx context.Context, sessionID string) (ResumeResult, error) {
	r.mu.Lock()
	if as, ok := r.active[sessionID]; ok {
		res := ResumeResult{SessionID: sessionID, Cwd: as.cwd}
		r.mu.Unlock()
		return res, nil
	}
	info, known := r.cache[sessionID]
	r.mu.Unlock()

	m, err := r.meta.Load(sessionID)
	if err != nil {
		return ResumeResult{}, err
	}
	cwd := m.Cwd
	if cwd == "" {
		cwd = info.Cwd
	}
	if !known && m.Cwd == "" {
		return ResumeResult{}, fmt.Errorf("resume %s: %w", sessionID, ErrNotFound)
	}
	if cwd == "" {
		return ResumeResult{}, fmt.Errorf("resume %s: %w", sessionID, ErrNoWorkingDir)
	}

	usedFallback := false
	if _, err := os.Stat(cwd); err != nil {
		self, werr := os.Getwd()
		if werr != nil {
			return ResumeResult{}, fmt.Errorf("resume %s: original directory gone and cwd unavailable: %w", sessionID, werr)
		}
		r.log.Warn("session directory missing, using fallback", "session", sessionID, "recorded", cwd, "fallback", self)
		cwd = self
		usedFallback = true
	}

	model := m.Model
	proc, err := r.start(ctx, runtime.Config{
		Command:         r.cfg.AgentCommand,
		Args:            r.cfg.AgentArgs,
		Cwd:             cwd,
		Model:           model,
		ResumeSessionID: sessionID,
	})
	if err != nil {
		return ResumeResult{}, fmt.Errorf("resume agent for %s: %w", sessionID, err)
	}

	r.mu.Lock()
	r.active[sessionID] = &activeSession{proc: proc, cwd: cwd, model: model, pendingResumeContext: true}
	r.mu.Unlock()

	r.log.Info("session resumed", "session", sessionID, "cwd", cwd, "fallback", usedFallback)
	return ResumeResult{SessionID: sessionID, Cwd: cwd, UsedFallbackCwd: usedFallback}, nil
}

// Stop tears down a session's subprocess. Teardown failures degrade to
// warnings; bookkeeping (active map, dispatch state, transcript handle) is
// always cleaned up.
func (r *Registry) Stop(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	as, ok := r.active[sessionID]
	if ok {
		delete(r.active, sessionID)
	}
	r.mu.Unlock()

	if !ok {
		return ErrNotActive
	}

	if err := as.proc.Stop(ctx); err != nil {
		r.log.Warn("agent teardown failed", "session", sessionID, "error", err)
	}
	r.tracker.End(sessionID)
	r.transcripts.Close(sessionID)
	r.log.Info("session stopped", "session", sessionID)
	return nil
}

// Delete removes a session permanently: its subprocess (if any), its
// conversation state inside the agent runtime, its transcript, and its
// metadata. Busy sessions are refused.
func (r *Registry) Delete(ctx context.Context, sessionID string) error {
	if r.tracker.IsBusy(sessionID) {
		return fmt.Errorf("delete %s: %w", sessionID, ErrBusy)
	}

	r.mu.Lock()
	_, wasActive := r.active[sessionID]
	info, known := r.cache[sessionID]
	r.mu.Unlock()

	m, err := r.meta.Load(sessionID)
	if err != nil {
		return err
	}
	if !wasActive && !known && m.Cwd == "" {
		return fmt.Errorf("delete %s: %w", sessionID, ErrNotFound)
	}

	if wasActive {
		if err := r.Stop(ctx, sessionID); err != nil && !errors.Is(err, ErrNotActive) {
			r.log.Warn("stop before delete failed", "session", sessionID, "error", err)
		}
	} else {
		// The agent runtime owns the conversation state; clearing it needs a
		// throwaway handle rooted somewhere that still exists.
		cwd := m.Cwd
		if cwd == "" {
			cwd = info.Cwd
		}
		if _, err := os.Stat(cwd); cwd == "" || err != nil {
			cwd, _ = os.Getwd()
		}
		r.purgeConversation(ctx, sessionID, cwd)
	}

	if err := r.transcripts.Remove(sessionID); err != nil {
		return err
	}
	if err := r.meta.Remove(sessionID); err != nil {
		r.log.Warn("failed to remove session metadata", "session", sessionID, "error", err)
	}

	r.mu.Lock()
	delete(r.cache, sessionID)
	r.mu.Unlock()

	r.log.Info("session deleted", "session", sessionID)
	return nil
}

// purgeConversation spins up a short-lived agent process solely to delete
// the session's conversation state. Failures are logged, never fatal.
func (r *Registry) purgeConversation(ctx context.Context, sessionID, cwd string) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.DeleteTimeout)
	defer cancel()

	args := append(append([]string{}, r.cfg.AgentArgs...), "--delete", sessionID)
	proc, err := r.start(ctx, runtime.Config{
		Command: r.cfg.AgentCommand,
		Args:    args,
		Cwd:     cwd,
	})
	if err != nil {
		r.log.Warn("could not start deletion handle", "session", sessionID, "error", err)
		return
	}
	select {
	case <-proc.Done():
	case <-ctx.Done():
		r.log.Warn("deletion handle timed out", "session", sessionID)
		if err := proc.Stop(context.Background()); err != nil {
			r.log.Warn("deletion handle teardown failed", "session", sessionID, "error", err)
		}
	}
}

// Send submits a prompt to an active session, prepending the pending-resume
// notice exactly once.
func (r *Registry) Send(sessionID string, prompt runtime.Prompt) error {
	r.mu.Lock()
	as, ok := r.active[sessionID]
	notice := ok && as.pendingResumeContext
	if notice {
		prompt.Text = resumeNotice + prompt.Text
		as.pendingResumeContext = false
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("send to %s: %w", sessionID, ErrNotActive)
	}
	if err := as.proc.Send(prompt); err != nil {
		// The notice is one-shot per delivered prompt, not per attempt; a
		// failed send restores it for the retry.
		if notice {
			r.mu.Lock()
			as.pendingResumeContext = true
			r.mu.Unlock()
		}
		return err
	}
	return nil
}

// SendStream subscribes to the session's event stream and then submits the
// prompt, so no event emitted in response can be missed. The caller owns the
// returned unsubscribe handle. Same active and resume-notice semantics as
// Send.
func (r *Registry) SendStream(sessionID string, prompt runtime.Prompt) (<-chan []byte, func(), error) {
	proc, ok := r.handle(sessionID)
	if !ok {
		return nil, nil, fmt.Errorf("send to %s: %w", sessionID, ErrNotActive)
	}
	events, unsubscribe := proc.Subscribe()
	if err := r.Send(sessionID, prompt); err != nil {
		unsubscribe()
		return nil, nil, err
	}
	return events, unsubscribe, nil
}

// handle returns the live subprocess for a session.
func (r *Registry) handle(sessionID string) (Proc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	as, ok := r.active[sessionID]
	if !ok {
		return nil, false
	}
	return as.proc, true
}

// Known reports whether the session is active or present in the discovery
// cache.
func (r *Registry) Known(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[sessionID]; ok {
		return true
	}
	_, ok := r.cache[sessionID]
	return ok
}

// IsActive reports whether the session has a live subprocess.
func (r *Registry) IsActive(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[sessionID]
	return ok
}

// Rename updates a session's display name.
func (r *Registry) Rename(sessionID, name string) error {
	r.mu.Lock()
	_, active := r.active[sessionID]
	_, known := r.cache[sessionID]
	r.mu.Unlock()
	if !active && !known {
		return fmt.Errorf("rename %s: %w", sessionID, ErrNotFound)
	}
	_, err := r.meta.Update(sessionID, func(m *store.Metadata) { m.Name = name })
	return err
}

// Info is the merged view of one session for listings.
type Info struct {
	ID             string     `json:"id"`
	Cwd            string     `json:"cwd"`
	Name           string     `json:"name,omitempty"`
	Model          string     `json:"model,omitempty"`
	Summary        string     `json:"summary,omitempty"`
	CurrentIntent  string     `json:"currentIntent,omitempty"`
	LastIdleAt     *time.Time `json:"lastIdleAt,omitempty"`
	LastObservedAt *time.Time `json:"lastObservedAt,omitempty"`
	Active         bool       `json:"active"`
	Busy           bool       `json:"busy"`
}

// Sessions lists every known session, live or on disk only.
func (r *Registry) Sessions() []Info {
	r.mu.Lock()
	ids := make(map[string]store.TranscriptInfo, len(r.cache))
	for id, info := range r.cache {
		ids[id] = info
	}
	for id := range r.active {
		if _, ok := ids[id]; !ok {
			ids[id] = store.TranscriptInfo{SessionID: id}
		}
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(ids))
	for id, tinfo := range ids {
		m, err := r.meta.Load(id)
		if err != nil {
			r.log.Warn("failed to load session metadata", "session", id, "error", err)
		}
		cwd := m.Cwd
		if cwd == "" {
			cwd = tinfo.Cwd
		}
		out = append(out, Info{
			ID:             id,
			Cwd:            cwd,
			Name:           m.Name,
			Model:          m.Model,
			Summary:        tinfo.Summary,
			CurrentIntent:  m.CurrentIntent,
			LastIdleAt:     m.LastIdleAt,
			LastObservedAt: m.LastObservedAt,
			Active:         r.IsActive(id),
			Busy:           r.tracker.IsBusy(id),
		})
	}
	return out
}

// MostRecentForDir returns the most recently modified session rooted at cwd,
// used when a caller supplies a directory but no explicit session.
func (r *Registry) MostRecentForDir(cwd string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var bestID string
	var bestTime time.Time
	for id, info := range r.cache {
		if info.Cwd != cwd {
			continue
		}
		if bestID == "" || info.ModifiedAt.After(bestTime) {
			bestID, bestTime = id, info.ModifiedAt
		}
	}
	return bestID, bestID != ""
}

// StopAll tears down every active session, for daemon shutdown.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		if err := r.Stop(ctx, id); err != nil && !errors.Is(err, ErrNotActive) {
			r.log.Warn("shutdown stop failed", "session", id, "error", err)
		}
	}
}
