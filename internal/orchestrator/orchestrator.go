// Package orchestrator ties the core together: a dispatch entrypoint that
// runs the runaway guard, marks the session busy, feeds subprocess events
// through the relay pipeline, and guarantees exactly one terminal transition
// per turn whether the agent finishes, fails, or hangs. The guard ledger,
// dispatch tracker, and unobserved set are constructed once and injected
// here; nothing in the daemon reaches for ambient globals.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/icksaur/caco/internal/dispatch"
	"github.com/icksaur/caco/internal/guard"
	"github.com/icksaur/caco/internal/relay"
	"github.com/icksaur/caco/internal/runtime"
	"github.com/icksaur/caco/internal/session"
	"github.com/icksaur/caco/internal/store"
	"github.com/icksaur/caco/internal/unobserved"
)

// ErrCorrelationRequired rejects delegated sends that name an originating
// session without a correlation id to account them under.
var ErrCorrelationRequired = errors.New("a correlationId is required when fromSession is set")

// ErrTurnTimeout is the caller-visible timeout failure. Its text is fixed
// and deliberately distinct from the transport's raw timeout message.
var ErrTurnTimeout = errors.New("the agent did not respond in time and the turn was abandoned")

// Broadcaster receives relayed events and global notifications. The
// WebSocket hub implements it; tests use a recorder.
type Broadcaster interface {
	Publish(sessionID string, ev relay.Event)
	SessionListChanged()
	SessionBusy(sessionID string, busy bool)
}

// IntentSummarizer derives a short free-text intent from a prompt. Optional.
type IntentSummarizer interface {
	Intent(ctx context.Context, prompt string) (string, error)
}

// SendRequest is one inbound prompt, already validated by the boundary.
type SendRequest struct {
	SessionID     string
	Prompt        string
	Attachments   []string
	CorrelationID string
	FromSession   string
}

// Config holds orchestrator settings.
type Config struct {
	// TurnTimeout is the watchdog deadline: if no terminal event arrives
	// within it, the turn is forcibly closed.
	TurnTimeout time.Duration
}

type Orchestrator struct {
	cfg         Config
	log         *slog.Logger
	registry    *session.Registry
	tracker     *dispatch.Tracker
	ledger      *guard.Ledger
	pipeline    *relay.Pipeline
	transcripts *store.TranscriptStore
	meta        *store.MetadataStore
	unobserved  *unobserved.Tracker
	embeds      relay.EmbedIndex
	bc          Broadcaster
	summarizer  IntentSummarizer
}

func New(cfg Config, log *slog.Logger, registry *session.Registry, tracker *dispatch.Tracker, ledger *guard.Ledger, transcripts *store.TranscriptStore, meta *store.MetadataStore, unobs *unobserved.Tracker, embeds relay.EmbedIndex, bc Broadcaster, summarizer IntentSummarizer) *Orchestrator {
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 10 * time.Minute
	}
	return &Orchestrator{
		cfg:         cfg,
		log:         log,
		registry:    registry,
		tracker:     tracker,
		ledger:      ledger,
		pipeline:    relay.NewPipeline(embeds),
		transcripts: transcripts,
		meta:        meta,
		unobserved:  unobs,
		embeds:      embeds,
		bc:          bc,
		summarizer:  summarizer,
	}
}

// Dispatch admits one turn for a session. It returns once the turn is
// accepted (guard passed, session marked busy, prompt delivered); events
// stream to the broadcaster asynchronously until the terminal event.
func (o *Orchestrator) Dispatch(ctx context.Context, req SendRequest) error {
	if req.FromSession != "" && req.CorrelationID == "" {
		return ErrCorrelationRequired
	}

	// Delegated calls pass the runaway guard; check and commit happen under
	// one ledger critical section so concurrent delegations sharing a
	// correlation id cannot overshoot a limit.
	if req.FromSession != "" {
		if err := o.ledger.CheckAndRecord(req.CorrelationID, req.SessionID); err != nil {
			o.log.Info("delegated call rejected", "from", req.FromSession, "to", req.SessionID, "reason", err)
			return err
		}
	}

	if err := o.tracker.Start(req.SessionID, req.CorrelationID); err != nil {
		return err
	}

	events, unsubscribe, err := o.registry.SendStream(req.SessionID, runtime.Prompt{Text: req.Prompt, Attachments: req.Attachments})
	if err != nil {
		o.tracker.End(req.SessionID)
		return err
	}

	o.bc.SessionBusy(req.SessionID, true)
	o.emit(req.SessionID, relay.Event{
		Type:      relay.TypeUserMessage,
		SessionID: req.SessionID,
		Timestamp: time.Now().UTC(),
		Text:      req.Prompt,
	})

	if o.summarizer != nil {
		go o.updateIntent(req.SessionID, req.Prompt)
	}

	go o.consume(req.SessionID, events, unsubscribe)
	return nil
}

// consume relays subprocess events until a terminal event, subprocess exit,
// or the watchdog. Exactly one of those paths runs finish.
func (o *Orchestrator) consume(sessionID string, events <-chan []byte, unsubscribe func()) {
	defer unsubscribe()

	watchdog := time.NewTimer(o.cfg.TurnTimeout)
	defer watchdog.Stop()

	for {
		select {
		case raw, ok := <-events:
			if !ok {
				// Subprocess died mid-turn; surface it as a session error.
				o.emit(sessionID, relay.Event{
					Type:      relay.TypeError,
					SessionID: sessionID,
					Timestamp: time.Now().UTC(),
					ErrorText: "the agent process exited unexpectedly",
				})
				o.finish(sessionID)
				return
			}
			ev, err := relay.Normalize(raw)
			if err != nil {
				o.log.Warn("unparseable agent event", "session", sessionID, "error", err)
				continue
			}
			if ev.SessionID == "" {
				ev.SessionID = sessionID
			}
			if ev.Timestamp.IsZero() {
				ev.Timestamp = time.Now().UTC()
			}
			o.emit(sessionID, ev)
			if ev.Type == relay.TypeIdle || ev.Type == relay.TypeError {
				o.finish(sessionID)
				return
			}
		case <-watchdog.C:
			o.log.Warn("turn watchdog fired", "session", sessionID, "timeout", o.cfg.TurnTimeout)
			o.emit(sessionID, relay.Event{
				Type:      relay.TypeError,
				SessionID: sessionID,
				Timestamp: time.Now().UTC(),
				ErrorText: ErrTurnTimeout.Error(),
			})
			o.finish(sessionID)
			return
		}
	}
}

// emit runs one event through the relay pipeline and forwards everything it
// yields to the broadcaster. The transcript stores the kept input event, not
// the pipeline output: synthetic embed events are regenerated during replay,
// which would otherwise see them twice.
func (o *Orchestrator) emit(sessionID string, ev relay.Event) {
	outs := o.pipeline.Process(sessionID, ev)
	if len(outs) == 0 {
		return
	}
	if err := o.transcripts.Append(sessionID, ev); err != nil {
		o.log.Warn("transcript append failed", "session", sessionID, "error", err)
	}
	for _, out := range outs {
		o.bc.Publish(sessionID, out)
	}
}

// finish is the single terminal cleanup path: dispatch record cleared,
// queued synthetics dropped, unobserved membership updated, listeners told.
func (o *Orchestrator) finish(sessionID string) {
	o.pipeline.Drop(sessionID)
	if _, err := o.unobserved.MarkIdle(sessionID); err != nil {
		o.log.Warn("failed to mark session unobserved", "session", sessionID, "error", err)
	}
	o.bc.SessionBusy(sessionID, false)
	// The finished turn moved the session's summary and modified time.
	o.bc.SessionListChanged()
	// Busy state clears last: a caller that has seen the session go idle can
	// rely on the terminal bookkeeping being complete.
	o.tracker.End(sessionID)
}

// AnnounceEmbed queues an embed onto a session's live stream so it surfaces
// before the next assistant text. Embeds resolved after the matching tool
// output already streamed would otherwise only appear on replay, where the
// index lookup sees them. No-op when no turn is in flight.
func (o *Orchestrator) AnnounceEmbed(sessionID string, em relay.Embed) {
	if !o.tracker.IsBusy(sessionID) {
		return
	}
	o.pipeline.Enqueue(sessionID, relay.Event{
		Type:      relay.TypeEmbed,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		URL:       em.URL,
		Title:     em.Title,
	})
}

// updateIntent derives and persists the session's current intent.
func (o *Orchestrator) updateIntent(sessionID, prompt string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	intent, err := o.summarizer.Intent(ctx, prompt)
	if err != nil || intent == "" {
		return
	}
	if _, err := o.meta.Update(sessionID, func(m *store.Metadata) { m.CurrentIntent = intent }); err != nil {
		o.log.Warn("failed to persist intent", "session", sessionID, "error", err)
	}
}

// Abort terminates the session's current turn by tearing down the
// subprocess. The consume loop observes the exit and runs the usual
// terminal path, so no special-case cleanup is needed here.
func (o *Orchestrator) Abort(ctx context.Context, sessionID string) error {
	if !o.tracker.IsBusy(sessionID) {
		if !o.registry.Known(sessionID) {
			return fmt.Errorf("abort %s: %w", sessionID, session.ErrNotFound)
		}
		return nil
	}
	return o.registry.Stop(ctx, sessionID)
}

// Observe marks the session's latest turn as seen by a client.
func (o *Orchestrator) Observe(sessionID string) (bool, error) {
	return o.unobserved.MarkObserved(sessionID)
}

// History replays a session's transcript into the canonical event sequence,
// using the same pipeline discipline the live stream used.
func (o *Orchestrator) History(sessionID string) ([]relay.Event, error) {
	r, err := o.transcripts.Open(sessionID)
	if err != nil {
		return nil, fmt.Errorf("history for %s: %w", sessionID, session.ErrNotFound)
	}
	defer r.Close()
	return relay.Replay(sessionID, r, o.embeds)
}

// CorrelationFor exposes the in-flight correlation id so tools invoked
// within a turn can inherit it when delegating.
func (o *Orchestrator) CorrelationFor(sessionID string) (string, bool) {
	return o.tracker.CorrelationID(sessionID)
}
