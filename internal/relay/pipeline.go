package relay

import "sync"

// Embed is the persisted metadata for one embeddable link.
type Embed struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// EmbedIndex resolves output-reference markers in tool output to persisted
// embed metadata. The media-lookup service populates it; the pipeline only
// reads. A nil index disables embed generation.
type EmbedIndex interface {
	Match(toolOutput string) []Embed
}

// triggerTypes force any queued synthetic events to be emitted immediately
// beforehand. Queued events are generated as a side effect of a tool call
// that completes before the assistant's narrative text about it; flushing on
// the first text that follows guarantees the embed visually precedes the
// prose that references it.
var triggerTypes = map[Type]bool{
	TypeAssistantDelta:   true,
	TypeAssistantMessage: true,
	TypeError:            true,
}

// Pipeline applies the filter and the queue/flush discipline to a stream of
// normalized events. One Pipeline serves all sessions; queues are keyed by
// session id and are transient.
type Pipeline struct {
	mu     sync.Mutex
	queues map[string][]Event
	embeds EmbedIndex
}

func NewPipeline(embeds EmbedIndex) *Pipeline {
	return &Pipeline{
		queues: make(map[string][]Event),
		embeds: embeds,
	}
}

// Process runs one event through the filter and queue stages and returns the
// events to emit, in order. A trigger-type event is preceded by the session's
// queued events (FIFO); a terminal event additionally drains whatever is
// still queued, so no synthetic event outlives its turn. A filtered-out
// event emits nothing.
func (p *Pipeline) Process(sessionID string, ev Event) []Event {
	if !Keep(ev) {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Event
	if triggerTypes[ev.Type] || ev.Type == TypeIdle {
		out = append(out, p.queues[sessionID]...)
		delete(p.queues, sessionID)
	}
	out = append(out, ev)

	// A tool completion that references known embeds queues one synthetic
	// event per match, to surface just before the next assistant text.
	if ev.Type == TypeToolResult && p.embeds != nil {
		for _, em := range p.embeds.Match(ev.ToolOutput) {
			p.queues[sessionID] = append(p.queues[sessionID], Event{
				Type:      TypeEmbed,
				SessionID: sessionID,
				Timestamp: ev.Timestamp,
				URL:       em.URL,
				Title:     em.Title,
			})
		}
	}

	return out
}

// Enqueue adds a synthetic event to a session's queue directly, for
// producers other than tool output matching.
func (p *Pipeline) Enqueue(sessionID string, ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queues[sessionID] = append(p.queues[sessionID], ev)
}

// Drop discards a session's queue without emitting, for teardown paths that
// bypass the terminal event.
func (p *Pipeline) Drop(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.queues, sessionID)
}

// Pending returns how many synthetic events are queued for a session.
func (p *Pipeline) Pending(sessionID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queues[sessionID])
}
