// Package guard bounds agent-to-agent delegation. Every delegated call
// carries a correlation id identifying the flow it belongs to; the ledger
// tracks each flow's call chain, age, and call rate, and rejects calls that
// exceed the configured limits. Rejections carry a human-readable reason so
// the calling agent can decide whether to retry, rephrase, or give up.
package guard

import (
	"fmt"
	"sync"
	"time"
)

// Limits configures one guard profile.
type Limits struct {
	// MaxDepth is the maximum effective (collapsed) chain depth.
	MaxDepth int `yaml:"max_depth"`

	// MaxDuration is the longest a single flow may keep making calls.
	MaxDuration time.Duration `yaml:"max_duration"`

	// RateWindow and MaxCalls bound call volume: at most MaxCalls calls
	// within any trailing RateWindow.
	RateWindow time.Duration `yaml:"rate_window"`
	MaxCalls   int           `yaml:"max_calls"`

	// FlowExpiry is the age past which a flow's accounting is discarded and
	// restarted fresh on next use. Must exceed MaxDuration, otherwise the
	// age rule can never fire. Zero defaults to twice MaxDuration.
	FlowExpiry time.Duration `yaml:"flow_expiry"`
}

// The source material carried two conflicting default sets for what appears
// to be the same guard. Both ship as named profiles; call sites choose.
var (
	// DelegationLimits is the profile for interactive agent-to-agent calls.
	DelegationLimits = Limits{MaxDepth: 3, MaxDuration: 5 * time.Minute, RateWindow: 5 * time.Minute, MaxCalls: 20}

	// AutomationLimits is the stricter profile for scheduled/automated flows.
	AutomationLimits = Limits{MaxDepth: 3, MaxDuration: time.Hour, RateWindow: time.Hour, MaxCalls: 10}
)

func (l Limits) withDefaults() Limits {
	if l.MaxDepth <= 0 {
		l.MaxDepth = DelegationLimits.MaxDepth
	}
	if l.MaxDuration <= 0 {
		l.MaxDuration = DelegationLimits.MaxDuration
	}
	if l.RateWindow <= 0 {
		l.RateWindow = DelegationLimits.RateWindow
	}
	if l.MaxCalls <= 0 {
		l.MaxCalls = DelegationLimits.MaxCalls
	}
	if l.FlowExpiry <= 0 {
		l.FlowExpiry = 2 * l.MaxDuration
	}
	return l
}

// Rejection is the typed failure returned when a rule denies a call. The
// reason text is surfaced verbatim to the calling agent.
type Rejection struct {
	Rule   string // "depth", "age", or "rate"
	Reason string
}

func (r *Rejection) Error() string { return r.Reason }

// flow is the per-correlation-id accounting record.
type flow struct {
	chain     []string
	startTime time.Time
	calls     rateWindow
}

// Ledger tracks every in-flight delegation flow. Flows are created lazily on
// first use of a correlation id and recreated fresh once older than
// FlowExpiry; there is no other garbage collection, which is acceptable
// because correlation ids are bounded by request volume.
type Ledger struct {
	mu     sync.Mutex
	limits Limits
	flows  map[string]*flow

	now func() time.Time // test override
}

// NewLedger creates a ledger enforcing the given limits. Zero fields fall
// back to the DelegationLimits defaults.
func NewLedger(limits Limits) *Ledger {
	return &Ledger{
		limits: limits.withDefaults(),
		flows:  make(map[string]*flow),
		now:    time.Now,
	}
}

// lookup returns the live flow for a correlation id, replacing it if
// expired. Caller holds the mutex.
func (g *Ledger) lookup(correlationID string, now time.Time) *flow {
	f, ok := g.flows[correlationID]
	if ok && now.Sub(f.startTime) <= g.limits.FlowExpiry {
		return f
	}
	f = &flow{startTime: now}
	g.flows[correlationID] = f
	return f
}

// CheckCall decides whether a delegated call to target may proceed. Rules
// run in a fixed order, depth then age then rate, and the first failure
// wins. A passing check mutates nothing; commit with RecordCall, or use
// CheckAndRecord to do both atomically.
func (g *Ledger) CheckCall(correlationID, target string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.check(correlationID, target)
}

func (g *Ledger) check(correlationID, target string) error {
	now := g.now()
	f := g.lookup(correlationID, now)

	candidate := append(append([]string{}, f.chain...), target)
	if depth := len(Collapse(candidate)); depth > g.limits.MaxDepth {
		return &Rejection{
			Rule:   "depth",
			Reason: fmt.Sprintf("call chain too deep: depth %d exceeds maximum %d", depth, g.limits.MaxDepth),
		}
	}

	if age := now.Sub(f.startTime); age > g.limits.MaxDuration {
		return &Rejection{
			Rule:   "age",
			Reason: fmt.Sprintf("call chain too old: running for %s, maximum is %s", age.Round(time.Second), g.limits.MaxDuration),
		}
	}

	if n := f.calls.countWithin(now, g.limits.RateWindow); n > g.limits.MaxCalls {
		return &Rejection{
			Rule:   "rate",
			Reason: fmt.Sprintf("too many calls: %d within %s, maximum is %d", n, g.limits.RateWindow, g.limits.MaxCalls),
		}
	}

	return nil
}

// RecordCall commits a call that previously passed CheckCall: the target is
// appended to the raw chain and a call timestamp is recorded.
func (g *Ledger) RecordCall(correlationID, target string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record(correlationID, target)
}

func (g *Ledger) record(correlationID, target string) {
	now := g.now()
	f := g.lookup(correlationID, now)
	f.chain = append(f.chain, target)
	f.calls.record(now, g.limits.RateWindow)
}

// CheckAndRecord runs the check and, on success, the commit under a single
// critical section. Two concurrent calls sharing a correlation id cannot
// both pass and overshoot a limit the way the split Check/Record API allows.
func (g *Ledger) CheckAndRecord(correlationID, target string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check(correlationID, target); err != nil {
		return err
	}
	g.record(correlationID, target)
	return nil
}

// Chain returns a copy of the raw (uncollapsed) chain for a flow, or nil if
// the flow is unknown or expired.
func (g *Ledger) Chain(correlationID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	f, ok := g.flows[correlationID]
	if !ok || g.now().Sub(f.startTime) > g.limits.FlowExpiry {
		return nil
	}
	return append([]string{}, f.chain...)
}
