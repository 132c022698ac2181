package guard

import (
	"errors"
	"strings"
	"testing"
	"time"
)

// testClock lets tests advance the ledger's notion of now.
type testClock struct {
	t time.Time
}

func (c *testClock) now() time.Time { return c.t }

func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLedger(l Limits) (*Ledger, *testClock) {
	clock := &testClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	g := NewLedger(l)
	g.now = clock.now
	return g, clock
}

func mustReject(t *testing.T, err error, rule string) *Rejection {
	t.Helper()
	var rej *Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("expected a Rejection, got %v", err)
	}
	if rej.Rule != rule {
		t.Fatalf("expected %q rejection, got %q (%s)", rule, rej.Rule, rej.Reason)
	}
	return rej
}

func TestRateWindowLimit(t *testing.T) {
	g, clock := newTestLedger(Limits{MaxDepth: 10, MaxDuration: time.Hour, RateWindow: 60 * time.Second, MaxCalls: 2})

	if err := g.CheckAndRecord("cid", "A"); err != nil {
		t.Fatalf("first call rejected: %v", err)
	}
	clock.advance(10 * time.Second)
	if err := g.CheckAndRecord("cid", "B"); err != nil {
		t.Fatalf("second call rejected: %v", err)
	}
	clock.advance(10 * time.Second)
	mustReject(t, g.CheckAndRecord("cid", "C"), "rate")

	// After the window empties, calls are allowed again.
	clock.advance(61 * time.Second)
	if err := g.CheckAndRecord("cid", "C"); err != nil {
		t.Fatalf("call after window passed rejected: %v", err)
	}
}

func TestDepthLimit(t *testing.T) {
	g, _ := newTestLedger(Limits{MaxDepth: 2, MaxDuration: time.Hour, RateWindow: time.Hour, MaxCalls: 100})

	if err := g.CheckAndRecord("cid", "A"); err != nil {
		t.Fatalf("depth 1 rejected: %v", err)
	}
	if err := g.CheckAndRecord("cid", "B"); err != nil {
		t.Fatalf("depth 2 rejected: %v", err)
	}
	rej := mustReject(t, g.CheckAndRecord("cid", "C"), "depth")
	if !strings.Contains(rej.Reason, "depth 3") {
		t.Fatalf("reason should name the offending depth, got %q", rej.Reason)
	}

	// Ping-pong between the two existing sessions stays within depth 2.
	if err := g.CheckAndRecord("cid", "A"); err != nil {
		t.Fatalf("return to ancestor rejected: %v", err)
	}
	if err := g.CheckAndRecord("cid", "B"); err != nil {
		t.Fatalf("ping-pong call rejected: %v", err)
	}
}

func TestDepthReportedBeforeRate(t *testing.T) {
	// Limits chosen so a third call violates both depth and rate; the depth
	// rule runs first and its reason must win.
	g, _ := newTestLedger(Limits{MaxDepth: 2, MaxDuration: time.Hour, RateWindow: time.Hour, MaxCalls: 2})

	if err := g.CheckAndRecord("cid", "A"); err != nil {
		t.Fatal(err)
	}
	if err := g.CheckAndRecord("cid", "B"); err != nil {
		t.Fatal(err)
	}
	mustReject(t, g.CheckAndRecord("cid", "C"), "depth")
}

func TestAgeLimit(t *testing.T) {
	g, clock := newTestLedger(Limits{MaxDepth: 10, MaxDuration: 5 * time.Minute, RateWindow: time.Hour, MaxCalls: 100, FlowExpiry: time.Hour})

	if err := g.CheckAndRecord("cid", "A"); err != nil {
		t.Fatal(err)
	}
	clock.advance(6 * time.Minute)
	mustReject(t, g.CheckCall("cid", "B"), "age")
}

func TestFlowExpiryRestartsAccounting(t *testing.T) {
	g, clock := newTestLedger(Limits{MaxDepth: 2, MaxDuration: 5 * time.Minute, RateWindow: 5 * time.Minute, MaxCalls: 100})

	if err := g.CheckAndRecord("cid", "A"); err != nil {
		t.Fatal(err)
	}
	if err := g.CheckAndRecord("cid", "B"); err != nil {
		t.Fatal(err)
	}
	mustReject(t, g.CheckCall("cid", "C"), "depth")

	// Past FlowExpiry (2x MaxDuration by default) the flow is recreated and
	// the chain starts over.
	clock.advance(11 * time.Minute)
	if err := g.CheckAndRecord("cid", "C"); err != nil {
		t.Fatalf("call after flow expiry rejected: %v", err)
	}
	if chain := g.Chain("cid"); len(chain) != 1 || chain[0] != "C" {
		t.Fatalf("expected fresh chain [C], got %v", chain)
	}
}

func TestCheckDoesNotMutate(t *testing.T) {
	g, _ := newTestLedger(Limits{MaxDepth: 10, MaxDuration: time.Hour, RateWindow: time.Hour, MaxCalls: 100})

	for i := 0; i < 5; i++ {
		if err := g.CheckCall("cid", "A"); err != nil {
			t.Fatal(err)
		}
	}
	if chain := g.Chain("cid"); len(chain) != 0 {
		t.Fatalf("CheckCall must not grow the chain, got %v", chain)
	}

	g.RecordCall("cid", "A")
	if chain := g.Chain("cid"); len(chain) != 1 {
		t.Fatalf("RecordCall should grow the chain, got %v", chain)
	}
}

func TestSeparateFlowsAreIndependent(t *testing.T) {
	g, _ := newTestLedger(Limits{MaxDepth: 2, MaxDuration: time.Hour, RateWindow: time.Hour, MaxCalls: 100})

	for _, target := range []string{"A", "B"} {
		if err := g.CheckAndRecord("one", target); err != nil {
			t.Fatal(err)
		}
	}
	mustReject(t, g.CheckCall("one", "C"), "depth")

	// A different correlation id starts at depth zero.
	if err := g.CheckAndRecord("two", "C"); err != nil {
		t.Fatalf("independent flow rejected: %v", err)
	}
}
