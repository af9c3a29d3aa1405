package dialogue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentwire-dev/agentwire/envelope"
	"github.com/agentwire-dev/agentwire/identity"
)

const paymentDigest = "feedface"

var (
	buyer  = identity.Address("aw1" + "1111111111111111111111111111111111111111")
	seller = identity.Address("aw1" + "2222222222222222222222222222222222222222")
)

// paymentDialogue is the canonical request/commit/complete flow with a
// reject branch.
func paymentDialogue(t *testing.T, handlers map[string]Handler) *Dialogue {
	t.Helper()
	h := func(schema string) Handler {
		if handlers == nil {
			return nil
		}
		return handlers[schema]
	}
	d, err := New("payment").
		State("Default", Initial()).
		State("Requested").
		State("Committed").
		State("Completed").
		State("Concluded", Terminal()).
		Transition("Default", "Requested", "RequestPayment", InitiatorToResponder, h("RequestPayment")).
		Transition("Requested", "Committed", "CommitPayment", ResponderToInitiator, h("CommitPayment")).
		Transition("Requested", "Concluded", "RejectPayment", ResponderToInitiator, h("RejectPayment")).
		Transition("Committed", "Completed", "CompletePayment", InitiatorToResponder, h("CompletePayment")).
		Transition("Completed", "Concluded", "ConcludePayment", ResponderToInitiator, h("ConcludePayment")).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return d
}

func msg(sender, target identity.Address, session, schema string, nonce uint64) *envelope.Envelope {
	return &envelope.Envelope{
		Sender:   sender,
		Target:   target,
		Session:  session,
		Protocol: paymentDigest,
		Schema:   schema,
		Nonce:    nonce,
	}
}

func paymentEngine(t *testing.T, handlers map[string]Handler) *Engine {
	t.Helper()
	e := NewEngine(NewMemoryStore())
	e.Attach(paymentDigest, paymentDialogue(t, handlers))
	return e
}

func TestAdvanceHappyPath(t *testing.T) {
	var order []string
	record := func(schema string) Handler {
		return func(ctx context.Context, sess *Session, m any) error {
			order = append(order, schema)
			return nil
		}
	}
	e := paymentEngine(t, map[string]Handler{
		"RequestPayment":  record("RequestPayment"),
		"CommitPayment":   record("CommitPayment"),
		"CompletePayment": record("CompletePayment"),
		"ConcludePayment": record("ConcludePayment"),
	})
	ctx := context.Background()

	steps := []struct {
		sender identity.Address
		schema string
	}{
		{buyer, "RequestPayment"},
		{seller, "CommitPayment"},
		{buyer, "CompletePayment"},
		{seller, "ConcludePayment"},
	}
	for i, step := range steps {
		target := seller
		if step.sender == seller {
			target = buyer
		}
		if _, err := e.Advance(ctx, msg(step.sender, target, "s1", step.schema, uint64(i+1)), nil); err != nil {
			t.Fatalf("Advance(%s) error = %v", step.schema, err)
		}
	}

	want := []string{"RequestPayment", "CommitPayment", "CompletePayment", "ConcludePayment"}
	if len(order) != len(want) {
		t.Fatalf("handlers ran %d times, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("handler order[%d] = %s, want %s", i, order[i], want[i])
		}
	}

	// Terminal state closed the session: nothing more is accepted.
	_, err := e.Advance(ctx, msg(buyer, seller, "s1", "RequestPayment", 9), nil)
	if !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Advance() after terminal error = %v, want ErrSessionClosed", err)
	}
}

func TestAdvanceRejectsIllegalTransition(t *testing.T) {
	e := paymentEngine(t, nil)
	ctx := context.Background()

	// CompletePayment is not available from the initial state.
	_, err := e.Advance(ctx, msg(buyer, seller, "s1", "CompletePayment", 1), nil)
	if !errors.Is(err, ErrNoSuchTransition) {
		t.Fatalf("Advance() error = %v, want ErrNoSuchTransition", err)
	}

	// The failed attempt left no session behind; the legal opener still
	// works under the same id.
	if _, err := e.Advance(ctx, msg(buyer, seller, "s1", "RequestPayment", 2), nil); err != nil {
		t.Fatalf("Advance() after rejection error = %v", err)
	}
}

func TestAdvanceRejectsOutOfTurn(t *testing.T) {
	e := paymentEngine(t, nil)
	ctx := context.Background()

	if _, err := e.Advance(ctx, msg(buyer, seller, "s1", "RequestPayment", 1), nil); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	// CommitPayment flows responder->initiator; the buyer cannot send it.
	_, err := e.Advance(ctx, msg(buyer, seller, "s1", "CommitPayment", 2), nil)
	if !errors.Is(err, ErrOutOfTurn) {
		t.Fatalf("Advance() error = %v, want ErrOutOfTurn", err)
	}

	// Session state survived the rejection: the seller's turn is intact.
	if _, err := e.Advance(ctx, msg(seller, buyer, "s1", "CommitPayment", 2), nil); err != nil {
		t.Fatalf("Advance() by responder error = %v", err)
	}
}

func TestAdvanceRejectBranch(t *testing.T) {
	e := paymentEngine(t, nil)
	ctx := context.Background()

	if _, err := e.Advance(ctx, msg(buyer, seller, "s1", "RequestPayment", 1), nil); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if _, err := e.Advance(ctx, msg(seller, buyer, "s1", "RejectPayment", 2), nil); err != nil {
		t.Fatalf("Advance(RejectPayment) error = %v", err)
	}

	// Rejection concluded the session.
	_, err := e.Advance(ctx, msg(buyer, seller, "s1", "CompletePayment", 3), nil)
	if !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Advance() error = %v, want ErrSessionClosed", err)
	}

	// A fresh session id restarts from the initial state.
	if _, err := e.Advance(ctx, msg(buyer, seller, "s2", "RequestPayment", 4), nil); err != nil {
		t.Errorf("Advance() on fresh session error = %v", err)
	}
}

func TestAdvanceExpiresIdleSessions(t *testing.T) {
	e := NewEngine(NewMemoryStore(), WithIdleTimeout(time.Minute))
	e.Attach(paymentDigest, paymentDialogue(t, nil))
	ctx := context.Background()

	start := time.Now()
	if _, err := e.AdvanceAt(ctx, msg(buyer, seller, "s1", "RequestPayment", 1), nil, start); err != nil {
		t.Fatalf("AdvanceAt() error = %v", err)
	}

	late := start.Add(2 * time.Minute)
	_, err := e.AdvanceAt(ctx, msg(seller, buyer, "s1", "CommitPayment", 2), nil, late)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("AdvanceAt() error = %v, want ErrSessionExpired", err)
	}

	// The expired session was dropped: the id is reusable from scratch.
	if _, err := e.AdvanceAt(ctx, msg(buyer, seller, "s1", "RequestPayment", 3), nil, late); err != nil {
		t.Errorf("AdvanceAt() on recycled id error = %v", err)
	}
}

func TestAdvanceUnknownDialogue(t *testing.T) {
	e := NewEngine(NewMemoryStore())
	_, err := e.Advance(context.Background(), msg(buyer, seller, "s1", "RequestPayment", 1), nil)
	if !errors.Is(err, ErrUnknownDialogue) {
		t.Errorf("Advance() error = %v, want ErrUnknownDialogue", err)
	}
}

func TestObserveSkipsHandlers(t *testing.T) {
	called := false
	e := paymentEngine(t, map[string]Handler{
		"RequestPayment": func(ctx context.Context, sess *Session, m any) error {
			called = true
			return nil
		},
	})

	if _, err := e.Observe(context.Background(), msg(buyer, seller, "s1", "RequestPayment", 1)); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if called {
		t.Error("Observe() ran the edge handler")
	}

	// The observed move still advanced the session.
	_, err := e.Observe(context.Background(), msg(buyer, seller, "s1", "RequestPayment", 2))
	if !errors.Is(err, ErrNoSuchTransition) {
		t.Errorf("Observe() repeat error = %v, want ErrNoSuchTransition", err)
	}
}

func TestHandlerErrorDoesNotRollBack(t *testing.T) {
	e := paymentEngine(t, map[string]Handler{
		"RequestPayment": func(ctx context.Context, sess *Session, m any) error {
			return errors.New("application failure")
		},
	})
	ctx := context.Background()

	if _, err := e.Advance(ctx, msg(buyer, seller, "s1", "RequestPayment", 1), nil); err == nil {
		t.Fatal("Advance() = nil error, want handler error")
	}

	// The transition committed before the handler ran.
	if _, err := e.Advance(ctx, msg(seller, buyer, "s1", "CommitPayment", 2), nil); err != nil {
		t.Errorf("Advance() after handler failure error = %v", err)
	}
}

func TestBuilderValidation(t *testing.T) {
	tests := []struct {
		name  string
		build func() (*Dialogue, error)
	}{
		{"no initial", func() (*Dialogue, error) {
			return New("d").State("A").State("B", Terminal()).
				Transition("A", "B", "go", InitiatorToResponder, nil).Build()
		}},
		{"two initials", func() (*Dialogue, error) {
			return New("d").State("A", Initial()).State("B", Initial(), Terminal()).Build()
		}},
		{"no terminal", func() (*Dialogue, error) {
			return New("d").State("A", Initial()).State("B").
				Transition("A", "B", "go", InitiatorToResponder, nil).Build()
		}},
		{"duplicate state", func() (*Dialogue, error) {
			return New("d").State("A", Initial()).State("A", Terminal()).Build()
		}},
		{"unknown endpoint", func() (*Dialogue, error) {
			return New("d").State("A", Initial()).State("B", Terminal()).
				Transition("A", "C", "go", InitiatorToResponder, nil).Build()
		}},
		{"ambiguous schema", func() (*Dialogue, error) {
			return New("d").State("A", Initial()).State("B", Terminal()).State("C", Terminal()).
				Transition("A", "B", "go", InitiatorToResponder, nil).
				Transition("A", "C", "go", InitiatorToResponder, nil).Build()
		}},
		{"unreachable state", func() (*Dialogue, error) {
			return New("d").State("A", Initial()).State("B", Terminal()).State("Island").
				Transition("A", "B", "go", InitiatorToResponder, nil).Build()
		}},
		{"unnamed dialogue", func() (*Dialogue, error) {
			return New("").State("A", Initial(), Terminal()).Build()
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.build(); !errors.Is(err, ErrInvalidGraph) {
				t.Errorf("Build() error = %v, want ErrInvalidGraph", err)
			}
		})
	}
}

func TestMemoryStoreSweepIdle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	stale := &Session{ID: "stale", LastActivity: now.Add(-time.Hour)}
	fresh := &Session{ID: "fresh", LastActivity: now}
	done := &Session{ID: "done", LastActivity: now.Add(-time.Hour), Closed: true}
	justDone := &Session{ID: "just-done", LastActivity: now, Closed: true}
	for _, sess := range []*Session{stale, fresh, done, justDone} {
		if err := s.Put(ctx, sess); err != nil {
			t.Fatal(err)
		}
	}

	dropped, err := s.SweepIdle(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("SweepIdle() error = %v", err)
	}
	if dropped != 2 {
		t.Errorf("SweepIdle() dropped = %d, want 2", dropped)
	}
	if _, err := s.Get(ctx, "stale"); !errors.Is(err, ErrSessionNotFound) {
		t.Error("stale session survived the sweep")
	}
	if _, err := s.Get(ctx, "done"); !errors.Is(err, ErrSessionNotFound) {
		t.Error("idle closed session survived the sweep")
	}
	if _, err := s.Get(ctx, "fresh"); err != nil {
		t.Error("fresh session was swept")
	}
	if _, err := s.Get(ctx, "just-done"); err != nil {
		t.Error("recently closed session was swept early")
	}
}

func TestSweepFreesClosedSessionID(t *testing.T) {
	e := NewEngine(NewMemoryStore(), WithIdleTimeout(time.Minute))
	e.Attach(paymentDigest, paymentDialogue(t, nil))
	ctx := context.Background()
	start := time.Now()

	if _, err := e.AdvanceAt(ctx, msg(buyer, seller, "s1", "RequestPayment", 1), nil, start); err != nil {
		t.Fatalf("AdvanceAt() error = %v", err)
	}
	if _, err := e.AdvanceAt(ctx, msg(seller, buyer, "s1", "RejectPayment", 2), nil, start); err != nil {
		t.Fatalf("AdvanceAt(RejectPayment) error = %v", err)
	}

	// Closed but not yet idle: the id stays rejected.
	_, err := e.AdvanceAt(ctx, msg(buyer, seller, "s1", "RequestPayment", 3), nil, start)
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("AdvanceAt() error = %v, want ErrSessionClosed", err)
	}

	late := start.Add(24 * time.Hour)
	if _, err := e.SweepIdle(ctx, late); err != nil {
		t.Fatalf("SweepIdle() error = %v", err)
	}

	// The sweep reclaimed the concluded session; the id restarts fresh.
	if _, err := e.AdvanceAt(ctx, msg(buyer, seller, "s1", "RequestPayment", 4), nil, late); err != nil {
		t.Errorf("AdvanceAt() on reclaimed id error = %v", err)
	}
}

func TestSimultaneousOpensSingleWinner(t *testing.T) {
	// Two participants racing to open the same session id must resolve
	// to exactly one accepted move: whichever side loses sees the
	// winner's session instead of a phantom fresh one.
	for i := 0; i < 50; i++ {
		e := paymentEngine(t, nil)
		ctx := context.Background()

		var observeErr, advanceErr error
		done := make(chan struct{}, 2)
		go func() {
			_, observeErr = e.Observe(ctx, msg(buyer, seller, "race", "RequestPayment", 1))
			done <- struct{}{}
		}()
		go func() {
			_, advanceErr = e.Advance(ctx, msg(seller, buyer, "race", "RequestPayment", 2), nil)
			done <- struct{}{}
		}()
		<-done
		<-done

		wins := 0
		if observeErr == nil {
			wins++
		}
		if advanceErr == nil {
			wins++
		}
		if wins != 1 {
			t.Fatalf("round %d: %d accepted opens (observe=%v advance=%v), want exactly 1",
				i, wins, observeErr, advanceErr)
		}
	}
}

func TestMemoryStoreCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	orig := &Session{ID: "s1", State: 1}
	if err := s.Put(ctx, orig); err != nil {
		t.Fatal(err)
	}
	orig.State = 9

	got, err := s.Get(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != 1 {
		t.Errorf("stored session state = %d, want 1 (caller mutation leaked in)", got.State)
	}
	got.State = 5
	again, _ := s.Get(ctx, "s1")
	if again.State != 1 {
		t.Error("reader mutation leaked into the store")
	}
}
