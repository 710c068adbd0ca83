package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/groupcart/groupcart/internal/domain"
	"github.com/groupcart/groupcart/internal/store/memory"
)

var testBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeClock is a mutable clock the tests march forward by hand.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// scriptGateway is a PaymentGateway whose answers are scripted per
// idempotency key. Unscripted calls succeed. Every call is recorded.
type scriptGateway struct {
	mu      sync.Mutex
	scripts map[string][]scripted
	calls   map[string]int
}

type scripted struct {
	result domain.PaymentResult
	err    error
}

func newScriptGateway() *scriptGateway {
	return &scriptGateway{
		scripts: make(map[string][]scripted),
		calls:   make(map[string]int),
	}
}

// script queues an answer for the given idempotency key. Queued answers are
// consumed in order; once drained, calls succeed again.
func (g *scriptGateway) script(key string, result domain.PaymentResult, err error) {
	g.mu.Lock()
	g.scripts[key] = append(g.scripts[key], scripted{result: result, err: err})
	g.mu.Unlock()
}

func (g *scriptGateway) callCount(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[key]
}

func (g *scriptGateway) answer(key string) (domain.PaymentResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[key]++
	if queue := g.scripts[key]; len(queue) > 0 {
		next := queue[0]
		g.scripts[key] = queue[1:]
		return next.result, next.err
	}
	return domain.PaymentResult{Accepted: true, Reference: "ref-" + key}, nil
}

func (g *scriptGateway) Charge(_ context.Context, req domain.ChargeRequest) (domain.PaymentResult, error) {
	return g.answer(req.IdempotencyKey)
}

func (g *scriptGateway) Refund(_ context.Context, req domain.RefundRequest) (domain.PaymentResult, error) {
	return g.answer(req.IdempotencyKey)
}

// eventRecorder captures emitted events in order.
type eventRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *eventRecorder) Emit(_ context.Context, evt domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *eventRecorder) types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *eventRecorder) count(t domain.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type testEnv struct {
	registry *Registry
	sessions *memory.SessionStore
	parts    *memory.ParticipantStore
	outbox   *memory.RefundOutboxStore
	gateway  *scriptGateway
	clock    *fakeClock
	events   *eventRecorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		sessions: memory.NewSessionStore(),
		parts:    memory.NewParticipantStore(),
		outbox:   memory.NewRefundOutboxStore(),
		gateway:  newScriptGateway(),
		clock:    newFakeClock(testBase),
		events:   &eventRecorder{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.registry = New(env.sessions, env.parts, env.outbox, memory.NewAuditStore(), env.gateway, logger, Options{
		Sink:  env.events,
		Clock: env.clock,
	})
	return env
}

// testSpec returns a valid session spec. Recruitment runs 24h from testBase,
// confirmation is decided at recruitment end, payment closes 24h later.
func testSpec(target, max int) domain.SessionSpec {
	return domain.SessionSpec{
		ProductID:   "prod-1",
		OrganizerID: "org-1",
		Title:       "bulk coffee beans",

		TargetSize:   target,
		MaxGroupSize: max,

		RecruitmentStart:     testBase,
		RecruitmentEnd:       testBase.Add(24 * time.Hour),
		ConfirmationDeadline: testBase.Add(24 * time.Hour),
		PaymentDeadline:      testBase.Add(48 * time.Hour),

		PriceBreaks: []domain.PriceBreak{
			{MinQuantity: 1, MaxQuantity: 9, PriceCents: 9999},
			{MinQuantity: 10, MaxQuantity: 19, PriceCents: 8999},
			{MinQuantity: 20, MaxQuantity: 29, PriceCents: 8699},
			{MinQuantity: 30, PriceCents: 8499},
		},
	}
}

func (env *testEnv) createSession(t *testing.T, spec domain.SessionSpec) domain.Session {
	t.Helper()
	s, err := env.registry.CreateSession(context.Background(), spec)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return s
}

func (env *testEnv) join(t *testing.T, sessionID, userID string, quantity int) domain.Participant {
	t.Helper()
	p, err := env.registry.Join(context.Background(), sessionID, userID, quantity, nil)
	if err != nil {
		t.Fatalf("Join(%s, %s, %d): %v", sessionID, userID, quantity, err)
	}
	return p
}

func (env *testEnv) session(t *testing.T, id string) domain.Session {
	t.Helper()
	s, err := env.sessions.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID(%s): %v", id, err)
	}
	return s
}

func (env *testEnv) participant(t *testing.T, id string) domain.Participant {
	t.Helper()
	p, err := env.parts.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("participant GetByID(%s): %v", id, err)
	}
	return p
}

// checkSizeInvariant asserts CurrentSize equals the summed quantity of
// non-cancelled participants.
func (env *testEnv) checkSizeInvariant(t *testing.T, sessionID string) {
	t.Helper()
	s := env.session(t, sessionID)
	parts, err := env.parts.ListBySession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("ListBySession: %v", err)
	}
	sum := 0
	for _, p := range parts {
		if p.Active() {
			sum += p.Quantity
		}
	}
	if s.CurrentSize != sum {
		t.Fatalf("size invariant broken: CurrentSize=%d, active quantity sum=%d", s.CurrentSize, sum)
	}
}

func userN(n int) string { return fmt.Sprintf("user-%d", n) }
