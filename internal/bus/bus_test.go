package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type stubGate struct {
	mu      sync.Mutex
	verdict Verdict
	calls   int
}

func (g *stubGate) Screen(_ context.Context, _ Envelope) Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return g.verdict
}

func (g *stubGate) set(v Verdict) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verdict = v
}

// releasingGate delivers everything and records each release.
type releasingGate struct {
	mu       sync.Mutex
	released map[string]string
}

func (g *releasingGate) Screen(_ context.Context, _ Envelope) Verdict {
	return Verdict{Action: Deliver}
}

func (g *releasingGate) Release(_ context.Context, env Envelope, code string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released == nil {
		g.released = make(map[string]string)
	}
	g.released[env.ID] = code
}

func (g *releasingGate) codes() map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]string, len(g.released))
	for k, v := range g.released {
		out[k] = v
	}
	return out
}

func newTestBus(t *testing.T, clock *fakeClock) *Bus {
	t.Helper()
	b := New(Config{
		MaxAttempts:  3,
		AckTimeout:   10 * time.Second,
		HoldInterval: time.Second,
		MaxHolds:     2,
		Now:          clock.Now,
	})
	if err := b.Register(Analyst, ScanResult, AnalysisRequest); err != nil {
		t.Fatalf("register analyst: %v", err)
	}
	if err := b.Register(Trader, TradeProposal, ClosePosition); err != nil {
		t.Fatalf("register trader: %v", err)
	}
	return b
}

func mustEnvelope(t *testing.T, to AgentID, tt TaskType, prio Priority, payload any) Envelope {
	t.Helper()
	env, err := NewEnvelope(MarketScanner, to, tt, prio, payload)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	return env
}

func TestPublishFetchPriorityOrder(t *testing.T) {
	clock := newFakeClock()
	b := newTestBus(t, clock)
	ctx := context.Background()

	order := []struct {
		prio Priority
		tag  string
	}{
		{Low, "low-1"},
		{Normal, "normal-1"},
		{Critical, "critical-1"},
		{High, "high-1"},
		{Normal, "normal-2"},
		{Critical, "critical-2"},
	}
	ids := map[string]string{}
	for _, o := range order {
		env := mustEnvelope(t, Analyst, ScanResult, o.prio, map[string]string{"tag": o.tag})
		ids[env.ID] = o.tag
		if err := b.Publish(ctx, env); err != nil {
			t.Fatalf("publish %s: %v", o.tag, err)
		}
	}

	want := []string{"critical-1", "critical-2", "high-1", "normal-1", "normal-2", "low-1"}
	for i, tag := range want {
		env, ok, err := b.FetchNext(ctx, Analyst)
		if err != nil || !ok {
			t.Fatalf("fetch %d: ok=%v err=%v", i, ok, err)
		}
		if got := ids[env.ID]; got != tag {
			t.Fatalf("fetch %d: got %s, want %s", i, got, tag)
		}
	}
	if _, ok, _ := b.FetchNext(ctx, Analyst); ok {
		t.Fatal("expected empty queue")
	}
}

func TestPublishDefaultsAndCopy(t *testing.T) {
	clock := newFakeClock()
	b := newTestBus(t, clock)
	ctx := context.Background()

	env := Envelope{From: MarketScanner, To: Analyst, TaskType: ScanResult, Priority: Normal, Payload: []byte(`{"a":1}`)}
	if err := b.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	env.Payload[2] = 'b'

	got, ok, err := b.FetchNext(ctx, Analyst)
	if err != nil || !ok {
		t.Fatalf("fetch: ok=%v err=%v", ok, err)
	}
	if got.ID == "" {
		t.Fatal("expected assigned id")
	}
	if got.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", got.Attempt)
	}
	if !got.CreatedAt.Equal(clock.Now()) {
		t.Fatalf("created_at = %v, want %v", got.CreatedAt, clock.Now())
	}
	if string(got.Payload) != `{"a":1}` {
		t.Fatalf("payload mutated through caller slice: %s", got.Payload)
	}
}

func TestPublishErrors(t *testing.T) {
	b := newTestBus(t, newFakeClock())
	ctx := context.Background()

	tests := []struct {
		name string
		env  Envelope
		want error
	}{
		{"unknown recipient", Envelope{To: "NOBODY", TaskType: ScanResult, Priority: Normal}, ErrUnknownRecipient},
		{"not accepted", Envelope{To: Analyst, TaskType: TradeProposal, Priority: Normal}, ErrTaskTypeNotAccepted},
		{"unknown task type", Envelope{To: Analyst, TaskType: "MAKE_COFFEE", Priority: Normal}, ErrUnknownTaskType},
		{"unknown priority", Envelope{To: Analyst, TaskType: ScanResult, Priority: Priority(9)}, ErrUnknownPriority},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.Publish(ctx, tt.env)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRegisterValidation(t *testing.T) {
	b := New(Config{})
	if err := b.Register(Analyst, "BOGUS"); !errors.Is(err, ErrUnknownTaskType) {
		t.Fatalf("expected ErrUnknownTaskType, got %v", err)
	}
	if err := b.Register(Analyst, ScanResult); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := b.Register(Analyst, ScanResult); !errors.Is(err, ErrAgentExists) {
		t.Fatalf("expected ErrAgentExists, got %v", err)
	}
	if err := b.Register(Broadcast); err == nil {
		t.Fatal("expected wildcard id to be rejected")
	}
}

func TestPastDeadlineDeadLettered(t *testing.T) {
	clock := newFakeClock()
	b := newTestBus(t, clock)
	ctx := context.Background()

	env := mustEnvelope(t, Analyst, ScanResult, High, nil)
	env.Deadline = clock.Now().Add(-time.Second)
	if err := b.Publish(ctx, env); err != nil {
		t.Fatalf("publish returned %v, want nil", err)
	}
	if _, ok, _ := b.FetchNext(ctx, Analyst); ok {
		t.Fatal("expired envelope was delivered")
	}
	dead := b.DrainDeadLetters()
	if len(dead) != 1 || dead[0].Code != CodeDeadlineExceeded || dead[0].Envelope.ID != env.ID {
		t.Fatalf("dead letters = %+v", dead)
	}
}

func TestDeadlinePassesWhileQueued(t *testing.T) {
	clock := newFakeClock()
	b := newTestBus(t, clock)
	ctx := context.Background()

	env := mustEnvelope(t, Analyst, ScanResult, Normal, nil)
	env.Deadline = clock.Now().Add(5 * time.Second)
	if err := b.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	clock.Advance(5 * time.Second)
	if _, ok, _ := b.FetchNext(ctx, Analyst); ok {
		t.Fatal("envelope delivered at its deadline")
	}
	if n := b.DeadLetterCount(); n != 1 {
		t.Fatalf("dead letters = %d, want 1", n)
	}
}

func TestAcknowledgeIdempotent(t *testing.T) {
	clock := newFakeClock()
	b := newTestBus(t, clock)
	ctx := context.Background()

	env := mustEnvelope(t, Analyst, ScanResult, Normal, nil)
	env.RequiresAck = true
	if err := b.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got, ok, _ := b.FetchNext(ctx, Analyst)
	if !ok {
		t.Fatal("expected delivery")
	}
	for i := 0; i < 3; i++ {
		if err := b.Acknowledge(Analyst, got.ID); err != nil {
			t.Fatalf("ack %d: %v", i, err)
		}
	}
	clock.Advance(time.Minute)
	b.Sweep(ctx, clock.Now())
	if _, ok, _ := b.FetchNext(ctx, Analyst); ok {
		t.Fatal("acknowledged envelope redelivered")
	}
	if n := b.DeadLetterCount(); n != 0 {
		t.Fatalf("dead letters = %d, want 0", n)
	}
	st := b.Status()
	for _, q := range st.Queues {
		if q.InFlight != 0 {
			t.Fatalf("%s in flight = %d", q.Agent, q.InFlight)
		}
	}
}

func TestAckTimeoutExhaustsAttempts(t *testing.T) {
	clock := newFakeClock()
	b := newTestBus(t, clock)
	ctx := context.Background()

	env := mustEnvelope(t, Analyst, ScanResult, Normal, nil)
	env.RequiresAck = true
	if err := b.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deliveries := 0
	for i := 0; i < 5; i++ {
		got, ok, _ := b.FetchNext(ctx, Analyst)
		if ok {
			deliveries++
			if got.Attempt != deliveries {
				t.Fatalf("delivery %d carried attempt %d", deliveries, got.Attempt)
			}
		}
		clock.Advance(11 * time.Second)
		b.Sweep(ctx, clock.Now())
	}
	if deliveries != 3 {
		t.Fatalf("deliveries = %d, want 3", deliveries)
	}
	dead := b.DrainDeadLetters()
	if len(dead) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dead))
	}
	if dead[0].Code != CodeDeliveryExhausted || dead[0].Envelope.Attempt != 3 {
		t.Fatalf("dead letter = %+v", dead[0])
	}
	if st := b.Status(); st.Stats.Retried != 2 {
		t.Fatalf("retried = %d, want 2", st.Stats.Retried)
	}
}

func TestNackRetriesImmediately(t *testing.T) {
	clock := newFakeClock()
	b := newTestBus(t, clock)
	ctx := context.Background()

	env := mustEnvelope(t, Analyst, ScanResult, Normal, nil)
	env.RequiresAck = true
	if err := b.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for attempt := 1; attempt <= 3; attempt++ {
		got, ok, _ := b.FetchNext(ctx, Analyst)
		if !ok {
			t.Fatalf("attempt %d not delivered", attempt)
		}
		if got.Attempt != attempt {
			t.Fatalf("attempt = %d, want %d", got.Attempt, attempt)
		}
		if err := b.Nack(ctx, Analyst, got.ID, "boom"); err != nil {
			t.Fatalf("nack: %v", err)
		}
	}
	if _, ok, _ := b.FetchNext(ctx, Analyst); ok {
		t.Fatal("exhausted envelope redelivered")
	}
	dead := b.DrainDeadLetters()
	if len(dead) != 1 || dead[0].Code != CodeDeliveryExhausted {
		t.Fatalf("dead letters = %+v", dead)
	}
}

func TestDeadlineWinsOverAckTimer(t *testing.T) {
	clock := newFakeClock()
	b := newTestBus(t, clock)
	ctx := context.Background()

	env := mustEnvelope(t, Analyst, ScanResult, Normal, nil)
	env.RequiresAck = true
	env.Deadline = clock.Now().Add(15 * time.Second)
	if err := b.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, ok, _ := b.FetchNext(ctx, Analyst); !ok {
		t.Fatal("expected delivery")
	}
	b.Sweep(ctx, clock.Advance(20*time.Second))
	dead := b.DrainDeadLetters()
	if len(dead) != 1 || dead[0].Code != CodeDeadlineExceeded {
		t.Fatalf("dead letters = %+v", dead)
	}
}

func TestBroadcastFanOut(t *testing.T) {
	clock := newFakeClock()
	b := newTestBus(t, clock)
	ctx := context.Background()
	if err := b.Register(CEO); err != nil {
		t.Fatalf("register ceo: %v", err)
	}
	for _, id := range []AgentID{Analyst, Trader, CEO} {
		if err := b.Subscribe(id, EmergencyStop); err != nil {
			t.Fatalf("subscribe %s: %v", id, err)
		}
	}
	// Idempotent.
	if err := b.Subscribe(CEO, EmergencyStop); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}

	env := mustEnvelope(t, Broadcast, EmergencyStop, Critical, map[string]string{"reason": "drill"})
	if err := b.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, id := range []AgentID{Analyst, Trader, CEO} {
		got, ok, err := b.FetchNext(ctx, id)
		if err != nil || !ok {
			t.Fatalf("%s: ok=%v err=%v", id, ok, err)
		}
		if got.ID != env.ID {
			t.Fatalf("%s got %s, want %s", id, got.ID, env.ID)
		}
		if _, ok, _ := b.FetchNext(ctx, id); ok {
			t.Fatalf("%s received a duplicate", id)
		}
	}
}

func TestExecutionClassWithoutGate(t *testing.T) {
	b := newTestBus(t, newFakeClock())
	ctx := context.Background()

	if err := b.Publish(ctx, mustEnvelope(t, Trader, TradeProposal, High, nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, ok, _ := b.FetchNext(ctx, Trader); ok {
		t.Fatal("execution envelope delivered without a gate")
	}
	dead := b.DrainDeadLetters()
	if len(dead) != 1 || dead[0].Code != CodeNoRiskGate {
		t.Fatalf("dead letters = %+v", dead)
	}
}

func TestGateVerdicts(t *testing.T) {
	clock := newFakeClock()
	b := newTestBus(t, clock)
	ctx := context.Background()
	gate := &stubGate{}
	b.SetGate(gate)

	// Non-execution traffic skips the gate.
	if err := b.Publish(ctx, mustEnvelope(t, Trader, ClosePosition, Normal, nil)); err != nil {
		t.Fatalf("publish close: %v", err)
	}
	if _, ok, _ := b.FetchNext(ctx, Trader); !ok {
		t.Fatal("close position not delivered")
	}
	if gate.calls != 0 {
		t.Fatalf("gate called %d times for non-execution traffic", gate.calls)
	}

	gate.set(Verdict{Action: Reject, Reason: "MAX_POSITION_SIZE"})
	if err := b.Publish(ctx, mustEnvelope(t, Trader, TradeProposal, Normal, nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, ok, _ := b.FetchNext(ctx, Trader); ok {
		t.Fatal("rejected proposal delivered")
	}
	if st := b.Status(); st.Stats.Rejected != 1 {
		t.Fatalf("rejected = %d, want 1", st.Stats.Rejected)
	}

	gate.set(Verdict{Action: Hold, Reason: "DEPENDENCIES_PENDING"})
	held := mustEnvelope(t, Trader, TradeProposal, Normal, nil)
	if err := b.Publish(ctx, held); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, ok, _ := b.FetchNext(ctx, Trader); ok {
		t.Fatal("held proposal delivered")
	}
	b.Sweep(ctx, clock.Advance(500*time.Millisecond))
	if _, ok, _ := b.FetchNext(ctx, Trader); ok {
		t.Fatal("hold released early")
	}

	gate.set(Verdict{Action: Deliver})
	b.Sweep(ctx, clock.Advance(time.Second))
	got, ok, _ := b.FetchNext(ctx, Trader)
	if !ok || got.ID != held.ID {
		t.Fatalf("released proposal not delivered: ok=%v id=%s", ok, got.ID)
	}
}

func TestHoldExpires(t *testing.T) {
	clock := newFakeClock()
	b := newTestBus(t, clock)
	ctx := context.Background()
	b.SetGate(&stubGate{verdict: Verdict{Action: Hold, Reason: "DEPENDENCIES_PENDING"}})

	if err := b.Publish(ctx, mustEnvelope(t, Trader, TradeProposal, Normal, nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, ok, _ := b.FetchNext(ctx, Trader); ok {
			t.Fatal("held proposal delivered")
		}
		b.Sweep(ctx, clock.Advance(2*time.Second))
	}
	dead := b.DrainDeadLetters()
	if len(dead) != 1 || dead[0].Code != CodeHoldExpired {
		t.Fatalf("dead letters = %+v", dead)
	}
}

func TestQueueOverflow(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{MaxQueueDepth: 2, Now: clock.Now})
	if err := b.Register(Analyst, ScanResult); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := b.Publish(ctx, mustEnvelope(t, Analyst, ScanResult, Normal, nil)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if err := b.Publish(ctx, mustEnvelope(t, Analyst, ScanResult, Critical, nil)); err != nil {
		t.Fatalf("publish critical: %v", err)
	}
	dead := b.DrainDeadLetters()
	if len(dead) != 1 || dead[0].Code != CodeQueueOverflow {
		t.Fatalf("dead letters = %+v", dead)
	}
	got, ok, _ := b.FetchNext(ctx, Analyst)
	if !ok || got.Priority != Critical {
		t.Fatalf("critical envelope shed: ok=%v prio=%v", ok, got.Priority)
	}
}

func TestUnregisterDeadLettersPending(t *testing.T) {
	b := newTestBus(t, newFakeClock())
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := b.Publish(ctx, mustEnvelope(t, Analyst, ScanResult, Normal, nil)); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.Unregister(ctx, Analyst); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if b.Registered(Analyst) {
		t.Fatal("analyst still registered")
	}
	dead := b.DrainDeadLetters()
	if len(dead) != 2 {
		t.Fatalf("dead letters = %d, want 2", len(dead))
	}
	for _, dl := range dead {
		if dl.Code != CodeRecipientRemoved {
			t.Fatalf("code = %s", dl.Code)
		}
	}
	if err := b.Publish(ctx, mustEnvelope(t, Analyst, ScanResult, Normal, nil)); !errors.Is(err, ErrUnknownRecipient) {
		t.Fatalf("expected ErrUnknownRecipient, got %v", err)
	}
}

func TestDeadLetteredExecutionReleasedToGate(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{MaxAttempts: 1, AckTimeout: time.Second, Now: clock.Now})
	if err := b.Register(Trader, TradeProposal, ClosePosition); err != nil {
		t.Fatal(err)
	}
	if err := b.Register(Analyst, ScanResult); err != nil {
		t.Fatal(err)
	}
	gate := &releasingGate{}
	b.SetGate(gate)
	ctx := context.Background()

	exhausted := mustEnvelope(t, Trader, TradeProposal, High, nil)
	exhausted.RequiresAck = true
	if err := b.Publish(ctx, exhausted); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := b.FetchNext(ctx, Trader); !ok {
		t.Fatal("proposal not delivered")
	}
	b.Sweep(ctx, clock.Advance(2*time.Second))

	removed := mustEnvelope(t, Trader, TradeProposal, High, nil)
	removed.RequiresAck = true
	if err := b.Publish(ctx, removed); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := b.FetchNext(ctx, Trader); !ok {
		t.Fatal("second proposal not delivered")
	}
	scan := mustEnvelope(t, Analyst, ScanResult, Normal, nil)
	scan.Deadline = clock.Now().Add(-time.Second)
	if err := b.Publish(ctx, scan); err != nil {
		t.Fatal(err)
	}
	if err := b.Unregister(ctx, Trader); err != nil {
		t.Fatal(err)
	}

	got := gate.codes()
	if len(got) != 2 {
		t.Fatalf("released = %v, want two proposals", got)
	}
	if got[exhausted.ID] != CodeDeliveryExhausted || got[removed.ID] != CodeRecipientRemoved {
		t.Fatalf("released = %v", got)
	}
	if n := b.DeadLetterCount(); n != 3 {
		t.Fatalf("dead letters = %d, want 3", n)
	}
}

func TestExpiredBroadcastWithoutSubscribers(t *testing.T) {
	clock := newFakeClock()
	b := newTestBus(t, clock)
	ctx := context.Background()

	stale := mustEnvelope(t, Broadcast, Alert, Normal, nil)
	stale.Deadline = clock.Now().Add(-time.Second)
	if err := b.Publish(ctx, stale); err != nil {
		t.Fatalf("publish: %v", err)
	}
	live := mustEnvelope(t, Broadcast, Alert, Normal, nil)
	if err := b.Publish(ctx, live); err != nil {
		t.Fatalf("publish: %v", err)
	}
	dead := b.DrainDeadLetters()
	if len(dead) != 1 {
		t.Fatalf("dead letters = %+v, want only the expired broadcast", dead)
	}
	if dead[0].Code != CodeDeadlineExceeded || dead[0].Agent != Broadcast || dead[0].Envelope.ID != stale.ID {
		t.Fatalf("dead letter = %+v", dead[0])
	}
}

func TestNextWakesOnPublish(t *testing.T) {
	b := newTestBus(t, newFakeClock())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	env := mustEnvelope(t, Analyst, ScanResult, Normal, nil)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = b.Publish(context.Background(), env)
	}()
	got, ok, err := b.Next(ctx, Analyst, 2*time.Second)
	if err != nil || !ok {
		t.Fatalf("next: ok=%v err=%v", ok, err)
	}
	if got.ID != env.ID {
		t.Fatalf("got %s, want %s", got.ID, env.ID)
	}

	_, ok, err = b.Next(ctx, Analyst, 10*time.Millisecond)
	if err != nil || ok {
		t.Fatalf("empty wait: ok=%v err=%v", ok, err)
	}
}

func TestNextHonoursContext(t *testing.T) {
	b := newTestBus(t, newFakeClock())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := b.Next(ctx, Analyst, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestConcurrentPublishFetch(t *testing.T) {
	b := New(Config{MaxQueueDepth: 10000})
	if err := b.Register(Analyst, ScanResult); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	const producers, each = 8, 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				env, _ := NewEnvelope(MarketScanner, Analyst, ScanResult, Priority(i%4), nil)
				if err := b.Publish(ctx, env); err != nil {
					t.Errorf("publish: %v", err)
					return
				}
			}
		}()
	}

	seen := make(map[string]struct{})
	var mu sync.Mutex
	var consumers sync.WaitGroup
	done := make(chan struct{})
	for c := 0; c < 4; c++ {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for {
				env, ok, _ := b.FetchNext(ctx, Analyst)
				if !ok {
					select {
					case <-done:
						return
					default:
						time.Sleep(time.Millisecond)
						continue
					}
				}
				mu.Lock()
				seen[env.ID] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	for {
		if st := b.Status(); st.Queues[0].Pending == 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	close(done)
	consumers.Wait()

	if len(seen) != producers*each {
		t.Fatalf("delivered %d unique envelopes, want %d", len(seen), producers*each)
	}
}
