package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/mission-control/internal/bus"
	"github.com/basket/mission-control/internal/events"
	"github.com/basket/mission-control/internal/gateway"
	"github.com/basket/mission-control/internal/persistence"
	"github.com/basket/mission-control/internal/risk"
	"github.com/basket/mission-control/internal/tasks"
)

const (
	operatorKey = "op-key"
	viewerKey   = "viewer-key"
	scoutKey    = "scout-key"
	scout       = bus.AgentID("SCOUT")
)

type fixture struct {
	srv     *gateway.Server
	handler http.Handler
	bus     *bus.Bus
	tracker *tasks.Tracker
	gate    *risk.Gate
	store   *persistence.Store
	feed    *events.Bus
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "missionctl.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	feed := events.New()
	b := bus.New(bus.Config{Events: feed})
	if err := b.Register(scout, bus.ScanResult, bus.AnalysisRequest); err != nil {
		t.Fatalf("register scout: %v", err)
	}
	if err := b.Register(bus.Analyst, bus.ScanResult); err != nil {
		t.Fatalf("register analyst: %v", err)
	}
	tracker := tasks.NewTracker(tasks.Config{Events: feed, Archiver: store})
	gate, err := risk.New(risk.Config{
		Authorized: []string{"operator"},
		Tasks:      tracker,
		Publisher:  b,
		Recorder:   store,
		Events:     feed,
	})
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	srv := gateway.New(gateway.Config{
		Bus:               b,
		Tasks:             tracker,
		Gate:              gate,
		Store:             store,
		Events:            feed,
		AuthTokens:        map[string]string{operatorKey: "operator", viewerKey: "viewer", scoutKey: "scout-bot"},
		RemoteAgents:      map[bus.AgentID]string{scout: "scout-bot"},
		ConfigFingerprint: "cfg-test",
	})
	t.Cleanup(srv.Close)
	return fixture{srv: srv, handler: srv.Handler(), bus: b, tracker: tracker, gate: gate, store: store, feed: feed}
}

func (f fixture) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d: %s", rec.Code, rec.Body)
	}
	body := decode[map[string]any](t, rec)
	if body["healthy"] != true || body["db_ok"] != true {
		t.Fatalf("unexpected healthz body: %v", body)
	}

	if err := f.store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}
	if rec := f.do(t, "GET", "/healthz", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz with closed store = %d, want 503", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, "GET", "/api/status", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rec.Code)
	}

	rec := f.do(t, "GET", "/api/status", viewerKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	st := decode[gateway.StatusResponse](t, rec)
	if st.ConfigFingerprint != "cfg-test" {
		t.Fatalf("fingerprint = %q", st.ConfigFingerprint)
	}
	if len(st.Bus.Queues) != 2 {
		t.Fatalf("queues = %d, want 2", len(st.Bus.Queues))
	}
	if st.Risk == nil || st.Risk.Emergency.Active {
		t.Fatalf("risk snapshot = %+v", st.Risk)
	}
}

func TestEmergencyStop_TriggerAndClear(t *testing.T) {
	f := newFixture(t)

	if rec := f.do(t, "POST", "/api/emergency-stop", viewerKey, map[string]string{"reason": "test"}); rec.Code != http.StatusForbidden {
		t.Fatalf("viewer trigger = %d, want 403", rec.Code)
	}
	if f.gate.EmergencyActive() {
		t.Fatal("stop raised by unauthorized principal")
	}

	rec := f.do(t, "POST", "/api/emergency-stop", operatorKey, map[string]string{"reason": "manual drill"})
	if rec.Code != http.StatusOK {
		t.Fatalf("trigger = %d: %s", rec.Code, rec.Body)
	}
	if !f.gate.EmergencyActive() {
		t.Fatal("stop not active after trigger")
	}

	if rec := f.do(t, "DELETE", "/api/emergency-stop", viewerKey, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("viewer clear = %d, want 403", rec.Code)
	}
	if rec := f.do(t, "DELETE", "/api/emergency-stop", operatorKey, nil); rec.Code != http.StatusOK {
		t.Fatalf("clear = %d: %s", rec.Code, rec.Body)
	}
	if f.gate.EmergencyActive() {
		t.Fatal("stop still active after clear")
	}

	evs := decode[map[string][]risk.Event](t, f.do(t, "GET", "/api/risk/events", operatorKey, nil))
	if len(evs["events"]) < 2 {
		t.Fatalf("risk events = %d, want stop and clear", len(evs["events"]))
	}
}

func TestDeadLetters(t *testing.T) {
	f := newFixture(t)
	env, err := bus.NewEnvelope(bus.Analyst, scout, bus.ScanResult, bus.Normal, nil)
	if err != nil {
		t.Fatal(err)
	}
	dl := bus.DeadLetter{Envelope: env, Agent: scout, Code: "MAX_RETRIES", Reason: "gave up", At: time.Now().UTC()}
	if err := f.store.RecordDeadLetters(context.Background(), []bus.DeadLetter{dl}); err != nil {
		t.Fatalf("record dead letter: %v", err)
	}

	rec := f.do(t, "GET", "/api/dead-letters?limit=10", viewerKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("dead letters = %d: %s", rec.Code, rec.Body)
	}
	var body struct {
		DeadLetters []bus.DeadLetter `json:"dead_letters"`
		Pending     int              `json:"pending"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.DeadLetters) != 1 || body.DeadLetters[0].Envelope.ID != env.ID {
		t.Fatalf("dead letters = %+v", body.DeadLetters)
	}
}

func TestRiskDecisions_FilterByOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i, out := range []risk.Outcome{risk.Approved, risk.Vetoed, risk.Vetoed} {
		d := risk.Decision{ProposalID: string(rune('a' + i)), Asset: "BTC", Outcome: out, Reason: "test", At: time.Now().UTC()}
		if err := f.store.RecordRiskDecision(ctx, d); err != nil {
			t.Fatalf("record decision: %v", err)
		}
	}

	body := decode[map[string][]risk.Decision](t, f.do(t, "GET", "/api/risk/decisions?outcome=VETOED", viewerKey, nil))
	if len(body["decisions"]) != 2 {
		t.Fatalf("vetoed decisions = %d, want 2", len(body["decisions"]))
	}
	if rec := f.do(t, "GET", "/api/risk/decisions?outcome=MAYBE", viewerKey, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad outcome = %d, want 400", rec.Code)
	}
}

func TestTasks_CreateGetTransition(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/api/tasks", operatorKey, map[string]any{"origin": "ANALYST", "kind": "backtest_request"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body)
	}
	created := decode[tasks.Task](t, rec)
	if created.State != tasks.Pending || created.Kind != bus.BacktestRequest {
		t.Fatalf("created task = %+v", created)
	}

	if rec := f.do(t, "POST", "/api/tasks", operatorKey, map[string]any{"kind": "BACKTEST_REQUEST", "dependencies": []string{"missing"}}); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown dependency = %d, want 400", rec.Code)
	}
	if rec := f.do(t, "POST", "/api/tasks", operatorKey, map[string]any{"kind": "NOPE"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown kind = %d, want 400", rec.Code)
	}

	path := "/api/tasks/" + created.ID
	if rec := f.do(t, "POST", path+"/transition", operatorKey, map[string]string{"to": "COMPLETED"}); rec.Code != http.StatusConflict {
		t.Fatalf("illegal transition = %d, want 409", rec.Code)
	}
	if rec := f.do(t, "POST", path+"/transition", operatorKey, map[string]string{"to": "cancelled", "reason": "not needed"}); rec.Code != http.StatusOK {
		t.Fatalf("cancel = %d: %s", rec.Code, rec.Body)
	}

	got := decode[tasks.Task](t, f.do(t, "GET", path, viewerKey, nil))
	if got.State != tasks.Cancelled {
		t.Fatalf("state = %s, want CANCELLED", got.State)
	}
	if rec := f.do(t, "GET", "/api/tasks/unknown", viewerKey, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown task = %d, want 404", rec.Code)
	}
	if rec := f.do(t, "POST", "/api/tasks/unknown/transition", operatorKey, map[string]string{"to": "CANCELLED"}); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown transition = %d, want 404", rec.Code)
	}
}

func TestTasks_GetFallsBackToArchive(t *testing.T) {
	f := newFixture(t)
	at := time.Now().UTC()
	archived := tasks.Task{
		ID:        "archived-1",
		Origin:    bus.Analyst,
		Owner:     bus.Analyst,
		Kind:      bus.ScanRequest,
		State:     tasks.Completed,
		CreatedAt: at,
		UpdatedAt: at,
	}
	if err := f.store.ArchiveTask(context.Background(), archived); err != nil {
		t.Fatalf("archive: %v", err)
	}
	rec := f.do(t, "GET", "/api/tasks/archived-1", viewerKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("archived get = %d: %s", rec.Code, rec.Body)
	}
	if got := decode[tasks.Task](t, rec); got.State != tasks.Completed {
		t.Fatalf("archived state = %s", got.State)
	}
}

func TestRemoteAgent_PublishNextAck(t *testing.T) {
	f := newFixture(t)

	// SCOUT publishes a scan result to ANALYST; From is forced to SCOUT.
	rec := f.do(t, "POST", "/api/agents/SCOUT/publish", scoutKey, map[string]any{
		"to":           "ANALYST",
		"task_type":    "SCAN_RESULT",
		"priority":     "HIGH",
		"payload":      map[string]string{"asset": "ETH"},
		"requires_ack": true,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("publish = %d: %s", rec.Code, rec.Body)
	}
	env, ok, err := f.bus.FetchNext(context.Background(), bus.Analyst)
	if err != nil || !ok {
		t.Fatalf("analyst fetch: ok=%v err=%v", ok, err)
	}
	if env.From != scout || env.Priority != bus.High {
		t.Fatalf("delivered envelope = %+v", env)
	}

	if rec := f.do(t, "POST", "/api/agents/ANALYST/publish", operatorKey, map[string]any{"to": "SCOUT", "task_type": "SCAN_RESULT"}); rec.Code != http.StatusNotFound {
		t.Fatalf("non-remote agent = %d, want 404", rec.Code)
	}
	if rec := f.do(t, "POST", "/api/agents/SCOUT/publish", scoutKey, map[string]any{"to": "ANALYST", "task_type": "BACKTEST_RESULT"}); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unaccepted type = %d, want 422", rec.Code)
	}

	// Empty queue: 204 without waiting.
	if rec := f.do(t, "GET", "/api/agents/SCOUT/next", scoutKey, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("empty next = %d, want 204", rec.Code)
	}

	inbound, err := bus.NewEnvelope(bus.Analyst, scout, bus.AnalysisRequest, bus.Normal, map[string]string{"asset": "SOL"})
	if err != nil {
		t.Fatal(err)
	}
	inbound.RequiresAck = true
	if err := f.bus.Publish(context.Background(), inbound); err != nil {
		t.Fatalf("publish to scout: %v", err)
	}
	rec = f.do(t, "GET", "/api/agents/SCOUT/next?wait=100ms", scoutKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("next = %d: %s", rec.Code, rec.Body)
	}
	got := decode[bus.Envelope](t, rec)
	if got.ID != inbound.ID {
		t.Fatalf("next envelope = %s, want %s", got.ID, inbound.ID)
	}
	if rec := f.do(t, "POST", "/api/agents/SCOUT/ack/"+got.ID, scoutKey, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("ack = %d", rec.Code)
	}
	for _, q := range f.bus.Status().Queues {
		if q.Agent == scout && q.InFlight != 0 {
			t.Fatalf("scout in flight after ack = %d", q.InFlight)
		}
	}
	if rec := f.do(t, "GET", "/api/agents/SCOUT/next?wait=bogus", scoutKey, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad wait = %d, want 400", rec.Code)
	}
}

func TestRemoteAgent_NackRedelivers(t *testing.T) {
	f := newFixture(t)
	inbound, err := bus.NewEnvelope(bus.Analyst, scout, bus.AnalysisRequest, bus.Normal, nil)
	if err != nil {
		t.Fatal(err)
	}
	inbound.RequiresAck = true
	if err := f.bus.Publish(context.Background(), inbound); err != nil {
		t.Fatal(err)
	}
	first := decode[bus.Envelope](t, f.do(t, "GET", "/api/agents/SCOUT/next", scoutKey, nil))
	if rec := f.do(t, "POST", "/api/agents/SCOUT/nack/"+first.ID, scoutKey, map[string]string{"reason": "model offline"}); rec.Code != http.StatusNoContent {
		t.Fatalf("nack = %d: %s", rec.Code, rec.Body)
	}
	again := decode[bus.Envelope](t, f.do(t, "GET", "/api/agents/SCOUT/next", scoutKey, nil))
	if again.ID != first.ID || again.Attempt <= first.Attempt {
		t.Fatalf("redelivery = %+v after %+v", again, first)
	}
}

func TestRemoteAgent_PrincipalBinding(t *testing.T) {
	f := newFixture(t)
	inbound, err := bus.NewEnvelope(bus.Analyst, scout, bus.AnalysisRequest, bus.Normal, nil)
	if err != nil {
		t.Fatal(err)
	}
	inbound.RequiresAck = true
	if err := f.bus.Publish(context.Background(), inbound); err != nil {
		t.Fatal(err)
	}

	for _, key := range []string{operatorKey, viewerKey} {
		if rec := f.do(t, "POST", "/api/agents/SCOUT/publish", key, map[string]any{"to": "ANALYST", "task_type": "SCAN_RESULT"}); rec.Code != http.StatusForbidden {
			t.Fatalf("publish as %s = %d, want 403", key, rec.Code)
		}
		if rec := f.do(t, "GET", "/api/agents/SCOUT/next", key, nil); rec.Code != http.StatusForbidden {
			t.Fatalf("next as %s = %d, want 403", key, rec.Code)
		}
		if rec := f.do(t, "POST", "/api/agents/SCOUT/ack/"+inbound.ID, key, nil); rec.Code != http.StatusForbidden {
			t.Fatalf("ack as %s = %d, want 403", key, rec.Code)
		}
	}
	if _, ok, _ := f.bus.FetchNext(context.Background(), bus.Analyst); ok {
		t.Fatal("forbidden publish reached the bus")
	}

	got := decode[bus.Envelope](t, f.do(t, "GET", "/api/agents/SCOUT/next", scoutKey, nil))
	if got.ID != inbound.ID {
		t.Fatalf("bound principal next = %s, want %s", got.ID, inbound.ID)
	}
}

func TestAgentCard(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/.well-known/agent.json", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("agent card = %d", rec.Code)
	}
	card := decode[gateway.AgentCard](t, rec)
	if card.Name != "Mission Control" {
		t.Fatalf("card name = %q", card.Name)
	}
	var found bool
	for _, s := range card.Skills {
		if s.ID == string(scout) {
			found = true
			if s.Description != "remote agent" || len(s.Tags) != 2 {
				t.Fatalf("scout skill = %+v", s)
			}
		}
	}
	if !found {
		t.Fatalf("scout missing from skills: %+v", card.Skills)
	}
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, _, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):]+"/ws", nil); err == nil {
		t.Fatal("dial without key succeeded")
	}

	before := f.feed.SubscriberCount()
	conn, _, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):]+"/ws?topic=risk.", &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + viewerKey}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for f.feed.SubscriberCount() == before {
		select {
		case <-ctx.Done():
			t.Fatal("stream never subscribed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	f.feed.Publish(events.TopicTaskTransition, map[string]string{"ignored": "yes"})
	if err := f.gate.TriggerEmergencyStop(ctx, "operator", "stream test"); err != nil {
		t.Fatal(err)
	}

	var ev struct {
		Topic string `json:"topic"`
	}
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Topic != events.TopicRiskEmergencyStop {
		t.Fatalf("topic = %q, want %q", ev.Topic, events.TopicRiskEmergencyStop)
	}
}
