package requests

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/eventpass/passd/internal/bus"
	"github.com/eventpass/passd/internal/realtime"
	"github.com/eventpass/passd/internal/registry"
)

const testUserID = "u1"

type fakeSub struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakeSub) Unsubscribe() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type subscribeCall struct {
	table    string
	filter   realtime.Filter
	onEvent  realtime.ChangeHandler
	onStatus realtime.StatusHandler
	sub      *fakeSub
}

// fakeClient is an in-memory realtime.Client. Subscribe records the
// handlers so tests can push events; Select and Call delegate to
// replaceable functions.
type fakeClient struct {
	mu       sync.Mutex
	subs     []*subscribeCall
	selectFn func(table string, q realtime.Query) (any, error)
	callFn   func(proc string, args any) (any, error)
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		selectFn: func(string, realtime.Query) (any, error) { return nil, nil },
		callFn: func(proc string, _ any) (any, error) {
			return nil, fmt.Errorf("no handler for %s", proc)
		},
	}
}

func (f *fakeClient) Subscribe(_ context.Context, table string, filter realtime.Filter, onEvent realtime.ChangeHandler, onStatus realtime.StatusHandler) (realtime.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := &subscribeCall{table: table, filter: filter, onEvent: onEvent, onStatus: onStatus, sub: &fakeSub{}}
	f.subs = append(f.subs, call)
	return call.sub, nil
}

func (f *fakeClient) Broadcast(string, string, any) error { return nil }

func (f *fakeClient) Listen(string, string, func(json.RawMessage)) (realtime.Subscription, error) {
	return &fakeSub{}, nil
}

func (f *fakeClient) Call(_ context.Context, proc string, args any, reply any) error {
	f.mu.Lock()
	fn := f.callFn
	f.mu.Unlock()
	out, err := fn(proc, args)
	if err != nil {
		return err
	}
	return assign(out, reply)
}

func (f *fakeClient) Select(_ context.Context, table string, q realtime.Query, dest any) error {
	f.mu.Lock()
	fn := f.selectFn
	f.mu.Unlock()
	out, err := fn(table, q)
	if err != nil {
		return err
	}
	return assign(out, dest)
}

func (f *fakeClient) Close() {}

func assign(value, dest any) error {
	if value == nil || dest == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

func (f *fakeClient) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// handlerFor returns the most recent subscription matching a table and
// filter column.
func (f *fakeClient) handlerFor(table, column string) *subscribeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.subs) - 1; i >= 0; i-- {
		if f.subs[i].table == table && f.subs[i].filter.Column == column {
			return f.subs[i]
		}
	}
	return nil
}

type capture struct {
	inserted chan Request
	updated  chan Request
	deleted  chan string
}

func newCapture() *capture {
	return &capture{
		inserted: make(chan Request, 16),
		updated:  make(chan Request, 16),
		deleted:  make(chan string, 16),
	}
}

func (c *capture) callbacks() Callbacks {
	return Callbacks{
		OnInserted: func(r Request) { c.inserted <- r },
		OnUpdated:  func(r Request, _ Status) { c.updated <- r },
		OnDeleted:  func(id string) { c.deleted <- id },
	}
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func expectNone[T any](t *testing.T, ch <-chan T, what string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %s: %+v", what, v)
	case <-time.After(100 * time.Millisecond):
	}
}

func newTestSyncer(t *testing.T, client *fakeClient, cb Callbacks, opts Options) *Syncer {
	t.Helper()
	s := NewSyncer(testUserID, client, registry.New(20, nil), bus.New(), nil, nil, cb, opts)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func requestRow(id, requesterID, status string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"id":%q,"requester_id":%q,"speaker_id":"u2","requester_name":"Jane Doe","status":%q,"created_at":"2026-08-01T10:00:00Z"}`,
		id, requesterID, status))
}

func TestStartSeedsInitialRequests(t *testing.T) {
	client := newFakeClient()
	client.selectFn = func(table string, q realtime.Query) (any, error) {
		if table != requestsTable {
			return nil, nil
		}
		switch q.Filter.Column {
		case "requester_id":
			return []map[string]string{{"id": "req-sent", "requester_id": testUserID, "speaker_id": "u2", "status": "requested"}}, nil
		case "speaker_id":
			return []map[string]string{{"id": "req-in", "requester_id": "u3", "speaker_id": testUserID, "requester_name": "Jane Doe", "status": "pending"}}, nil
		}
		return nil, nil
	}

	s := newTestSyncer(t, client, Callbacks{}, Options{})

	reqs := s.Requests()
	if len(reqs) != 2 {
		t.Fatalf("Requests() = %d entries, want 2", len(reqs))
	}
	byID := map[string]Request{}
	for _, r := range reqs {
		byID[r.ID] = r
	}
	if byID["req-sent"].Direction != DirectionSent {
		t.Errorf("req-sent direction = %q", byID["req-sent"].Direction)
	}
	if byID["req-sent"].Status != StatusPending {
		t.Errorf("req-sent status = %q, legacy alias not folded", byID["req-sent"].Status)
	}
	in := byID["req-in"]
	if in.Direction != DirectionIncoming {
		t.Errorf("req-in direction = %q", in.Direction)
	}
	if in.CounterpartName != "Jane Doe" || in.CounterpartAvatar == "" {
		t.Errorf("req-in enrichment missing: %+v", in)
	}
}

func TestStartOpensThreeStreams(t *testing.T) {
	client := newFakeClient()
	s := newTestSyncer(t, client, Callbacks{}, Options{})

	if got := client.subscribeCount(); got != 3 {
		t.Fatalf("subscribe count = %d, want 3", got)
	}
	if !s.Subscribed() {
		t.Error("Subscribed() = false after Start")
	}
	if client.handlerFor(requestsTable, "requester_id") == nil {
		t.Error("no outgoing stream")
	}
	if client.handlerFor(requestsTable, "speaker_id") == nil {
		t.Error("no incoming stream")
	}
	if client.handlerFor("notifications", "user_id") == nil {
		t.Error("no notification fallback stream")
	}
}

func TestInsertEnrichesIncoming(t *testing.T) {
	client := newFakeClient()
	cap := newCapture()
	newTestSyncer(t, client, cap.callbacks(), Options{})

	stream := client.handlerFor(requestsTable, "speaker_id")
	stream.onEvent(realtime.ChangeEvent{Kind: realtime.EventInsert, Current: requestRow("req-1", "u3", "pending")})

	got := waitFor(t, cap.inserted, "insert callback")
	if got.Direction != DirectionIncoming {
		t.Errorf("direction = %q", got.Direction)
	}
	if got.CounterpartName != "Jane Doe" {
		t.Errorf("counterpart name = %q", got.CounterpartName)
	}
	if got.CounterpartAvatar == "" {
		t.Error("counterpart avatar not derived")
	}
}

func TestCrossStreamDedup(t *testing.T) {
	client := newFakeClient()
	cap := newCapture()
	s := newTestSyncer(t, client, cap.callbacks(), Options{})

	row := requestRow("req-1", testUserID, "pending")
	ev := realtime.ChangeEvent{Kind: realtime.EventInsert, Current: row}
	client.handlerFor(requestsTable, "requester_id").onEvent(ev)
	client.handlerFor(requestsTable, "speaker_id").onEvent(ev)

	waitFor(t, cap.inserted, "first insert")
	expectNone(t, cap.inserted, "second insert for the same id")
	if len(s.Requests()) != 1 {
		t.Fatalf("Requests() = %d, want 1", len(s.Requests()))
	}
}

func TestUpdateRefetchesFullRecord(t *testing.T) {
	client := newFakeClient()
	client.callFn = func(proc string, args any) (any, error) {
		if proc != "requests.get" {
			return nil, fmt.Errorf("unexpected call %s", proc)
		}
		return map[string]any{
			"id": "req-1", "requester_id": "u3", "speaker_id": testUserID,
			"requester_name": "Jane Doe", "status": "accepted",
			"speaker_response": "see you there",
		}, nil
	}
	cap := newCapture()
	s := newTestSyncer(t, client, cap.callbacks(), Options{})

	stream := client.handlerFor(requestsTable, "speaker_id")
	stream.onEvent(realtime.ChangeEvent{Kind: realtime.EventInsert, Current: requestRow("req-1", "u3", "pending")})
	waitFor(t, cap.inserted, "insert")

	// Partial delta: only id and status present.
	stream.onEvent(realtime.ChangeEvent{
		Kind:    realtime.EventUpdate,
		Current: json.RawMessage(`{"id":"req-1","status":"accepted"}`),
	})

	got := waitFor(t, cap.updated, "update callback")
	if got.Status != StatusAccepted {
		t.Errorf("status = %q", got.Status)
	}
	if got.SpeakerResponse != "see you there" {
		t.Error("update did not carry the refetched full record")
	}
	if got.Direction != DirectionIncoming {
		t.Errorf("direction = %q, must survive the refetch", got.Direction)
	}
	if len(s.Requests()) != 1 {
		t.Fatalf("Requests() = %d, want 1", len(s.Requests()))
	}
}

func TestUpdateFallsBackToDelta(t *testing.T) {
	client := newFakeClient()
	cap := newCapture()
	newTestSyncer(t, client, cap.callbacks(), Options{})

	stream := client.handlerFor(requestsTable, "speaker_id")
	stream.onEvent(realtime.ChangeEvent{Kind: realtime.EventInsert, Current: requestRow("req-1", "u3", "pending")})
	waitFor(t, cap.inserted, "insert")

	// requests.get fails; the delta must still be merged, never dropped.
	stream.onEvent(realtime.ChangeEvent{
		Kind:    realtime.EventUpdate,
		Current: json.RawMessage(`{"id":"req-1","status":"declined"}`),
	})

	got := waitFor(t, cap.updated, "update callback")
	if got.Status != StatusDeclined {
		t.Errorf("status = %q, want declined from the delta", got.Status)
	}
	if got.CounterpartName != "Jane Doe" {
		t.Error("delta merge lost the enrichment")
	}
}

func TestStaleStatusDoesNotRegress(t *testing.T) {
	client := newFakeClient()
	cap := newCapture()
	s := newTestSyncer(t, client, cap.callbacks(), Options{})

	stream := client.handlerFor(requestsTable, "speaker_id")
	stream.onEvent(realtime.ChangeEvent{Kind: realtime.EventInsert, Current: requestRow("req-1", "u3", "accepted")})
	waitFor(t, cap.inserted, "insert")

	stream.onEvent(realtime.ChangeEvent{
		Kind:    realtime.EventUpdate,
		Current: json.RawMessage(`{"id":"req-1","status":"pending"}`),
	})
	waitFor(t, cap.updated, "update callback")

	if got := s.Requests()[0].Status; got != StatusAccepted {
		t.Errorf("status = %q, terminal status regressed", got)
	}
}

func TestDeleteEvent(t *testing.T) {
	client := newFakeClient()
	cap := newCapture()
	s := newTestSyncer(t, client, cap.callbacks(), Options{})

	stream := client.handlerFor(requestsTable, "requester_id")
	stream.onEvent(realtime.ChangeEvent{Kind: realtime.EventInsert, Current: requestRow("req-1", testUserID, "pending")})
	waitFor(t, cap.inserted, "insert")

	stream.onEvent(realtime.ChangeEvent{Kind: realtime.EventDelete, Previous: requestRow("req-1", testUserID, "pending")})
	if id := waitFor(t, cap.deleted, "delete callback"); id != "req-1" {
		t.Errorf("deleted id = %q", id)
	}
	if len(s.Requests()) != 0 {
		t.Fatal("record survived its delete")
	}
}

func TestNotificationFallbackMergesUnseen(t *testing.T) {
	client := newFakeClient()
	client.callFn = func(proc string, args any) (any, error) {
		if proc != "requests.get" {
			return nil, fmt.Errorf("unexpected call %s", proc)
		}
		return map[string]any{
			"id": "req-2", "requester_id": testUserID, "speaker_id": "u2",
			"status": "accepted",
		}, nil
	}
	cap := newCapture()
	s := newTestSyncer(t, client, cap.callbacks(), Options{})

	fallback := client.handlerFor("notifications", "user_id")
	fallback.onEvent(realtime.ChangeEvent{
		Kind: realtime.EventInsert,
		Current: json.RawMessage(
			`{"id":"n-1","type":"request_accepted","related_request_id":"req-2"}`),
	})

	got := waitFor(t, cap.inserted, "fallback merge")
	if got.ID != "req-2" {
		t.Errorf("merged id = %q", got.ID)
	}
	if got.Direction != DirectionSent {
		t.Errorf("direction = %q, requester identity must win", got.Direction)
	}
	if len(s.Requests()) != 1 {
		t.Fatalf("Requests() = %d, want a merge, not an append", len(s.Requests()))
	}
}

func TestNotificationFallbackIgnoresUnrelated(t *testing.T) {
	client := newFakeClient()
	cap := newCapture()
	newTestSyncer(t, client, cap.callbacks(), Options{})

	fallback := client.handlerFor("notifications", "user_id")
	fallback.onEvent(realtime.ChangeEvent{
		Kind:    realtime.EventInsert,
		Current: json.RawMessage(`{"id":"n-2","type":"system_alert"}`),
	})
	fallback.onEvent(realtime.ChangeEvent{
		Kind:    realtime.EventInsert,
		Current: json.RawMessage(`{"id":"n-3","type":"request_accepted"}`),
	})

	expectNone(t, cap.inserted, "merge from unrelated notification")
}

func TestLinkErrorCollapsesIntoOneRebuild(t *testing.T) {
	client := newFakeClient()
	var errMu sync.Mutex
	errCount := 0
	cb := Callbacks{OnError: func(error) {
		errMu.Lock()
		errCount++
		errMu.Unlock()
	}}
	s := newTestSyncer(t, client, cb, Options{ResubscribeDelay: 20 * time.Millisecond})

	stream := client.handlerFor(requestsTable, "requester_id")
	// Two overlapping link errors must schedule exactly one rebuild cycle.
	stream.onStatus(realtime.StatusError)
	stream.onStatus(realtime.StatusTimedOut)

	if s.Subscribed() {
		t.Fatal("Subscribed() = true right after a link error")
	}

	deadline := time.Now().Add(2 * time.Second)
	for client.subscribeCount() < 6 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	// Give a straggling second cycle a chance to show up.
	time.Sleep(100 * time.Millisecond)
	if got := client.subscribeCount(); got != 6 {
		t.Fatalf("subscribe count = %d, want exactly one rebuild (6)", got)
	}
	if !s.Subscribed() {
		t.Error("Subscribed() = false after rebuild")
	}

	errMu.Lock()
	defer errMu.Unlock()
	if errCount != 2 {
		t.Errorf("OnError invoked %d times, want once per link error", errCount)
	}
}

func TestForegroundRebuildsWhenDown(t *testing.T) {
	client := newFakeClient()
	b := bus.New()
	s := NewSyncer(testUserID, client, registry.New(20, nil), b, nil, nil, Callbacks{}, Options{ResubscribeDelay: time.Hour})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Close)

	client.handlerFor(requestsTable, "requester_id").onStatus(realtime.StatusError)
	if s.Subscribed() {
		t.Fatal("still subscribed after link error")
	}

	b.Publish(bus.Event{Kind: bus.KindAppForeground, Timestamp: time.Now()})

	deadline := time.Now().Add(2 * time.Second)
	for !s.Subscribed() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !s.Subscribed() {
		t.Fatal("foreground transition did not rebuild the streams")
	}
	if got := client.subscribeCount(); got != 6 {
		t.Fatalf("subscribe count = %d, want 6", got)
	}
}

func TestCloseStopsProcessing(t *testing.T) {
	client := newFakeClient()
	cap := newCapture()
	s := NewSyncer(testUserID, client, registry.New(20, nil), bus.New(), nil, nil, cap.callbacks(), Options{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stream := client.handlerFor(requestsTable, "requester_id")
	s.Close()
	s.Close() // idempotent

	stream.onEvent(realtime.ChangeEvent{Kind: realtime.EventInsert, Current: requestRow("req-1", testUserID, "pending")})
	expectNone(t, cap.inserted, "insert after Close")
}

func TestActionsCallBackend(t *testing.T) {
	client := newFakeClient()
	var gotProc string
	client.callFn = func(proc string, args any) (any, error) {
		gotProc = proc
		if proc == "requests.accept" {
			return nil, &realtime.CallError{Code: realtime.CodeSlotConflict, Message: "slot taken"}
		}
		return nil, nil
	}
	s := newTestSyncer(t, client, Callbacks{}, Options{})

	err := s.Accept(context.Background(), "req-1")
	if gotProc != "requests.accept" {
		t.Fatalf("proc = %q", gotProc)
	}
	ce, ok := realtime.AsCallError(err)
	if !ok || ce.Code != realtime.CodeSlotConflict {
		t.Fatalf("Accept error = %v, want slot conflict CallError", err)
	}

	if err := s.Decline(context.Background(), "req-1", "busy"); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if gotProc != "requests.decline" {
		t.Fatalf("proc = %q", gotProc)
	}
	if err := s.Cancel(context.Background(), "req-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if gotProc != "requests.cancel" {
		t.Fatalf("proc = %q", gotProc)
	}
}
