package requests

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eventpass/passd/internal/bus"
	"github.com/eventpass/passd/internal/notify"
	"github.com/eventpass/passd/internal/realtime"
	"github.com/eventpass/passd/internal/registry"
	"github.com/eventpass/passd/internal/status"
	"go.uber.org/zap"
)

const (
	requestsTable = "meeting_requests"

	// DefaultResubscribeDelay is the fixed wait before rebuilding streams
	// after a link error.
	DefaultResubscribeDelay = 3 * time.Second

	fetchTimeout = 5 * time.Second
)

// Callbacks is the host-facing surface of the syncer. All callbacks are
// optional. OnUpdated receives the status the entity had before the
// update; it equals the current status when nothing changed.
type Callbacks struct {
	OnInserted func(Request)
	OnUpdated  func(Request, Status)
	OnDeleted  func(id string)
	OnError    func(error)
}

// Options tunes the syncer.
type Options struct {
	ResubscribeDelay time.Duration
}

// Syncer maintains the authoritative client-side list of meeting requests
// for one user, sourced from the outgoing feed, the incoming feed and the
// notification fallback feed.
type Syncer struct {
	userID  string
	client  realtime.Client
	reg     *registry.Registry
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger
	cb      Callbacks
	delay   time.Duration

	mu         sync.Mutex
	state      *State
	subscribed bool
	closed     bool
	retry      *time.Timer

	subIDs   []string
	appUnsub func()
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewSyncer creates a syncer for userID. machine may be nil; bus and
// registry must not be.
func NewSyncer(userID string, client realtime.Client, reg *registry.Registry, b *bus.Bus, machine *status.Machine, logger *zap.Logger, cb Callbacks, opts Options) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	delay := opts.ResubscribeDelay
	if delay <= 0 {
		delay = DefaultResubscribeDelay
	}
	return &Syncer{
		userID:  userID,
		client:  client,
		reg:     reg,
		bus:     b,
		machine: machine,
		logger:  logger,
		cb:      cb,
		delay:   delay,
		state:   NewState(),
	}
}

// Start loads the current request lists, opens the three streams and binds
// the app-state hook. The load is best-effort: a failed bulk read leaves
// the streams to fill the state.
func (s *Syncer) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.loadInitial(s.ctx); err != nil {
		s.logger.Warn("initial request load failed", zap.Error(err))
	}

	s.resubscribe()
	s.bindAppState()
	return nil
}

// Close tears down the streams, cancels any pending resubscribe and stops
// reacting to app-state transitions. Idempotent.
func (s *Syncer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.subscribed = false
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	ids := s.subIDs
	s.subIDs = nil
	s.mu.Unlock()

	if s.appUnsub != nil {
		s.appUnsub()
	}
	for _, id := range ids {
		s.reg.Unregister(id)
	}
	if s.cancel != nil {
		s.cancel()
	}
}

// Reconnect forces a full rebuild of all three streams.
func (s *Syncer) Reconnect() {
	s.mu.Lock()
	s.subscribed = false
	s.mu.Unlock()
	s.resubscribe()
}

// Subscribed reports whether the streams are currently established.
func (s *Syncer) Subscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed
}

// Requests returns the reconciled list, newest first.
func (s *Syncer) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Snapshot()
}

// Accept accepts an incoming request. Business-rule refusals come back as
// *realtime.CallError.
func (s *Syncer) Accept(ctx context.Context, id string) error {
	return s.action(ctx, "requests.accept", id, "")
}

// Decline declines an incoming request with an optional response message.
func (s *Syncer) Decline(ctx context.Context, id, response string) error {
	return s.action(ctx, "requests.decline", id, response)
}

// Cancel withdraws a request the user sent.
func (s *Syncer) Cancel(ctx context.Context, id string) error {
	return s.action(ctx, "requests.cancel", id, "")
}

func (s *Syncer) action(ctx context.Context, proc, id, response string) error {
	args := struct {
		ID       string `json:"id"`
		UserID   string `json:"user_id"`
		Response string `json:"response,omitempty"`
	}{ID: id, UserID: s.userID, Response: response}
	if err := s.client.Call(ctx, proc, args, nil); err != nil {
		return fmt.Errorf("%s: %w", proc, err)
	}
	return nil
}

// loadInitial seeds the state with the user's current requests in both
// directions before any stream event arrives.
func (s *Syncer) loadInitial(ctx context.Context) error {
	load := func(filter realtime.Filter, dir Direction) error {
		var rows []Request
		q := realtime.Query{Filter: filter, OrderBy: "created_at", Descending: true}
		if err := s.client.Select(ctx, requestsTable, q, &rows); err != nil {
			return err
		}
		now := time.Now()
		s.mu.Lock()
		for i := range rows {
			req := rows[i]
			req.Status = ParseStatus(string(req.Status))
			req.Direction = dir
			s.applyEnrichmentDefaults(&req)
			s.state.Apply(ResolvedEvent{Kind: realtime.EventInsert, Request: &req, ID: req.ID, At: now})
		}
		s.mu.Unlock()
		return nil
	}

	if err := load(realtime.Filter{Column: "requester_id", Value: s.userID}, DirectionSent); err != nil {
		return fmt.Errorf("load sent requests: %w", err)
	}
	if err := load(realtime.Filter{Column: "speaker_id", Value: s.userID}, DirectionIncoming); err != nil {
		return fmt.Errorf("load incoming requests: %w", err)
	}
	return nil
}

// resubscribe establishes all three streams. A guard flag collapses
// concurrent attempts into one cycle; the previous channel objects are
// discarded, never reused.
func (s *Syncer) resubscribe() {
	s.mu.Lock()
	if s.closed || s.subscribed {
		s.mu.Unlock()
		return
	}
	s.subscribed = true
	oldIDs := s.subIDs
	s.subIDs = nil
	s.mu.Unlock()

	for _, id := range oldIDs {
		s.reg.Unregister(id)
	}

	streams := []struct {
		id      string
		filter  realtime.Filter
		handler realtime.ChangeHandler
	}{
		{
			id:      "requests-sent-" + s.userID,
			filter:  realtime.Filter{Column: "requester_id", Value: s.userID},
			handler: s.changeHandler(DirectionSent),
		},
		{
			id:      "requests-incoming-" + s.userID,
			filter:  realtime.Filter{Column: "speaker_id", Value: s.userID},
			handler: s.changeHandler(DirectionIncoming),
		},
	}

	var registered []string
	for _, st := range streams {
		sub, err := s.client.Subscribe(s.ctx, requestsTable, st.filter, st.handler, s.statusHandler)
		if err != nil {
			s.logger.Warn("request stream subscribe failed", zap.String("stream", st.id), zap.Error(err))
			s.failSubscribe(registered, err)
			return
		}
		s.reg.Register(st.id, func() { _ = sub.Unsubscribe() })
		registered = append(registered, st.id)
	}

	// Fallback feed: notification inserts covering events the primary
	// streams missed (e.g. during a disconnect window).
	notifSub, err := s.client.Subscribe(s.ctx, notify.Table,
		realtime.Filter{Column: "user_id", Value: s.userID},
		s.notificationHandler, nil)
	if err != nil {
		s.logger.Warn("notification fallback subscribe failed", zap.Error(err))
		s.failSubscribe(registered, err)
		return
	}
	notifID := "requests-fallback-" + s.userID
	s.reg.Register(notifID, func() { _ = notifSub.Unsubscribe() })
	registered = append(registered, notifID)

	s.mu.Lock()
	s.subIDs = registered
	s.mu.Unlock()

	if s.machine != nil && s.machine.Current() != status.Live {
		_ = s.machine.Transition(status.Live)
	}
	s.logger.Info("request streams established", zap.Int("streams", len(registered)))
}

func (s *Syncer) failSubscribe(registered []string, err error) {
	for _, id := range registered {
		s.reg.Unregister(id)
	}
	s.mu.Lock()
	s.subscribed = false
	s.mu.Unlock()
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
	s.scheduleResubscribe()
}

// statusHandler reacts to per-stream link status. Errors and timeouts are
// non-fatal: mark the link degraded and schedule one rebuild.
func (s *Syncer) statusHandler(st realtime.Status) {
	switch st {
	case realtime.StatusError, realtime.StatusTimedOut:
		s.logger.Warn("request stream link error", zap.String("status", string(st)))
		if s.machine != nil && s.machine.Current() == status.Live {
			_ = s.machine.Transition(status.Degraded)
		}
		if s.cb.OnError != nil {
			s.cb.OnError(fmt.Errorf("request stream %s", st))
		}
		s.scheduleResubscribe()
	}
}

// scheduleResubscribe arms the fixed-delay rebuild timer. Overlapping
// error notifications collapse into a single cycle.
func (s *Syncer) scheduleResubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.retry != nil {
		return
	}
	s.subscribed = false
	s.retry = time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		s.retry = nil
		s.mu.Unlock()
		s.resubscribe()
	})
}

// bindAppState rebuilds the streams when the host returns to foreground
// with no live subscription: push delivery is not assumed to have
// continued while backgrounded.
func (s *Syncer) bindAppState() {
	ch, unsub := s.bus.Subscribe("app.", 8)
	s.appUnsub = unsub

	go func() {
		for {
			select {
			case evt := <-ch:
				if evt.Kind == bus.KindAppForeground && !s.Subscribed() {
					s.logger.Info("foreground with no live streams, rebuilding")
					s.resubscribe()
				}
			case <-s.ctx.Done():
				return
			}
		}
	}()
}

func (s *Syncer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// changeHandler resolves raw change events from one directional stream
// into reducer events.
func (s *Syncer) changeHandler(dir Direction) realtime.ChangeHandler {
	return func(ev realtime.ChangeEvent) {
		// Liveness: discard results landing after teardown.
		if s.isClosed() {
			return
		}
		now := time.Now()

		switch ev.Kind {
		case realtime.EventInsert:
			req, err := decodeRequest(ev.Current)
			if err != nil {
				s.logger.Warn("bad insert event", zap.Error(err))
				return
			}
			req.Direction = dir
			s.enrich(req)
			s.dispatch(s.apply(ResolvedEvent{Kind: realtime.EventInsert, Request: req, ID: req.ID, At: now}))

		case realtime.EventUpdate:
			delta, err := decodeRequest(ev.Current)
			if err != nil {
				s.logger.Warn("bad update event", zap.Error(err))
				return
			}
			// The delta row may be partial: always refetch the full record,
			// falling back to the delta when the read fails. The update is
			// never dropped.
			full, err := s.fetchFull(delta.ID)
			if err != nil {
				s.logger.Warn("full refetch failed, merging delta",
					zap.String("id", delta.ID), zap.Error(err))
				full = delta
			}
			full.Direction = dir
			s.enrich(full)
			s.dispatch(s.apply(ResolvedEvent{Kind: realtime.EventUpdate, Request: full, ID: full.ID, At: now}))

		case realtime.EventDelete:
			prev, err := decodeRequest(ev.Previous)
			if err != nil {
				s.logger.Warn("bad delete event", zap.Error(err))
				return
			}
			s.dispatch(s.apply(ResolvedEvent{Kind: realtime.EventDelete, ID: prev.ID, At: now}))
		}
	}
}

// notificationHandler is the fallback path: a request-correlated
// notification forces a re-fetch and re-merge of the entity, with
// direction inferred from the requester identity.
func (s *Syncer) notificationHandler(ev realtime.ChangeEvent) {
	if s.isClosed() || ev.Kind != realtime.EventInsert {
		return
	}
	n, err := notify.Decode(ev.Current)
	if err != nil {
		s.logger.Warn("bad notification event", zap.Error(err))
		return
	}
	if !n.Type.RelatesToRequest() || n.RelatedRequestID == "" {
		return
	}

	full, err := s.fetchFull(n.RelatedRequestID)
	if err != nil {
		s.logger.Warn("fallback refetch failed",
			zap.String("id", n.RelatedRequestID), zap.Error(err))
		return
	}

	// Requester comparison wins; a self-request is tagged sent.
	if full.RequesterID == s.userID {
		full.Direction = DirectionSent
	} else {
		full.Direction = DirectionIncoming
	}
	s.enrich(full)

	s.logger.Info("notification triggered request merge",
		zap.String("id", full.ID),
		zap.String("direction", string(full.Direction)),
		zap.String("status", string(full.Status)))
	s.dispatch(s.apply(ResolvedEvent{Kind: realtime.EventUpdate, Request: full, ID: full.ID, At: time.Now()}))
}

// fetchFull reads the authoritative record by id.
func (s *Syncer) fetchFull(id string) (*Request, error) {
	ctx, cancel := context.WithTimeout(s.ctx, fetchTimeout)
	defer cancel()

	var req Request
	args := struct {
		ID string `json:"id"`
	}{ID: id}
	if err := s.client.Call(ctx, "requests.get", args, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, fmt.Errorf("request %s not found", id)
	}
	req.Status = ParseStatus(string(req.Status))
	return &req, nil
}

// enrich populates counterpart display fields. Failures are logged and the
// event proceeds with partial data; the primary event is never dropped.
func (s *Syncer) enrich(req *Request) {
	switch req.Direction {
	case DirectionSent:
		ctx, cancel := context.WithTimeout(s.ctx, fetchTimeout)
		defer cancel()

		var rows []struct {
			DisplayName string `json:"display_name"`
			AvatarURL   string `json:"avatar_url"`
		}
		q := realtime.Query{Filter: realtime.Filter{Column: "user_id", Value: req.SpeakerID}, Limit: 1}
		if err := s.client.Select(ctx, "speaker_profiles", q, &rows); err != nil {
			s.logger.Warn("counterpart enrichment failed",
				zap.String("speaker_id", req.SpeakerID), zap.Error(err))
			return
		}
		if len(rows) > 0 {
			req.CounterpartName = rows[0].DisplayName
			req.CounterpartAvatar = rows[0].AvatarURL
		}
	case DirectionIncoming:
		s.applyEnrichmentDefaults(req)
	}
}

// applyEnrichmentDefaults fills counterpart fields that need no backend
// round trip.
func (s *Syncer) applyEnrichmentDefaults(req *Request) {
	if req.Direction != DirectionIncoming {
		return
	}
	name := req.RequesterName
	if name == "" {
		name = "User"
	}
	if req.CounterpartName == "" {
		req.CounterpartName = name
	}
	if req.CounterpartAvatar == "" {
		req.CounterpartAvatar = avatarURL(name)
	}
}

// apply funnels an event through the reducer under the state lock.
func (s *Syncer) apply(ev ResolvedEvent) []Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.state.Apply(ev)
}

// dispatch is the side-effect half of the reconciliation: it turns reducer
// signals into host callbacks and bus events.
func (s *Syncer) dispatch(signals []Signal) {
	for _, sig := range signals {
		switch sig.Kind {
		case SignalInserted:
			if s.cb.OnInserted != nil {
				s.cb.OnInserted(*sig.Request)
			}
			s.publish(bus.KindRequestInserted, *sig.Request)
		case SignalUpdated:
			if s.cb.OnUpdated != nil {
				s.cb.OnUpdated(*sig.Request, sig.PreviousStatus)
			}
			s.publish(bus.KindRequestUpdated, *sig.Request)
		case SignalStatusChanged:
			s.publish(bus.KindRequestStatusChanged, StatusChange{
				Request: *sig.Request,
				From:    sig.PreviousStatus,
				To:      sig.Request.Status,
			})
		case SignalDeleted:
			if s.cb.OnDeleted != nil {
				s.cb.OnDeleted(sig.ID)
			}
			s.publish(bus.KindRequestDeleted, sig.ID)
		}
	}
}

func (s *Syncer) publish(kind string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// StatusChange is the payload for request status-transition events, used
// for user-visible feedback.
type StatusChange struct {
	Request Request
	From    Status
	To      Status
}
