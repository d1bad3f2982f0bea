package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/eventpass/passd/internal/bus"
	"github.com/eventpass/passd/internal/realtime"
	"github.com/eventpass/passd/internal/registry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	eventMessage  = "message"
	eventPresence = "presence"

	// DefaultHeartbeatInterval is the presence re-broadcast cadence while
	// the channel stays open.
	DefaultHeartbeatInterval = 30 * time.Second
)

// Presence is a participant's liveness record. A participant counts as
// online only when IsOnline is true, never merely from recency.
type Presence struct {
	IsOnline bool
	LastSeen time.Time
}

type presencePayload struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username"`
	IsOnline bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen"`
}

// Persister is the side channel for durable message storage. Queueing is
// best-effort relative to the broadcast path.
type Persister interface {
	Queue(room string, m Message) error
}

// Channel is a per-room broadcast bus with presence heartbeating. The
// broadcast is the only delivery path for chat messages; persistence is a
// separate, fire-and-forget concern.
type Channel struct {
	room     string
	userID   string
	username string
	client   realtime.Client
	reg      *registry.Registry
	bus      *bus.Bus
	logger   *zap.Logger
	persist  Persister

	mu       sync.Mutex
	messages []Message
	presence map[string]Presence

	regID    string
	msgSub   realtime.Subscription
	presSub  realtime.Subscription
	appUnsub func()
	cancel   context.CancelFunc
	teardown sync.Once
}

// OpenChannel joins a room: it subscribes to message and presence
// broadcasts, announces the user online, starts the heartbeat and
// registers its teardown with the subscription registry. persist may be
// nil when the room has no durable log.
func OpenChannel(ctx context.Context, room, userID, username string, client realtime.Client, reg *registry.Registry, b *bus.Bus, logger *zap.Logger, persist Persister, heartbeat time.Duration) (*Channel, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}

	ch := &Channel{
		room:     room,
		userID:   userID,
		username: username,
		client:   client,
		reg:      reg,
		bus:      b,
		logger:   logger,
		persist:  persist,
		presence: make(map[string]Presence),
		regID:    fmt.Sprintf("chat-%s-%s", room, userID),
	}

	msgSub, err := client.Listen(room, eventMessage, ch.onMessage)
	if err != nil {
		return nil, fmt.Errorf("listen messages: %w", err)
	}
	ch.msgSub = msgSub

	presSub, err := client.Listen(room, eventPresence, ch.onPresence)
	if err != nil {
		_ = msgSub.Unsubscribe()
		return nil, fmt.Errorf("listen presence: %w", err)
	}
	ch.presSub = presSub

	ctx, ch.cancel = context.WithCancel(ctx)

	if reg != nil {
		reg.Register(ch.regID, ch.release)
	}

	ch.sendPresence(true)
	go ch.heartbeatLoop(ctx, heartbeat)
	ch.bindAppState(ctx)

	logger.Info("chat channel open", zap.String("room", room))
	return ch, nil
}

// Close leaves the room: broadcasts offline presence, stops the heartbeat
// and releases the subscriptions. Idempotent.
func (ch *Channel) Close() {
	if ch.reg != nil {
		ch.reg.Unregister(ch.regID)
		return
	}
	ch.release()
}

// release is the registry cleanup: it runs at most once, whether invoked
// by Close, capacity eviction, expiry sweep or process teardown.
func (ch *Channel) release() {
	ch.teardown.Do(func() {
		ch.sendPresence(false)
		if ch.cancel != nil {
			ch.cancel()
		}
		if ch.appUnsub != nil {
			ch.appUnsub()
		}
		_ = ch.msgSub.Unsubscribe()
		_ = ch.presSub.Unsubscribe()
		ch.logger.Info("chat channel closed", zap.String("room", ch.room))
	})
}

// Send builds a message with a locally generated id, appends it
// optimistically, broadcasts it and queues it for durable persistence.
// Persistence failures are logged and never affect the send.
func (ch *Channel) Send(content string, typ MessageType) (Message, error) {
	if typ == "" {
		typ = TypeText
	}
	msg := Message{
		ID:        uuid.NewString(),
		Content:   content,
		Author:    Author{ID: ch.userID, Name: ch.username},
		CreatedAt: time.Now().UTC(),
		Type:      typ,
	}

	// Optimistic local append so the sender sees the message immediately.
	ch.mu.Lock()
	ch.messages = append(ch.messages, msg)
	ch.mu.Unlock()

	if err := ch.client.Broadcast(ch.room, eventMessage, msg); err != nil {
		return msg, fmt.Errorf("broadcast message: %w", err)
	}

	if ch.persist != nil {
		if err := ch.persist.Queue(ch.room, msg); err != nil {
			ch.logger.Warn("queue message for persistence failed",
				zap.String("msg_id", msg.ID), zap.Error(err))
		}
	}
	return msg, nil
}

// Messages returns the channel's message list, deduplicated and ordered by
// creation time ascending.
func (ch *Channel) Messages() []Message {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return Merge(ch.messages)
}

// Seed merges an initial message set (e.g. from the persistence bridge)
// into the channel state.
func (ch *Channel) Seed(initial []Message) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.messages = Merge(initial, ch.messages)
}

// Presence returns a snapshot of the per-participant presence map.
func (ch *Channel) Presence() map[string]Presence {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make(map[string]Presence, len(ch.presence))
	for k, v := range ch.presence {
		out[k] = v
	}
	return out
}

// Online reports whether a participant currently has an online presence
// record.
func (ch *Channel) Online(userID string) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.presence[userID].IsOnline
}

func (ch *Channel) onMessage(raw json.RawMessage) {
	msg, err := decodeMessage(raw)
	if err != nil {
		ch.logger.Warn("bad chat broadcast", zap.Error(err))
		return
	}

	ch.mu.Lock()
	ch.messages = Merge(ch.messages, []Message{*msg})
	ch.mu.Unlock()

	if ch.bus != nil {
		ch.bus.Publish(bus.Event{Kind: bus.KindChatMessage, Timestamp: time.Now(), Payload: *msg})
	}
}

func (ch *Channel) onPresence(raw json.RawMessage) {
	var p presencePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		ch.logger.Warn("bad presence broadcast", zap.Error(err))
		return
	}
	if p.UserID == "" {
		return
	}

	ch.mu.Lock()
	ch.presence[p.UserID] = Presence{IsOnline: p.IsOnline, LastSeen: p.LastSeen}
	ch.mu.Unlock()

	if ch.bus != nil {
		ch.bus.Publish(bus.Event{Kind: bus.KindPresenceChanged, Timestamp: time.Now(), Payload: p.UserID})
	}
}

func (ch *Channel) sendPresence(online bool) {
	payload := presencePayload{
		UserID:   ch.userID,
		Username: ch.username,
		IsOnline: online,
		LastSeen: time.Now().UTC(),
	}
	if err := ch.client.Broadcast(ch.room, eventPresence, payload); err != nil {
		ch.logger.Warn("presence broadcast failed", zap.Bool("online", online), zap.Error(err))
	}
}

func (ch *Channel) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ch.sendPresence(true)
		case <-ctx.Done():
			return
		}
	}
}

// bindAppState re-asserts presence on host foreground/background
// transitions even when no message activity occurs.
func (ch *Channel) bindAppState(ctx context.Context) {
	if ch.bus == nil {
		return
	}
	events, unsub := ch.bus.Subscribe("app.", 8)
	ch.appUnsub = unsub

	go func() {
		for {
			select {
			case evt := <-events:
				switch evt.Kind {
				case bus.KindAppForeground:
					ch.sendPresence(true)
				case bus.KindAppBackground:
					ch.sendPresence(false)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
