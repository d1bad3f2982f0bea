package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/eventpass/passd/internal/bus"
	"github.com/eventpass/passd/internal/chat"
	"github.com/eventpass/passd/internal/config"
	"github.com/eventpass/passd/internal/notify"
	"github.com/eventpass/passd/internal/realtime"
	"github.com/eventpass/passd/internal/registry"
	"github.com/eventpass/passd/internal/requests"
	"github.com/eventpass/passd/internal/status"
	"go.uber.org/zap"
)

// Engine is the host-facing facade over the sync components: the request
// syncer, the notification store, app-state reporting and per-room chat
// channels. A host embeds the daemon and talks to the Engine; it never
// touches the components directly.
type Engine struct {
	cfg     *config.Config
	client  realtime.Client
	reg     *registry.Registry
	bus     *bus.Bus
	logger  *zap.Logger
	bridge  *chat.Bridge
	syncer  *requests.Syncer
	notif   *notify.Store
	watcher *status.AppWatcher
	machine *status.Machine

	mu       sync.Mutex
	channels map[string]*chat.Channel
}

func newEngine(cfg *config.Config, client *realtime.NATSClient, reg *registry.Registry, b *bus.Bus, logger *zap.Logger, bridge *chat.Bridge, syncer *requests.Syncer, notif *notify.Store, watcher *status.AppWatcher, machine *status.Machine) *Engine {
	return &Engine{
		cfg:      cfg,
		client:   client,
		reg:      reg,
		bus:      b,
		logger:   logger,
		bridge:   bridge,
		syncer:   syncer,
		notif:    notif,
		watcher:  watcher,
		machine:  machine,
		channels: make(map[string]*chat.Channel),
	}
}

// Requests returns the reconciled meeting-request list, newest first.
func (e *Engine) Requests() []requests.Request { return e.syncer.Requests() }

// Accept accepts an incoming meeting request.
func (e *Engine) Accept(ctx context.Context, id string) error { return e.syncer.Accept(ctx, id) }

// Decline declines an incoming meeting request.
func (e *Engine) Decline(ctx context.Context, id, response string) error {
	return e.syncer.Decline(ctx, id, response)
}

// Cancel withdraws a sent meeting request.
func (e *Engine) Cancel(ctx context.Context, id string) error { return e.syncer.Cancel(ctx, id) }

// Notifications returns the current notification list, newest first.
func (e *Engine) Notifications() []notify.Notification { return e.notif.Notifications() }

// UnreadCount counts unread, unarchived notifications.
func (e *Engine) UnreadCount() int { return e.notif.UnreadCount() }

// MarkRead marks one notification read.
func (e *Engine) MarkRead(ctx context.Context, id string) error { return e.notif.MarkRead(ctx, id) }

// MarkAllRead marks every notification read.
func (e *Engine) MarkAllRead(ctx context.Context) error { return e.notif.MarkAllRead(ctx) }

// Archive archives a notification.
func (e *Engine) Archive(ctx context.Context, id string) error { return e.notif.Archive(ctx, id) }

// LinkState reports the realtime link state.
func (e *Engine) LinkState() status.Link { return e.machine.Current() }

// SetAppState records a host-reported foreground/background transition.
// Components react over the bus: chat channels re-assert presence, the
// request syncer rebuilds dropped streams.
func (e *Engine) SetAppState(st status.AppState) { e.watcher.Set(st) }

// Events returns a bus subscription for the given kind prefix.
func (e *Engine) Events(prefix string, buf int) (<-chan bus.Event, func()) {
	return e.bus.Subscribe(prefix, buf)
}

// OpenChat joins a room and returns the channel plus its merged history.
// Reopening an already-open room returns the existing channel.
func (e *Engine) OpenChat(ctx context.Context, room string) (*chat.Channel, error) {
	e.mu.Lock()
	if ch, ok := e.channels[room]; ok {
		e.mu.Unlock()
		return ch, nil
	}
	e.mu.Unlock()

	ch, err := chat.OpenChannel(ctx, room, e.cfg.UserID, e.cfg.Username,
		e.client, e.reg, e.bus, e.logger, e.bridge,
		time.Duration(e.cfg.Sync.HeartbeatInterval))
	if err != nil {
		return nil, err
	}
	ch.Seed(e.bridge.History(ctx, room, nil))

	e.mu.Lock()
	e.channels[room] = ch
	e.mu.Unlock()
	return ch, nil
}

// CloseChat leaves a room. Unknown rooms are a no-op.
func (e *Engine) CloseChat(room string) {
	e.mu.Lock()
	ch, ok := e.channels[room]
	delete(e.channels, room)
	e.mu.Unlock()
	if ok {
		ch.Close()
	}
}

// closeAll tears down every open chat channel. Called on daemon stop.
func (e *Engine) closeAll() {
	e.mu.Lock()
	chans := e.channels
	e.channels = make(map[string]*chat.Channel)
	e.mu.Unlock()
	for _, ch := range chans {
		ch.Close()
	}
}
