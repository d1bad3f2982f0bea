package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eventpass/passd/internal/bus"
	"github.com/eventpass/passd/internal/realtime"
	"go.uber.org/zap"
)

const (
	// LoadLimit bounds the initial fetch to the newest notifications.
	LoadLimit = 50

	// DefaultRefreshInterval is the periodic full-refresh fallback that
	// covers any missed realtime event.
	DefaultRefreshInterval = 30 * time.Second

	callTimeout = 5 * time.Second
)

// Store is the canonical ordered notification list with read/unread/archive
// lifecycle. Mutations write to the backend first and touch local state
// only on success, so a failed write leaves the list unchanged and
// retriable.
type Store struct {
	userID  string
	client  realtime.Client
	bus     *bus.Bus
	logger  *zap.Logger
	refresh time.Duration

	mu    sync.Mutex
	items []Notification

	sub    realtime.Subscription
	cancel context.CancelFunc
}

// NewStore creates a notification store for userID. refresh <= 0 selects
// DefaultRefreshInterval.
func NewStore(userID string, client realtime.Client, b *bus.Bus, logger *zap.Logger, refresh time.Duration) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if refresh <= 0 {
		refresh = DefaultRefreshInterval
	}
	return &Store{
		userID:  userID,
		client:  client,
		bus:     b,
		logger:  logger,
		refresh: refresh,
	}
}

// Start loads the list, opens the change feed and begins the fallback
// refresh loop.
func (s *Store) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if err := s.Refresh(ctx); err != nil {
		s.logger.Warn("initial notification load failed", zap.Error(err))
	}

	sub, err := s.client.Subscribe(ctx, Table,
		realtime.Filter{Column: "user_id", Value: s.userID},
		s.handleChange, nil)
	if err != nil {
		return fmt.Errorf("subscribe notifications: %w", err)
	}
	s.sub = sub

	go s.refreshLoop(ctx)
	return nil
}

// Stop closes the feed and halts the refresh loop.
func (s *Store) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
}

func (s *Store) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				s.logger.Warn("notification refresh failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Refresh re-fetches the newest notifications, replacing local state.
func (s *Store) Refresh(ctx context.Context) error {
	var rows []Notification
	q := realtime.Query{
		Filter:     realtime.Filter{Column: "user_id", Value: s.userID},
		OrderBy:    "created_at",
		Descending: true,
		Limit:      LoadLimit,
	}
	if err := s.client.Select(ctx, Table, q, &rows); err != nil {
		return err
	}
	s.mu.Lock()
	s.items = rows
	s.mu.Unlock()
	return nil
}

func (s *Store) handleChange(ev realtime.ChangeEvent) {
	switch ev.Kind {
	case realtime.EventInsert:
		n, err := Decode(ev.Current)
		if err != nil {
			s.logger.Warn("bad notification insert", zap.Error(err))
			return
		}
		s.mu.Lock()
		if s.indexLocked(n.ID) < 0 {
			s.items = append([]Notification{*n}, s.items...)
		}
		s.mu.Unlock()
		if s.bus != nil {
			s.bus.Publish(bus.Event{Kind: bus.KindNotificationReceived, Timestamp: time.Now(), Payload: *n})
		}

	case realtime.EventUpdate:
		n, err := Decode(ev.Current)
		if err != nil {
			s.logger.Warn("bad notification update", zap.Error(err))
			return
		}
		s.mu.Lock()
		if i := s.indexLocked(n.ID); i >= 0 {
			s.items[i] = *n
		}
		s.mu.Unlock()

	case realtime.EventDelete:
		n, err := Decode(ev.Previous)
		if err != nil {
			s.logger.Warn("bad notification delete", zap.Error(err))
			return
		}
		s.mu.Lock()
		s.removeLocked(n.ID)
		s.mu.Unlock()
	}
}

// Notifications returns the current list, newest first.
func (s *Store) Notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, len(s.items))
	copy(out, s.items)
	return out
}

// UnreadCount counts unread, unarchived notifications.
func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, n := range s.items {
		if !n.IsRead && !n.IsArchived {
			count++
		}
	}
	return count
}

// MarkRead marks one notification read.
func (s *Store) MarkRead(ctx context.Context, id string) error {
	if err := s.write(ctx, "notifications.mark_read", id); err != nil {
		return err
	}
	now := time.Now()
	s.mutate(id, func(n *Notification) {
		n.IsRead = true
		n.ReadAt = &now
	})
	return nil
}

// MarkUnread marks one notification unread.
func (s *Store) MarkUnread(ctx context.Context, id string) error {
	if err := s.write(ctx, "notifications.mark_unread", id); err != nil {
		return err
	}
	s.mutate(id, func(n *Notification) {
		n.IsRead = false
		n.ReadAt = nil
	})
	return nil
}

// MarkAllRead marks every notification read.
func (s *Store) MarkAllRead(ctx context.Context) error {
	args := struct {
		UserID string `json:"user_id"`
	}{UserID: s.userID}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	if err := s.client.Call(ctx, "notifications.mark_all_read", args, nil); err != nil {
		return fmt.Errorf("notifications.mark_all_read: %w", err)
	}

	now := time.Now()
	s.mu.Lock()
	for i := range s.items {
		if !s.items[i].IsRead {
			s.items[i].IsRead = true
			s.items[i].ReadAt = &now
		}
	}
	s.mu.Unlock()
	return nil
}

// Archive archives a notification. Archiving implies read: both flags and
// both timestamps are set together.
func (s *Store) Archive(ctx context.Context, id string) error {
	if err := s.write(ctx, "notifications.archive", id); err != nil {
		return err
	}
	now := time.Now()
	s.mutate(id, func(n *Notification) {
		n.IsRead = true
		n.ReadAt = &now
		n.IsArchived = true
		n.ArchivedAt = &now
	})
	return nil
}

// Delete removes a notification.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.write(ctx, "notifications.delete", id); err != nil {
		return err
	}
	s.mu.Lock()
	s.removeLocked(id)
	s.mu.Unlock()
	return nil
}

func (s *Store) write(ctx context.Context, proc, id string) error {
	args := struct {
		ID     string `json:"id"`
		UserID string `json:"user_id"`
	}{ID: id, UserID: s.userID}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	if err := s.client.Call(ctx, proc, args, nil); err != nil {
		return fmt.Errorf("%s: %w", proc, err)
	}
	return nil
}

func (s *Store) mutate(id string, fn func(*Notification)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		fn(&s.items[i])
	}
}

func (s *Store) indexLocked(id string) int {
	for i := range s.items {
		if s.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) removeLocked(id string) {
	if i := s.indexLocked(id); i >= 0 {
		s.items = append(s.items[:i], s.items[i+1:]...)
	}
}
