// Package outbox drains the durable-persistence queue: messages sent on a
// chat channel are recorded locally first, then delivered to the backend
// asynchronously so a flaky link never blocks the send path.
package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/eventpass/passd/internal/bus"
	"github.com/eventpass/passd/internal/realtime"
	"github.com/eventpass/passd/internal/store"
	"go.uber.org/zap"
)

const (
	// DefaultInterval is the queue poll cadence.
	DefaultInterval = 500 * time.Millisecond

	callTimeout = 5 * time.Second
)

// Caller is the RPC subset the sender needs from the backend client.
type Caller interface {
	Call(ctx context.Context, proc string, args any, reply any) error
}

// Sender polls the outbox table and delivers queued messages via the
// chat.send procedure. Business-rule rejections mark the entry failed;
// transport failures requeue it and pause the batch until the next tick.
type Sender struct {
	db       *store.DB
	caller   Caller
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSender wires an outbox sender. It does not start polling.
func NewSender(db *store.DB, caller Caller, b *bus.Bus, logger *zap.Logger, interval time.Duration) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sender{db: db, caller: caller, bus: b, logger: logger, interval: interval}
}

// Start launches the polling loop. Calling Start on a running sender is a
// no-op.
func (s *Sender) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop halts the polling loop and waits for the in-flight batch to finish.
func (s *Sender) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Sender) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

type sendArgs struct {
	Room        string `json:"room"`
	ID          string `json:"id"`
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
	AuthorID    string `json:"author_id"`
	AuthorName  string `json:"author_name"`
	CreatedAt   int64  `json:"created_at"`
}

func (s *Sender) processPending(ctx context.Context) {
	entries, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("read outbox failed", zap.Error(err))
		return
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		if err := s.db.MarkOutboxSending(e.MsgID); err != nil {
			s.logger.Error("mark sending failed", zap.String("msg_id", e.MsgID), zap.Error(err))
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		err := s.caller.Call(callCtx, "chat.send", sendArgs{
			Room:        e.Room,
			ID:          e.MsgID,
			Content:     e.Content,
			MessageType: e.MessageType,
			AuthorID:    e.AuthorID,
			AuthorName:  e.AuthorName,
			CreatedAt:   e.CreatedAt,
		}, nil)
		cancel()

		ce, rejected := realtime.AsCallError(err)
		switch {
		case err == nil:
			if err := s.db.MarkOutboxPersisted(e.MsgID); err != nil {
				s.logger.Error("mark persisted failed", zap.String("msg_id", e.MsgID), zap.Error(err))
			}
			s.publish(bus.KindChatPersisted, e.MsgID)
		case rejected:
			// The backend rejected the message; retrying cannot help.
			s.logger.Warn("message rejected by backend",
				zap.String("msg_id", e.MsgID), zap.Int("code", ce.Code), zap.String("reason", ce.Message))
			if err := s.db.MarkOutboxFailed(e.MsgID, ce.Message); err != nil {
				s.logger.Error("mark failed failed", zap.String("msg_id", e.MsgID), zap.Error(err))
			}
			s.publish(bus.KindChatPersistFailed, e.MsgID)
		default:
			// Transport trouble: requeue and let the next tick retry the
			// whole batch once the link recovers.
			s.logger.Warn("deliver message failed", zap.String("msg_id", e.MsgID), zap.Error(err))
			if err := s.db.RequeueOutbox(e.MsgID); err != nil {
				s.logger.Error("requeue failed", zap.String("msg_id", e.MsgID), zap.Error(err))
			}
			return
		}
	}
}

func (s *Sender) publish(kind, msgID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: msgID})
}
