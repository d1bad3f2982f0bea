package chat

import (
	"context"
	"time"

	"github.com/eventpass/passd/internal/realtime"
	"github.com/eventpass/passd/internal/store"
	"go.uber.org/zap"
)

const historyTimeout = 5 * time.Second

// Bridge reconciles the three sources of chat history: the caller's seed
// set, the local sqlite cache and the backend's durable log. It also
// implements Persister, feeding sent messages into the cache and the
// outbox for async durable delivery.
type Bridge struct {
	client realtime.Client
	db     *store.DB
	logger *zap.Logger
}

// NewBridge wires the persistence bridge. db may be nil in cache-less
// setups; the bridge then only consults the durable log.
func NewBridge(client realtime.Client, db *store.DB, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{client: client, db: db, logger: logger}
}

type historyArgs struct {
	Room string `json:"room"`
}

// History merges initial with the local cache and the backend log,
// deduplicated by message id and ordered by creation time. A backend
// failure is logged and degrades to local data; it never fails the call.
// The merged result is written back to the cache best-effort.
func (b *Bridge) History(ctx context.Context, room string, initial []Message) []Message {
	sets := [][]Message{initial}

	if b.db != nil {
		rows, err := b.db.ListMessages(room)
		if err != nil {
			b.logger.Warn("read cached messages failed", zap.String("room", room), zap.Error(err))
		} else {
			cached := make([]Message, 0, len(rows))
			for _, r := range rows {
				cached = append(cached, fromRow(r))
			}
			sets = append(sets, cached)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, historyTimeout)
	defer cancel()
	var durable []Message
	if err := b.client.Call(ctx, "chat.history", historyArgs{Room: room}, &durable); err != nil {
		b.logger.Warn("fetch durable history failed", zap.String("room", room), zap.Error(err))
	} else {
		sets = append(sets, durable)
	}

	merged := Merge(sets...)

	if b.db != nil {
		for _, m := range merged {
			if err := b.db.UpsertMessage(toRow(room, m)); err != nil {
				b.logger.Warn("cache message failed", zap.String("msg_id", m.ID), zap.Error(err))
				break
			}
		}
	}
	return merged
}

// Queue records a sent message in the local cache and enqueues it for the
// outbox sender. Implements Persister.
func (b *Bridge) Queue(room string, m Message) error {
	if b.db == nil {
		return nil
	}
	if err := b.db.UpsertMessage(toRow(room, m)); err != nil {
		return err
	}
	return b.db.QueueOutbox(&store.OutboxEntry{
		MsgID:       m.ID,
		Room:        room,
		AuthorID:    m.Author.ID,
		AuthorName:  m.Author.Name,
		Content:     m.Content,
		MessageType: string(m.Type),
		CreatedAt:   m.CreatedAt.UnixMilli(),
	})
}

func toRow(room string, m Message) *store.Message {
	return &store.Message{
		Room:        room,
		MsgID:       m.ID,
		AuthorID:    m.Author.ID,
		AuthorName:  m.Author.Name,
		Content:     m.Content,
		MessageType: string(m.Type),
		CreatedAt:   m.CreatedAt.UnixMilli(),
	}
}

func fromRow(r store.Message) Message {
	return Message{
		ID:        r.MsgID,
		Content:   r.Content,
		Author:    Author{ID: r.AuthorID, Name: r.AuthorName},
		CreatedAt: time.UnixMilli(r.CreatedAt).UTC(),
		Type:      MessageType(r.MessageType),
	}
}
