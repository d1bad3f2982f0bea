package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultCallTimeout bounds RPC and query round trips.
const DefaultCallTimeout = 10 * time.Second

// NATSClient implements Client over a NATS connection.
type NATSClient struct {
	conn    *nats.Conn
	logger  *zap.Logger
	timeout time.Duration

	mu       sync.Mutex
	watchers map[int]StatusHandler
	nextID   int
}

// Dial connects to the backend at url. The connection reconnects
// indefinitely; link drops and recoveries are fanned out to every
// subscription's status handler.
func Dial(url string, logger *zap.Logger) (*NATSClient, error) {
	c := &NATSClient{
		logger:   logger,
		timeout:  DefaultCallTimeout,
		watchers: make(map[int]StatusHandler),
	}

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("backend link lost", zap.Error(err))
			}
			c.fanout(StatusError)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("backend link restored")
			c.fanout(StatusSubscribed)
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect backend: %w", err)
	}
	c.conn = conn
	return c, nil
}

func (c *NATSClient) fanout(s Status) {
	c.mu.Lock()
	handlers := make([]StatusHandler, 0, len(c.watchers))
	for _, h := range c.watchers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(s)
	}
}

func (c *NATSClient) watch(h StatusHandler) (unwatch func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.watchers[id] = h
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

type natsSubscription struct {
	sub     *nats.Subscription
	unwatch func()
}

func (s *natsSubscription) Unsubscribe() error {
	if s.unwatch != nil {
		s.unwatch()
	}
	return s.sub.Unsubscribe()
}

// Subscribe opens a change feed on ChangeSubject(table, filter).
func (c *NATSClient) Subscribe(_ context.Context, table string, filter Filter, onEvent ChangeHandler, onStatus StatusHandler) (Subscription, error) {
	subject := ChangeSubject(table, filter)
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		var ev ChangeEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			c.logger.Warn("malformed change event", zap.String("subject", subject), zap.Error(err))
			return
		}
		onEvent(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	var unwatch func()
	if onStatus != nil {
		unwatch = c.watch(onStatus)
		if err := c.conn.FlushTimeout(c.timeout); err != nil {
			onStatus(StatusTimedOut)
		} else {
			onStatus(StatusSubscribed)
		}
	}
	return &natsSubscription{sub: sub, unwatch: unwatch}, nil
}

// Broadcast publishes payload to everyone listening on the room event.
func (c *NATSClient) Broadcast(room, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode broadcast: %w", err)
	}
	return c.conn.Publish(RoomSubject(room, event), data)
}

// Listen receives broadcasts for one event name in a room.
func (c *NATSClient) Listen(room, event string, handler func(json.RawMessage)) (Subscription, error) {
	subject := RoomSubject(room, event)
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(json.RawMessage(msg.Data))
	})
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", subject, err)
	}
	return &natsSubscription{sub: sub}, nil
}

// envelope is the reply frame of every rpc.* and query.* responder.
type envelope struct {
	Success bool            `json:"success"`
	Error   *CallError      `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (c *NATSClient) request(ctx context.Context, subject string, args any) (json.RawMessage, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("%s: no responder: %w", subject, err)
		}
		return nil, fmt.Errorf("%s: %w", subject, err)
	}

	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return nil, fmt.Errorf("%s: decode reply: %w", subject, err)
	}
	if !env.Success {
		if env.Error != nil {
			return nil, env.Error
		}
		return nil, fmt.Errorf("%s: call failed without error detail", subject)
	}
	return env.Data, nil
}

// Call invokes a named backend procedure.
func (c *NATSClient) Call(ctx context.Context, proc string, args any, reply any) error {
	data, err := c.request(ctx, CallSubject(proc), args)
	if err != nil {
		return err
	}
	if reply == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, reply); err != nil {
		return fmt.Errorf("rpc.%s: decode result: %w", proc, err)
	}
	return nil
}

type queryRequest struct {
	Column     string `json:"column,omitempty"`
	Value      string `json:"value,omitempty"`
	OrderBy    string `json:"order_by,omitempty"`
	Descending bool   `json:"descending,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// Select performs a bulk read on a table into dest.
func (c *NATSClient) Select(ctx context.Context, table string, q Query, dest any) error {
	req := queryRequest{
		Column:     q.Filter.Column,
		Value:      q.Filter.Value,
		OrderBy:    q.OrderBy,
		Descending: q.Descending,
		Limit:      q.Limit,
	}
	data, err := c.request(ctx, QuerySubject(table), req)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("query.%s: decode rows: %w", table, err)
	}
	return nil
}

// Close drains and releases the connection.
func (c *NATSClient) Close() {
	c.conn.Close()
}
