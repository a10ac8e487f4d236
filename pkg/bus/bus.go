// Package bus republishes received platform notifications on a local NATS
// JetStream bus so desktop integrations can consume them without holding
// their own backend session.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"madrasa/pkg/api"
)

// Event is the envelope published for every notification received on the
// live channel.
type Event struct {
	ID           uuid.UUID        `json:"id"`
	UserID       int64            `json:"user_id"`
	ReceivedAt   time.Time        `json:"received_at"`
	Notification api.Notification `json:"notification"`
}

// SubjectFor returns the per-user notification subject.
func SubjectFor(userID int64) string {
	return fmt.Sprintf("madrasa.notifications.%d", userID)
}

// Bus wraps a NATS JetStream connection for publishing and consuming
// notification events.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// New creates a Bus connected to the provided NATS endpoint.
func New(url string, opts ...nats.Option) (*Bus, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &Bus{conn: nc, js: js}, nil
}

// Close shuts down the underlying NATS connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// PublishNotification wraps n in an Event and publishes it on the user's
// subject.
func (b *Bus) PublishNotification(ctx context.Context, userID int64, n api.Notification) error {
	if b == nil {
		return errors.New("nil bus")
	}

	event := Event{
		ID:           uuid.New(),
		UserID:       userID,
		ReceivedAt:   time.Now().UTC(),
		Notification: n,
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	_, err = b.js.Publish(SubjectFor(userID), data, nats.Context(ctx))
	return err
}

// dispatch decodes one raw message and runs fn, reporting whether the message
// should be acked. Undecodable payloads are acked and dropped; a handler
// failure requests redelivery.
func dispatch(ctx context.Context, fn func(context.Context, Event) error, data []byte) bool {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return true
	}
	return fn(ctx, event) == nil
}

type subscription struct {
	sub    *nats.Subscription
	mu     sync.Mutex
	closed bool
}

func (s *subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sub.Drain()
}

// Subscribe creates a durable consumer on the given subject and invokes fn
// for each decoded event. Undecodable messages are acked and dropped.
func (b *Bus) Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, event Event) error) (io.Closer, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}

	handler := func(msg *nats.Msg) {
		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		if dispatch(handlerCtx, fn, msg.Data) {
			_ = msg.Ack()
		} else {
			_ = msg.Nak()
		}
	}

	sub, err := b.js.Subscribe(subj, handler, nats.Durable(durable), nats.ManualAck(), nats.AckExplicit())
	if err != nil {
		return nil, err
	}

	s := &subscription{sub: sub}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	return s, nil
}
