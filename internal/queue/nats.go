package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
)

// natsQueueGroup makes every evaluator instance share one subscription so
// each message is handled exactly once across the fleet.
const natsQueueGroup = "evaluators"

// NatsQueue is a Consumer and Publisher over a core NATS subject. The
// subscription is created on first Receive, so publish-only users never
// join the queue group.
type NatsQueue struct {
	nc      *nats.Conn
	subject string

	subOnce sync.Once
	sub     *nats.Subscription
	subErr  error
}

func NewNatsQueue(nc *nats.Conn, subject string) (*NatsQueue, error) {
	if subject == "" {
		return nil, fmt.Errorf("empty nats subject")
	}
	return &NatsQueue{nc: nc, subject: subject}, nil
}

func (q *NatsQueue) Publish(ctx context.Context, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}
	if err := q.nc.Publish(q.subject, b); err != nil {
		return fmt.Errorf("publish to %s: %w", q.subject, err)
	}
	return q.nc.FlushWithContext(ctx)
}

func (q *NatsQueue) Receive(ctx context.Context) (*Delivery, error) {
	q.subOnce.Do(func() {
		q.sub, q.subErr = q.nc.QueueSubscribeSync(q.subject, natsQueueGroup)
	})
	if q.subErr != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", q.subject, q.subErr)
	}
	for {
		m, err := q.sub.NextMsgWithContext(ctx)
		if err != nil {
			return nil, err
		}
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			// Malformed payloads are dropped; there is nothing to route
			// the failure to.
			continue
		}
		// Core NATS delivers at most once; there is nothing to ack.
		return &Delivery{Msg: msg, Ack: func(context.Context) error { return nil }}, nil
	}
}

func (q *NatsQueue) Close() error {
	if q.sub == nil {
		return nil
	}
	err := q.sub.Unsubscribe()
	if errors.Is(err, nats.ErrConnectionClosed) {
		return nil
	}
	return err
}
