package queue

import "context"

// MemQueue is a channel-backed queue for tests and single-process setups.
type MemQueue struct {
	ch chan Message
}

func NewMemQueue(size int) *MemQueue {
	return &MemQueue{ch: make(chan Message, size)}
}

func (q *MemQueue) Publish(ctx context.Context, msg Message) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemQueue) Receive(ctx context.Context) (*Delivery, error) {
	select {
	case msg := <-q.ch:
		return &Delivery{Msg: msg, Ack: func(context.Context) error { return nil }}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
