// Package queue carries evaluation requests from the upload frontend to the
// evaluator workers over NATS or SQS.
package queue

import "context"

// Message is the wire form of one evaluation request. The frontend enqueues
// one message per task of an upload.
type Message struct {
	TaskID      string `json:"task_id"`
	Username    string `json:"username"`
	Competition string `json:"competition"`
}

// Delivery is a received message plus its acknowledgement. Ack removes the
// message from the queue; an unacked message is redelivered by the broker.
type Delivery struct {
	Msg Message
	Ack func(ctx context.Context) error
}

// Consumer receives evaluation requests. Receive blocks until a message
// arrives or ctx is done.
type Consumer interface {
	Receive(ctx context.Context) (*Delivery, error)
}

// Publisher enqueues evaluation requests.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}
