package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// taskTimeout bounds a single evaluation end to end, compile included.
	taskTimeout = 20 * time.Minute
	// receiveBackoff spaces out retries after broker errors.
	receiveBackoff = time.Second
)

// Handler evaluates one request. A handler error is logged and the message
// is acked anyway: the failure is recorded on the task itself, and
// redelivering would only repeat it.
type Handler func(ctx context.Context, msg Message) error

// Pool runs a fixed number of workers draining one consumer.
type Pool struct {
	consumer Consumer
	handler  Handler
	workers  int
	timeout  time.Duration
	log      *slog.Logger
}

func NewPool(consumer Consumer, handler Handler, workers int, log *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		consumer: consumer,
		handler:  handler,
		workers:  workers,
		timeout:  taskTimeout,
		log:      log,
	}
}

// Run blocks until ctx is cancelled, then returns nil once every in-flight
// task has finished.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		g.Go(func() error {
			return p.work(ctx, worker)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (p *Pool) work(ctx context.Context, worker int) error {
	log := p.log.With("worker", worker)
	for {
		d, err := p.consumer.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("failed to receive message", "err", err)
			select {
			case <-time.After(receiveBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		p.handle(ctx, d, log)
	}
}

func (p *Pool) handle(ctx context.Context, d *Delivery, log *slog.Logger) {
	taskCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	log.Info("handling task", "task", d.Msg.TaskID, "user", d.Msg.Username)
	if err := p.handler(taskCtx, d.Msg); err != nil {
		log.Error("task handler failed", "task", d.Msg.TaskID, "err", err)
	}
	// Ack with a fresh context so shutdown does not leave the message
	// visible for redelivery of an already-recorded outcome.
	ackCtx, ackCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ackCancel()
	if err := d.Ack(ackCtx); err != nil {
		log.Error("failed to ack message", "task", d.Msg.TaskID, "err", err)
	}
}
