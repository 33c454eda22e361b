package worker

import (
	"context"
	"errors"
	"log/slog"

	"receipts/internal/amqp"

	"golang.org/x/sync/errgroup"
)

// ConsumeFunc blocks delivering messages to handler until ctx is
// cancelled. amqp.Client.ConsumeWithReconnect satisfies it.
type ConsumeFunc func(ctx context.Context, handler func(*amqp.TicketIngestedMessage) error) error

// Handler processes one consumed message. Classifier.HandleTicketIngested
// is the usual choice.
type Handler func(ctx context.Context, msg *amqp.TicketIngestedMessage) error

// Pool runs several concurrent consumers feeding one handler.
type Pool struct {
	handle  Handler
	consume ConsumeFunc
	size    int
}

func NewPool(handle Handler, consume ConsumeFunc, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{handle: handle, consume: consume, size: size}
}

// Run blocks until ctx is cancelled or a consumer fails. Cancellation
// is a normal shutdown, not an error.
func (p *Pool) Run(ctx context.Context) error {
	slog.InfoContext(ctx, "Starting classification workers", "concurrency", p.size)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		g.Go(func() error {
			return p.consume(ctx, func(msg *amqp.TicketIngestedMessage) error {
				return p.handle(ctx, msg)
			})
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
