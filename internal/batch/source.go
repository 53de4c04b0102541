package batch

import (
	"context"

	"github.com/selma-orchestration/maestro/shared/rabbitmq"
)

// QueueSource subscribes to a RabbitMQ queue with manual acknowledgment
type QueueSource struct {
	Client   *rabbitmq.Client
	Queue    string
	Tag      string
	Prefetch int
}

// Subscribe opens a consumer on the queue. The client reconnects with its
// bounded retry policy when the broker is unreachable.
func (s *QueueSource) Subscribe(ctx context.Context) (Subscription, error) {
	sub, err := s.Client.Consume(ctx, s.Queue, s.Tag, s.Prefetch)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
