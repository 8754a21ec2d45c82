// Package queue wires the RabbitMQ event queue the rest of the platform
// publishes business events into. The gateway fans consumed events out to
// live channel subscribers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wb-go/wbf/rabbitmq"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/mealdash/relay/internal/config"
)

// EventMessage is the broker envelope for one business event. The payload
// is the wire frame fanned out to subscribers, minus the type field which
// travels alongside it.
type EventMessage struct {
	Channel string          `json:"channel"` // target channel name, e.g. order:42
	Type    string          `json:"type"`    // wire message type
	Payload json.RawMessage `json:"payload"`
}

// EventQueue publishes to and consumes from the durable event queue.
type EventQueue struct {
	Publisher *rabbitmq.Publisher
	Consumer  *rabbitmq.Consumer

	routingKey string
}

// NewEventQueue declares the exchange and queue and binds them.
func NewEventQueue(ch *rabbitmq.Channel, cfg *config.Config) (*EventQueue, error) {
	exchange := rabbitmq.NewExchange(cfg.RabbitMQ.Exchange, "direct")
	if err := exchange.BindToChannel(ch); err != nil {
		return nil, fmt.Errorf("failed to bind to exchange: %w", err)
	}

	qm := rabbitmq.NewQueueManager(ch)

	q, err := qm.DeclareQueue(cfg.RabbitMQ.Queue, rabbitmq.QueueConfig{Durable: true})
	if err != nil {
		return nil, fmt.Errorf("failed to declare event queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, cfg.RabbitMQ.RoutingKey, exchange.Name(), false, nil); err != nil {
		return nil, fmt.Errorf("failed to bind the exchange to the event queue: %w", err)
	}

	pub := rabbitmq.NewPublisher(ch, exchange.Name())
	cons := rabbitmq.NewConsumer(ch, rabbitmq.NewConsumerConfig(q.Name))

	return &EventQueue{Publisher: pub, Consumer: cons, routingKey: cfg.RabbitMQ.RoutingKey}, nil
}

// Publish places one event on the queue.
func (q *EventQueue) Publish(msg EventMessage, strategy retry.Strategy) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return q.Publisher.PublishWithRetry(body, q.routingKey, "application/json", strategy)
}

// Consume decodes queued events into out until the channel closes.
// Malformed messages are logged and dropped.
func (q *EventQueue) Consume(ctx context.Context, out chan<- EventMessage, strategy retry.Strategy) error {
	msgChan := make(chan []byte)

	go func() {
		for m := range msgChan {
			var msg EventMessage
			if err := json.Unmarshal(m, &msg); err != nil {
				zlog.Logger.Error().Err(err).Msg("failed to unmarshal event message")
				continue
			}

			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	return q.Consumer.ConsumeWithRetry(msgChan, strategy)
}
