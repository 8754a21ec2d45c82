// Package events consumes business events from the platform event queue
// and fans them out to live channel subscribers through the gateway.
package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/mealdash/relay/internal/rabbitmq/queue"
	"github.com/mealdash/relay/pkg/channel"
)

// orderAssigned is the payload of an order_assigned event; it installs the
// rider-to-order location forwarding route.
type orderAssigned struct {
	OrderID string `json:"orderId"`
	RiderID string `json:"riderId"`
}

type eventQueue interface {
	Consume(ctx context.Context, out chan<- queue.EventMessage, strategy retry.Strategy) error
}

type publisher interface {
	Publish(channelName string, event any)
}

type feeds interface {
	Install(orderID, riderID string)
}

// Handler routes consumed events into the gateway.
type Handler struct {
	queue     eventQueue
	publisher publisher
	feeds     feeds
}

// NewHandler creates an event handler.
func NewHandler(q eventQueue, p publisher, f feeds) *Handler {
	return &Handler{queue: q, publisher: p, feeds: f}
}

// Run consumes events with the given number of dispatch goroutines until
// the context is cancelled.
func (h *Handler) Run(ctx context.Context, strategy retry.Strategy, workerCount int) {
	var wg sync.WaitGroup
	msgChan := make(chan queue.EventMessage, workerCount*10)

	go func() {
		if err := h.queue.Consume(ctx, msgChan, strategy); err != nil {
			zlog.Logger.Error().Err(err).Msg("failed to consume events")
		}
	}()

	wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go func(id int) {
			defer wg.Done()

			zlog.Logger.Printf("event-dispatcher-%d started", id)

			for {
				select {
				case <-ctx.Done():
					zlog.Logger.Printf("event-dispatcher-%d shutting down", id)
					return
				case msg, ok := <-msgChan:
					if !ok {
						return
					}

					h.HandleEvent(msg)
				}
			}
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	zlog.Logger.Print("event consumer stopped")
}

// HandleEvent validates one event and publishes it to its target channel.
// Malformed events are logged and dropped.
func (h *Handler) HandleEvent(msg queue.EventMessage) {
	if _, _, err := channel.ParseChannel(msg.Channel); err != nil {
		zlog.Logger.Warn().Err(err).Str("type", msg.Type).Msg("dropping event with invalid channel")
		return
	}

	frame := make(map[string]any)
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &frame); err != nil {
			zlog.Logger.Warn().Err(err).Str("type", msg.Type).Msg("dropping malformed event payload")
			return
		}
	}
	frame["type"] = msg.Type

	if msg.Type == "order_assigned" {
		var assigned orderAssigned
		if err := json.Unmarshal(msg.Payload, &assigned); err != nil || assigned.OrderID == "" || assigned.RiderID == "" {
			zlog.Logger.Warn().Err(err).Msg("dropping malformed order_assigned event")
			return
		}

		h.feeds.Install(assigned.OrderID, assigned.RiderID)
	}

	h.publisher.Publish(msg.Channel, frame)
}
