package service

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const callEventsExchange = "crm.events"

// EventStream pushes accepted call transitions onto a durable topic exchange
// for downstream consumers (reporting, billing). Best effort from the
// state machine's point of view: a broker hiccup is logged, never blocks a
// transition.
type EventStream struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewEventStream(conn *amqp.Connection) (*EventStream, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(callEventsExchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &EventStream{conn: conn, channel: ch}, nil
}

// Publish routes by "<tenant>.calls.<state>" so consumers can bind to one
// tenant, one state, or everything.
func (s *EventStream) Publish(ctx context.Context, tenantID, state string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.channel.PublishWithContext(ctx, callEventsExchange, tenantID+".calls."+state, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   time.Now(),
	})
}

func (s *EventStream) Close() {
	if s.channel != nil {
		_ = s.channel.Close()
	}
}
