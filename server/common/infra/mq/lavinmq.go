package mq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

const ChatEventsExchange = "chat.events"

func NewConnection(url string) (*amqp.Connection, error) {
	return amqp.Dial(url)
}

// DeclareTopicQueue declares the topic exchange, a durable queue and one binding per key.
func DeclareTopicQueue(ch *amqp.Channel, exchange, queue string, keys ...string) error {
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	for _, key := range keys {
		if err := ch.QueueBind(queue, key, exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s key=%s: %w", queue, key, err)
		}
	}
	return nil
}
