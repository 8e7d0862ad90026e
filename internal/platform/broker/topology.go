package broker

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// dlqRoutingKey is the fixed key under which dead-lettered messages are
// bound on the dead-letter exchange.
const dlqRoutingKey = "failed"

// Topology names the queues and exchange derived from the main queue name.
type Topology struct {
	Main     string
	DLQ      string
	DLX      string
	Retry    string
	RetryTTL time.Duration
}

// NewTopology derives the standard topology for a main queue.
func NewTopology(queue string) Topology {
	return Topology{
		Main:     queue,
		DLQ:      queue + ".dlq",
		DLX:      queue + ".dlx",
		Retry:    queue + ".retry",
		RetryTTL: 30 * time.Second,
	}
}

// Declare asserts the full topology on the given channel:
// a direct dead-letter exchange, the durable main queue dead-lettering into
// it, the DLQ bound under the fixed routing key, and a retry queue whose
// message TTL re-routes expired messages back onto the main queue.
func (t Topology) Declare(ch Channel) error {
	if err := ch.ExchangeDeclare(t.DLX, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring dead-letter exchange: %w", err)
	}

	_, err := ch.QueueDeclare(t.Main, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    t.DLX,
		"x-dead-letter-routing-key": dlqRoutingKey,
	})
	if err != nil {
		return fmt.Errorf("declaring main queue: %w", err)
	}

	if _, err := ch.QueueDeclare(t.DLQ, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring dead-letter queue: %w", err)
	}
	if err := ch.QueueBind(t.DLQ, dlqRoutingKey, t.DLX, false, nil); err != nil {
		return fmt.Errorf("binding dead-letter queue: %w", err)
	}

	_, err = ch.QueueDeclare(t.Retry, true, false, false, false, amqp.Table{
		"x-message-ttl":             t.RetryTTL.Milliseconds(),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": t.Main,
	})
	if err != nil {
		return fmt.Errorf("declaring retry queue: %w", err)
	}

	return nil
}
