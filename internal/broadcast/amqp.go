package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultQueue is the durable queue that carries new campaign ids.
const DefaultQueue = "broadcast.queued"

type notification struct {
	BroadcastID uuid.UUID `json:"broadcast_id"`
}

// AMQPNotifier publishes campaign ids to a durable queue.
type AMQPNotifier struct {
	url   string
	queue string
}

// NewAMQPNotifier creates a notifier for the broker at url. An empty queue
// selects DefaultQueue.
func NewAMQPNotifier(url, queue string) *AMQPNotifier {
	if queue == "" {
		queue = DefaultQueue
	}
	return &AMQPNotifier{url: url, queue: queue}
}

// Notify publishes one persistent notification. A connection is opened per
// call; campaigns are rare.
func (n *AMQPNotifier) Notify(ctx context.Context, id uuid.UUID) error {
	m := globalMetrics()
	conn, err := amqp.Dial(n.url)
	if err != nil {
		m.notifies.WithLabelValues("publish", "error").Inc()
		return fmt.Errorf("amqp dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		m.notifies.WithLabelValues("publish", "error").Inc()
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(n.queue, true, false, false, false, nil); err != nil {
		m.notifies.WithLabelValues("publish", "error").Inc()
		return fmt.Errorf("queue declare: %w", err)
	}

	body, err := json.Marshal(notification{BroadcastID: id})
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, "", n.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		m.notifies.WithLabelValues("publish", "error").Inc()
		return fmt.Errorf("publish: %w", err)
	}
	m.notifies.WithLabelValues("publish", "ok").Inc()
	return nil
}

// Consumer reads campaign ids from the queue and forwards them to a worker.
type Consumer struct {
	url   string
	queue string
}

// NewConsumer creates a consumer for the broker at url. An empty queue
// selects DefaultQueue.
func NewConsumer(url, queue string) *Consumer {
	if queue == "" {
		queue = DefaultQueue
	}
	return &Consumer{url: url, queue: queue}
}

// Run keeps a consuming connection open, reconnecting with backoff, until ctx
// is done. Ids are written to out; a delivery is acked once handed over.
func (c *Consumer) Run(ctx context.Context, out chan<- uuid.UUID) {
	backoff := time.Second
	for ctx.Err() == nil {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			log.Printf("broadcast-consumer: dial broker: %v; retrying in %s", err, backoff)
			if !wait(ctx, backoff) {
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consume(ctx, conn, out)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		log.Printf("broadcast-consumer: consume loop ended: %v; reconnecting", err)
		if !wait(ctx, 2*time.Second) {
			return
		}
	}
}

func (c *Consumer) consume(ctx context.Context, conn *amqp.Connection, out chan<- uuid.UUID) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(10, 0, false); err != nil {
		log.Printf("broadcast-consumer: set QoS: %v", err)
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}
	log.Printf("broadcast-consumer: consuming %s", c.queue)

	m := globalMetrics()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			id, err := decodeNotification(d.Body)
			if err != nil {
				log.Printf("broadcast-consumer: bad message: %v", err)
				m.notifies.WithLabelValues("consume", "rejected").Inc()
				_ = d.Nack(false, false)
				continue
			}
			select {
			case out <- id:
				m.notifies.WithLabelValues("consume", "ok").Inc()
				_ = d.Ack(false)
			case <-ctx.Done():
				_ = d.Nack(false, true)
				return ctx.Err()
			}
		}
	}
}

func decodeNotification(body []byte) (uuid.UUID, error) {
	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		return uuid.Nil, fmt.Errorf("unmarshal: %w", err)
	}
	if n.BroadcastID == uuid.Nil {
		return uuid.Nil, errors.New("missing broadcast_id")
	}
	return n.BroadcastID, nil
}

func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
