package queue

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

const retryHeader = "x-retry-count"

// AMQPQueue publishes to durable RabbitMQ queues named after the topic.
type AMQPQueue struct {
	conn *amqp.Connection

	mu sync.Mutex
	ch *amqp.Channel

	maxRetries int
	log        zerolog.Logger
}

// DialAMQP connects to the broker at url.
func DialAMQP(url string, maxRetries int, log zerolog.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return &AMQPQueue{
		conn:       conn,
		ch:         ch,
		maxRetries: maxRetries,
		log:        log.With().Str("component", "queue").Str("driver", "amqp").Logger(),
	}, nil
}

func (q *AMQPQueue) declare(ch *amqp.Channel, topic string) error {
	_, err := ch.QueueDeclare(
		topic,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", topic, err)
	}
	return nil
}

func (q *AMQPQueue) Publish(topic string, body []byte) error {
	return q.publish(topic, body, 0)
}

func (q *AMQPQueue) publish(topic string, body []byte, retries int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.declare(q.ch, topic); err != nil {
		return err
	}
	err := q.ch.Publish("", topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{retryHeader: int32(retries)},
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe consumes topic on its own channel. A failed job is republished
// with an incremented retry header until maxRetries is reached, then dropped.
func (q *AMQPQueue) Subscribe(topic string, handler Handler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	if err := q.declare(ch, topic); err != nil {
		ch.Close()
		return err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set qos: %w", err)
	}
	msgs, err := ch.Consume(
		topic,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("register consumer: %w", err)
	}

	go func() {
		defer ch.Close()
		for d := range msgs {
			q.deliver(topic, d, handler)
		}
		q.log.Info().Str("topic", topic).Msg("consumer stopped")
	}()
	return nil
}

func (q *AMQPQueue) deliver(topic string, d amqp.Delivery, handler Handler) {
	err := handler(d.Body)
	if err == nil {
		_ = d.Ack(false)
		return
	}

	retries := retryCount(d.Headers)
	if retries < q.maxRetries {
		q.log.Warn().Err(err).Str("topic", topic).Int("attempt", retries+1).Msg("job failed, requeueing")
		if pubErr := q.publish(topic, d.Body, retries+1); pubErr != nil {
			q.log.Error().Err(pubErr).Str("topic", topic).Msg("requeue failed")
			_ = d.Nack(false, true)
			return
		}
	} else {
		q.log.Error().Err(err).Str("topic", topic).Int("attempts", retries+1).Msg("job permanently failed")
	}
	_ = d.Ack(false)
}

// retryCount reads the retry header, which brokers may hand back as any
// integer width.
func retryCount(h amqp.Table) int {
	switch v := h[retryHeader].(type) {
	case int:
		return v
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	default:
		return 0
	}
}

func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ch.Close(); err != nil {
		q.log.Warn().Err(err).Msg("close channel")
	}
	return q.conn.Close()
}

var _ Queue = (*AMQPQueue)(nil)
