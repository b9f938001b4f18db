package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TopicCampaignDispatch carries campaign dispatch jobs to the worker.
const TopicCampaignDispatch = "campaign_dispatch"

// Handler processes one message body. A non-nil error asks for a retry.
type Handler func(body []byte) error

// Queue interface
type Queue interface {
	Publish(topic string, body []byte) error
	Subscribe(topic string, handler Handler) error
	Close() error
}

// RetryPolicy bounds redelivery of a failing job.
type RetryPolicy struct {
	MaxRetries int
	// BaseDelay grows linearly with the attempt number.
	BaseDelay time.Duration
}

var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, BaseDelay: 500 * time.Millisecond}

// InMemoryQueue delivers jobs to in-process subscribers with retry.
type InMemoryQueue struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	closed   bool
	wg       sync.WaitGroup

	policy RetryPolicy
	log    zerolog.Logger
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue(policy RetryPolicy, log zerolog.Logger) *InMemoryQueue {
	return &InMemoryQueue{
		handlers: make(map[string][]Handler),
		policy:   policy,
		log:      log.With().Str("component", "queue").Str("driver", "memory").Logger(),
	}
}

// job wraps a message body with retry info
type job struct {
	topic      string
	body       []byte
	retryCount int
}

// Publish hands the body to every subscriber of topic.
func (q *InMemoryQueue) Publish(topic string, body []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("queue closed")
	}
	handlers := append([]Handler(nil), q.handlers[topic]...)
	if len(handlers) > 0 {
		q.wg.Add(len(handlers))
	}
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	for _, handler := range handlers {
		j := job{topic: topic, body: append([]byte(nil), body...)}
		go q.processJob(handler, j)
	}
	return nil
}

// processJob handles retries and errors
func (q *InMemoryQueue) processJob(handler Handler, j job) {
	defer q.wg.Done()
	for {
		err := handler(j.body)
		if err == nil {
			q.log.Debug().Str("topic", j.topic).Int("attempt", j.retryCount+1).Msg("job processed")
			return
		}

		j.retryCount++
		if j.retryCount > q.policy.MaxRetries {
			q.log.Error().Err(err).Str("topic", j.topic).Int("attempts", j.retryCount).Msg("job permanently failed")
			return
		}
		q.log.Warn().Err(err).Str("topic", j.topic).Int("attempt", j.retryCount).Int("max_retries", q.policy.MaxRetries).Msg("job failed, retrying")
		time.Sleep(time.Duration(j.retryCount) * q.policy.BaseDelay)
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("queue closed")
	}
	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Wait blocks until every published job has finished, retries included.
func (q *InMemoryQueue) Wait() {
	q.wg.Wait()
}

// Close stops accepting work and waits for in-flight jobs.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}

var _ Queue = (*InMemoryQueue)(nil)
