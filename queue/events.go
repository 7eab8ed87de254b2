package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"

	"github.com/ihmeuw-scicomp/jobmon/common"
	"github.com/ihmeuw-scicomp/jobmon/db"
)

// EventPublisher implements db.EventSink by publishing terminal
// task-instance events to a durable queue. Publish failures are logged and
// dropped: the database commit already happened and controllers fall back
// to polling, so the event channel is best-effort by design.
type EventPublisher struct {
	mu        sync.Mutex
	conn      Connection
	channel   Channel
	queueName string
}

// NewEventPublisher connects, opens a channel and declares the durable
// event queue.
func NewEventPublisher(url, queueName string) (*EventPublisher, error) {
	return NewEventPublisherWithDialer(url, queueName, RealDialer{})
}

// NewEventPublisherWithDialer allows injecting a dialer for tests.
func NewEventPublisherWithDialer(url, queueName string, dialer Dialer) (*EventPublisher, error) {
	conn, err := dialer.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare event queue: %w", err)
	}
	return &EventPublisher{conn: conn, channel: ch, queueName: queueName}, nil
}

// TaskInstanceTerminal publishes one event. Safe for concurrent use.
func (p *EventPublisher) TaskInstanceTerminal(ctx context.Context, event db.TaskInstanceEvent) {
	body, err := json.Marshal(event)
	if err != nil {
		common.Logger.WithError(err).Error("failed to encode task instance event")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.channel.Publish("", p.queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		common.Logger.WithError(err).
			WithField("task_instance_id", event.TaskInstanceID).
			Error("failed to publish task instance event")
	}
}

// Close releases the channel and connection.
func (p *EventPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			firstErr = err
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// EventSubscriber consumes terminal events for one workflow run's
// controller. Events for other workflows are acknowledged and skipped.
type EventSubscriber struct {
	conn      Connection
	channel   Channel
	queueName string
}

// NewEventSubscriberWithDialer opens a consuming channel on the event
// queue.
func NewEventSubscriberWithDialer(url, queueName string, dialer Dialer) (*EventSubscriber, error) {
	conn, err := dialer.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare event queue: %w", err)
	}
	return &EventSubscriber{conn: conn, channel: ch, queueName: queueName}, nil
}

// Events returns a channel of decoded events for the given workflow.
// The goroutine exits when the context is cancelled or the delivery
// channel closes.
func (s *EventSubscriber) Events(ctx context.Context, workflowID int64) (<-chan db.TaskInstanceEvent, error) {
	deliveries, err := s.channel.Consume(s.queueName, "", true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming events: %w", err)
	}

	out := make(chan db.TaskInstanceEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				var event db.TaskInstanceEvent
				if err := json.Unmarshal(d.Body, &event); err != nil {
					common.Logger.WithError(err).Warn("skipping undecodable task instance event")
					continue
				}
				if event.WorkflowID != workflowID {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close releases the channel and connection.
func (s *EventSubscriber) Close() error {
	var firstErr error
	if s.channel != nil {
		if err := s.channel.Close(); err != nil {
			firstErr = err
		}
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
