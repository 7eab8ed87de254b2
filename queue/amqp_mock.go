package queue

import (
	"fmt"
	"sync"

	"github.com/streadway/amqp"
)

// MockDialer is an in-memory AMQP implementation for tests. Published
// messages are routed to a shared per-queue buffer that consumers drain.
type MockDialer struct {
	mu     sync.Mutex
	broker *mockBroker
	// FailDial simulates an unreachable broker.
	FailDial bool
}

// NewMockDialer creates a dialer backed by a fresh in-memory broker.
func NewMockDialer() *MockDialer {
	return &MockDialer{broker: &mockBroker{queues: map[string]chan amqp.Delivery{}}}
}

// Dial returns a mock connection, or an error when FailDial is set.
func (m *MockDialer) Dial(url string) (Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailDial {
		return nil, fmt.Errorf("dial %s: connection refused", url)
	}
	return &mockConnection{broker: m.broker}, nil
}

// Published returns everything published to a queue so far, without
// consuming it from the delivery channel.
func (m *MockDialer) Published(queueName string) []amqp.Publishing {
	m.broker.mu.Lock()
	defer m.broker.mu.Unlock()
	return append([]amqp.Publishing(nil), m.broker.published[queueName]...)
}

type mockBroker struct {
	mu        sync.Mutex
	queues    map[string]chan amqp.Delivery
	published map[string][]amqp.Publishing
}

func (b *mockBroker) queue(name string) chan amqp.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queues[name] == nil {
		b.queues[name] = make(chan amqp.Delivery, 256)
	}
	return b.queues[name]
}

func (b *mockBroker) record(name string, msg amqp.Publishing) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.published == nil {
		b.published = map[string][]amqp.Publishing{}
	}
	b.published[name] = append(b.published[name], msg)
}

type mockConnection struct {
	broker *mockBroker
	closed bool
}

func (c *mockConnection) Channel() (Channel, error) {
	if c.closed {
		return nil, fmt.Errorf("connection closed")
	}
	return &mockChannel{broker: c.broker}, nil
}

func (c *mockConnection) Close() error {
	c.closed = true
	return nil
}

type mockChannel struct {
	broker *mockBroker
	closed bool
}

func (c *mockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if c.closed {
		return amqp.Queue{}, fmt.Errorf("channel closed")
	}
	c.broker.queue(name)
	return amqp.Queue{Name: name}, nil
}

func (c *mockChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if c.closed {
		return fmt.Errorf("channel closed")
	}
	c.broker.record(key, msg)
	select {
	case c.broker.queue(key) <- amqp.Delivery{Body: msg.Body, ContentType: msg.ContentType, RoutingKey: key}:
	default:
		return fmt.Errorf("mock queue %s full", key)
	}
	return nil
}

func (c *mockChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if c.closed {
		return nil, fmt.Errorf("channel closed")
	}
	return c.broker.queue(queue), nil
}

func (c *mockChannel) Close() error {
	c.closed = true
	return nil
}
