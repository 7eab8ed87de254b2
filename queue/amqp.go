// Package queue publishes task-instance terminal events to RabbitMQ so run
// controllers can observe completions by push instead of polling. The AMQP
// surface is abstracted behind small interfaces to enable dependency
// injection and testing with mock implementations.
package queue

import (
	"github.com/streadway/amqp"
)

// Connection abstracts an AMQP connection.
type Connection interface {
	Channel() (Channel, error)
	Close() error
}

// Channel abstracts the AMQP channel operations the publisher and
// subscriber use.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Dialer connects to an AMQP server. Injected so tests never need a broker.
type Dialer interface {
	Dial(url string) (Connection, error)
}

type realConnection struct {
	conn *amqp.Connection
}

func (r *realConnection) Channel() (Channel, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &realChannel{ch: ch}, nil
}

func (r *realConnection) Close() error { return r.conn.Close() }

type realChannel struct {
	ch *amqp.Channel
}

func (r *realChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return r.ch.QueueDeclare(name, durable, autoDelete, exclusive, noWait, args)
}

func (r *realChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return r.ch.Publish(exchange, key, mandatory, immediate, msg)
}

func (r *realChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return r.ch.Consume(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
}

func (r *realChannel) Close() error { return r.ch.Close() }

// RealDialer implements Dialer with the streadway client.
type RealDialer struct{}

// Dial connects to the AMQP server.
func (RealDialer) Dial(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &realConnection{conn: conn}, nil
}
