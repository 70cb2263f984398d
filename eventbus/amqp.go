// Package eventbus fans out engine events to a durable AMQP queue so
// external consumers can subscribe to execution progress without polling
// the event-log table.
package eventbus

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"eve.evalgo.org/engine"
)

// Config names the AMQP endpoint and destination queue.
type Config struct {
	URL       string
	QueueName string
}

// Publisher publishes engine.Event values, independent of the underlying
// transport; Sink and NoopSink implement it. The Engine Loop's EventBus
// field is typed engine.EventPublisher (Publish only), not this interface.
type Publisher interface {
	Publish(ev *engine.Event) error
	Close() error
}

// Sink publishes engine events to a durable RabbitMQ queue, grounded on
// the teacher's RabbitMQService: connect, declare a durable queue,
// marshal-and-publish, clean close.
type Sink struct {
	connection *amqp.Connection
	channel    *amqp.Channel
	queueName  string
	log        logrus.FieldLogger
}

// NewSink connects to cfg.URL and declares cfg.QueueName as a durable
// queue. Publishing is best-effort: a publish failure is logged, not
// propagated, since losing a notification must never fail the workflow
// run that produced it.
func NewSink(cfg Config, log logrus.FieldLogger) (*Sink, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to event bus: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open event bus channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		cfg.QueueName, // name
		true,          // durable
		false,         // delete when unused
		false,         // exclusive
		false,         // no-wait
		nil,           // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare event bus queue: %w", err)
	}

	return &Sink{connection: conn, channel: ch, queueName: cfg.QueueName, log: log}, nil
}

// Publish marshals ev to JSON and publishes it to the default exchange
// with the queue name as routing key.
func (s *Sink) Publish(ev *engine.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = s.channel.Publish(
		"",          // exchange (default)
		s.queueName, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event %s: %w", ev.Kind, err)
	}
	return nil
}

// Close closes the channel and connection.
func (s *Sink) Close() error {
	if s.channel != nil {
		s.channel.Close()
	}
	if s.connection != nil {
		s.connection.Close()
	}
	return nil
}

// NoopSink is used when no AMQP endpoint is configured; it drops every
// event silently rather than requiring callers to nil-check a Publisher.
type NoopSink struct{}

func (NoopSink) Publish(*engine.Event) error { return nil }
func (NoopSink) Close() error                { return nil }

// Fanout publishes to every target in order, continuing past individual
// failures so one failing subscriber does not stop delivery to the others.
// Targets are called one after another, so a slow target delays the rest.
// Used to wire both the AMQP Sink and the httpapi websocket Hub into the
// engine's single EventBus seam at once.
type Fanout struct {
	Targets []engine.EventPublisher
}

func (f Fanout) Publish(ev *engine.Event) error {
	var firstErr error
	for _, t := range f.Targets {
		if t == nil {
			continue
		}
		if err := t.Publish(ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
