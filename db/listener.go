// Package db provides PostgreSQL LISTEN/NOTIFY support for real-time event
// streaming, an alternative to the AMQP fanout for deployments that don't
// want a separate broker.
package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"eve.evalgo.org/engine"
)

// NotifyPublisher implements engine.EventPublisher by issuing pg_notify on a
// fixed channel. Payload size is bounded by Postgres's NOTIFY limit
// (8000 bytes); callers with large event payloads should use the AMQP
// fanout instead.
type NotifyPublisher struct {
	pool    *pgxpool.Pool
	channel string
}

// NewNotifyPublisher wraps an existing pool; it does not own the pool's
// lifecycle.
func NewNotifyPublisher(pool *pgxpool.Pool, channel string) *NotifyPublisher {
	return &NotifyPublisher{pool: pool, channel: channel}
}

func (p *NotifyPublisher) Publish(ev *engine.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event for notify: %w", err)
	}
	_, err = p.pool.Exec(context.Background(), "SELECT pg_notify($1, $2)", p.channel, string(payload))
	return err
}

// EventHandler is called when a notification is received.
type EventHandler func(event *engine.Event)

// Listener subscribes to a PostgreSQL NOTIFY channel and dispatches
// decoded engine.Event values to registered handlers.
type Listener struct {
	pool        *pgxpool.Pool
	channel     string
	log         logrus.FieldLogger
	handlers    []EventHandler
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
	running     bool
}

// NewListener creates a new PostgreSQL LISTEN subscriber.
func NewListener(pool *pgxpool.Pool, channel string, log logrus.FieldLogger) *Listener {
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{pool: pool, channel: channel, log: log, ctx: ctx, cancel: cancel}
}

// OnEvent registers a handler for incoming events.
func (l *Listener) OnEvent(handler EventHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, handler)
}

// Start begins listening for notifications in a background goroutine.
func (l *Listener) Start() error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = true
	l.mu.Unlock()

	go l.listenLoop()
	return nil
}

// Stop tears down the listen loop.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	l.running = false
	l.cancel()
}

// listenLoop maintains the LISTEN connection, reconnecting on failure.
func (l *Listener) listenLoop() {
	for {
		select {
		case <-l.ctx.Done():
			return
		default:
			if err := l.listen(); err != nil {
				l.log.WithError(err).WithField("channel", l.channel).Warn("notify listener disconnected, reconnecting")
				select {
				case <-l.ctx.Done():
					return
				case <-time.After(time.Second):
					continue
				}
			}
		}
	}
}

func (l *Listener) listen() error {
	conn, err := l.pool.Acquire(l.ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(l.ctx, fmt.Sprintf("LISTEN %s", l.channel)); err != nil {
		return fmt.Errorf("start LISTEN: %w", err)
	}
	l.log.WithField("channel", l.channel).Info("listening for workflow events")

	for {
		notification, err := conn.Conn().WaitForNotification(l.ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}

		var ev engine.Event
		if err := json.Unmarshal([]byte(notification.Payload), &ev); err != nil {
			l.log.WithError(err).Warn("failed to decode notify payload")
			continue
		}
		l.dispatch(&ev)
	}
}

func (l *Listener) dispatch(ev *engine.Event) {
	l.mu.RLock()
	handlers := make([]EventHandler, len(l.handlers))
	copy(handlers, l.handlers)
	l.mu.RUnlock()

	for _, handler := range handlers {
		go handler(ev)
	}
}
