package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"eve.evalgo.org/engine"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans engine events out to connected control-channel websocket
// clients, each optionally filtered to one instance id. It implements
// engine.EventPublisher so it can be wired into Engine.EventBus directly
// (often alongside the AMQP Sink, via eventbus.Fanout), grounded on
// coordinator/coordinator.go's connection-registry-plus-send-channel shape,
// adapted from a single outbound client connection to many inbound ones.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	log     logrus.FieldLogger
}

type client struct {
	conn       *websocket.Conn
	send       chan *engine.Event
	instanceID string // empty subscribes to every instance
}

// NewHub returns an empty Hub ready to accept connections and publish
// events.
func NewHub(log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{clients: make(map[*client]struct{}), log: log}
}

// Publish implements engine.EventPublisher: it is called synchronously from
// Engine.emit, so it must never block on a slow client — a full send
// channel drops the event for that one client rather than stalling the
// run that produced it.
func (h *Hub) Publish(ev *engine.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.instanceID != "" && c.instanceID != ev.InstanceID {
			continue
		}
		select {
		case c.send <- ev:
		default:
			h.log.WithField("instanceId", c.instanceID).Warn("control channel client too slow, dropping event")
		}
	}
	return nil
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	close(c.send)
}

// ControlChannel handles GET /v1/ws?instanceId=... — upgrades to a
// websocket and streams the lifecycle events the Engine Loop emits
// (optionally scoped to one instance) as they are published.
func (h *Handlers) ControlChannel(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	cl := &client{conn: conn, send: make(chan *engine.Event, 64), instanceID: c.QueryParam("instanceId")}
	h.Hub.register(cl)
	defer h.Hub.unregister(cl)

	go cl.writeLoop(h.Log)
	cl.readLoop(h.Log)
	return nil
}

func (cl *client) writeLoop(log logrus.FieldLogger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	defer cl.conn.Close()

	for {
		select {
		case ev, ok := <-cl.send:
			if !ok {
				cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteJSON(ev); err != nil {
				log.WithError(err).Debug("control channel write failed")
				return
			}
		case <-ticker.C:
			if err := cl.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

// readLoop drains and discards client messages (this channel is
// notification-only); its real purpose is detecting disconnects so the
// write loop and registration can unwind.
func (cl *client) readLoop(log logrus.FieldLogger) {
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}
