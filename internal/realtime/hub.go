package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/newrelic/go-agent/v3/newrelic"
	"go.uber.org/zap"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/service"
)

const (
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 8192
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// CommandHandler executes decoded commands and learns about closed connections.
type CommandHandler interface {
	Handle(ctx context.Context, connID string, cmd service.Command) error
	Disconnect(connID string)
}

// Hub tracks live WebSocket connections and delivers events to them.
// It implements service.Transport.
type Hub struct {
	nrApp  *newrelic.Application
	logger *zap.SugaredLogger

	mu      sync.RWMutex
	clients map[string]*client
	handler CommandHandler
}

var _ service.Transport = (*Hub)(nil)

// NewHub creates a new Hub. nrApp may be nil.
func NewHub(nrApp *newrelic.Application, logger *zap.SugaredLogger) *Hub {
	return &Hub{
		nrApp:   nrApp,
		logger:  logger,
		clients: make(map[string]*client),
	}
}

// SetHandler installs the command handler. It must be called before serving.
func (h *Hub) SetHandler(handler CommandHandler) {
	h.handler = handler
}

// Send queues event for connID without blocking. A connection whose queue is
// full is closed rather than allowed to stall the sender.
func (h *Hub) Send(connID string, event domain.Event) bool {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Errorw("failed to encode event", "type", event.Type, "error", err)
		return false
	}

	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	if !c.enqueue(payload) {
		h.logger.Warnw("connection too slow, closing", "conn_id", connID, "event", event.Type)
		h.remove(c)
		return false
	}
	return true
}

// IsLive reports whether connID is still connected.
func (h *Hub) IsLive(connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[connID]
	return ok
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and runs the connection until it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(uuid.New().String(), conn, h)
	h.add(c)

	go c.writePump()
	c.readPump()
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.remove(c)
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.logger.Debugw("connection opened", "conn_id", c.id)
}

// remove unregisters c once and tells the handler.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	if ok {
		delete(h.clients, c.id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	c.close()
	if h.handler != nil {
		h.handler.Disconnect(c.id)
	}
	h.logger.Debugw("connection closed", "conn_id", c.id)
}

// dispatch decodes one inbound frame and runs it inside a New Relic transaction.
func (h *Hub) dispatch(c *client, raw []byte) {
	cmd, err := decodeCommand(raw)
	if err != nil {
		h.logger.Debugw("undecodable frame", "conn_id", c.id, "error", err)
		h.Send(c.id, domain.Event{Type: domain.EventError, Data: domain.ErrorPayload{
			Code:    string(service.KindInvalid),
			Message: err.Error(),
		}})
		return
	}
	if h.handler == nil {
		return
	}

	txn := h.nrApp.StartTransaction("ws " + cmd.CommandName())
	defer txn.End()
	txn.AddAttribute("conn_id", c.id)

	ctx := newrelic.NewContext(context.Background(), txn)
	if err := h.handler.Handle(ctx, c.id, cmd); err != nil {
		if kind := service.KindOf(err); kind == service.KindInternal || kind == service.KindGateway {
			txn.NoticeError(err)
		}
	}
}
