package websocket

import (
	"encoding/json"
	"sync"

	"github.com/xelth-com/seedtrackgo/internal/logger"
	"go.uber.org/zap"
)

// Hub maintains the set of active clients and broadcasts change events
type Hub struct {
	// Registered clients map: DeviceID -> Client
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client
	identify   chan identifyRequest
	broadcast  chan []byte
	stop       chan struct{}

	// Mutex for thread-safe access to clients map
	mu  sync.RWMutex
	log *zap.Logger
}

type identifyRequest struct {
	client   *Client
	deviceID string
	ack      []byte
}

// NewHub creates a new Hub instance
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		identify:   make(chan identifyRequest),
		broadcast:  make(chan []byte, 64),
		stop:       make(chan struct{}),
		clients:    make(map[string]*Client),
		log:        logger.OrNop(log),
	}
}

// Run starts the hub's main loop; it returns after Stop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			// If device connects again, close old connection
			if old, ok := h.clients[client.DeviceID]; ok && old != client {
				h.closeClient(old)
			}
			h.clients[client.DeviceID] = client
			h.mu.Unlock()
			h.log.Info("Device connected", zap.String("device_id", client.DeviceID))

		case client := <-h.unregister:
			h.mu.Lock()
			if current, ok := h.clients[client.DeviceID]; ok && current == client {
				delete(h.clients, client.DeviceID)
				h.log.Info("Device disconnected", zap.String("device_id", client.DeviceID))
			}
			h.closeClient(client)
			h.mu.Unlock()

		case req := <-h.identify:
			if req.client.closed {
				continue
			}
			h.mu.Lock()
			if h.clients[req.client.DeviceID] == req.client {
				delete(h.clients, req.client.DeviceID)
			}
			if old, ok := h.clients[req.deviceID]; ok && old != req.client {
				h.closeClient(old)
			}
			req.client.DeviceID = req.deviceID
			h.clients[req.deviceID] = req.client
			select {
			case req.client.send <- req.ack:
			default:
			}
			h.mu.Unlock()
			h.log.Info("Device identified", zap.String("device_id", req.deviceID))

		case message := <-h.broadcast:
			h.mu.RLock()
			for id, client := range h.clients {
				select {
				case client.send <- message:
				default:
					h.log.Warn("Dropping message for slow client", zap.String("device_id", id))
				}
			}
			h.mu.RUnlock()

		case <-h.stop:
			h.mu.Lock()
			for id, client := range h.clients {
				h.closeClient(client)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// closeClient ends the client's write pump. Only Run calls it.
func (h *Hub) closeClient(c *Client) {
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (h *Hub) send(ch chan<- *Client, c *Client) {
	select {
	case ch <- c:
	case <-h.stop:
	}
}

// Stop ends Run and disconnects every client
func (h *Hub) Stop() {
	close(h.stop)
}

// Broadcast queues v for every connected client
func (h *Hub) Broadcast(v interface{}) {
	msg, err := json.Marshal(v)
	if err != nil {
		h.log.Error("Error marshaling broadcast", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- msg:
	case <-h.stop:
	default:
		h.log.Warn("Broadcast queue full, event dropped")
	}
}

// SendToDevice sends a message to a specific device
func (h *Hub) SendToDevice(deviceID string, message interface{}) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[deviceID]
	if !ok {
		return false
	}

	jsonMsg, err := json.Marshal(message)
	if err != nil {
		h.log.Error("Error marshaling message", zap.Error(err))
		return false
	}

	select {
	case client.send <- jsonMsg:
		return true
	default:
		// Buffer full or client dead
		return false
	}
}

// Connected returns the number of connected clients
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
