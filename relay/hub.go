package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/courier/transport"
)

// writeTimeout bounds one websocket write to a client.
const writeTimeout = 10 * time.Second

// sendBuffer is the per-connection outbound channel depth. A client
// that stops reading long enough to fill it is disconnected.
const sendBuffer = 64

// AckSink receives acknowledgment frames read from client
// connections. The Service is the production sink.
type AckSink interface {
	HandleAck(identity string, ack transport.AckFrame)
}

type hubClient struct {
	conn   *websocket.Conn
	sendCh chan []byte
	closed chan struct{}
}

// Hub is the registry of live websocket connections, keyed by client
// identity. Each connection gets a single writer goroutine; Push
// enqueues frames on it without blocking the caller. Inbound frames
// are expected to be acknowledgments and are routed to the sink;
// anything else is dropped.
type Hub struct {
	sink AckSink

	mu      sync.Mutex
	clients map[string]*hubClient
}

// NewHub creates a hub routing inbound acks to the given sink.
func NewHub(sink AckSink) *Hub {
	return &Hub{
		sink:    sink,
		clients: make(map[string]*hubClient),
	}
}

// Accept upgrades an HTTP request to a websocket and serves it until
// the client disconnects. The identity comes from the request header;
// a second connection for the same identity replaces the first.
func (h *Hub) Accept(w http.ResponseWriter, r *http.Request) {
	identity := r.Header.Get(transport.IdentityHeader)
	if identity == "" {
		writeError(w, notAuthorized("identity required"))
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Accept",
			"error":    err.Error(),
		}).Debug("Websocket accept failed")
		return
	}

	client := &hubClient{
		conn:   conn,
		sendCh: make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}
	h.register(identity, client)
	defer h.unregister(identity, client)

	go h.writeLoop(client)
	h.readLoop(r.Context(), identity, client)
}

// Push enqueues a frame for the identity's connection. It reports
// false when the identity is offline or the connection's send buffer
// is full; the caller falls back to the offline queue either way.
func (h *Hub) Push(identity string, frame []byte) bool {
	h.mu.Lock()
	client := h.clients[identity]
	h.mu.Unlock()
	if client == nil {
		return false
	}

	select {
	case client.sendCh <- frame:
		return true
	case <-client.closed:
		return false
	default:
		logrus.WithField("function", "Push").Warn("Send buffer full, treating client as offline")
		return false
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*hubClient, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[string]*hubClient)
	h.mu.Unlock()

	for _, client := range clients {
		_ = client.conn.Close(websocket.StatusGoingAway, "shutting down")
	}
}

func (h *Hub) register(identity string, client *hubClient) {
	h.mu.Lock()
	old := h.clients[identity]
	h.clients[identity] = client
	h.mu.Unlock()

	if old != nil {
		_ = old.conn.Close(websocket.StatusPolicyViolation, "replaced by newer connection")
	}
	logrus.WithField("function", "register").Debug("Client connected")
}

func (h *Hub) unregister(identity string, client *hubClient) {
	h.mu.Lock()
	if h.clients[identity] == client {
		delete(h.clients, identity)
	}
	h.mu.Unlock()
	close(client.closed)
	_ = client.conn.Close(websocket.StatusNormalClosure, "")
}

// writeLoop is the single writer for one connection.
func (h *Hub) writeLoop(client *hubClient) {
	for {
		select {
		case <-client.closed:
			return
		case frame := <-client.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := client.conn.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "writeLoop",
					"error":    err.Error(),
				}).Debug("Client write failed")
				return
			}
		}
	}
}

// readLoop consumes inbound frames until the connection drops. Only
// acknowledgment frames are meaningful from clients.
func (h *Hub) readLoop(ctx context.Context, identity string, client *hubClient) {
	for {
		_, data, err := client.conn.Read(ctx)
		if err != nil {
			return
		}
		ack, err := transport.ParseAck(data)
		if err != nil {
			logrus.WithField("function", "readLoop").Debug("Dropping non-ack frame from client")
			continue
		}
		h.sink.HandleAck(identity, ack)
	}
}
