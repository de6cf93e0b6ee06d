package p2p

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"shieldpool/internal/pool"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub fans pool events out to websocket clients.
type Hub struct {
	sender     string
	clients    map[*wsClient]struct{}
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	log        zerolog.Logger
}

func newHub(sender string, log zerolog.Logger) *Hub {
	return &Hub{
		sender:     sender,
		clients:    make(map[*wsClient]struct{}),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		log:        log,
	}
}

// run consumes the pool feeds until ctx is done or the pool closes its subscriptions.
func (h *Hub) run(ctx context.Context, ledger Ledger) {
	defer close(h.done)
	inserts := make(chan pool.InsertEvent, sendBuffer)
	spends := make(chan pool.SpendEvent, sendBuffer)
	insertSub := ledger.SubscribeInserts(inserts)
	defer insertSub.Unsubscribe()
	spendSub := ledger.SubscribeSpends(spends)
	defer spendSub.Unsubscribe()

	defer func() {
		for c := range h.clients {
			close(c.send)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-insertSub.Err():
			return
		case <-spendSub.Err():
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			snap, err := ledger.Snapshot(ctx)
			if err != nil {
				continue
			}
			if data, err := h.encode(MsgSnapshot, snap); err == nil {
				c.send <- data
			}

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}

		case ev := <-inserts:
			h.broadcast(MsgInsert, ev)
		case ev := <-spends:
			h.broadcast(MsgSpend, ev)
		}
	}
}

func (h *Hub) encode(typ string, payload any) ([]byte, error) {
	msg, err := newMessage(h.sender, typ, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

func (h *Hub) broadcast(typ string, payload any) {
	data, err := h.encode(typ, payload)
	if err != nil {
		h.log.Error().Err(err).Str("type", typ).Msg("Failed to encode event")
		return
	}
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Slow consumers are dropped; they resync through /commitments.
			close(c.send)
			delete(h.clients, c)
		}
	}
}

func (h *Hub) serveWs(ctx context.Context, w http.ResponseWriter, r *http.Request, wg *sync.WaitGroup) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	c := &wsClient{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	wg.Add(2)
	go c.writePump(ctx, wg)
	go c.readPump(wg)
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// readPump only services control frames; clients have nothing to say.
func (c *wsClient) readPump(wg *sync.WaitGroup) {
	defer wg.Done()
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug().Err(err).Msg("Websocket closed")
			}
			return
		}
	}
}

func (c *wsClient) writePump(ctx context.Context, wg *sync.WaitGroup) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return

		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
