package trade

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stockschool/papertrade/internal/metrics"
	"github.com/stockschool/papertrade/internal/model"
)

const (
	MsgTradeExecuted      = "trade_executed"
	MsgLeaderboardUpdated = "leaderboard_updated"
)

// WSMessage is a JSON message sent to WebSocket clients. Fields not relevant
// to the message type are omitted.
type WSMessage struct {
	Type       string     `json:"type"`
	UserID     string     `json:"userId,omitempty"`
	Ticker     string     `json:"ticker,omitempty"`
	Side       model.Side `json:"side,omitempty"`
	Quantity   int64      `json:"quantity,omitempty"`
	Price      string     `json:"price,omitempty"`
	TradeID    string     `json:"tradeId,omitempty"`
	Period     string     `json:"period,omitempty"`
	RunID      string     `json:"runId,omitempty"`
	Entries    int        `json:"entries,omitempty"`
	ComputedAt *time.Time `json:"computedAt,omitempty"`
}

// WSHub manages WebSocket connections and fans out trade and leaderboard
// events to every connected client.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{} // closed when Run returns
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled, closing
// every client connection.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "total", n)

		case conn := <-h.unregister:
			h.drop(conn)

		case msg := <-h.broadcast:
			h.mu.RLock()
			var dead []*websocket.Conn
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					dead = append(dead, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range dead {
				h.drop(conn)
			}
		}
	}
}

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

// Broadcast queues a message for all connected clients. It never blocks;
// messages are dropped when the buffer is full.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		slog.Warn("ws broadcast buffer full, dropping", "type", msg.Type)
	}
}

// TradeExecuted publishes a committed trade.
func (h *WSHub) TradeExecuted(t model.Trade) {
	h.Broadcast(WSMessage{
		Type:     MsgTradeExecuted,
		UserID:   t.UserID,
		Ticker:   t.Ticker,
		Side:     t.Side,
		Quantity: t.Quantity,
		Price:    t.Price.String(),
		TradeID:  t.ID,
	})
}

// LeaderboardUpdated publishes one period of a freshly published run.
func (h *WSHub) LeaderboardUpdated(b model.LeaderboardBatch) {
	at := b.ComputedAt
	h.Broadcast(WSMessage{
		Type:       MsgLeaderboardUpdated,
		Period:     string(b.Period),
		RunID:      b.RunID,
		Entries:    len(b.Entries),
		ComputedAt: &at,
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		t := time.NewTicker(30 * time.Second)
		defer t.Stop()
		for range t.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}()
}
