package trade_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/stockschool/papertrade/internal/model"
	"github.com/stockschool/papertrade/internal/trade"
)

// dialHub connects one client and returns once the hub has registered it.
func dialHub(t *testing.T) (*trade.WSHub, *websocket.Conn, context.CancelFunc) {
	t.Helper()
	hub := trade.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	registered := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.HandleWS(w, r)
		close(registered)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	select {
	case <-registered:
	case <-time.After(2 * time.Second):
		t.Fatal("client never registered")
	}
	return hub, conn, cancel
}

func TestWSHub_TradeAndLeaderboardEvents(t *testing.T) {
	hub, conn, _ := dialHub(t)

	hub.TradeExecuted(model.Trade{ID: "t1", UserID: "alice", Ticker: "TCS", Side: model.SideBuy, Quantity: 3, Price: decimal.RequireFromString("3912.35")})
	at := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	hub.LeaderboardUpdated(model.LeaderboardBatch{RunID: "run1", Period: model.PeriodDaily, ComputedAt: at, Entries: make([]model.LeaderboardEntry, 4)})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg trade.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read trade event: %v", err)
	}
	if msg.Type != trade.MsgTradeExecuted || msg.TradeID != "t1" || msg.Price != "3912.35" || msg.Quantity != 3 {
		t.Errorf("unexpected trade event %+v", msg)
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read leaderboard event: %v", err)
	}
	var lb map[string]any
	json.Unmarshal(raw, &lb)
	if lb["type"] != trade.MsgLeaderboardUpdated || lb["period"] != "DAILY" || lb["runId"] != "run1" || lb["entries"] != float64(4) {
		t.Errorf("unexpected leaderboard event %s", raw)
	}
	if _, ok := lb["userId"]; ok {
		t.Errorf("leaderboard event should omit trade fields: %s", raw)
	}
}

func TestWSHub_ShutdownClosesClients(t *testing.T) {
	_, conn, cancel := dialHub(t)
	cancel()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the connection to close on shutdown")
	}
}
