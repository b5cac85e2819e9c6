package trade_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/trade-engine/internal/trade"
)

func TestWSHubScopesEventsToUser(t *testing.T) {
	hub := trade.NewWSHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	header := http.Header{}
	header.Set(trade.UserHeader, "u1")
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	hub.Notify("u2", "order_settled", map[string]string{"id": "other"})
	hub.Notify("u1", "order_settled", map[string]string{"id": "mine"})
	hub.Notify("", "price", map[string]string{"instrument": "BTCUSDT"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got []trade.WSMessage
	for i := 0; i < 2; i++ {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg trade.WSMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		got = append(got, msg)
	}

	assert.Equal(t, "order_settled", got[0].Type)
	assert.Equal(t, "u1", got[0].UserID)
	assert.Equal(t, map[string]any{"id": "mine"}, got[0].Data)
	assert.Equal(t, "price", got[1].Type)
	assert.Empty(t, got[1].UserID)
}

func TestWSHubIgnoresQueryIdentity(t *testing.T) {
	hub := trade.NewWSHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?user_id=u1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	hub.Notify("u1", "order_settled", map[string]string{"id": "mine"})
	hub.Notify("", "price", map[string]string{"instrument": "BTCUSDT"})

	// Only the broadcast arrives.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg trade.WSMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "price", msg.Type)
	assert.Empty(t, msg.UserID)

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}
