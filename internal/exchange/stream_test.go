package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamDeliversMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"ORDER_TRADE_UPDATE"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"ACCOUNT_UPDATE"}`))
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	client := NewStreamClient("acct-1", StreamConfig{URL: wsURL(srv)})

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan []byte, 4)
	done := make(chan error, 1)
	go func() {
		done <- client.Run(ctx, func(msg []byte) { got <- msg })
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(5 * time.Second):
			t.Fatalf("message %d never delivered", i)
		}
	}
	if s := client.State(); s != StreamLive {
		t.Errorf("state = %s, want LIVE", s)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if s := client.State(); s != StreamDisconnected {
		t.Errorf("state after shutdown = %s, want DISCONNECTED", s)
	}
}

func TestStreamAuthThenSubscribeOrder(t *testing.T) {
	frames := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < 2; i++ {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- string(msg)
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"ack"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	client := NewStreamClient("acct-1", StreamConfig{
		URL: wsURL(srv),
		Authenticate: func(ctx context.Context, conn *websocket.Conn) error {
			return conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"auth"}`))
		},
		Subscribe: func(ctx context.Context, conn *websocket.Conn) error {
			return conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"subscribe"}`))
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	acked := make(chan struct{}, 1)
	go client.Run(ctx, func([]byte) { acked <- struct{}{} })

	want := []string{`{"op":"auth"}`, `{"op":"subscribe"}`}
	for i, w := range want {
		select {
		case got := <-frames:
			if got != w {
				t.Errorf("frame %d = %s, want %s", i, got, w)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("frame %d never arrived", i)
		}
	}
	select {
	case <-acked:
	case <-time.After(5 * time.Second):
		t.Fatal("ack never delivered after subscribe")
	}
}

func TestStreamReconnectsAfterDrop(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := conns.Add(1)
		if n == 1 {
			// First connection drops immediately to force the retry path.
			conn.Close()
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"after":"reconnect"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	client := NewStreamClient("acct-1", StreamConfig{URL: wsURL(srv)})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan []byte, 1)
	go client.Run(ctx, func(msg []byte) { got <- msg })

	select {
	case <-got:
	case <-time.After(15 * time.Second):
		t.Fatal("no message after reconnect")
	}
	if n := conns.Load(); n < 2 {
		t.Errorf("connections = %d, want at least 2", n)
	}
}

func TestStreamCredentialRejectionIsFatal(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns.Add(1)
		defer conn.Close()
		conn.ReadMessage()
	}))
	defer srv.Close()

	client := NewStreamClient("acct-1", StreamConfig{
		URL: wsURL(srv),
		Authenticate: func(ctx context.Context, conn *websocket.Conn) error {
			return &AuthError{Msg: "invalid api key"}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := client.Run(ctx, func([]byte) {})
	if !IsAuth(err) {
		t.Fatalf("Run returned %v, want an auth error", err)
	}
	if s := client.State(); s != StreamError {
		t.Errorf("state = %s, want ERROR", s)
	}
	if n := conns.Load(); n != 1 {
		t.Errorf("connections = %d; a credential rejection must not reconnect", n)
	}
}

func TestSignWSAuth(t *testing.T) {
	sig := SignWSAuth("secret", 1700000000000)
	if len(sig) != 64 {
		t.Fatalf("signature length = %d, want 64 hex chars", len(sig))
	}
	if sig != SignWSAuth("secret", 1700000000000) {
		t.Error("signature is not deterministic")
	}
	if sig == SignWSAuth("other", 1700000000000) {
		t.Error("signature ignores the secret")
	}
	if sig == SignWSAuth("secret", 1700000000001) {
		t.Error("signature ignores the expiry")
	}
}
