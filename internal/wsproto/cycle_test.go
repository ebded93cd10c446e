package wsproto

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gophne/gophne/internal/asgi"
)

func TestAcceptThenEchoTextMessage(t *testing.T) {
	var cyc *Cycle
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cyc = New(w, r, zap.NewNop(), Config{HandshakeTimeout: time.Second})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		cyc.Start(ctx, cancel)

		go func() {
			_, _ = cyc.Bridge().Receive(ctx) // websocket.connect
			_ = cyc.Bridge().Send(ctx, asgi.WebSocketAcceptEvent{})
			ev, _ := cyc.Bridge().Receive(ctx)
			recv := ev.(asgi.WebSocketReceiveEvent)
			_ = cyc.Bridge().Send(ctx, asgi.WebSocketSendEvent{Text: recv.Text})
		}()

		<-cyc.Done()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if mt != websocket.TextMessage || string(data) != "hello" {
		t.Fatalf("got (%d, %q), want (text, hello)", mt, data)
	}
}

func TestCloseBeforeAcceptDenies403(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cyc := New(w, r, zap.NewNop(), Config{HandshakeTimeout: time.Second})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		cyc.Start(ctx, cancel)

		go func() {
			_, _ = cyc.Bridge().Receive(ctx)
			_ = cyc.Bridge().Send(ctx, asgi.WebSocketCloseEvent{Code: 1000})
		}()
		<-cyc.Done()
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}
