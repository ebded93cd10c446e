package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/gophne/gophne/internal/asgi"
	"github.com/gophne/gophne/internal/config"
)

func echoApp(ctx context.Context, scope asgi.Scope, recv asgi.ReceiveFunc, send asgi.SendFunc) error {
	switch scope.Type {
	case asgi.ScopeLifespan:
		ev, err := recv(ctx)
		if err != nil {
			return err
		}
		return send(ctx, completeEventFor(ev))
	case asgi.ScopeHTTP:
		if _, err := recv(ctx); err != nil {
			return err
		}
		if err := send(ctx, asgi.HTTPResponseStartEvent{Status: 200}); err != nil {
			return err
		}
		return send(ctx, asgi.HTTPResponseBodyEvent{Body: []byte("hi"), MoreBody: false})
	default:
		return nil
	}
}

type lifespanDone struct{ typ asgi.EventType }

func (e lifespanDone) Type() asgi.EventType { return e.typ }

func completeEventFor(ev asgi.Event) asgi.Event {
	return lifespanDone{typ: asgi.EventType(string(ev.Type()) + ".complete")}
}

func freePort(t *testing.T) int {
	t.Helper()
	// Port 0 normally means "pick one", but Config.Listeners needs a
	// concrete number up front; probe one free port and reuse it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probing free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestServerRunServesHTTPAndShutsDownCleanly(t *testing.T) {
	port := freePort(t)
	cfg := config.Default()
	cfg.ApplicationPattern = "test:app"
	cfg.Listeners = []config.ListenSpec{{Kind: config.EndpointTCP, Host: "127.0.0.1", Port: port}}
	cfg.ShutdownGrace = 500 * time.Millisecond

	srv := New(cfg, echoApp, zap.NewNop(), prometheus.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(ctx) }()

	select {
	case <-srv.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server never became ready")
	}

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/", port))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "hi" {
		t.Fatalf("body = %q, want hi", body)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}
