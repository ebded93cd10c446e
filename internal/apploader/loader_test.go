package apploader

import (
	"context"
	"testing"

	"github.com/gophne/gophne/internal/asgi"
)

func TestRegistryLoadRoundTrip(t *testing.T) {
	r := NewRegistry()
	called := false
	r.Register("myapp:App", func(ctx context.Context, scope asgi.Scope, receive asgi.ReceiveFunc, send asgi.SendFunc) error {
		called = true
		return nil
	})

	app, err := r.Load("myapp:App")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := app(context.Background(), asgi.Scope{}, nil, nil); err != nil {
		t.Fatalf("app: %v", err)
	}
	if !called {
		t.Fatal("expected registered app to run")
	}
}

func TestRegistryLoadMissing(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Load("nope:App"); err == nil {
		t.Fatal("expected error for unregistered app")
	}
}

func TestRegistryLoadBadPattern(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Load("not-a-pattern"); err == nil {
		t.Fatal("expected error for pattern without a colon")
	}
}
