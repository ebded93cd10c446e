// Package apploader resolves the "module:attribute" application reference
// (spec §6 CLI surface, §9 design note) into an asgi.App. Unlike the
// teacher, which dynamically imports a CPython module by name through
// CGo, this core has no interpreter to reflect into: the design note
// explicitly allows the application to be "linked statically" instead, so
// the builtin loader is a Registry that callers fill with Register, and
// Load resolves against it by name. The package holds no process-wide
// Registry instance; each NewRegistry call starts empty. A
// PluginLoader is also provided for operators who do want true dynamic
// loading, using the standard library's plugin package (Linux/macOS only).
package apploader

import (
	"context"
	"fmt"
	"plugin"
	"strings"
	"sync"

	"github.com/gophne/gophne/internal/asgi"
)

// Loader resolves a "module:attribute" pattern to a runnable application.
type Loader interface {
	Load(pattern string) (asgi.App, error)
}

// Registry is a builtin, in-process Loader. Applications register
// themselves by name (conventionally "package:Symbol", mirroring the
// dotted-name pattern of spec §6) before the server starts.
type Registry struct {
	mu   sync.RWMutex
	apps map[string]asgi.App
}

// NewRegistry creates an empty application registry.
func NewRegistry() *Registry {
	return &Registry{apps: make(map[string]asgi.App)}
}

// Register binds name to app. Calling Register twice with the same name
// replaces the previous binding; registering under distinct names is how a
// statically-linked binary offers more than one servable application.
func (r *Registry) Register(name string, app asgi.App) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apps[name] = app
}

// Load implements Loader.
func (r *Registry) Load(pattern string) (asgi.App, error) {
	moduleApp := strings.SplitN(pattern, ":", 2)
	if len(moduleApp) != 2 {
		return nil, fmt.Errorf("apploader: expected pattern $(MODULE_NAME):$(VARIABLE_NAME), got %q", pattern)
	}

	r.mu.RLock()
	app, ok := r.apps[pattern]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("apploader: no application registered for %q", pattern)
	}
	return app, nil
}

// PluginLoader resolves "module:attribute" by opening module as a Go
// plugin (a .so built with `go build -buildmode=plugin`) and looking up
// attribute as an exported symbol of type asgi.App or func with the same
// signature. This is the closest Go analogue to the teacher's reflective
// CPython import: genuinely dynamic, resolved at request-import time
// rather than compiled in.
type PluginLoader struct {
	mu      sync.Mutex
	plugins map[string]*plugin.Plugin
}

// NewPluginLoader creates a PluginLoader with an empty plugin cache.
func NewPluginLoader() *PluginLoader {
	return &PluginLoader{plugins: make(map[string]*plugin.Plugin)}
}

// Load implements Loader.
func (l *PluginLoader) Load(pattern string) (asgi.App, error) {
	moduleApp := strings.SplitN(pattern, ":", 2)
	if len(moduleApp) != 2 {
		return nil, fmt.Errorf("apploader: expected pattern $(MODULE_NAME):$(VARIABLE_NAME), got %q", pattern)
	}
	modulePath, symbolName := moduleApp[0], moduleApp[1]

	l.mu.Lock()
	p, ok := l.plugins[modulePath]
	if !ok {
		var err error
		p, err = plugin.Open(modulePath)
		if err != nil {
			l.mu.Unlock()
			return nil, fmt.Errorf("apploader: opening plugin %q: %w", modulePath, err)
		}
		l.plugins[modulePath] = p
	}
	l.mu.Unlock()

	sym, err := p.Lookup(symbolName)
	if err != nil {
		return nil, fmt.Errorf("apploader: looking up %q in %q: %w", symbolName, modulePath, err)
	}

	switch app := sym.(type) {
	case asgi.App:
		return app, nil
	case *asgi.App:
		return *app, nil
	case func(context.Context, asgi.Scope, asgi.ReceiveFunc, asgi.SendFunc) error:
		return asgi.App(app), nil
	default:
		return nil, fmt.Errorf("apploader: symbol %q in %q is not an asgi.App", symbolName, modulePath)
	}
}
