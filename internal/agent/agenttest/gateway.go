// Package agenttest provides an in-memory agent.Gateway for tests.
package agenttest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sakerinn/eimzo/internal/agent"
)

// Handler produces the JSON payload for a call. A returned error is passed to the caller as is.
type Handler func(call agent.Call) (any, error)

// Gateway answers calls from handlers registered by call name ("plugin.name").
// It records every call it receives.
type Gateway struct {
	mu       sync.Mutex
	handlers map[string]Handler
	calls    []agent.Call
}

var _ agent.Gateway = (*Gateway)(nil)

// New creates an empty Gateway. Calls without a handler fail in transport.
func New() *Gateway {
	return &Gateway{handlers: make(map[string]Handler)}
}

// Handle registers h for name.
func (g *Gateway) Handle(name string, h Handler) *Gateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[name] = h
	return g
}

// Reply answers name with payload.
func (g *Gateway) Reply(name string, payload any) *Gateway {
	return g.Handle(name, func(agent.Call) (any, error) { return payload, nil })
}

// Reject answers name with an application level rejection.
func (g *Gateway) Reject(name, reason string) *Gateway {
	return g.Reply(name, map[string]any{"success": false, "reason": reason})
}

// Unreachable makes name fail in transport.
func (g *Gateway) Unreachable(name string) *Gateway {
	return g.Handle(name, func(call agent.Call) (any, error) {
		return nil, &agent.TransportError{Call: call, Err: errors.New("connection refused")}
	})
}

func (g *Gateway) Invoke(ctx context.Context, call agent.Call) (*agent.Response, error) {
	g.mu.Lock()
	g.calls = append(g.calls, call)
	h, ok := g.handlers[call.String()]
	g.mu.Unlock()

	if !ok {
		return nil, &agent.TransportError{Call: call, Err: fmt.Errorf("no handler for %s", call)}
	}

	payload, err := h(call)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, &agent.TransportError{Call: call, Err: err}
	}
	return agent.ParseResponse(call, raw)
}

// Calls returns the calls received so far.
func (g *Gateway) Calls() []agent.Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]agent.Call(nil), g.calls...)
}

// Count returns how many calls named name were received.
func (g *Gateway) Count(name string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for _, c := range g.calls {
		if c.String() == name {
			n++
		}
	}
	return n
}
