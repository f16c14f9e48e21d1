package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sakerinn/eimzo/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/net/websocket"
)

// Config holds the agent connection settings
type Config struct {
	// URL of the agent's crypto API websocket endpoint.
	URL string
	// Origin sent in the websocket handshake. The agent checks it against the domains
	// registered with apikey.
	Origin string
	// TLS is used for wss:// URLs. The agent serves a certificate for 127.0.0.1 that is
	// usually not in the system trust store.
	TLS *tls.Config
}

// DefaultConfig returns the settings of a stock agent installation
func DefaultConfig() Config {
	return Config{
		URL:    "wss://127.0.0.1:64443/service/cryptapi",
		Origin: "https://localhost",
	}
}

// Client is a Gateway that opens one websocket connection per call, the way the agent's own
// browser library does.
type Client struct {
	config Config
}

var _ Gateway = (*Client)(nil)

// NewClient creates a new agent client
func NewClient(config Config) *Client {
	defaults := DefaultConfig()
	if config.URL == "" {
		config.URL = defaults.URL
	}
	if config.Origin == "" {
		config.Origin = defaults.Origin
	}
	return &Client{config: config}
}

// Invoke sends call and waits for the single reply. The context deadline, when set, bounds
// the whole exchange.
func (c *Client) Invoke(ctx context.Context, call Call) (*Response, error) {
	callID := uuid.New().String()
	started := time.Now()

	m := telemetry.GetMetrics()
	attrs := metric.WithAttributes(
		attribute.String("plugin", call.Plugin),
		attribute.String("name", call.Name),
	)
	m.AgentCallsTotal.Add(ctx, 1, attrs)

	resp, err := c.invoke(ctx, callID, call)

	m.AgentCallDuration.Record(ctx, float64(time.Since(started).Milliseconds()), attrs)
	if err != nil {
		m.AgentCallErrorsTotal.Add(ctx, 1, attrs)
	}

	log.Debug().
		Str("call_id", callID).
		Str("call", call.String()).
		Dur("duration", time.Since(started)).
		Bool("ok", err == nil).
		Msg("agent call")

	return resp, err
}

func (c *Client) invoke(ctx context.Context, callID string, call Call) (*Response, error) {
	cfg, err := websocket.NewConfig(c.config.URL, c.config.Origin)
	if err != nil {
		return nil, &TransportError{Call: call, Err: fmt.Errorf("invalid agent config: %w", err)}
	}
	cfg.TlsConfig = c.config.TLS
	cfg.Header = http.Header{"X-Call-Id": []string{callID}}

	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, &TransportError{Call: call, Err: fmt.Errorf("failed to connect to agent: %w", err)}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, &TransportError{Call: call, Err: fmt.Errorf("failed to set deadline: %w", err)}
		}
	}

	// Closing the connection unblocks Receive when the context is cancelled without a deadline.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := websocket.JSON.Send(conn, call); err != nil {
		return nil, &TransportError{Call: call, Err: fmt.Errorf("failed to send request: %w", err)}
	}

	var raw []byte
	if err := websocket.Message.Receive(conn, &raw); err != nil {
		if ctx.Err() != nil {
			return nil, &TransportError{Call: call, Err: ctx.Err()}
		}
		return nil, &TransportError{Call: call, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	return ParseResponse(call, raw)
}

// APIKey registers domain/key pairs with the agent. tokens is a flat list of alternating
// domain and key strings.
func APIKey(ctx context.Context, gw Gateway, tokens []string) error {
	args := make([]any, len(tokens))
	for i, t := range tokens {
		args[i] = t
	}

	_, err := gw.Invoke(ctx, Call{Name: OpAPIKey, Arguments: args})
	return err
}

// Version describes the running agent.
type Version struct {
	Major json.Number `json:"major"`
	Minor json.Number `json:"minor"`
}

func (v Version) String() string {
	return v.Major.String() + "." + v.Minor.String()
}

// GetVersion asks the agent for its version.
func GetVersion(ctx context.Context, gw Gateway) (*Version, error) {
	resp, err := gw.Invoke(ctx, Call{Name: OpVersion})
	if err != nil {
		return nil, err
	}

	var v Version
	if err := resp.Decode(&v); err != nil {
		return nil, err
	}
	return &v, nil
}
