// Package agent talks to the local E-IMZO signing agent.
//
// Every remote operation is a named call on one of the agent's plugins. A call either
// succeeds with a plugin specific JSON payload, is rejected by the agent (wrong password,
// unknown key, ...) or fails in transport. The three outcomes are kept apart: rejections are
// *RejectedError, transport failures are *TransportError. Nothing in this package retries.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
)

// Plugins exposed by the agent.
const (
	PluginCertkey = "certkey"
	PluginPfx     = "pfx"
	PluginCKC     = "ckc"
	PluginPKCS7   = "pkcs7"
)

// Operation names.
const (
	OpListAllCertificates       = "list_all_certificates"
	OpListCKC                   = "list_ckc"
	OpLoadKey                   = "load_key"
	OpCreatePKCS7               = "create_pkcs7"
	OpAppendPKCS7Attached       = "append_pkcs7_attached"
	OpAttachTimestampTokenPKCS7 = "attach_timestamp_token_pkcs7"
	OpAPIKey                    = "apikey"
	OpVersion                   = "version"
)

// Call is a single named remote operation. Plugin is empty for the agent's own
// operations (apikey, version).
type Call struct {
	Plugin    string `json:"plugin,omitempty"`
	Name      string `json:"name"`
	Arguments []any  `json:"arguments,omitempty"`
}

func (c Call) String() string {
	if c.Plugin == "" {
		return c.Name
	}
	return c.Plugin + "." + c.Name
}

// Gateway issues remote operations against the agent.
type Gateway interface {
	Invoke(ctx context.Context, call Call) (*Response, error)
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, call Call) (*Response, error)

func (f GatewayFunc) Invoke(ctx context.Context, call Call) (*Response, error) {
	return f(ctx, call)
}

// Response is a successful agent reply.
type Response struct {
	raw json.RawMessage
}

type envelope struct {
	Success *bool  `json:"success"`
	Reason  string `json:"reason"`
	Error   string `json:"error"`
}

// ParseResponse classifies a raw agent reply. A reply with "success": false or a non-empty
// "error" field is returned as *RejectedError, malformed JSON as *TransportError.
func ParseResponse(call Call, raw []byte) (*Response, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &TransportError{Call: call, Err: fmt.Errorf("malformed response: %w", err)}
	}

	resp := &Response{raw: append(json.RawMessage(nil), raw...)}

	if (env.Success != nil && !*env.Success) || env.Error != "" {
		reason := env.Reason
		if reason == "" {
			reason = env.Error
		}
		return nil, &RejectedError{Call: call, Reason: reason, Response: resp}
	}

	return resp, nil
}

// Decode unmarshals the payload into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.raw, v); err != nil {
		return fmt.Errorf("failed to decode agent response: %w", err)
	}
	return nil
}

// Raw returns the payload as received.
func (r *Response) Raw() json.RawMessage {
	return r.raw
}

// RejectedError is returned when the agent answered but declined the operation.
type RejectedError struct {
	Call     Call
	Reason   string
	Response *Response
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("agent rejected %s", e.Call)
	}
	return fmt.Sprintf("agent rejected %s: %s", e.Call, e.Reason)
}

// TransportError is returned when the agent could not be reached or its reply could not be read.
type TransportError struct {
	Call Call
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("agent transport failed for %s: %v", e.Call, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
