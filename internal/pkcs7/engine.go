// Package pkcs7 drives the agent's PKCS#7 operations.
//
// The engine creates attached signatures or adds a signer to an existing one, and when asked
// embeds a trusted timestamp through a Timestamper. A caller that asks for a timestamp never
// gets an untimestamped signature back: any failure of the timestamp step fails the whole
// operation.
package pkcs7

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/sakerinn/eimzo/internal/agent"
	"github.com/sakerinn/eimzo/internal/eimzoerr"
	"github.com/sakerinn/eimzo/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// detachedNo asks the agent for an attached signature.
const detachedNo = "no"

// Result is a PKCS#7 structure produced by the agent.
type Result struct {
	// PKCS7 is the base64 encoded structure.
	PKCS7 string
	// SignerSerialNumber identifies the signer just added, when the agent reports it.
	SignerSerialNumber string
}

// TimestampToken is what a Timestamper produces for a signature.
type TimestampToken struct {
	// AttachedPKCS7 is true when TokenB64 is already the complete timestamped PKCS#7.
	AttachedPKCS7 bool
	// TokenB64 is either the finished PKCS#7 or a raw RFC 3161 token to be merged into it.
	TokenB64 string
}

// Timestamper obtains a timestamp for a signature given its hex encoded value and the PKCS#7
// holding it.
type Timestamper interface {
	Timestamp(ctx context.Context, signatureHex, pkcs7B64 string) (*TimestampToken, error)
}

// TimestamperFunc adapts a function to Timestamper.
type TimestamperFunc func(ctx context.Context, signatureHex, pkcs7B64 string) (*TimestampToken, error)

func (f TimestamperFunc) Timestamp(ctx context.Context, signatureHex, pkcs7B64 string) (*TimestampToken, error) {
	return f(ctx, signatureHex, pkcs7B64)
}

// Engine issues PKCS#7 operations through the agent.
type Engine struct {
	gw agent.Gateway

	mu          sync.RWMutex
	timestamper Timestamper
}

// NewEngine creates an engine. timestamper may be nil, in which case signatures are returned
// without a timestamp even when one is requested.
func NewEngine(gw agent.Gateway, timestamper Timestamper) *Engine {
	return &Engine{gw: gw, timestamper: timestamper}
}

// SetTimestamper replaces the timestamper.
func (e *Engine) SetTimestamper(t Timestamper) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timestamper = t
}

func (e *Engine) currentTimestamper() Timestamper {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.timestamper
}

type signedPayload struct {
	PKCS7              string `json:"pkcs7_64"`
	SignerSerialNumber string `json:"signer_serial_number"`
	SignatureHex       string `json:"signature_hex"`
}

// Create signs payload with the key behind handle, which is a loaded key id or a hardware
// token tag. Unless alreadyBase64 is set the payload is taken as text and base64 encoded first.
func (e *Engine) Create(ctx context.Context, handle, payload string, alreadyBase64, useTimestamp bool) (*Result, error) {
	data := payload
	if !alreadyBase64 {
		data = base64.StdEncoding.EncodeToString([]byte(payload))
	}

	return e.sign(ctx, agent.Call{
		Plugin:    agent.PluginPKCS7,
		Name:      agent.OpCreatePKCS7,
		Arguments: []any{data, handle, detachedNo},
	}, useTimestamp)
}

// AppendAttached adds a signer to an existing attached PKCS#7 without the original payload.
func (e *Engine) AppendAttached(ctx context.Context, handle, existing string, useTimestamp bool) (*Result, error) {
	return e.sign(ctx, agent.Call{
		Plugin:    agent.PluginPKCS7,
		Name:      agent.OpAppendPKCS7Attached,
		Arguments: []any{existing, handle},
	}, useTimestamp)
}

// AttachTimestampToken merges a raw timestamp token into the signer identified by
// signerSerial and returns the new PKCS#7.
func (e *Engine) AttachTimestampToken(ctx context.Context, pkcs7B64, signerSerial, tokenB64 string) (string, error) {
	resp, err := e.gw.Invoke(ctx, agent.Call{
		Plugin:    agent.PluginPKCS7,
		Name:      agent.OpAttachTimestampTokenPKCS7,
		Arguments: []any{pkcs7B64, signerSerial, tokenB64},
	})
	if err != nil {
		return "", classify(eimzoerr.CodeTimestampAttachFailed, eimzoerr.MsgTimestampAttachFailed, err)
	}

	var payload signedPayload
	if err := resp.Decode(&payload); err != nil || payload.PKCS7 == "" {
		return "", eimzoerr.Wrap(eimzoerr.CodeTimestampAttachFailed, eimzoerr.MsgTimestampAttachFailed, err).
			WithDetails(resp.Raw())
	}
	return payload.PKCS7, nil
}

func (e *Engine) sign(ctx context.Context, call agent.Call, useTimestamp bool) (*Result, error) {
	resp, err := e.gw.Invoke(ctx, call)
	if err != nil {
		return nil, classify(eimzoerr.CodeSignatureCreationFailed, eimzoerr.MsgSignatureCreationFailed, err)
	}

	var payload signedPayload
	if err := resp.Decode(&payload); err != nil || payload.PKCS7 == "" {
		return nil, eimzoerr.Wrap(eimzoerr.CodeSignatureCreationFailed, eimzoerr.MsgSignatureCreationFailed, err).
			WithDetails(resp.Raw())
	}

	telemetry.GetMetrics().SignaturesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", call.Name)))

	result := &Result{PKCS7: payload.PKCS7, SignerSerialNumber: payload.SignerSerialNumber}

	ts := e.currentTimestamper()
	if !useTimestamp || ts == nil {
		return result, nil
	}

	stamped, err := e.timestamp(ctx, ts, payload)
	if err != nil {
		telemetry.GetMetrics().TimestampFailuresTotal.Add(ctx, 1)
		return nil, err
	}
	telemetry.GetMetrics().TimestampsAttachedTotal.Add(ctx, 1)

	result.PKCS7 = stamped
	return result, nil
}

// timestamp runs the timestamper and, for a raw token, merges it through the agent.
func (e *Engine) timestamp(ctx context.Context, ts Timestamper, signed signedPayload) (string, error) {
	token, err := ts.Timestamp(ctx, signed.SignatureHex, signed.PKCS7)
	if err != nil {
		return "", eimzoerr.Wrap(eimzoerr.CodeTimestampError, "failed to obtain timestamp", err)
	}
	if token == nil || token.TokenB64 == "" {
		return "", eimzoerr.New(eimzoerr.CodeTimestampError, "timestamper returned no token")
	}

	if token.AttachedPKCS7 {
		log.Debug().Str("signer", signed.SignerSerialNumber).Msg("Timestamper returned attached PKCS7")
		return token.TokenB64, nil
	}

	return e.AttachTimestampToken(ctx, signed.PKCS7, signed.SignerSerialNumber, token.TokenB64)
}

// classify wraps a failed agent call, using the agent's reason as message when it gave one.
func classify(code eimzoerr.Code, fallback string, err error) error {
	var rejected *agent.RejectedError
	if errors.As(err, &rejected) {
		msg := rejected.Reason
		if msg == "" {
			msg = fallback
		}
		return eimzoerr.Wrap(code, msg, err).WithDetails(rejected.Response.Raw())
	}
	return eimzoerr.Wrap(code, fallback, err)
}
