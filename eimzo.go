// Package eimzo signs documents with the keys held by a locally running E-IMZO agent.
//
// A Client talks to the agent over its websocket crypto API, lists the certificates and USB
// tokens it offers, and produces attached PKCS#7 signatures, optionally timestamped by a
// TSA.
package eimzo

import (
	"crypto/tls"

	"github.com/rs/zerolog"
	"github.com/sakerinn/eimzo/internal/agent"
	"github.com/sakerinn/eimzo/internal/certs"
	"github.com/sakerinn/eimzo/internal/cms"
	"github.com/sakerinn/eimzo/internal/eimzoerr"
	"github.com/sakerinn/eimzo/internal/keys"
	"github.com/sakerinn/eimzo/internal/logger"
	"github.com/sakerinn/eimzo/internal/pkcs7"
	"github.com/sakerinn/eimzo/internal/session"
	"github.com/sakerinn/eimzo/internal/signer"
	"github.com/sakerinn/eimzo/internal/signing"
	"github.com/sakerinn/eimzo/internal/tsa"
)

type (
	Credential     = certs.Credential
	Device         = certs.Device
	Signer         = signer.Signer
	Token          = signer.Token
	SignOptions    = signing.SignOptions
	AttachOptions  = signing.AttachOptions
	Result         = signing.Result
	Joiner         = signing.Joiner
	Timestamper    = pkcs7.Timestamper
	TimestampToken = pkcs7.TimestampToken
	HandleStore    = keys.HandleStore
	Gateway        = agent.Gateway
	Error          = eimzoerr.Error
	Code           = eimzoerr.Code
)

const (
	TokenIDCard = signer.TokenIDCard
	TokenCKC    = signer.TokenCKC
)

const (
	CodeInitializationFailed    = eimzoerr.CodeInitializationFailed
	CodeNotInitialized          = eimzoerr.CodeNotInitialized
	CodeCertificateNotFound     = eimzoerr.CodeCertificateNotFound
	CodeServiceError            = eimzoerr.CodeServiceError
	CodeTimestampError          = eimzoerr.CodeTimestampError
	CodeInvalidParameters       = eimzoerr.CodeInvalidParameters
	CodeSignatureCreationFailed = eimzoerr.CodeSignatureCreationFailed
	CodeKeyLoadFailed           = eimzoerr.CodeKeyLoadFailed
	CodeTimestampAttachFailed   = eimzoerr.CodeTimestampAttachFailed
	CodeInvalidCertificateType  = eimzoerr.CodeInvalidCertificateType
	CodeUnknown                 = eimzoerr.CodeUnknown
)

var (
	FromCredential = signer.FromCredential
	FromToken      = signer.FromToken
	CodeOf         = eimzoerr.CodeOf
)

// Config configures a Client. The zero value talks to a stock agent on 127.0.0.1.
type Config struct {
	// AgentURL is the crypto API websocket endpoint.
	AgentURL string
	// Origin is sent in the websocket handshake and must match a domain passed to Start.
	Origin string
	// TLS is used for wss:// agent URLs.
	TLS *tls.Config

	// Gateway replaces the websocket client, mostly for tests.
	Gateway Gateway
	// Logger, when set, logs every agent call.
	Logger *zerolog.Logger

	// HandleStore keeps key handles between calls. Defaults to memory.
	HandleStore HandleStore
	// HandleCacheDir keeps key handles on disk when HandleStore is nil. The agent forgets
	// handles when it restarts, so callers sharing a directory must Reset after that.
	HandleCacheDir string

	// Timestamper stamps signatures. TSAURL builds an RFC 3161 one when Timestamper is nil.
	Timestamper Timestamper
	TSAURL      string
}

// Client is a signing session against one agent.
type Client struct {
	*signing.Service
}

// New creates a client. Call Start before listing or signing.
func New(cfg Config) *Client {
	gw := cfg.Gateway
	if gw == nil {
		gw = agent.NewClient(agent.Config{URL: cfg.AgentURL, Origin: cfg.Origin, TLS: cfg.TLS})
	}
	if cfg.Logger != nil {
		gw = logger.NewGatewayCalls(*cfg.Logger, gw)
	}

	store := cfg.HandleStore
	if store == nil {
		store = keys.NewSessionStore(cfg.HandleCacheDir)
	}

	opts := []signing.Option{
		signing.WithSession(session.New()),
		signing.WithHandleStore(store),
	}

	ts := cfg.Timestamper
	if ts == nil && cfg.TSAURL != "" {
		ts = tsa.NewClient(tsa.Config{URL: cfg.TSAURL}, nil)
	}
	if ts != nil {
		opts = append(opts, signing.WithTimestamper(ts))
	}

	return &Client{Service: signing.NewService(gw, opts...)}
}

// SetDefaultIdentifier remembers the holder used when Sign or Attach get no signer. It may
// also be a token tag.
func (c *Client) SetDefaultIdentifier(id string) {
	c.Session().SetDefaultIdentifier(id)
}

// ClearDefaultIdentifier forgets the remembered holder.
func (c *Client) ClearDefaultIdentifier() {
	c.Session().ClearDefaultIdentifier()
}

// NewJoiner returns a Joiner that merges the signer infos of two attached PKCS#7 structures
// over the same content.
func NewJoiner() Joiner {
	return cms.NewJoiner()
}
