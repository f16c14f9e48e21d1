// Package signing is the entry point of the signing pipeline.
//
// A Service resolves the signer of an operation, acquires a key handle for it and asks the
// agent to create or extend a PKCS#7, optionally with a trusted timestamp. Every public method
// returns a classified *eimzoerr.Error on failure, including for panics.
package signing

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sakerinn/eimzo/internal/agent"
	"github.com/sakerinn/eimzo/internal/certs"
	"github.com/sakerinn/eimzo/internal/eimzoerr"
	"github.com/sakerinn/eimzo/internal/keys"
	"github.com/sakerinn/eimzo/internal/pkcs7"
	"github.com/sakerinn/eimzo/internal/session"
	"github.com/sakerinn/eimzo/internal/signer"
	"github.com/sakerinn/eimzo/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

var defaultTokens = []string{
	"localhost",
	"96D0C1491615C82B9A54D9989779DF825B690748224C2B04F500F370D51827CE2644D8D4A82C18184D73AB8530BB8ED537269603F61DB0D03D2104ABF789970B",
	"127.0.0.1",
	"A7BCFA5D490B351BE0754130DF03A068F855DB4333D43921125B9CF2670EF6A40370C646B90401955E1F7BC9CDBF59CE0B2C5467D820BE189C845D0B79CFC96F",
}

// DefaultTokens returns the domain/key pairs the agent ships with for local pages.
func DefaultTokens() []string {
	return slices.Clone(defaultTokens)
}

const (
	msgOddTokens       = "token list must hold domain and key pairs"
	msgInitFailed      = "failed to initialize E-IMZO API"
	msgInitUnreachable = "failed to connect to E-IMZO service"
	msgJoinerRequired  = "idcard and ckc signatures over an original string require a joiner"
	msgJoinFailed      = "failed to join signatures"
)

// Joiner merges a freshly created PKCS#7 into an existing one over the same content.
type Joiner interface {
	Join(ctx context.Context, existing, fresh string) (string, error)
}

// JoinerFunc adapts a function to Joiner.
type JoinerFunc func(ctx context.Context, existing, fresh string) (string, error)

func (f JoinerFunc) Join(ctx context.Context, existing, fresh string) (string, error) {
	return f(ctx, existing, fresh)
}

// SignOptions tune a signature.
type SignOptions struct {
	// Base64 marks the data as already base64 encoded.
	Base64 bool
	// NoTimestamp skips the timestamp even when a timestamper is configured.
	NoTimestamp bool
}

// AttachOptions tune a co-signature.
type AttachOptions struct {
	SignOptions
	// OriginalString is the base64 encoded content of the existing signature. Hardware
	// tokens sign it afresh and the result is joined with Joiner.
	OriginalString string
	// IgnoreSearch disables the remembered identifier fallback when no signer is given.
	IgnoreSearch bool
	Joiner       Joiner
}

// Result is a produced signature.
type Result struct {
	// Signature is the base64 encoded PKCS#7.
	Signature          string `json:"signature"`
	SignerSerialNumber string `json:"signerSerialNumber,omitempty"`
	// Credential is the credential that signed, nil for hardware tokens.
	Credential *certs.Credential `json:"credential,omitempty"`
	// Overdue is set when Credential was already past its validity.
	Overdue bool `json:"overdue,omitempty"`
}

// Service runs signing operations for one session.
type Service struct {
	gw       agent.Gateway
	sess     *session.Session
	catalog  *certs.Catalog
	loader   *keys.Loader
	engine   *pkcs7.Engine
	resolver *signer.Resolver
}

type options struct {
	session     *session.Session
	store       keys.HandleStore
	timestamper pkcs7.Timestamper
	clock       func() time.Time
}

// Option configures a Service.
type Option func(*options)

// WithSession shares an existing session.
func WithSession(s *session.Session) Option {
	return func(o *options) {
		o.session = s
	}
}

// WithHandleStore sets where pfx key handles are cached.
func WithHandleStore(store keys.HandleStore) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithTimestamper sets the timestamper used when a signature asks for a timestamp.
func WithTimestamper(ts pkcs7.Timestamper) Option {
	return func(o *options) {
		o.timestamper = ts
	}
}

// WithClock sets the clock used to decide whether credentials are overdue.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.clock = now
	}
}

// NewService creates a service issuing agent calls through gw.
func NewService(gw agent.Gateway, opts ...Option) *Service {
	o := &options{clock: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	if o.session == nil {
		o.session = session.New()
	}

	catalog := certs.NewCatalog(gw, certs.WithReadiness(o.session.Initialized), certs.WithClock(o.clock))

	return &Service{
		gw:       gw,
		sess:     o.session,
		catalog:  catalog,
		loader:   keys.NewLoader(gw, o.store),
		engine:   pkcs7.NewEngine(gw, o.timestamper),
		resolver: signer.NewResolver(catalog, o.session),
	}
}

// Session returns the session of the service.
func (s *Service) Session() *session.Session {
	return s.sess
}

// Start registers API keys with the agent. tokens is a flat list of alternating domain and
// key strings; when empty the tokens of the previous start are used, then DefaultTokens().
func (s *Service) Start(ctx context.Context, tokens []string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "signing.Start")
	defer func() { telemetry.EndSpan(span, err) }()
	defer eimzoerr.Recover(&err)

	use := tokens
	if len(use) == 0 {
		use = s.sess.Tokens()
	}
	if len(use) == 0 {
		use = DefaultTokens()
	}
	if len(use)%2 != 0 {
		return eimzoerr.New(eimzoerr.CodeInvalidParameters, msgOddTokens).
			WithDetails(map[string]int{"count": len(use)})
	}

	if err := agent.APIKey(ctx, s.gw, use); err != nil {
		s.sess.MarkFailed()

		var rejected *agent.RejectedError
		if errors.As(err, &rejected) {
			msg := rejected.Reason
			if msg == "" {
				msg = msgInitFailed
			}
			return eimzoerr.Wrap(eimzoerr.CodeInitializationFailed, msg, err).WithDetails(rejected.Response.Raw())
		}
		return eimzoerr.Wrap(eimzoerr.CodeInitializationFailed, msgInitUnreachable, err)
	}

	s.sess.MarkInitialized(use)
	log.Info().Int("domains", len(use)/2).Msg("E-IMZO API initialized")

	return nil
}

// Initialized reports whether Start succeeded since the last Reset.
func (s *Service) Initialized() bool {
	return s.sess.Initialized()
}

// Reset forgets the session state, cached key handles and the timestamper.
func (s *Service) Reset() {
	s.sess.Reset()
	s.loader.Forget()
	s.engine.SetTimestamper(nil)
}

// SetTimestamper replaces the timestamper.
func (s *Service) SetTimestamper(ts pkcs7.Timestamper) {
	s.engine.SetTimestamper(ts)
}

// Certificates lists the software credentials, optionally only those of holder.
func (s *Service) Certificates(ctx context.Context, holder string) (creds []certs.Credential, err error) {
	defer eimzoerr.Recover(&err)
	return s.catalog.List(ctx, holder)
}

// Tokens lists the USB tokens plugged in.
func (s *Service) Tokens(ctx context.Context) (devices []certs.Device, err error) {
	defer eimzoerr.Recover(&err)
	return s.catalog.Tokens(ctx)
}

// Sign creates an attached signature of data. A nil signer falls back to the remembered
// identifier.
func (s *Service) Sign(ctx context.Context, data string, sg *signer.Signer, opts SignOptions) (res *Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, "signing.Sign", attribute.Bool("explicit_signer", sg != nil))
	defer func() { telemetry.EndSpan(span, err) }()
	defer eimzoerr.Recover(&err)

	resolution, err := s.resolver.Resolve(ctx, sg, true)
	if err != nil {
		return nil, err
	}
	return s.sign(ctx, resolution, data, opts)
}

// Attach adds a signer to existing. A nil signer falls back to the remembered identifier
// unless opts.IgnoreSearch is set.
func (s *Service) Attach(ctx context.Context, existing string, sg *signer.Signer, opts AttachOptions) (res *Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, "signing.Attach", attribute.Bool("join", opts.OriginalString != ""))
	defer func() { telemetry.EndSpan(span, err) }()
	defer eimzoerr.Recover(&err)

	resolution, err := s.resolver.Resolve(ctx, sg, !opts.IgnoreSearch)
	if err != nil {
		return nil, err
	}
	return s.accept(ctx, resolution, existing, opts)
}

// AcceptSignature adds sg as a signer of existing.
func (s *Service) AcceptSignature(ctx context.Context, sg signer.Signer, existing string, opts AttachOptions) (res *Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, "signing.AcceptSignature", attribute.String("signer", sg.Kind().String()))
	defer func() { telemetry.EndSpan(span, err) }()
	defer eimzoerr.Recover(&err)

	resolution, err := s.resolver.Resolve(ctx, &sg, false)
	if err != nil {
		return nil, err
	}
	return s.accept(ctx, resolution, existing, opts)
}

// AttachTimestampToken merges a raw timestamp token into the signer of pkcs7B64 with the
// given serial number.
func (s *Service) AttachTimestampToken(ctx context.Context, pkcs7B64, signerSerial, tokenB64 string) (out string, err error) {
	defer eimzoerr.Recover(&err)
	return s.engine.AttachTimestampToken(ctx, pkcs7B64, signerSerial, tokenB64)
}

func (s *Service) sign(ctx context.Context, r signer.Resolution, data string, opts SignOptions) (*Result, error) {
	handle, err := s.handle(ctx, r.Signer)
	if err != nil {
		return nil, err
	}

	p, err := s.engine.Create(ctx, handle, data, opts.Base64, !opts.NoTimestamp)
	if err != nil {
		return nil, err
	}

	log.Info().Str("signer", r.Signer.String()).Str("serial", p.SignerSerialNumber).Msg("Signature created")

	return newResult(p, r), nil
}

func (s *Service) accept(ctx context.Context, r signer.Resolution, existing string, opts AttachOptions) (*Result, error) {
	if _, ok := r.Signer.Token(); ok && opts.OriginalString != "" {
		return s.signAndJoin(ctx, r, existing, opts)
	}

	handle, err := s.handle(ctx, r.Signer)
	if err != nil {
		return nil, err
	}

	p, err := s.engine.AppendAttached(ctx, handle, existing, !opts.NoTimestamp)
	if err != nil {
		return nil, err
	}

	log.Info().Str("signer", r.Signer.String()).Str("serial", p.SignerSerialNumber).Msg("Signature attached")

	return newResult(p, r), nil
}

// signAndJoin signs the original content with a hardware token and joins the result with
// existing.
func (s *Service) signAndJoin(ctx context.Context, r signer.Resolution, existing string, opts AttachOptions) (*Result, error) {
	if opts.Joiner == nil {
		return nil, eimzoerr.New(eimzoerr.CodeInvalidParameters, msgJoinerRequired)
	}

	signOpts := opts.SignOptions
	signOpts.Base64 = true

	fresh, err := s.sign(ctx, r, opts.OriginalString, signOpts)
	if err != nil {
		return nil, err
	}

	joined, err := opts.Joiner.Join(ctx, existing, fresh.Signature)
	if err != nil {
		var e *eimzoerr.Error
		if errors.As(err, &e) {
			return nil, err
		}
		return nil, eimzoerr.Wrap(eimzoerr.CodeSignatureCreationFailed, msgJoinFailed, err)
	}

	fresh.Signature = joined
	return fresh, nil
}

// handle returns the key handle the agent signs with for sg.
func (s *Service) handle(ctx context.Context, sg signer.Signer) (string, error) {
	switch sg.Kind() {
	case signer.KindToken:
		t, _ := sg.Token()
		return string(t), nil
	case signer.KindCredential:
		cred, _ := sg.Credential()
		return s.loader.Handle(ctx, cred)
	default:
		return "", eimzoerr.New(eimzoerr.CodeInvalidCertificateType, eimzoerr.MsgInvalidCertificateType).
			WithDetails(map[string]string{"signer": sg.String()})
	}
}

func newResult(p *pkcs7.Result, r signer.Resolution) *Result {
	res := &Result{
		Signature:          p.PKCS7,
		SignerSerialNumber: p.SignerSerialNumber,
		Overdue:            r.Overdue,
	}
	if cred, ok := r.Signer.Credential(); ok {
		res.Credential = &cred
	}
	return res
}
