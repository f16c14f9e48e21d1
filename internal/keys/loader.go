// Package keys turns credentials into key handles the agent can sign with.
//
// certkey handles are loaded for every operation. pfx containers prompt for a password when
// loaded, so their handles are kept in a HandleStore keyed by serial number and reused for
// the rest of the session. A cached handle the agent no longer knows surfaces as a signing
// failure; the store does not validate handles.
package keys

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/sakerinn/eimzo/internal/agent"
	"github.com/sakerinn/eimzo/internal/certs"
	"github.com/sakerinn/eimzo/internal/eimzoerr"
	"github.com/sakerinn/eimzo/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	msgCertkeyParams = "certkey credential requires disk, path, name and serial number"
	msgPfxParams     = "pfx credential requires disk, name and alias"
)

// Loader acquires key handles for credentials.
type Loader struct {
	gw    agent.Gateway
	store HandleStore
}

// NewLoader creates a loader caching pfx handles in store. A nil store keeps handles in memory.
func NewLoader(gw agent.Gateway, store HandleStore) *Loader {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Loader{gw: gw, store: store}
}

// Handle returns a key handle for cred using its family's policy.
func (l *Loader) Handle(ctx context.Context, cred certs.Credential) (string, error) {
	switch cred.Family {
	case certs.FamilyCertkey:
		return l.LoadCertkey(ctx, cred)
	case certs.FamilyPfx:
		return l.PfxHandle(ctx, cred)
	default:
		return "", eimzoerr.New(eimzoerr.CodeInvalidCertificateType, eimzoerr.MsgInvalidCertificateType).
			WithDetails(map[string]any{"actual": cred.Family})
	}
}

// LoadCertkey loads the key of a certkey credential. The handle is never cached.
func (l *Loader) LoadCertkey(ctx context.Context, cred certs.Credential) (string, error) {
	if err := expectFamily(cred, certs.FamilyCertkey); err != nil {
		return "", err
	}
	if cred.Disk == "" || cred.Path == "" || cred.Name == "" || cred.SerialNumber == "" {
		return "", eimzoerr.New(eimzoerr.CodeInvalidParameters, msgCertkeyParams).WithDetails(cred)
	}

	return l.load(ctx, agent.Call{
		Plugin:    agent.PluginCertkey,
		Name:      agent.OpLoadKey,
		Arguments: []any{cred.Disk, cred.Path, cred.Name, cred.SerialNumber},
	})
}

// PfxHandle returns the cached handle for a pfx credential, loading it on a miss.
func (l *Loader) PfxHandle(ctx context.Context, cred certs.Credential) (string, error) {
	if err := expectFamily(cred, certs.FamilyPfx); err != nil {
		return "", err
	}

	if cred.SerialNumber != "" {
		if handle, ok := l.store.Get(cred.SerialNumber); ok {
			telemetry.GetMetrics().KeyCacheHitsTotal.Add(ctx, 1)
			log.Debug().Str("serial", cred.SerialNumber).Msg("Key handle cache hit")
			return handle, nil
		}
	}

	return l.LoadPfx(ctx, cred)
}

// LoadPfx loads the key of a pfx credential and caches the handle under its serial number.
// The path may be empty for containers in the disk root.
func (l *Loader) LoadPfx(ctx context.Context, cred certs.Credential) (string, error) {
	if err := expectFamily(cred, certs.FamilyPfx); err != nil {
		return "", err
	}
	if cred.Disk == "" || cred.Name == "" || cred.Alias == "" {
		return "", eimzoerr.New(eimzoerr.CodeInvalidParameters, msgPfxParams).WithDetails(cred)
	}

	handle, err := l.load(ctx, agent.Call{
		Plugin:    agent.PluginPfx,
		Name:      agent.OpLoadKey,
		Arguments: []any{cred.Disk, cred.Path, cred.Name, cred.Alias},
	})
	if err != nil {
		return "", err
	}

	if cred.SerialNumber != "" {
		l.store.Set(cred.SerialNumber, handle)
		log.Debug().Str("serial", cred.SerialNumber).Msg("Cached key handle")
	}
	return handle, nil
}

// Forget drops every cached handle.
func (l *Loader) Forget() {
	l.store.Clear()
}

func (l *Loader) load(ctx context.Context, call agent.Call) (string, error) {
	telemetry.GetMetrics().KeyLoadsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("family", call.Plugin)))

	resp, err := l.gw.Invoke(ctx, call)
	if err != nil {
		var rejected *agent.RejectedError
		if errors.As(err, &rejected) {
			msg := rejected.Reason
			if msg == "" {
				msg = eimzoerr.MsgKeyLoadFailed
			}
			return "", eimzoerr.Wrap(eimzoerr.CodeKeyLoadFailed, msg, err).WithDetails(rejected.Response.Raw())
		}
		return "", eimzoerr.Wrap(eimzoerr.CodeKeyLoadFailed, eimzoerr.MsgKeyLoadFailed, err)
	}

	var payload struct {
		KeyID string `json:"keyId"`
	}
	if err := resp.Decode(&payload); err != nil || payload.KeyID == "" {
		return "", eimzoerr.Wrap(eimzoerr.CodeKeyLoadFailed, eimzoerr.MsgKeyLoadFailed, err).WithDetails(resp.Raw())
	}

	return payload.KeyID, nil
}

func expectFamily(cred certs.Credential, want certs.Family) error {
	if cred.Family == want {
		return nil
	}
	return eimzoerr.New(eimzoerr.CodeInvalidCertificateType, eimzoerr.MsgInvalidCertificateType).
		WithDetails(map[string]any{"expected": want, "actual": cred.Family})
}
