package signer

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/sakerinn/eimzo/internal/certs"
	"github.com/sakerinn/eimzo/internal/eimzoerr"
)

var (
	// ErrNoKeyIdentifier is returned when no signer was given and none can be looked up.
	ErrNoKeyIdentifier = errors.New("no key identifier given and no certificate passed")

	// ErrCertificateNotSelected is returned when the remembered holder has no credential.
	ErrCertificateNotSelected = errors.New("could not select a certificate for signing")
)

// Catalog lists credentials of a holder.
type Catalog interface {
	List(ctx context.Context, holder string) ([]certs.Credential, error)
}

// Defaults provides the remembered default identifier.
type Defaults interface {
	DefaultIdentifier() (string, bool)
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Signer Signer
	// Overdue is set when the chosen credential is already past its validity. It is only
	// computed for credentials looked up through the catalog.
	Overdue bool
	// FromDefault is set when the signer came from the remembered identifier.
	FromDefault bool
}

// Resolver picks the signer of an operation.
type Resolver struct {
	catalog  Catalog
	defaults Defaults
}

// NewResolver creates a resolver.
func NewResolver(catalog Catalog, defaults Defaults) *Resolver {
	return &Resolver{catalog: catalog, defaults: defaults}
}

// Resolve returns explicit when given. Otherwise, when allowDefault is set, it uses the
// remembered identifier: a token tag is used as is, anything else is a holder id whose first
// listed credential is chosen. Listings put usable credentials first, so an overdue credential
// is only chosen when the holder has nothing else; Resolution.Overdue tells the caller.
func (r *Resolver) Resolve(ctx context.Context, explicit *Signer, allowDefault bool) (Resolution, error) {
	if explicit != nil {
		return Resolution{Signer: *explicit, Overdue: explicit.credential.Overdue}, nil
	}

	if !allowDefault {
		return Resolution{}, missingIdentifier()
	}

	id, ok := r.defaults.DefaultIdentifier()
	if !ok {
		return Resolution{}, missingIdentifier()
	}

	if t, ok := ParseToken(id); ok {
		return Resolution{Signer: FromToken(t), FromDefault: true}, nil
	}

	creds, err := r.catalog.List(ctx, id)
	if err != nil {
		return Resolution{}, err
	}
	if len(creds) == 0 {
		return Resolution{}, eimzoerr.Wrap(eimzoerr.CodeCertificateNotFound, ErrCertificateNotSelected.Error(), ErrCertificateNotSelected).
			WithDetails(map[string]string{"keyId": id})
	}

	chosen := creds[0]
	if chosen.Overdue {
		log.Warn().
			Str("holder", id).
			Str("serial", chosen.SerialNumber).
			Str("valid_to", chosen.Expiry()).
			Msg("Only overdue certificates found, using the first one")
	}

	return Resolution{Signer: FromCredential(chosen), Overdue: chosen.Overdue, FromDefault: true}, nil
}

func missingIdentifier() error {
	return eimzoerr.Wrap(eimzoerr.CodeInvalidParameters, ErrNoKeyIdentifier.Error(), ErrNoKeyIdentifier)
}
