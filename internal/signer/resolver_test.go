package signer

import (
	"context"
	"errors"
	"testing"

	"github.com/sakerinn/eimzo/internal/certs"
	"github.com/sakerinn/eimzo/internal/eimzoerr"
	"github.com/sakerinn/eimzo/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalog struct {
	creds   []certs.Credential
	err     error
	holders []string
}

func (f *fakeCatalog) List(ctx context.Context, holder string) ([]certs.Credential, error) {
	f.holders = append(f.holders, holder)
	return f.creds, f.err
}

func TestParseToken(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want Token
		ok   bool
	}{
		{"idcard", TokenIDCard, true},
		{"ckc", TokenCKC, true},
		{"CKC", "", false},
		{"123456789", "", false},
		{"", "", false},
	} {
		got, ok := ParseToken(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
	}
}

func TestSigner_Variants(t *testing.T) {
	cred := certs.Credential{HolderID: "1", SerialNumber: "S1", Family: certs.FamilyPfx}

	s := FromCredential(cred)
	assert.Equal(t, KindCredential, s.Kind())
	got, ok := s.Credential()
	assert.True(t, ok)
	assert.Equal(t, cred, got)
	_, ok = s.Token()
	assert.False(t, ok)

	s = FromToken(TokenCKC)
	assert.Equal(t, KindToken, s.Kind())
	tok, ok := s.Token()
	assert.True(t, ok)
	assert.Equal(t, TokenCKC, tok)
	assert.Equal(t, "ckc", s.String())

	var zero Signer
	assert.Equal(t, KindNone, zero.Kind())
}

func TestResolver_Resolve(t *testing.T) {
	ctx := context.Background()

	t.Run("explicit signer is used verbatim", func(t *testing.T) {
		catalog := &fakeCatalog{}
		sess := session.New()
		sess.SetDefaultIdentifier("999")
		explicit := FromToken(TokenIDCard)

		res, err := NewResolver(catalog, sess).Resolve(ctx, &explicit, true)
		require.NoError(t, err)
		assert.Equal(t, explicit, res.Signer)
		assert.False(t, res.FromDefault)
		assert.Empty(t, catalog.holders)
	})

	t.Run("default lookup disallowed", func(t *testing.T) {
		sess := session.New()
		sess.SetDefaultIdentifier("999")

		_, err := NewResolver(&fakeCatalog{}, sess).Resolve(ctx, nil, false)
		assert.Equal(t, eimzoerr.CodeInvalidParameters, eimzoerr.CodeOf(err))
		assert.ErrorIs(t, err, ErrNoKeyIdentifier)
	})

	t.Run("no remembered identifier", func(t *testing.T) {
		_, err := NewResolver(&fakeCatalog{}, session.New()).Resolve(ctx, nil, true)
		assert.Equal(t, eimzoerr.CodeInvalidParameters, eimzoerr.CodeOf(err))
		assert.ErrorIs(t, err, ErrNoKeyIdentifier)
	})

	t.Run("remembered token tag", func(t *testing.T) {
		catalog := &fakeCatalog{}
		sess := session.New()
		sess.SetDefaultIdentifier("ckc")

		res, err := NewResolver(catalog, sess).Resolve(ctx, nil, true)
		require.NoError(t, err)
		assert.Equal(t, FromToken(TokenCKC), res.Signer)
		assert.True(t, res.FromDefault)
		assert.Empty(t, catalog.holders)
	})

	t.Run("remembered holder picks the first credential", func(t *testing.T) {
		catalog := &fakeCatalog{creds: []certs.Credential{
			{HolderID: "12345", SerialNumber: "FIRST"},
			{HolderID: "12345", SerialNumber: "SECOND", Overdue: true},
		}}
		sess := session.New()
		sess.SetDefaultIdentifier("12345")

		res, err := NewResolver(catalog, sess).Resolve(ctx, nil, true)
		require.NoError(t, err)
		cred, ok := res.Signer.Credential()
		require.True(t, ok)
		assert.Equal(t, "FIRST", cred.SerialNumber)
		assert.False(t, res.Overdue)
		assert.Equal(t, []string{"12345"}, catalog.holders)
	})

	t.Run("only overdue credentials are still chosen", func(t *testing.T) {
		catalog := &fakeCatalog{creds: []certs.Credential{{HolderID: "12345", SerialNumber: "OLD", Overdue: true}}}
		sess := session.New()
		sess.SetDefaultIdentifier("12345")

		res, err := NewResolver(catalog, sess).Resolve(ctx, nil, true)
		require.NoError(t, err)
		assert.True(t, res.Overdue)
	})

	t.Run("no credential for the holder", func(t *testing.T) {
		sess := session.New()
		sess.SetDefaultIdentifier("12345")

		_, err := NewResolver(&fakeCatalog{creds: []certs.Credential{}}, sess).Resolve(ctx, nil, true)
		assert.Equal(t, eimzoerr.CodeCertificateNotFound, eimzoerr.CodeOf(err))
		assert.ErrorIs(t, err, ErrCertificateNotSelected)

		var e *eimzoerr.Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, map[string]string{"keyId": "12345"}, e.Details)
	})

	t.Run("catalog failure propagates", func(t *testing.T) {
		cause := eimzoerr.New(eimzoerr.CodeServiceError, "both failed")
		sess := session.New()
		sess.SetDefaultIdentifier("12345")

		_, err := NewResolver(&fakeCatalog{err: cause}, sess).Resolve(ctx, nil, true)
		assert.True(t, errors.Is(err, cause))
	})
}
