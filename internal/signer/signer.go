// Package signer decides which credential or hardware token signs an operation.
package signer

import (
	"github.com/sakerinn/eimzo/internal/certs"
)

// Token is the tag of a hardware token. The agent accepts the tag itself as a key handle.
type Token string

const (
	TokenIDCard Token = "idcard"
	TokenCKC    Token = "ckc"
)

// ParseToken reports whether s is a hardware token tag.
func ParseToken(s string) (Token, bool) {
	switch t := Token(s); t {
	case TokenIDCard, TokenCKC:
		return t, true
	}
	return "", false
}

// Kind discriminates the variants of a Signer.
type Kind int

const (
	// KindNone is the zero Signer, which no operation accepts.
	KindNone Kind = iota
	KindCredential
	KindToken
)

func (k Kind) String() string {
	switch k {
	case KindCredential:
		return "credential"
	case KindToken:
		return "token"
	default:
		return "none"
	}
}

// Signer is either a software credential or a hardware token.
type Signer struct {
	kind       Kind
	credential certs.Credential
	token      Token
}

// FromCredential makes a signer of a listed credential.
func FromCredential(cred certs.Credential) Signer {
	return Signer{kind: KindCredential, credential: cred}
}

// FromToken makes a signer of a hardware token.
func FromToken(t Token) Signer {
	return Signer{kind: KindToken, token: t}
}

// Kind returns the variant of s.
func (s Signer) Kind() Kind {
	return s.kind
}

// Credential returns the credential of a credential signer.
func (s Signer) Credential() (certs.Credential, bool) {
	return s.credential, s.kind == KindCredential
}

// Token returns the tag of a token signer.
func (s Signer) Token() (Token, bool) {
	return s.token, s.kind == KindToken
}

func (s Signer) String() string {
	switch s.kind {
	case KindCredential:
		return s.credential.String()
	case KindToken:
		return string(s.token)
	default:
		return "<none>"
	}
}
