// Package cms merges and inspects attached PKCS#7 SignedData produced by the agent.
//
// Hardware tokens sign a fresh copy of the original data instead of appending to an existing
// signature, so the two results have to be joined locally. The Joiner only moves existing
// ASN.1 elements between structures: certificates, digest algorithms, CRLs and signer infos.
// It never signs anything.
package cms

import (
	"bytes"
	"context"
	"encoding/asn1"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	smpkcs7 "github.com/smallstep/pkcs7"
)

var (
	ErrNotSignedData   = errors.New("not a PKCS#7 SignedData")
	ErrContentMismatch = errors.New("signed contents differ")
	ErrDetachedContent = errors.New("detached signatures cannot be joined")
	ErrMalformedPKCS7  = errors.New("malformed PKCS#7")
	ErrInvalidEncoding = errors.New("invalid base64 encoding")
	errNothingToJoin   = errors.New("empty PKCS#7")
)

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type signedData struct {
	Version          int
	DigestAlgorithms []asn1.RawValue `asn1:"set"`
	ContentInfo      asn1.RawValue
	Certificates     []asn1.RawValue `asn1:"optional,tag:0"`
	CRLs             []asn1.RawValue `asn1:"optional,tag:1"`
	SignerInfos      []asn1.RawValue `asn1:"set"`
}

// Joiner merges the signer of one attached PKCS#7 into another over the same content.
type Joiner struct{}

// NewJoiner creates a Joiner.
func NewJoiner() *Joiner {
	return &Joiner{}
}

// Join adds the signers, certificates and digest algorithms of fresh to existing. Both are
// base64 encoded DER. The content and content info of existing are kept.
func (j *Joiner) Join(ctx context.Context, existing, fresh string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	baseDER, err := decode(existing)
	if err != nil {
		return "", fmt.Errorf("existing signature: %w", err)
	}
	freshDER, err := decode(fresh)
	if err != nil {
		return "", fmt.Errorf("new signature: %w", err)
	}

	if err := sameContent(baseDER, freshDER); err != nil {
		return "", err
	}

	base, err := parseSignedData(baseDER)
	if err != nil {
		return "", fmt.Errorf("existing signature: %w", err)
	}
	add, err := parseSignedData(freshDER)
	if err != nil {
		return "", fmt.Errorf("new signature: %w", err)
	}

	merged := *base
	merged.Version = max(base.Version, add.Version)
	merged.DigestAlgorithms = union(base.DigestAlgorithms, add.DigestAlgorithms)
	merged.Certificates = union(base.Certificates, add.Certificates)
	merged.CRLs = union(base.CRLs, add.CRLs)
	merged.SignerInfos = append(append([]asn1.RawValue{}, base.SignerInfos...), add.SignerInfos...)

	der, err := marshalSignedData(&merged)
	if err != nil {
		return "", err
	}

	p7, err := smpkcs7.Parse(der)
	if err != nil {
		return "", fmt.Errorf("%w: joined structure: %v", ErrMalformedPKCS7, err)
	}

	log.Debug().
		Int("signers", len(p7.Signers)).
		Int("certificates", len(p7.Certificates)).
		Msg("Joined PKCS7 signatures")

	return base64.StdEncoding.EncodeToString(der), nil
}

func decode(s string) ([]byte, error) {
	der, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	if len(der) == 0 {
		return nil, errNothingToJoin
	}
	return der, nil
}

// sameContent checks both structures carry the same encapsulated content.
func sameContent(a, b []byte) error {
	pa, err := smpkcs7.Parse(a)
	if err != nil {
		return fmt.Errorf("%w: existing signature: %v", ErrMalformedPKCS7, err)
	}
	pb, err := smpkcs7.Parse(b)
	if err != nil {
		return fmt.Errorf("%w: new signature: %v", ErrMalformedPKCS7, err)
	}
	if len(pa.Content) == 0 || len(pb.Content) == 0 {
		return ErrDetachedContent
	}
	if !bytes.Equal(pa.Content, pb.Content) {
		return ErrContentMismatch
	}
	return nil
}

func parseSignedData(der []byte) (*signedData, error) {
	var info contentInfo
	rest, err := asn1.Unmarshal(der, &info)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPKCS7, err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformedPKCS7)
	}
	if !info.ContentType.Equal(smpkcs7.OIDSignedData) {
		return nil, fmt.Errorf("%w: content type %s", ErrNotSignedData, info.ContentType)
	}

	var sd signedData
	if _, err := asn1.Unmarshal(info.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPKCS7, err)
	}
	return &sd, nil
}

func marshalSignedData(sd *signedData) ([]byte, error) {
	inner, err := asn1.Marshal(*sd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode signed data: %w", err)
	}
	outer := contentInfo{
		ContentType: smpkcs7.OIDSignedData,
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, Bytes: inner, IsCompound: true},
	}
	der, err := asn1.Marshal(outer)
	if err != nil {
		return nil, fmt.Errorf("failed to encode content info: %w", err)
	}
	return der, nil
}

// union appends the elements of b missing from a, comparing encodings.
func union(a, b []asn1.RawValue) []asn1.RawValue {
	out := append([]asn1.RawValue{}, a...)
	for _, v := range b {
		found := false
		for _, have := range out {
			if bytes.Equal(have.FullBytes, v.FullBytes) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
