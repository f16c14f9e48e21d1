package cms

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
	"github.com/sakerinn/eimzo/internal/certs"
	smpkcs7 "github.com/smallstep/pkcs7"
)

// Fingerprint returns the base58 encoded SHA-256 hash of der.
func Fingerprint(der []byte) string {
	hash := sha256.Sum256(der)
	return base58.Encode(hash[:])
}

// SignerInfo describes one signer of a PKCS#7 structure.
type SignerInfo struct {
	SerialNumber string    `json:"serial_number"`
	Subject      string    `json:"subject,omitempty"`
	Issuer       string    `json:"issuer,omitempty"`
	NotAfter     time.Time `json:"not_after,omitzero"`
	Fingerprint  string    `json:"fingerprint,omitempty"`
	certs.NationalIDs
}

// Info summarises an attached PKCS#7 structure.
type Info struct {
	Fingerprint  string       `json:"fingerprint"`
	ContentSize  int          `json:"content_size"`
	Certificates int          `json:"certificates"`
	Signers      []SignerInfo `json:"signers"`
}

// Inspect parses a base64 encoded PKCS#7 and verifies every signer against its embedded
// certificate. Chains are not checked.
func Inspect(pkcs7B64 string) (*Info, error) {
	der, err := decode(pkcs7B64)
	if err != nil {
		return nil, err
	}

	p7, err := smpkcs7.Parse(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPKCS7, err)
	}
	if err := p7.Verify(); err != nil {
		return nil, fmt.Errorf("failed to verify signature: %w", err)
	}

	info := &Info{
		Fingerprint:  Fingerprint(der),
		ContentSize:  len(p7.Content),
		Certificates: len(p7.Certificates),
	}

	for _, s := range p7.Signers {
		serial := s.IssuerAndSerialNumber.SerialNumber
		si := SignerInfo{SerialNumber: strings.ToUpper(serial.Text(16))}

		if cert := findCertificate(p7.Certificates, s.IssuerAndSerialNumber.IssuerName.FullBytes, serial.Bytes()); cert != nil {
			si.Subject = cert.Subject.String()
			si.Issuer = cert.Issuer.String()
			si.NotAfter = cert.NotAfter
			si.Fingerprint = Fingerprint(cert.Raw)
			si.NationalIDs = nationalIDs(cert)
		}
		info.Signers = append(info.Signers, si)
	}

	return info, nil
}

// nationalIDs reads INN and PINFL from cert. Foreign and test certificates carry neither.
func nationalIDs(cert *x509.Certificate) certs.NationalIDs {
	ids, err := certs.ExtractNationalIDs(cert)
	if err != nil {
		if !errors.Is(err, certs.ErrAttributeNotFound) {
			log.Debug().Err(err).Str("subject", cert.Subject.String()).Msg("Unreadable national identifiers")
		}
		return certs.NationalIDs{}
	}
	return ids
}

func findCertificate(list []*x509.Certificate, issuer, serial []byte) *x509.Certificate {
	for _, cert := range list {
		if bytes.Equal(cert.SerialNumber.Bytes(), serial) && bytes.Equal(cert.RawIssuer, issuer) {
			return cert
		}
	}
	return nil
}
