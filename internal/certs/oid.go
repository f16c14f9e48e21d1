package certs

import (
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"strings"
)

// National identifier attributes found in Uzbek qualified certificate subjects.
var (
	// OIDNationalArc is the base arc of the national identifier attributes
	OIDNationalArc = asn1.ObjectIdentifier{1, 2, 860, 3, 16, 1}

	// OIDINN is the taxpayer identification number (INN) of the holder
	// Value: PrintableString or UTF8String
	OIDINN = asn1.ObjectIdentifier{1, 2, 860, 3, 16, 1, 1}

	// OIDPINFL is the personal identification number (PINFL) of the holder
	// Value: PrintableString or UTF8String
	OIDPINFL = asn1.ObjectIdentifier{1, 2, 860, 3, 16, 1, 2}
)

var mnemonics = map[string]string{
	OIDINN.String():   "INN",
	OIDPINFL.String(): "PINFL",
}

// ErrAttributeNotFound is returned when a subject attribute is missing
var ErrAttributeNotFound = errors.New("attribute not found")

// Mnemonic returns the attribute name for a dotted OID key, or key unchanged when it is not
// a known national identifier.
func Mnemonic(key string) string {
	if m, ok := mnemonics[strings.TrimSpace(key)]; ok {
		return m
	}
	return key
}

// NationalIDs holds the national identifiers of a certificate holder.
type NationalIDs struct {
	INN   string `json:"inn,omitempty"`
	PINFL string `json:"pinfl,omitempty"`
}

// ExtractNationalIDs reads INN and PINFL from the certificate subject.
func ExtractNationalIDs(cert *x509.Certificate) (NationalIDs, error) {
	var ids NationalIDs
	for _, atv := range cert.Subject.Names {
		var target *string
		switch {
		case atv.Type.Equal(OIDINN):
			target = &ids.INN
		case atv.Type.Equal(OIDPINFL):
			target = &ids.PINFL
		default:
			continue
		}

		s, ok := atv.Value.(string)
		if !ok {
			return NationalIDs{}, fmt.Errorf("unexpected value type %T for %s", atv.Value, atv.Type)
		}
		*target = s
	}

	if ids.INN == "" && ids.PINFL == "" {
		return NationalIDs{}, ErrAttributeNotFound
	}
	return ids, nil
}
