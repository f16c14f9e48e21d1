package certs

import (
	"fmt"
	"strings"
	"time"
)

// Family identifies the backend a credential lives in.
type Family string

const (
	// FamilyCertkey credentials are addressed by disk, path, name and serial number.
	FamilyCertkey Family = "certkey"
	// FamilyPfx credentials are PFX containers addressed by disk, path, name and alias.
	FamilyPfx Family = "pfx"
	// FamilyIDCard is the national ID card reader.
	FamilyIDCard Family = "idcard"
	// FamilyCKC is a USB token.
	FamilyCKC Family = "ckc"
)

// Credential is one signing identity offered by the agent.
type Credential struct {
	HolderID     string `json:"holderId"`
	SerialNumber string `json:"serialNumber"`
	Family       Family `json:"type"`
	Overdue      bool   `json:"overdue"`
	// Attributes is the subject name parsed into lowercased keys with national identifier
	// OIDs renamed to "inn" and "pinfl".
	Attributes map[string]string `json:"attributes"`

	Disk  string `json:"disk,omitempty"`
	Path  string `json:"path,omitempty"`
	Name  string `json:"name,omitempty"`
	Alias string `json:"alias,omitempty"`

	SubjectName string `json:"subjectName,omitempty"`
	ValidFrom   string `json:"validFrom,omitempty"`
	ValidTo     string `json:"validTo,omitempty"`
	IssuerName  string `json:"issuerName,omitempty"`
}

// Record is a certificate entry as listed by the agent.
type Record struct {
	Disk        string `json:"disk"`
	Path        string `json:"path"`
	Name        string `json:"name"`
	Alias       string `json:"alias"`
	SubjectName string `json:"subjectName"`
	ValidFrom   string `json:"validFrom"`
	ValidTo     string `json:"validTo"`
	IssuerName  string `json:"issuerName"`
}

// rawName returns the name string the family encodes its subject in.
func (r Record) rawName(family Family) string {
	if family == FamilyPfx {
		return r.Alias
	}
	return r.SubjectName
}

// NewCredential builds a credential from an agent record. Overdue is left unset.
func NewCredential(family Family, rec Record) Credential {
	raw := rec.rawName(family)

	cred := Credential{
		HolderID:     holderID(family, raw),
		SerialNumber: serialNumber(raw),
		Family:       family,
		Attributes:   Attributes(raw),
		Disk:         rec.Disk,
		Path:         rec.Path,
		Name:         rec.Name,
		Alias:        rec.Alias,
		SubjectName:  rec.SubjectName,
		ValidFrom:    rec.ValidFrom,
		ValidTo:      rec.ValidTo,
		IssuerName:   rec.IssuerName,
	}
	return cred
}

// Expiry returns the validto date of the credential, preferring the subject attribute over
// the record field.
func (c Credential) Expiry() string {
	if v := c.Attributes["validto"]; v != "" {
		return v
	}
	return c.ValidTo
}

// PINFL returns the personal identification number from the subject, if any.
func (c Credential) PINFL() string {
	return c.Attributes["pinfl"]
}

// Matches reports whether the credential belongs to holder, by holder id or PINFL.
func (c Credential) Matches(holder string) bool {
	return c.HolderID == holder || (c.PINFL() != "" && c.PINFL() == holder)
}

func (c Credential) String() string {
	cn := c.Attributes["cn"]
	if cn == "" {
		cn = c.HolderID
	}
	return fmt.Sprintf("%s %s (%s)", c.Family, cn, c.SerialNumber)
}

// graceDays is how many calendar days after its validto day a credential is still valid.
const graceDays = 1

// IsOverdue reports whether a credential with the given validto date is past its grace
// period at now. The date is read as YYYY.MM.DD with an optional time part that is ignored,
// in now's location. The credential stays usable through the whole validto day and one
// further day. Dates that cannot be parsed are never overdue.
func IsOverdue(validTo string, now time.Time) bool {
	day, ok := parseDay(validTo, now.Location())
	if !ok {
		return false
	}
	return now.After(day.AddDate(0, 0, 1+graceDays))
}

func parseDay(s string, loc *time.Location) (time.Time, bool) {
	date, _, _ := strings.Cut(strings.TrimSpace(s), " ")
	if date == "" {
		return time.Time{}, false
	}

	t, err := time.ParseInLocation("2006.1.2", date, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
