// Package certs enumerates the signing credentials offered by the agent.
package certs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sakerinn/eimzo/internal/agent"
	"github.com/sakerinn/eimzo/internal/eimzoerr"
	"github.com/sakerinn/eimzo/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MsgNoCertificateSource is reported when neither backend could list certificates.
const MsgNoCertificateSource = "failed to list certificates from any source"

// Catalog lists credentials from the pfx and certkey backends.
type Catalog struct {
	gw    agent.Gateway
	ready func() bool
	now   func() time.Time
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithReadiness makes enumeration fail with CodeNotInitialized while ready returns false.
func WithReadiness(ready func() bool) Option {
	return func(c *Catalog) {
		c.ready = ready
	}
}

// WithClock sets the clock used for the overdue computation.
func WithClock(now func() time.Time) Option {
	return func(c *Catalog) {
		c.now = now
	}
}

// NewCatalog creates a catalog issuing calls through gw.
func NewCatalog(gw agent.Gateway, opts ...Option) *Catalog {
	c := &Catalog{
		gw:    gw,
		ready: func() bool { return true },
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type listing struct {
	records []Record
	err     error
}

// List enumerates both software backends concurrently and returns their credentials with
// non-overdue ones first. When holder is not empty only credentials whose holder id or PINFL
// equals it are returned; an empty result is not an error.
//
// List fails only when both backends fail; the error then carries both failures.
func (c *Catalog) List(ctx context.Context, holder string) ([]Credential, error) {
	if !c.ready() {
		return nil, eimzoerr.New(eimzoerr.CodeNotInitialized, eimzoerr.MsgNotInitialized)
	}

	var pfx, certkey listing
	var wg sync.WaitGroup
	wg.Go(func() {
		pfx.records, pfx.err = c.enumerate(ctx, FamilyPfx)
	})
	wg.Go(func() {
		certkey.records, certkey.err = c.enumerate(ctx, FamilyCertkey)
	})
	wg.Wait()

	if pfx.err != nil && certkey.err != nil {
		return nil, eimzoerr.Wrap(eimzoerr.CodeServiceError, MsgNoCertificateSource, errors.Join(pfx.err, certkey.err)).
			WithDetails(map[string]error{
				string(FamilyPfx):     pfx.err,
				string(FamilyCertkey): certkey.err,
			})
	}

	for _, l := range []struct {
		family Family
		err    error
	}{{FamilyPfx, pfx.err}, {FamilyCertkey, certkey.err}} {
		if l.err != nil {
			log.Warn().Err(l.err).Str("family", string(l.family)).Msg("Certificate source failed, using the other one")
		}
	}

	now := c.now()
	creds := make([]Credential, 0, len(pfx.records)+len(certkey.records))
	for _, rec := range pfx.records {
		creds = append(creds, c.credential(FamilyPfx, rec, now))
	}
	for _, rec := range certkey.records {
		creds = append(creds, c.credential(FamilyCertkey, rec, now))
	}

	SortByOverdue(creds)

	if holder != "" {
		creds = Filter(creds, holder)
	}

	m := telemetry.GetMetrics()
	for family, n := range countBy(creds) {
		m.CertificatesEnumerate.Add(ctx, int64(n), metric.WithAttributes(attribute.String("family", string(family))))
	}

	return creds, nil
}

func (c *Catalog) credential(family Family, rec Record, now time.Time) Credential {
	cred := NewCredential(family, rec)
	cred.Overdue = IsOverdue(cred.Expiry(), now)
	return cred
}

func (c *Catalog) enumerate(ctx context.Context, family Family) ([]Record, error) {
	call := agent.Call{Plugin: string(family), Name: agent.OpListAllCertificates}

	resp, err := c.gw.Invoke(ctx, call)
	if err != nil {
		return nil, serviceError(family, err)
	}

	var payload struct {
		Certificates []Record `json:"certificates"`
	}
	if err := resp.Decode(&payload); err != nil {
		return nil, eimzoerr.Wrap(eimzoerr.CodeServiceError, fmt.Sprintf("failed to list %s certificates", family), err).
			WithDetails(resp.Raw())
	}
	if payload.Certificates == nil {
		return nil, eimzoerr.New(eimzoerr.CodeServiceError, fmt.Sprintf("failed to list %s certificates", family)).
			WithDetails(resp.Raw())
	}

	return payload.Certificates, nil
}

// serviceError classifies a failed enumeration call of family.
func serviceError(family Family, err error) error {
	var rejected *agent.RejectedError
	if errors.As(err, &rejected) {
		msg := rejected.Reason
		if msg == "" {
			msg = fmt.Sprintf("failed to list %s certificates", family)
		}
		return eimzoerr.Wrap(eimzoerr.CodeServiceError, msg, err).WithDetails(rejected.Response.Raw())
	}
	return eimzoerr.Wrap(eimzoerr.CodeServiceError, fmt.Sprintf("failed to connect to agent (%s)", family), err)
}

// SortByOverdue moves overdue credentials after the others, keeping the relative order
// within each group.
func SortByOverdue(creds []Credential) {
	slices.SortStableFunc(creds, func(a, b Credential) int {
		return rank(a.Overdue) - rank(b.Overdue)
	})
}

func rank(overdue bool) int {
	if overdue {
		return 1
	}
	return 0
}

// Filter returns the credentials matching holder, in order.
func Filter(creds []Credential, holder string) []Credential {
	out := make([]Credential, 0, len(creds))
	for _, c := range creds {
		if c.Matches(holder) {
			out = append(out, c)
		}
	}
	return out
}

// Device is a hardware token plugged into the machine.
type Device struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceID"`
}

func (d Device) String() string {
	return d.Type + " - " + d.DeviceID
}

// Tokens lists the USB tokens the agent can see.
func (c *Catalog) Tokens(ctx context.Context) ([]Device, error) {
	if !c.ready() {
		return nil, eimzoerr.New(eimzoerr.CodeNotInitialized, eimzoerr.MsgNotInitialized)
	}

	resp, err := c.gw.Invoke(ctx, agent.Call{Plugin: agent.PluginCKC, Name: agent.OpListCKC})
	if err != nil {
		return nil, serviceError(FamilyCKC, err)
	}

	var payload struct {
		Devices []Device `json:"devices"`
	}
	if err := resp.Decode(&payload); err != nil || payload.Devices == nil {
		return nil, eimzoerr.Wrap(eimzoerr.CodeServiceError, "failed to list USB tokens", err).
			WithDetails(resp.Raw())
	}

	log.Debug().Int("count", len(payload.Devices)).Msg("Listed USB tokens")

	return payload.Devices, nil
}

// countBy counts credentials per family.
func countBy(creds []Credential) map[Family]int {
	m := make(map[Family]int)
	for _, c := range creds {
		m[c.Family]++
	}
	return m
}

// Summary describes a listing for logs and CLI output.
type Summary struct {
	Total   int
	Overdue int
	ByType  map[Family]int
}

// Summarize counts credentials by family and overdue state.
func Summarize(creds []Credential) Summary {
	s := Summary{Total: len(creds), ByType: countBy(creds)}
	for _, c := range creds {
		if c.Overdue {
			s.Overdue++
		}
	}
	return s
}
