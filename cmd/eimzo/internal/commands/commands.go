package commands

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/sakerinn/eimzo"
	"github.com/sakerinn/eimzo/internal/agent"
	"github.com/sakerinn/eimzo/internal/logger"
	"github.com/sakerinn/eimzo/internal/profile"
	"github.com/sakerinn/eimzo/internal/signer"
)

// stdout is where command output goes.
var stdout io.Writer = os.Stdout

type Globals struct {
	Debug      bool
	Version    string
	AgentURL   string
	Origin     string
	ProfileDir string
	TSAURL     string
	Insecure   bool

	// HandleCacheDir keeps pfx key handles on disk between invocations. Empty keeps them
	// for the life of the process only.
	HandleCacheDir string

	// gw replaces the agent connection in tests.
	gw agent.Gateway
}

// openProfile loads the profile and applies it under the command line flags.
func (g *Globals) openProfile() (*profile.Store, *profile.Profile, error) {
	store, err := profile.NewStore(g.ProfileDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open profile: %w", err)
	}

	p, err := store.Load()
	if err != nil {
		return nil, nil, err
	}

	if g.AgentURL != "" {
		p.AgentURL = g.AgentURL
	}
	if g.Origin != "" {
		p.Origin = g.Origin
	}
	if g.TSAURL != "" {
		p.TSAURL = g.TSAURL
	}
	if g.HandleCacheDir != "" {
		p.HandleCacheDir = g.HandleCacheDir
	}

	return store, p, nil
}

// gateway builds the agent connection for p.
func (g *Globals) gateway(p *profile.Profile) agent.Gateway {
	if g.gw != nil {
		return g.gw
	}

	cfg := agent.Config{URL: p.AgentURL, Origin: p.Origin}
	if g.Insecure {
		cfg.TLS = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // the agent serves a self-signed certificate
	}

	var gw agent.Gateway = agent.NewClient(cfg)
	if g.Debug {
		gw = logger.NewGatewayCalls(log.Logger, gw)
	}
	return gw
}

// newClient builds a client for p without starting it.
func (g *Globals) newClient(p *profile.Profile) *eimzo.Client {
	return eimzo.New(eimzo.Config{
		Gateway:        g.gateway(p),
		HandleCacheDir: p.HandleCacheDir,
		TSAURL:         p.TSAURL,
	})
}

// connect returns a started client with the remembered default signer applied.
func (g *Globals) connect(ctx context.Context) (*eimzo.Client, *profile.Store, error) {
	store, p, err := g.openProfile()
	if err != nil {
		return nil, nil, err
	}

	client := g.newClient(p)
	if err := client.Start(ctx, p.APIKeys); err != nil {
		return nil, nil, err
	}
	if p.DefaultIdentifier != "" {
		client.SetDefaultIdentifier(p.DefaultIdentifier)
	}

	return client, store, nil
}

// pickSigner turns a --signer value into a signer. Empty means the default one.
func pickSigner(ctx context.Context, client *eimzo.Client, id string) (*eimzo.Signer, error) {
	if id == "" {
		return nil, nil
	}

	if tok, ok := signer.ParseToken(id); ok {
		sg := eimzo.FromToken(tok)
		return &sg, nil
	}

	creds, err := client.Certificates(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, c := range creds {
		if c.Matches(id) || strings.EqualFold(c.SerialNumber, id) {
			sg := eimzo.FromCredential(c)
			return &sg, nil
		}
	}

	return nil, fmt.Errorf("no certificate matches %q", id)
}

// readInput reads a file, or stdin for "-".
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// writeOutput writes s to path, or to w when path is empty or "-".
func writeOutput(w io.Writer, path, s string) error {
	if path == "" || path == "-" {
		_, err := fmt.Fprintln(w, s)
		return err
	}
	if err := os.WriteFile(path, []byte(s+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
