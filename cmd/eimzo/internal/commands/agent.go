package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/sakerinn/eimzo/internal/agent"
)

// StartCmd registers API keys with the agent.
type StartCmd struct {
	Keys       []string `name:"key" help:"API key as domain=key, repeatable. Defaults to the saved keys."`
	Save       bool     `help:"Remember the keys in the profile"`
	ForgetKeys bool     `help:"Drop cached key handles, needed after the agent restarts when a handle cache dir is used"`
}

func (s *StartCmd) Run(ctx context.Context, globals *Globals) error {
	tokens, err := parseKeys(s.Keys)
	if err != nil {
		return err
	}

	store, p, err := globals.openProfile()
	if err != nil {
		return err
	}
	if tokens == nil {
		tokens = p.APIKeys
	}

	client := globals.newClient(p)
	if s.ForgetKeys {
		client.Reset()
		log.Info().Str("dir", p.HandleCacheDir).Msg("Cached key handles dropped")
	}
	if err := client.Start(ctx, tokens); err != nil {
		return err
	}

	if s.Save && len(s.Keys) > 0 {
		if err := store.SetAPIKeys(tokens); err != nil {
			return fmt.Errorf("failed to save api keys: %w", err)
		}
	}

	fmt.Fprintln(stdout, "E-IMZO API initialized")
	return nil
}

// parseKeys flattens domain=key pairs into the token list apikey takes.
func parseKeys(keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	tokens := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		domain, key, ok := strings.Cut(k, "=")
		if !ok || domain == "" || key == "" {
			return nil, fmt.Errorf("invalid api key %q, want domain=key", k)
		}
		tokens = append(tokens, domain, key)
	}
	return tokens, nil
}

// StatusCmd checks that the agent is reachable.
type StatusCmd struct {
	Wait time.Duration `help:"Keep retrying for this long while the agent is unreachable" default:"0s"`
}

func (s *StatusCmd) Run(ctx context.Context, globals *Globals) error {
	_, p, err := globals.openProfile()
	if err != nil {
		return err
	}
	gw := globals.gateway(p)

	var v *agent.Version
	if s.Wait <= 0 {
		v, err = agent.GetVersion(ctx, gw)
	} else {
		v, err = backoff.Retry(ctx, func() (*agent.Version, error) {
			v, err := agent.GetVersion(ctx, gw)
			var rejected *agent.RejectedError
			if errors.As(err, &rejected) {
				return nil, backoff.Permanent(err)
			}
			return v, err
		},
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithMaxElapsedTime(s.Wait),
			backoff.WithNotify(func(err error, next time.Duration) {
				log.Debug().Err(err).Dur("next", next).Msg("Agent not ready, retrying")
			}))
	}
	if err != nil {
		return fmt.Errorf("agent is not reachable: %w", err)
	}

	fmt.Fprintf(stdout, "E-IMZO agent %s\n", v)
	return nil
}
