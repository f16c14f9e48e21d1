package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/sakerinn/eimzo/internal/profile"
)

// DefaultCmd manages the signer used when --signer is not given.
type DefaultCmd struct {
	Set   DefaultSetCmd   `cmd:"" help:"Remember the default signer"`
	Show  DefaultShowCmd  `cmd:"" help:"Show the default signer"`
	Clear DefaultClearCmd `cmd:"" help:"Forget the default signer"`
}

type DefaultSetCmd struct {
	Identifier string `arg:"" help:"Holder id, PINFL, idcard or ckc"`
}

func (d *DefaultSetCmd) Run(ctx context.Context, globals *Globals) error {
	store, err := profile.NewStore(globals.ProfileDir)
	if err != nil {
		return fmt.Errorf("failed to open profile: %w", err)
	}

	if err := store.SetDefaultIdentifier(d.Identifier); err != nil {
		return fmt.Errorf("failed to set default signer: %w", err)
	}

	fmt.Fprintf(stdout, "Default signer set to %s\n", d.Identifier)
	return nil
}

type DefaultShowCmd struct{}

func (d *DefaultShowCmd) Run(ctx context.Context, globals *Globals) error {
	store, err := profile.NewStore(globals.ProfileDir)
	if err != nil {
		return fmt.Errorf("failed to open profile: %w", err)
	}

	id, err := store.DefaultIdentifier()
	if errors.Is(err, profile.ErrNoDefaultIdentifier) {
		fmt.Fprintln(stdout, "No default signer set.")
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, "To set one:")
		fmt.Fprintln(stdout, "  eimzo default set <holder-id>")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Fprintln(stdout, id)
	return nil
}

type DefaultClearCmd struct{}

func (d *DefaultClearCmd) Run(ctx context.Context, globals *Globals) error {
	store, err := profile.NewStore(globals.ProfileDir)
	if err != nil {
		return fmt.Errorf("failed to open profile: %w", err)
	}

	if err := store.ClearDefaultIdentifier(); err != nil {
		return fmt.Errorf("failed to clear default signer: %w", err)
	}

	fmt.Fprintln(stdout, "Default signer cleared")
	return nil
}
