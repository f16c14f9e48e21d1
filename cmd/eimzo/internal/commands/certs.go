package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/sakerinn/eimzo/internal/certs"
)

// CertsCmd lists the software certificates.
type CertsCmd struct {
	Holder string `help:"Only show certificates of this holder id or PINFL"`
	JSON   bool   `help:"Print as JSON"`
}

func (c *CertsCmd) Run(ctx context.Context, globals *Globals) error {
	client, _, err := globals.connect(ctx)
	if err != nil {
		return err
	}

	creds, err := client.Certificates(ctx, c.Holder)
	if err != nil {
		return err
	}

	if c.JSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(creds)
	}

	printCertificates(creds)
	return nil
}

func printCertificates(creds []certs.Credential) {
	if len(creds) == 0 {
		fmt.Fprintln(stdout, "No certificates found.")
		return
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "HOLDER\tSERIAL\tTYPE\tVALID TO\tSTATUS\tNAME")

	for _, c := range creds {
		status := "valid"
		if c.Overdue {
			status = "overdue"
		}

		name := c.Attributes["cn"]
		if len(name) > 32 {
			name = name[:29] + "..."
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", c.HolderID, c.SerialNumber, c.Family, c.Expiry(), status, name)
	}
	w.Flush()

	s := certs.Summarize(creds)
	fmt.Fprintf(stdout, "\nTotal: %d (pfx %d, certkey %d), overdue: %d\n",
		s.Total, s.ByType[certs.FamilyPfx], s.ByType[certs.FamilyCertkey], s.Overdue)
}

// TokensCmd lists the USB tokens.
type TokensCmd struct{}

func (t *TokensCmd) Run(ctx context.Context, globals *Globals) error {
	client, _, err := globals.connect(ctx)
	if err != nil {
		return err
	}

	devices, err := client.Tokens(ctx)
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Fprintln(stdout, "No USB tokens found.")
		return nil
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tDEVICE ID")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\n", d.Type, d.DeviceID)
	}
	return w.Flush()
}
