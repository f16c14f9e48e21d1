package commands

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/sakerinn/eimzo"
	"github.com/sakerinn/eimzo/internal/cms"
)

// SignCmd creates an attached signature of a file.
type SignCmd struct {
	Input       string `arg:"" help:"File to sign, - for stdin"`
	Signer      string `help:"Holder id, PINFL, serial number, idcard or ckc. Defaults to the default signer."`
	Base64      bool   `help:"Input is already base64 encoded"`
	NoTimestamp bool   `help:"Do not timestamp the signature"`
	Output      string `short:"o" help:"Write the signature to this file"`
	JSON        bool   `help:"Print the full result as JSON"`
}

func (s *SignCmd) Run(ctx context.Context, globals *Globals) error {
	data, err := readInput(s.Input)
	if err != nil {
		return err
	}
	payload := string(data)
	if s.Base64 {
		payload = strings.TrimSpace(payload)
	}

	client, _, err := globals.connect(ctx)
	if err != nil {
		return err
	}

	sg, err := pickSigner(ctx, client, s.Signer)
	if err != nil {
		return err
	}

	res, err := client.Sign(ctx, payload, sg, eimzo.SignOptions{Base64: s.Base64, NoTimestamp: s.NoTimestamp})
	if err != nil {
		return err
	}

	return printResult(res, s.Output, s.JSON)
}

// AttachCmd adds a signer to an existing attached signature.
type AttachCmd struct {
	Signature    string `arg:"" help:"File holding the base64 signature"`
	Signer       string `help:"Holder id, PINFL, serial number, idcard or ckc. Defaults to the default signer."`
	Original     string `help:"Original signed file, required for USB tokens"`
	IgnoreSearch bool   `help:"Do not fall back to the default signer"`
	NoTimestamp  bool   `help:"Do not timestamp the new signature"`
	Output       string `short:"o" help:"Write the signature to this file"`
	JSON         bool   `help:"Print the full result as JSON"`
}

func (a *AttachCmd) Run(ctx context.Context, globals *Globals) error {
	existing, err := readSignature(a.Signature)
	if err != nil {
		return err
	}

	opts := eimzo.AttachOptions{
		SignOptions:  eimzo.SignOptions{NoTimestamp: a.NoTimestamp},
		IgnoreSearch: a.IgnoreSearch,
		Joiner:       eimzo.NewJoiner(),
	}
	if a.Original != "" {
		original, err := readInput(a.Original)
		if err != nil {
			return err
		}
		opts.OriginalString = base64.StdEncoding.EncodeToString(original)
	}

	client, _, err := globals.connect(ctx)
	if err != nil {
		return err
	}

	sg, err := pickSigner(ctx, client, a.Signer)
	if err != nil {
		return err
	}

	res, err := client.Attach(ctx, existing, sg, opts)
	if err != nil {
		return err
	}

	return printResult(res, a.Output, a.JSON)
}

func printResult(res *eimzo.Result, output string, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	if res.Overdue {
		fmt.Fprintln(stdout, "warning: the signing certificate is overdue")
	}
	return writeOutput(stdout, output, res.Signature)
}

// JoinCmd merges the signers of two attached signatures over the same content.
type JoinCmd struct {
	Existing string `arg:"" help:"File holding the first signature"`
	Fresh    string `arg:"" help:"File holding the signature to merge in"`
	Output   string `short:"o" help:"Write the signature to this file"`
}

func (j *JoinCmd) Run(ctx context.Context, globals *Globals) error {
	existing, err := readSignature(j.Existing)
	if err != nil {
		return err
	}
	fresh, err := readSignature(j.Fresh)
	if err != nil {
		return err
	}

	joined, err := cms.NewJoiner().Join(ctx, existing, fresh)
	if err != nil {
		return err
	}

	return writeOutput(stdout, j.Output, joined)
}

// InspectCmd shows the signers of an attached signature.
type InspectCmd struct {
	Signature string `arg:"" help:"File holding the base64 signature"`
	JSON      bool   `help:"Print as JSON"`
}

func (i *InspectCmd) Run(ctx context.Context, globals *Globals) error {
	sig, err := readSignature(i.Signature)
	if err != nil {
		return err
	}

	info, err := cms.Inspect(sig)
	if err != nil {
		return err
	}

	if i.JSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	fmt.Fprintf(stdout, "Fingerprint:  %s\n", info.Fingerprint)
	fmt.Fprintf(stdout, "Content:      %d bytes\n", info.ContentSize)
	fmt.Fprintf(stdout, "Certificates: %d\n\n", info.Certificates)

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERIAL\tSUBJECT\tINN\tPINFL\tNOT AFTER")
	for _, s := range info.Signers {
		notAfter := ""
		if !s.NotAfter.IsZero() {
			notAfter = s.NotAfter.Format("2006-01-02")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.SerialNumber, s.Subject, s.INN, s.PINFL, notAfter)
	}
	return w.Flush()
}

// readSignature reads a base64 signature file, dropping line breaks.
func readSignature(path string) (string, error) {
	data, err := readInput(path)
	if err != nil {
		return "", err
	}
	return strings.Join(strings.Fields(string(data)), ""), nil
}
