package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog/log"
	"github.com/sakerinn/eimzo/cmd/eimzo/internal/commands"
	"github.com/sakerinn/eimzo/internal/logger"
	"github.com/sakerinn/eimzo/internal/telemetry"
)

var (
	version = "dev"
	cli     struct {
		Start   commands.StartCmd   `cmd:"" help:"Register API keys with the agent"`
		Status  commands.StatusCmd  `cmd:"" help:"Show the agent version"`
		Certs   commands.CertsCmd   `cmd:"" help:"List certificates offered by the agent"`
		Tokens  commands.TokensCmd  `cmd:"" help:"List USB tokens plugged in"`
		Sign    commands.SignCmd    `cmd:"" help:"Create an attached signature"`
		Attach  commands.AttachCmd  `cmd:"" help:"Add a signer to an existing signature"`
		Join    commands.JoinCmd    `cmd:"" help:"Merge the signers of two signatures over the same content"`
		Inspect commands.InspectCmd `cmd:"" help:"Show the signers of a signature"`
		Default commands.DefaultCmd `cmd:"" help:"Manage the default signer"`

		AgentURL   string `help:"Agent crypto API URL" env:"EIMZO_AGENT_URL"`
		Origin     string `help:"Origin sent to the agent" env:"EIMZO_ORIGIN"`
		ProfileDir string `help:"Profile directory" env:"EIMZO_PROFILE_DIR"`
		TSAURL     string `name:"tsa-url" help:"RFC 3161 timestamp authority URL" env:"EIMZO_TSA_URL"`
		Insecure   bool   `help:"Skip verification of the agent TLS certificate."`
		HandleDir  string `name:"handle-cache-dir" help:"Keep pfx key handles on disk between runs" env:"EIMZO_HANDLE_CACHE_DIR"`
		Telemetry  bool   `help:"Export traces and metrics over OTLP." env:"EIMZO_TELEMETRY"`
		Debug      bool   `help:"Enable debug mode."`
		Version    kong.VersionFlag
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))

	log.Logger = logger.Setup(cli.Debug)

	var shutdown func(context.Context) error
	if cli.Telemetry {
		var err error
		shutdown, err = telemetry.InitTelemetry(ctx, telemetry.Config{
			ServiceName: "eimzo-cli",
			Version:     version,
			SampleRatio: 1,
		})
		cmd.FatalIfErrorf(err)
	}

	err := cmd.Run(&commands.Globals{
		Debug:      cli.Debug,
		Version:    version,
		AgentURL:   cli.AgentURL,
		Origin:     cli.Origin,
		ProfileDir: cli.ProfileDir,
		TSAURL:     cli.TSAURL,
		Insecure:   cli.Insecure,

		HandleCacheDir: cli.HandleDir,
	})

	// FatalIfErrorf exits, flush first
	if shutdown != nil {
		if serr := shutdown(context.Background()); serr != nil {
			log.Warn().Err(serr).Msg("Failed to flush telemetry")
		}
	}
	cmd.FatalIfErrorf(err)
}
