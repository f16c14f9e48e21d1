package logger

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/sakerinn/eimzo/internal/agent"
)

func Setup(dev bool) zerolog.Logger {
	var logger zerolog.Logger
	level := zerolog.InfoLevel
	if dev {
		level = zerolog.DebugLevel
	}

	logger = zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	if dev {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, FormatTimestamp: func(i any) string {
			return time.Now().Format(time.RFC3339)
		}}).Level(level).With().Caller().Stack().Logger()
	}

	return logger
}

var _ agent.Gateway = (*GatewayCalls)(nil)

// GatewayCalls logs every call passing through the wrapped gateway.
type GatewayCalls struct {
	logger zerolog.Logger
	next   agent.Gateway
}

func NewGatewayCalls(logger zerolog.Logger, next agent.Gateway) *GatewayCalls {
	return &GatewayCalls{logger: logger, next: next}
}

func (g *GatewayCalls) Invoke(ctx context.Context, call agent.Call) (*agent.Response, error) {
	started := time.Now()

	ctx = g.logger.With().
		Str("plugin", call.Plugin).
		Str("name", call.Name).
		Int("args", len(call.Arguments)).
		Logger().WithContext(ctx)

	resp, err := g.next.Invoke(ctx, call)

	if err != nil {
		var rejected *agent.RejectedError
		if errors.As(err, &rejected) {
			// rejections are answers, not faults
			zerolog.Ctx(ctx).Warn().
				Str("reason", rejected.Reason).
				Dur("duration", time.Since(started)).
				Msg("agent call rejected")
			return resp, err
		}

		zerolog.Ctx(ctx).Error().
			Err(err).
			Dur("duration", time.Since(started)).
			Msg("agent call")

		return resp, err
	}

	zerolog.Ctx(ctx).Debug().
		Dur("duration", time.Since(started)).
		Msg("agent call")

	return resp, err
}
