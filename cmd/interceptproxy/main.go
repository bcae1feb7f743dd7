// Command interceptproxy runs the standalone transparent WebSocket
// pass-through that observes client traffic and side-channels notifications
// into a running Intermediary broker.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Nakashireyumi/neuro-relay/internal/config"
	"github.com/Nakashireyumi/neuro-relay/internal/interceptproxy"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	proxy := interceptproxy.New(interceptproxy.Config{
		Host:              cfg.InterceptProxy.Host,
		Port:              cfg.InterceptProxy.Port,
		UpstreamURL:       cfg.InterceptProxy.UpstreamURL,
		MatchCommands:     cfg.InterceptProxy.MatchCommands,
		IntegrationName:   cfg.InterceptProxy.IntegrationName,
		IntermediaryAddr:  config.Addr(cfg.Intermediary.Host, cfg.Intermediary.Port),
		IntermediaryToken: cfg.Intermediary.AuthToken,
	}, logger, interceptproxy.DialBrokerLink)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting intercept proxy")
	if err := proxy.Run(ctx); err != nil {
		logger.Error("intercept proxy exited with error", "error", err)
		os.Exit(1)
	}
}
