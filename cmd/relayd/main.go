// Command relayd runs the Intermediary broker, the upstream backend adapter,
// and the traffic linker as a single long-lived process, with an optional
// OS service lifecycle wrapper.
//
// The --install/--uninstall/--run flag surface and the kardianos/service
// Interface implementation are grounded on
// _examples/thatcooperguy-nvremote/apps/host-agent/cmd/agent/main.go. The
// structured JSON logging setup and graceful-shutdown-via-signal pattern are
// grounded on _examples/thatcooperguy-nvremote/apps/gateway/src/main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kardianos/service"

	"github.com/Nakashireyumi/neuro-relay/internal/backend"
	"github.com/Nakashireyumi/neuro-relay/internal/config"
	"github.com/Nakashireyumi/neuro-relay/internal/intermediary"
	"github.com/Nakashireyumi/neuro-relay/internal/linker"
	"github.com/Nakashireyumi/neuro-relay/internal/metrics"
)

const (
	serviceName        = "NeuroRelayBroker"
	serviceDisplayName = "Neuro Relay Broker"
	serviceDescription = "Runs the relay Intermediary, backend adapter, and traffic linker."
)

type program struct {
	cfg    *config.Config
	logger *slog.Logger
	cancel context.CancelFunc
}

func (p *program) Start(s service.Service) error {
	go p.run()
	return nil
}

func (p *program) Stop(s service.Service) error {
	p.logger.Info("service stop requested")
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}

func (p *program) run() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	defer cancel()

	if err := runRelay(ctx, p.cfg, p.logger); err != nil {
		p.logger.Error("relay exited with error", "error", err)
		os.Exit(1)
	}
}

func main() {
	var (
		doInstall   = flag.Bool("install", false, "install as an OS service")
		doUninstall = flag.Bool("uninstall", false, "uninstall the OS service")
		doRun       = flag.Bool("run", false, "run in the foreground (non-service mode)")
	)
	flag.Parse()

	logger := newLogger("info")
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger = newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	svcConfig := &service.Config{
		Name:        serviceName,
		DisplayName: serviceDisplayName,
		Description: serviceDescription,
	}

	p := &program{cfg: cfg, logger: logger}
	svc, err := service.New(p, svcConfig)
	if err != nil {
		logger.Error("failed to create service", "error", err)
		os.Exit(1)
	}

	switch {
	case *doInstall:
		if err := svc.Install(); err != nil {
			logger.Error("failed to install service", "error", err)
			os.Exit(1)
		}
		fmt.Println("service installed:", serviceName)

	case *doUninstall:
		if err := svc.Uninstall(); err != nil {
			logger.Error("failed to uninstall service", "error", err)
			os.Exit(1)
		}
		fmt.Println("service uninstalled:", serviceName)

	case *doRun, service.Interactive():
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		logger.Info("starting relay in foreground mode")
		if err := runRelay(ctx, cfg, logger); err != nil {
			logger.Error("relay exited with error", "error", err)
			os.Exit(1)
		}

	default:
		if err := svc.Run(); err != nil {
			logger.Error("service run failed", "error", err)
			os.Exit(1)
		}
	}
}

// runRelay wires the Intermediary broker, the backend adapter, the traffic
// linker, and the metrics/health surface together and blocks until ctx is
// cancelled or a component fails fatally.
func runRelay(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	broker, err := intermediary.New(intermediary.Config{
		Host:      cfg.Intermediary.Host,
		Port:      cfg.Intermediary.Port,
		AuthToken: cfg.Intermediary.AuthToken,
		QueuePath: cfg.Intermediary.RelayQueue,
	}, logger.With("component", "intermediary"))
	if err != nil {
		return fmt.Errorf("constructing intermediary broker: %w", err)
	}

	adapter := backend.New(backend.Config{
		UpstreamURL: "ws://" + config.Addr(cfg.NakurityClient.Host, cfg.NakurityClient.Port),
	}, broker, logger.With("component", "backend"), nil)
	broker.SetForwarder(adapter)

	link := linker.New("relay-outbound", logger.With("component", "linker"))
	link.SetSender(adapter)

	metricsSrv := &http.Server{Addr: cfg.Metrics.Listen, Handler: metrics.NewServeMux()}

	errCh := make(chan error, 3)
	go func() { errCh <- broker.Serve(ctx) }()
	go func() { errCh <- adapter.Run(ctx) }()
	go link.Run(ctx)
	go func() {
		logger.Info("metrics/health listening", "addr", cfg.Metrics.Listen)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	go pollQueueDepth(ctx, broker)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func pollQueueDepth(ctx context.Context, broker *intermediary.Broker) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.QueueDepth.Set(float64(broker.QueueDepth()))
			metrics.IntegrationsConnected.Set(float64(len(broker.Registry().Integrations())))
			metrics.WatchersConnected.Set(float64(len(broker.Registry().Watchers())))
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
