// Command bridge links a home battery's trading telemetry to the
// onbalansmarkt.com leaderboard. Metric events arrive over MQTT, the latest
// measurement is kept in a write-ahead log and re-sent on an aligned
// schedule, and leaderboard ranks come back as retained MQTT topics plus a
// live web dashboard.
//
// Usage:
//
//	bridge --config config.yaml
//	bridge setup (interactive configuration wizard)
//
// The ONBALANSMARKT_TOKEN environment variable overrides the configured API
// token.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hhi/onbalansmarkt-bridge/config"
	"github.com/hhi/onbalansmarkt-bridge/internal"
	"github.com/hhi/onbalansmarkt-bridge/internal/bridge"
	"github.com/hhi/onbalansmarkt-bridge/internal/events"
	"github.com/hhi/onbalansmarkt-bridge/internal/setup"
	"github.com/hhi/onbalansmarkt-bridge/internal/storage/measurements"
	"github.com/hhi/onbalansmarkt-bridge/internal/web"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "setup" {
		if err := setup.RunTUI(); err != nil {
			log.Fatal(err)
		}
		// the wizard writes config.gen.yaml; continue startup from it
		os.Args = []string{os.Args[0], "-config", "config.gen.yaml"}
	}

	cfg, err := config.Get()
	if err != nil {
		log.Fatal(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()
	logger = logger.With(zap.String("instance", cfg.Instance))

	settings, err := cfg.Settings()
	if err != nil {
		logger.Fatal("invalid settings", zap.Error(err))
	}

	store, err := measurements.NewStore(cfg.WalDir)
	if err != nil {
		logger.Fatal("open measurement store", zap.Error(err))
	}
	defer store.Close()

	bus := events.NewBus(64)
	reporter := internal.NewReporter(logger, store, bus, cfg.APIBaseURL, settings, cfg.DryRun)

	mqttBridge := bridge.New(logger, bridge.Config{
		BrokerURL:   cfg.BrokerURL,
		Username:    cfg.MQTTUsername,
		Password:    cfg.MQTTPassword,
		TopicPrefix: cfg.TopicPrefix,
		ClientID:    cfg.Instance,
	}, reporter, bus)

	webServer := web.NewServer(cfg.WebAddr, reporter, bus)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reporter.Start(ctx)
	defer reporter.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mqttBridge.Run(gctx)
	})
	g.Go(func() error {
		if len(cfg.TLSDomains) > 0 {
			return webServer.StartWithAutoTLS(gctx, cfg.TLSDomains, cfg.TLSCacheDir)
		}
		return webServer.Start(gctx)
	})

	logger.Info("bridge started",
		zap.String("broker", cfg.BrokerURL),
		zap.String("web", cfg.WebAddr),
		zap.Bool("dry_run", cfg.DryRun))

	if err := g.Wait(); err != nil {
		logger.Error(err.Error())
	}
}
