package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/DIMO-Network/pse-pairing/internal/app"
	"github.com/DIMO-Network/pse-pairing/internal/config"
	pkgconfig "github.com/DIMO-Network/pse-pairing/pkg/config"
	"github.com/DIMO-Network/pse-pairing/pkg/logging"
	"github.com/DIMO-Network/pse-pairing/pkg/metrics"
	"github.com/DIMO-Network/pse-pairing/pkg/sealing"
	"github.com/DIMO-Network/pse-pairing/pkg/server"
	"github.com/DIMO-Network/pse-pairing/pkg/wire"
	"github.com/DIMO-Network/shared"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMonPort      = 8888
	defaultPairInterval = 5 * time.Minute
)

func main() {
	logger := logging.DefaultLogger("pse-pairing", os.Stdout)

	// create a flag for the settings file
	settingsFile := flag.String("settings", "settings.yaml", "settings file")
	mode := flag.String("mode", "serve", "provision, pair or serve")
	simulate := flag.Bool("simulate", false, "pair with an in-process simulated co-processor and backend")
	flag.Parse()
	settings, err := shared.LoadConfig[config.Settings](*settingsFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("Couldn't load settings.")
	}
	pairingSettings, err := pkgconfig.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Couldn't load pairing settings.")
	}

	if pairingSettings.Logger.VsockPort != 0 {
		socketLogger, closeLogger, err := logging.DefaultWithSocket(pairingSettings.AppName, pairingSettings.Logger.VsockPort)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create socket logger.")
		}
		defer closeLogger()
		logger = socketLogger
	}
	level := settings.LogLevel
	if level == "" {
		level = pairingSettings.Logger.Level
	}
	if err := logging.SetLevel(level); err != nil {
		logger.Fatal().Err(err).Msg("Failed to set logger level.")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = logger.WithContext(ctx)

	m, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to register metrics.")
	}
	var comps *components
	if *simulate {
		comps, err = newSimulatedComponents(ctx, wire.GroupID(settings.SimulatedGID), pairingSettings, m, logger)
	} else {
		comps, err = newComponents(ctx, pairingSettings, m, logger)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to set up pairing.")
	}
	defer comps.Close()

	switch *mode {
	case "provision":
		err = provisionOnce(ctx, comps, logger)
	case "pair":
		err = pairAndReport(ctx, comps, logger)
	case "serve":
		err = serve(ctx, comps, settings, pairingSettings, logger)
	default:
		logger.Fatal().Str("mode", *mode).Msg("Unknown mode.")
	}
	if err != nil {
		// Fatal skips deferred calls.
		comps.Close()
		logger.Fatal().Err(err).Str("mode", *mode).Msg("Run failed.")
	}
}

func pairAndReport(ctx context.Context, comps *components, logger zerolog.Logger) error {
	res, err := pairOnce(ctx, comps, logger)
	if err != nil {
		return err
	}
	logger.Info().Bool("isNew", res.IsNew).Stringer("gid", res.GID).
		Stringer("instanceId", sealing.InstanceID(res.Metadata)).Msg("Paired.")
	return nil
}

func serve(ctx context.Context, comps *components, settings config.Settings, pairingSettings pkgconfig.PairingSettings, logger zerolog.Logger) error {
	tlsConfig, err := pairingSettings.TLS.ServerConfig()
	if err != nil {
		return err
	}
	monPort := settings.MonPort
	if monPort == 0 {
		monPort = defaultMonPort
	}
	interval := time.Duration(settings.PairIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = defaultPairInterval
	}
	watchdogInterval := time.Duration(settings.WatchdogIntervalSeconds) * time.Second

	group, groupCtx := errgroup.WithContext(ctx)
	monApp := app.CreateMonitoringServer(&logger, comps.controller, prometheus.DefaultGatherer)
	logger.Info().Str("port", strconv.Itoa(monPort)).Bool("tls", tlsConfig != nil).Msg("Starting monitoring server")
	if err := server.RunFiber(groupCtx, monApp, ":"+strconv.Itoa(monPort), tlsConfig, group); err != nil {
		return err
	}
	group.Go(func() error {
		return pairLoop(groupCtx, comps, interval, watchdogInterval, logger)
	})
	return group.Wait()
}
