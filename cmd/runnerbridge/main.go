package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/HerbHall/runnerbridge/internal/bridge"
	"github.com/HerbHall/runnerbridge/internal/config"
	"github.com/HerbHall/runnerbridge/internal/event"
	"github.com/HerbHall/runnerbridge/internal/hostmetrics"
	"github.com/HerbHall/runnerbridge/internal/mqttsink"
	"github.com/HerbHall/runnerbridge/internal/plugin"
	"github.com/HerbHall/runnerbridge/internal/runner"
	"github.com/HerbHall/runnerbridge/internal/server"
	"github.com/HerbHall/runnerbridge/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	writeConfig := flag.Bool("write-config", false, "print the default configuration and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return
	}
	if *writeConfig {
		if err := config.WriteDefaults(os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("RunnerBridge starting", zap.String("version", version.Short()))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	bus := event.NewBus(logger.Named("event"))
	registry := plugin.NewRegistry(logger)

	runnerPlugin := runner.New(bus,
		runner.WithSource(hostmetrics.NewSource(logger.Named("hostmetrics"))),
		runner.WithStore(cfg),
		runner.WithDiscoverer(bridge.LocalDiscoverer{HostID: hostmetrics.HostID}),
		runner.WithRegisterer(promReg),
	)
	if err := registry.Register(runnerPlugin); err != nil {
		logger.Fatal("failed to register plugin", zap.Error(err))
	}

	if err := registry.InitAll(cfg); err != nil {
		logger.Fatal("failed to initialize plugins", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The sink subscribes before plugins start so the first snapshots reach it.
	var sink *mqttsink.Sink
	hostID, err := hostmetrics.HostID(ctx)
	if err != nil {
		logger.Warn("host id unavailable, mqtt client id will be random", zap.Error(err))
	}
	mqttCfg, err := mqttsink.LoadConfig(cfg, hostID)
	if err != nil {
		logger.Fatal("invalid mqtt configuration", zap.Error(err))
	}
	if mqttCfg.Enabled() {
		sink = mqttsink.New(mqttCfg, logger.Named("mqtt"))
		if err := sink.Start(ctx, bus); err != nil {
			logger.Error("mqtt sink unavailable, continuing without it", zap.Error(err))
			sink = nil
		}
	}

	if err := registry.StartAll(ctx); err != nil {
		registry.StopAll()
		logger.Fatal("failed to start plugins", zap.Error(err))
	}

	addr := cfg.GetString("server.host") + ":" + cfg.GetString("server.port")
	if addr == ":" {
		addr = "0.0.0.0:8080"
	}
	srv := server.New(addr, registry, promReg, logger.Named("server"))

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("RunnerBridge ready", zap.String("addr", addr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	registry.StopAll()
	if sink != nil {
		sink.Stop()
	}

	logger.Info("RunnerBridge stopped")
}
