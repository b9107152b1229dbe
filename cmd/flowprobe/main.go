package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flowprobe/internal/config"
	"flowprobe/internal/kafka"
	"flowprobe/internal/logger"
	"flowprobe/internal/probe"
	"flowprobe/internal/server"
	"flowprobe/internal/signalflow"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

// run wires the probe and returns the process exit code. main is the only
// place that exits.
func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowprobe: %v\n", err)
		return probe.ExitInvalidConfig
	}

	logger.Init(cfg.LogLevel)
	log := logger.WithComponent("main")

	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return probe.ExitInvalidConfig
	}
	log.Info().Msg("configuration:\n" + cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := signalflow.NewClient(cfg.Endpoint, cfg.Token,
		signalflow.WithUserAgent("flowprobe/"+version),
	)
	if err != nil {
		log.Error().Err(err).Msg("failed to create signalflow client")
		return probe.ExitInvalidConfig
	}

	opts := []probe.Option{probe.WithPushgateway(cfg.PushgatewayURL)}

	if cfg.Kafka.Enabled() {
		producer, err := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Producer)
		if err != nil {
			log.Error().Err(err).Msg("failed to create kafka producer")
			return probe.ExitInvalidConfig
		}
		defer producer.Close()

		log.Info().
			Strs("brokers", cfg.Kafka.Brokers).
			Str("topic", cfg.Kafka.Topic).
			Msg("kafka producer initialized")
		opts = append(opts, probe.WithPublisher(producer))
	}

	p := probe.New(cfg, probe.SignalFlow(client), opts...)

	if cfg.MetricsAddr != "" {
		srv := server.New(cfg.MetricsAddr, p.Status)
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("failed to start HTTP server")
			return probe.ExitInvalidConfig
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("HTTP server shutdown error")
			}
		}()
	}

	log.Info().Str("run_id", p.RunID()).Str("url", client.URL()).Msg("probe starting")

	decision, err := p.Run(ctx)
	if err != nil {
		log.Error().Err(err).Msg("probe could not start")
		return probe.ExitInvalidConfig
	}

	code := probe.ExitCode(decision)
	log.Info().
		Str("outcome", decision.Outcome.String()).
		Int("exit_code", code).
		Msg("probe finished")
	return code
}
