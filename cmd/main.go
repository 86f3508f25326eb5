package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"playbook-dispatcher/api"
	"playbook-dispatcher/commands"
	"playbook-dispatcher/config"
	"playbook-dispatcher/confirm"
	"playbook-dispatcher/dispatcher"
	"playbook-dispatcher/executor"
	"playbook-dispatcher/queues"
	qpubsub "playbook-dispatcher/queues/pubsub"
	qredis "playbook-dispatcher/queues/redis"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var version = "source"

func setLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if os.Getenv("DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// transport is what a notify backend provides: replies to commands and
// one-way notifications from the worker.
type transport interface {
	queues.Publisher
	dispatcher.Notifier
	io.Closer
}

type logTransport struct{ dispatcher.LogNotifier }

func (logTransport) PublishReply(_ context.Context, r *queues.Reply) error {
	log.Info().Str("origin", r.Origin).Str("status", string(r.Status)).Str("text", r.Text).Msg("reply")
	return nil
}

func (logTransport) Close() error { return nil }

func newTransport(cfg *config.Config) transport {
	switch cfg.NotifyBackend {
	case config.NotifyPubsub:
		if cfg.CredentialsFile != "" {
			log.Info().Str("credsFile", cfg.CredentialsFile).Msg("using explicit Google credentials file")
		} else {
			log.Info().Msg("using default Google credentials (in-cluster or ambient)")
		}
		return qpubsub.NewPublisher(cfg.GoogleProjectID, cfg.ReplyTopic, cfg.CredentialsFile)
	case config.NotifyRedis:
		return qredis.NewPublisher(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisChannel)
	}
	return logTransport{}
}

func main() {
	cfg := config.Load()
	setLogger(cfg.LogLevel)
	log.Info().Msgf("Starting playbook-dispatcher version: %s", version)
	log.Info().Interface("config", cfg.Redacted()).Msg("config loaded")
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queue := dispatcher.NewQueue(dispatcher.Options{
		MaxConcurrent:    cfg.MaxConcurrent,
		PollInterval:     cfg.PollInterval,
		ErrorBackoff:     cfg.ErrorBackoff,
		HistorySize:      cfg.HistorySize,
		RequesterHistory: cfg.RequesterHistory,
	})
	gate := confirm.NewGate(commands.ApproveRun(queue), confirm.WithTTL(cfg.ConfirmTTL))
	go gate.Run(ctx, time.Minute)

	tr := newTransport(cfg)
	defer func() {
		if err := tr.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close notify transport")
		}
	}()

	exec := executor.NewReliable(
		executor.NewKubeExecutor(executor.KubeConfig{
			Namespace:      cfg.JobNamespace,
			Image:          cfg.JobImage,
			ServiceAccount: cfg.JobServiceAccount,
			PollInterval:   cfg.JobPollInterval,
		}),
		executor.ReliableOptions{
			Name:            "kube-jobs",
			RatePerSecond:   cfg.ExecRatePerSecond,
			Attempts:        uint(max(cfg.ExecRetries, 1)),
			BreakerFailures: uint32(max(cfg.BreakerFailures, 1)),
		},
	)
	if err := queue.Start(ctx, exec, tr); err != nil {
		log.Fatal().Err(err).Msg("failed to start dispatcher")
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           api.NewServer(queue, gate, queue.Running),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr()).Msg("starting api/metrics/health server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	if cfg.CommandSubscription != "" {
		controller := commands.NewController(tr, gate, queue)
		subscriber := qpubsub.NewSubscriber(cfg.GoogleProjectID, cfg.CommandSubscription, cfg.CredentialsFile)
		go func() {
			defer subscriber.Close()
			log.Info().Str("subscription", cfg.CommandSubscription).Msg("starting subscriber loop")
			if err := subscriber.Start(ctx, controller.Handle); err != nil {
				// Non-recoverable: without the command bus the process is useless
				log.Fatal().Err(err).Msg("subscriber exited with fatal error; shutting down")
			}
		}()
	} else {
		log.Info().Msg("no command subscription configured; accepting requests over HTTP only")
	}

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server graceful shutdown failed")
	}
	if err := queue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("dispatcher did not drain before shutdown deadline")
	}
	log.Info().Msg("shutdown complete")
}
