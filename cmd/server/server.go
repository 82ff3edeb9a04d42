package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github/chapool/go-rebalancer/internal/api"
	"github/chapool/go-rebalancer/internal/api/router"
	"github/chapool/go-rebalancer/internal/backoff"
	"github/chapool/go-rebalancer/internal/bridge"
	"github/chapool/go-rebalancer/internal/chain"
	"github/chapool/go-rebalancer/internal/config"
	"github/chapool/go-rebalancer/internal/notify"
	"github/chapool/go-rebalancer/internal/oracle"
	"github/chapool/go-rebalancer/internal/rebalancer"
	"github/chapool/go-rebalancer/internal/store"
)

const shutdownGracePeriod = 30 * time.Second

// New returns the server subcommand running the rebalance engine and the
// management API.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Starts the rebalancer",
		Run: func(cmd *cobra.Command, _ []string) {
			runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) {
	cfg := config.DefaultServiceConfigFromEnv()
	initLogger(cfg.Logger)

	operationStore, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open operation store")
	}
	defer operationStore.Close()

	chainA, err := chain.NewRPCClient(cfg.ChainA, cfg.Rebalance.ReceiptTimeout, cfg.Rebalance.ReceiptInterval)
	if err != nil {
		log.Fatal().Err(err).Str("chain", cfg.ChainA.Name).Msg("Failed to create chain client")
	}
	defer chainA.Close()

	chainB, err := chain.NewRPCClient(cfg.ChainB, cfg.Rebalance.ReceiptTimeout, cfg.Rebalance.ReceiptInterval)
	if err != nil {
		log.Fatal().Err(err).Str("chain", cfg.ChainB.Name).Msg("Failed to create chain client")
	}
	defer chainB.Close()

	aggregator := bridge.NewHTTPClient(cfg.Aggregator)
	oracleService := oracle.NewHTTPService(cfg.Oracle)
	notifier := buildNotifier(cfg)

	engine := rebalancer.NewEngine(
		operationStore,
		chainA,
		chainB,
		cfg.ChainA,
		cfg.ChainB,
		rebalancer.NewPlanner(oracleService),
		bridge.NewOrchestrator(aggregator, cfg.Rebalance.GasMarginPct),
		bridge.NewMonitor(aggregator, backoff.Policy{
			BaseDelay:   cfg.Monitor.BaseDelay,
			MaxDelay:    cfg.Monitor.MaxDelay,
			Jitter:      cfg.Monitor.Jitter,
			MaxAttempts: cfg.Monitor.MaxAttempts,
		}, nil),
		notifier,
		nil,
	)

	s := api.NewServer(cfg, operationStore, engine, chainA, chainB, oracleService)
	router.Init(s)

	engineCtx, stopEngine := context.WithCancel(ctx)
	go engine.Run(engineCtx, cfg.Rebalance.Interval)

	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("Shutdown requested, stopping scheduler")

	// stop spawning new ticks; an operation already mid-flight is not
	// aborted and resumes from the persisted record on next start
	stopEngine()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()

	if err := s.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shut down HTTP server cleanly")
	}
}

func initLogger(cfg config.Logger) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.PrettyPrintConsole {
		log.Logger = log.Output(zerolog.NewConsoleWriter())
	}
}

func buildNotifier(cfg config.Server) notify.Notifier {
	notifiers := make([]notify.Notifier, 0, 3)
	if cfg.Telegram.Enabled {
		notifiers = append(notifiers, notify.NewTelegram(cfg.Telegram))
	}
	if cfg.SMTP.Enabled {
		notifiers = append(notifiers, notify.NewEmail(cfg.SMTP))
	}
	if len(notifiers) == 0 {
		notifiers = append(notifiers, notify.Log{})
	}

	return notify.NewMulti(notifiers...)
}
