package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"housepoints/internal/alerting"
	"housepoints/internal/clock"
	"housepoints/internal/config"
	"housepoints/internal/database"
	"housepoints/internal/discord"
	"housepoints/internal/logger"
	"housepoints/internal/metrics"
	"housepoints/internal/scheduler"
	"housepoints/internal/shutdown"
	"housepoints/internal/tracker"
)

func main() {
	log := logger.New()

	// Load configuration; missing credentials are fatal before anything starts
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	// Initialize database
	db, err := database.New(cfg.DatabaseDSN, logger.ForComponent(log, "database"))
	if err != nil {
		log.WithError(err).Fatal("failed to initialize database")
	}
	defer db.Close()

	repository := database.NewRepository(db)

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		metrics.Serve(cfg.MetricsAddr, logger.ForComponent(log, "metrics"))
	}

	clk := clock.System{}

	trk := tracker.New(clk, repository, cfg.GracePeriod, logger.ForComponent(log, "tracker"), m)

	// Initialize Discord bot
	bot, err := discord.New(cfg.DiscordToken, repository, trk, cfg.HouseRoles, logger.ForComponent(log, "discord"))
	if err != nil {
		log.WithError(err).Fatal("failed to create Discord bot")
	}

	var notifier alerting.Notifier
	if cfg.AlertChannelID != "" {
		notifier = alerting.NewDiscordNotifier(bot.Session(), cfg.AlertChannelID, logger.ForComponent(log, "alerting"))
	}
	alerter := alerting.New(notifier, logger.ForComponent(log, "alerting"), m)

	sched := scheduler.New(clk, repository, trk, alerter, cfg.ReconcileInterval, logger.ForComponent(log, "scheduler"), m)

	// Start bot, then the reset jobs
	if err := bot.Start(); err != nil {
		log.WithError(err).Fatal("failed to start bot")
	}
	ctx := context.Background()
	sched.Start(ctx)

	// Feed pool stats to the metrics gauge while running
	poolStatsDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.RecordDBPoolStats(repository.PoolStats())
			case <-poolStatsDone:
				return
			}
		}
	}()

	// Wait for interrupt signal
	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc

	log.Info("shutting down")
	close(poolStatsDone)

	coordinator := shutdown.New(cfg.StepTimeout, cfg.ShutdownTimeout, logger.ForComponent(log, "shutdown"))
	coordinator.Add("drain sessions", trk.Drain)
	coordinator.Add("stop scheduler", func(ctx context.Context) error {
		sched.Stop()
		return nil
	})
	coordinator.Add("close gateway", func(ctx context.Context) error {
		return bot.Stop()
	})
	coordinator.Add("close database", func(ctx context.Context) error {
		return db.Close()
	})

	if !coordinator.Shutdown() {
		os.Exit(1)
	}
}
