package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/zulandar/relance/internal/alerts"
	"github.com/zulandar/relance/internal/alerts/discord"
	"github.com/zulandar/relance/internal/alerts/slack"
	"github.com/zulandar/relance/internal/config"
	"github.com/zulandar/relance/internal/db"
	"github.com/zulandar/relance/internal/directory"
	"github.com/zulandar/relance/internal/dispatch"
	"github.com/zulandar/relance/internal/logging"
	"github.com/zulandar/relance/internal/metrics"
	"github.com/zulandar/relance/internal/settings"
	"github.com/zulandar/relance/internal/stopcond"
	"github.com/zulandar/relance/internal/transport"
	"gorm.io/gorm"
)

const defaultConfigPath = "relance.yaml"

// env is everything a command needs to act on follow-ups.
type env struct {
	cfg      *config.Config
	log      *logrus.Logger
	db       *gorm.DB
	settings *settings.Store
	coord    *dispatch.Coordinator
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	close    func()
}

// connectFromConfig loads config and opens the database.
func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	return cfg, gormDB, nil
}

// newEnv wires config, logging, storage, cache, transports, alerts and the
// coordinator. Callers must call env.close when done.
func newEnv(cmd *cobra.Command, configPath string) (*env, error) {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return nil, err
	}
	log, flush, err := logging.New(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}

	e := &env{cfg: cfg, log: log, db: gormDB}
	e.close = func() {
		flush()
		if sqlDB, err := gormDB.DB(); err == nil {
			sqlDB.Close()
		}
	}
	e.registry = prometheus.NewRegistry()
	e.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	e.metrics = metrics.New(e.registry)

	cache, err := newCache(cmdContext(cmd), cfg.Cache)
	if err != nil {
		e.close()
		return nil, err
	}
	e.settings = settings.NewStore(gormDB, cache)
	e.settings.OnCacheLookup = e.metrics.RecordCache

	dir := directory.New(gormDB)
	router := transport.New(cfg.Transport, log)
	if len(router.Channels()) == 0 {
		log.Warn("no transport configured: every send will fail")
	}

	e.coord, err = dispatch.New(dispatch.Opts{
		DB:        gormDB,
		Settings:  e.settings,
		Lookups:   stopcond.Lookups{Conversations: dir, Invoices: dir, Quotes: dir},
		Directory: dir,
		Transport: router,
		Alerts:    buildAlerts(cfg.Alerts, log),
		Metrics:   e.metrics,
		Log:       log,
		Config:    cfg.Dispatch,
	})
	if err != nil {
		e.close()
		return nil, err
	}
	return e, nil
}

// newCache returns the Redis settings cache when configured, the
// in-process one otherwise.
func newCache(ctx context.Context, cfg config.CacheConfig) (settings.Cache, error) {
	if cfg.RedisURL == "" {
		return settings.NewMemoryCache(cfg.TTL), nil
	}
	c, err := settings.NewRedisCache(ctx, cfg.RedisURL, cfg.TTL)
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return c, nil
}

// buildAlerts fans alerts out to every configured sink. A sink that cannot
// be created is logged and left out.
func buildAlerts(cfg config.AlertsConfig, log logrus.FieldLogger) alerts.Notifier {
	var sinks alerts.Multi
	if cfg.Slack.BotToken != "" {
		n, err := slack.New(slack.Opts{BotToken: cfg.Slack.BotToken, ChannelID: cfg.Slack.ChannelID})
		if err != nil {
			log.WithError(err).Warn("slack alerts disabled")
		} else {
			sinks = append(sinks, n)
		}
	}
	if cfg.Discord.BotToken != "" {
		n, err := discord.New(discord.Opts{BotToken: cfg.Discord.BotToken, ChannelID: cfg.Discord.ChannelID})
		if err != nil {
			log.WithError(err).Warn("discord alerts disabled")
		} else {
			sinks = append(sinks, n)
		}
	}
	if len(sinks) == 0 {
		return alerts.Nop{}
	}
	return sinks
}
