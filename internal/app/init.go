package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mozilla-services/merino/internal/config"
	"github.com/mozilla-services/merino/internal/logger"
	"github.com/mozilla-services/merino/internal/metrics"
	"github.com/mozilla-services/merino/internal/provider"
	"github.com/mozilla-services/merino/internal/provider/remotesettings"
	"github.com/mozilla-services/merino/internal/server"
)

// initInfra loads the provider-tree document and establishes optional
// external connections. Redis is only dialled when the tree contains a
// redis_cache node.
func (a *App) initInfra(ctx context.Context) error {
	tree, err := a.cfg.LoadTree(a.cfg.ProvidersFile)
	if err != nil {
		return err
	}
	a.tree = tree

	if config.NeedsRedis(tree) {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.RedisURL)))

		rdb, err := connectRedis(ctx, a.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initTree materializes the provider forest. Setup errors here are fatal —
// the process must not start with a broken tree.
func (a *App) initTree(ctx context.Context) error {
	// Metrics must exist before providers so sync counters register their
	// first observations.
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.builder = provider.NewBuilder(a.builderDeps())

	forest, err := a.builder.BuildAll(ctx, a.tree)
	if err != nil {
		return err
	}
	a.forest.Store(forest)

	a.log.Info("provider tree built", slog.Any("providers", forest.Order))
	return nil
}

// initServices creates the request logger and the geolocator.
func (a *App) initServices(ctx context.Context) error {
	reqLogger, err := logger.New(ctx, a.log)
	if err != nil {
		return err
	}
	a.reqLogger = reqLogger

	if a.cfg.GeoIPDB != "" {
		geo, err := server.NewMMDBGeolocator(a.cfg.GeoIPDB)
		if err != nil {
			return err
		}
		a.geo = geo
		a.log.Info("geolocation enabled", slog.String("db", a.cfg.GeoIPDB))
	} else {
		a.geo = server.NewNoopGeolocator()
	}

	return nil
}

// initServer wires together the HTTP front-end.
func (a *App) initServer(_ context.Context) error {
	a.srv = server.New(a.forest.Load, server.Options{
		Logger:           a.log,
		Metrics:          a.prom,
		RequestLogger:    a.reqLogger,
		Geo:              a.geo,
		SupportedLocales: a.cfg.SupportedLocales,
		ServerVariants:   a.cfg.ServerVariants,
		CORSOrigins:      a.cfg.CORSOrigins,
		Version:          a.version,
	})
	return nil
}

// builderDeps assembles the shared resources the tree builder injects into
// nodes.
func (a *App) builderDeps() provider.Deps {
	return provider.Deps{
		Log:     a.log,
		Metrics: a.prom,
		Redis:   a.rdb,
		RemoteSettings: remotesettings.ClientConfig{
			Server:     a.cfg.RemoteSettings.Server,
			Bucket:     a.cfg.RemoteSettings.Bucket,
			Collection: a.cfg.RemoteSettings.Collection,
			Timeout:    30 * time.Second,
		},
		ResyncInterval: a.cfg.RemoteSettings.ResyncInterval,
	}
}

// redactURL replaces the userinfo portion of a URL with "***" for safe
// logging. e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
