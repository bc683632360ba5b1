// Package app assembles the authentication service from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"cwphosting.org/internal/auth"
	"cwphosting.org/internal/config"
	"cwphosting.org/internal/httpapi"
	"cwphosting.org/internal/notify"
	"cwphosting.org/internal/obs"
	"cwphosting.org/internal/store/pg"
	"cwphosting.org/internal/store/rdb"
)

const redisPrefix = "cwp:"

// App holds the wired service and the resources it owns.
type App struct {
	Service *auth.Service
	Probe   httpapi.ReadyProbe

	pg         *pg.Store
	redis      *redis.Client
	dispatcher *notify.Dispatcher
	log        zerolog.Logger
}

// Build opens the configured stores and constructs the service.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{log: obs.Component("app")}

	if cfg.Store == config.BackendPostgres || cfg.RefreshStore == config.BackendPostgres {
		store, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		a.pg = store
		a.Probe.Postgres = store
	}

	var creds auth.CredentialStore = auth.NewMemoryCredentials()
	if cfg.Store == config.BackendPostgres {
		creds = a.pg.Credentials()
	}

	var refresh auth.RefreshTokenStore
	switch cfg.RefreshStore {
	case config.BackendPostgres:
		refresh = a.pg.RefreshTokens()
	case config.BackendRedis:
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		store := rdb.NewRefreshTokens(a.redis, redisPrefix)
		pctx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout())
		err := store.Ping(pctx)
		cancel()
		if err != nil {
			// The service still starts; refresh saves degrade until Redis returns.
			a.log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis not reachable at startup")
		}
		a.Probe.Redis = store
		refresh = store
	default:
		refresh = auth.NewMemoryRefreshTokens()
	}

	codec, err := auth.NewCodec(cfg.JWTSecret,
		auth.WithIssuer(cfg.AppName),
		auth.WithTTLs(cfg.AccessTTL(), cfg.RefreshTTL()),
	)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.dispatcher = notify.NewDispatcher(notify.NewLogNotifier(cfg.AppName, cfg.AppURL), cfg.NotifyBuffer)
	svc, err := auth.NewService(creds, refresh, codec,
		auth.WithNotifier(a.dispatcher),
		auth.WithPasswordPolicy(auth.PasswordPolicy{
			MinLength:    cfg.PasswordMinLength,
			MaxLength:    cfg.PasswordMaxLength,
			SpecialChars: cfg.PasswordSpecialChars,
		}),
		auth.WithOneTimeWindows(cfg.GracePeriod(), cfg.ResetTTL()),
		auth.WithStoreTimeout(cfg.StoreTimeout()),
		auth.WithSuspendByDefault(cfg.SuspendByDefault),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Service = svc
	return a, nil
}

// RunJanitor deletes expired refresh token rows every interval until ctx is done.
// Only the postgres backend needs it; Redis expires records itself.
func (a *App) RunJanitor(ctx context.Context, interval time.Duration) {
	if a.pg == nil {
		return
	}
	tokens := a.pg.RefreshTokens()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := tokens.PurgeExpired(ctx, time.Now())
		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			a.log.Warn().Err(err).Msg("purge expired refresh tokens failed")
		case n > 0:
			a.log.Info().Int64("purged", n).Msg("expired refresh tokens purged")
		}
	}
}

// Close drains pending notifications and releases store connections.
func (a *App) Close() {
	if a.dispatcher != nil {
		a.dispatcher.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pg != nil {
		_ = a.pg.Close()
	}
}
