package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/keygate/pkg/authz"
	"github.com/ethpandaops/keygate/pkg/clock"
	"github.com/ethpandaops/keygate/pkg/config"
	"github.com/ethpandaops/keygate/pkg/export"
	"github.com/ethpandaops/keygate/pkg/keys"
	"github.com/ethpandaops/keygate/pkg/lockout"
	"github.com/ethpandaops/keygate/pkg/loginrisk"
	"github.com/ethpandaops/keygate/pkg/metrics"
	"github.com/ethpandaops/keygate/pkg/notify"
	"github.com/ethpandaops/keygate/pkg/pricing"
	"github.com/ethpandaops/keygate/pkg/service"
	"github.com/ethpandaops/keygate/pkg/store"
	"github.com/ethpandaops/keygate/pkg/token"
	"github.com/redis/go-redis/v9"
)

// app holds the wired components and the order to stop them in.
type app struct {
	cfg   *config.Config
	svc   *service.Service
	stops []func()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// newApp opens storage, seeds it from config and wires the service.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting store: %w", err)
	}

	a.onStop(func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop store")
		}
	})

	if err := seed(ctx, st, cfg); err != nil {
		a.Stop()

		return nil, err
	}

	clk := clock.Real{}

	tokens, err := token.NewIssuer(log, &cfg.Auth, clk)
	if err != nil {
		a.Stop()

		return nil, fmt.Errorf("creating token issuer: %w", err)
	}

	lockouts, err := a.lockoutStore(ctx, st)
	if err != nil {
		a.Stop()

		return nil, err
	}

	var exporter keys.BatchExporter

	if cfg.Export.Enabled {
		exp, err := export.New(log, &cfg.Export)
		if err != nil {
			a.Stop()

			return nil, fmt.Errorf("creating exporter: %w", err)
		}

		exporter = exp
	}

	resolver := pricing.NewResolver(log, st)

	a.svc = service.New(log, service.Options{
		Users:   st,
		Authz:   authz.NewEngine(log, st),
		Gate:    loginrisk.NewGate(log, &cfg.Login, st, lockouts, a.dispatcher(ctx), clk),
		Tokens:  tokens,
		Keys:    keys.NewManager(log, &cfg.Keys, st, resolver, exporter, clk),
		Pricing: resolver,
		Clock:   clk,
	})

	return a, nil
}

func (a *app) onStop(fn func()) {
	a.stops = append(a.stops, fn)
}

// Stop releases components in reverse start order.
func (a *app) Stop() {
	for i := len(a.stops) - 1; i >= 0; i-- {
		a.stops[i]()
	}

	a.stops = nil
}

func (a *app) lockoutStore(ctx context.Context, st store.Store) (lockout.Store, error) {
	policy := lockout.PolicyFromConfig(&a.cfg.Login)

	if a.cfg.Login.LockoutBackend != config.LockoutBackendRedis {
		return lockout.NewDatabaseStore(log, st, policy), nil
	}

	client := lockout.NewRedisClient(&a.cfg.Login.Redis)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("connecting to redis at %s: %w", a.cfg.Login.Redis.Addr, err)
	}

	a.onStop(func() {
		if err := client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			log.WithError(err).Warn("Failed to close redis client")
		}
	})

	return lockout.NewRedisStore(log, client, a.cfg.Login.Redis.KeyPrefix, policy), nil
}

func (a *app) dispatcher(ctx context.Context) notify.Dispatcher {
	if !a.cfg.Notify.Enabled {
		return notify.Noop{}
	}

	q := notify.NewQueue(log, notify.LogSink{Log: log}, a.cfg.Notify.QueueSize)
	q.OnDrop = func(notify.Event) { metrics.RecordNotificationDropped() }
	q.Start(ctx)

	a.onStop(q.Stop)

	return q
}

// seed applies config-declared roles, users and pricing tiers.
func seed(ctx context.Context, st store.Store, cfg *config.Config) error {
	roles := make(map[string][]authz.Permission, len(cfg.Roles))

	for name, names := range cfg.Roles {
		perms, err := authz.ParsePermissions(names)
		if err != nil {
			return fmt.Errorf("parsing role %q: %w", name, err)
		}

		roles[name] = perms
	}

	if err := st.SeedRoles(ctx, roles); err != nil {
		return fmt.Errorf("seeding roles: %w", err)
	}

	if err := st.SeedUsers(ctx, cfg.Auth.Users); err != nil {
		return fmt.Errorf("seeding users: %w", err)
	}

	if err := st.SeedPricingTiers(ctx, cfg.Pricing.Tiers); err != nil {
		return fmt.Errorf("seeding pricing tiers: %w", err)
	}

	return nil
}
