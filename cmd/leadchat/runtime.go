package main

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/kalambet/leadchat/internal/backend"
	"github.com/kalambet/leadchat/internal/config"
	"github.com/kalambet/leadchat/internal/janitor"
	"github.com/kalambet/leadchat/internal/metrics"
	"github.com/kalambet/leadchat/internal/session"
	"github.com/kalambet/leadchat/internal/storage"
	logx "github.com/kalambet/leadchat/pkg/logger"
	redisx "github.com/kalambet/leadchat/pkg/redis"
)

// runtime holds the collaborators shared by every command that runs
// sessions in this process.
type runtime struct {
	cfg        config.Config
	client     *backend.Client
	store      *storage.Store
	challenges session.ChallengeStore
	pruner     janitor.ChallengePruner
	promReg    *prometheus.Registry
	metrics    *metrics.Sessions
	registry   *session.Registry
	closers    []func() error
}

// openRuntime wires storage, the backend client and the session registry.
// listenerFor may be nil.
func openRuntime(cfg config.Config, listenerFor func(conversationID string) session.Listener) (*runtime, error) {
	rt := &runtime{cfg: cfg}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	rt.store = store
	rt.closers = append(rt.closers, store.Close)

	switch cfg.Storage.ChallengeBackend {
	case config.ChallengeBackendRedis:
		rcfg, err := redisx.Load()
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("loading redis config: %w", err)
		}
		rdb, err := rcfg.New()
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		rt.closers = append(rt.closers, rdb.Close)

		ttl := rcfg.TTL
		if cfg.Storage.ChallengeTTL > 0 {
			ttl = cfg.Storage.ChallengeTTL
		}
		rc := storage.NewRedisChallenges(rdb, ttl, logx.WithComponent("challenges"))
		rt.challenges, rt.pruner = rc, rc
	default:
		rt.challenges, rt.pruner = store, store
	}

	rt.promReg = prometheus.NewRegistry()
	rt.promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rt.metrics = metrics.New(rt.promReg)

	rt.client = backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.APIKey,
		backend.WithReconnect(cfg.Stream.MaxReconnects, cfg.Stream.ReconnectDelay),
		backend.WithLogger(logx.WithComponent("backend")),
	)
	b := session.NewBackend(rt.client)

	sessionLog := logx.WithComponent("session")
	rt.registry = session.NewRegistry(func(id string) *session.Controller {
		opts := session.Options{
			Store:         rt.challenges,
			Journal:       store,
			Metrics:       rt.metrics,
			Logger:        sessionLog,
			IdleThreshold: cfg.Session.IdleThreshold,
		}
		if listenerFor != nil {
			opts.Listener = listenerFor(id)
		}
		return session.New(id, b, opts)
	}, rt.challenges, sessionLog)

	return rt, nil
}

func (rt *runtime) sweeper() *janitor.Worker {
	return janitor.NewWorker(rt.pruner, rt.store, janitor.Options{
		ChallengeTTL: rt.cfg.Storage.ChallengeTTL,
		Retention:    rt.cfg.Storage.SessionRetention,
		Logger:       logx.WithComponent("janitor"),
	})
}

// Close aborts running sessions and releases storage. Pending challenges
// stay stored.
func (rt *runtime) Close() error {
	var errs []error
	if rt.registry != nil {
		errs = append(errs, rt.registry.Close())
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	return errors.Join(errs...)
}
