package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/numisworks/coinid/internal/aggregate"
	"github.com/numisworks/coinid/internal/anomaly"
	"github.com/numisworks/coinid/internal/engine"
	"github.com/numisworks/coinid/internal/model"
	"github.com/numisworks/coinid/internal/ratelimit"
	"github.com/numisworks/coinid/internal/registry"
	"github.com/numisworks/coinid/internal/resilience"
	"github.com/numisworks/coinid/internal/source"
	"github.com/numisworks/coinid/internal/store"
	"github.com/numisworks/coinid/internal/tracker"
	"github.com/numisworks/coinid/internal/valuation"
)

// env bundles the wired identification stack for a command's lifetime.
type env struct {
	Store    store.Store
	Registry *registry.Registry
	Adapters *source.Registry
	Engine   *engine.Engine
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "coinid.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv builds the full engine stack from config: store, source catalog,
// HTTP adapters, rate limiter, rule and price tables.
func initEnv(ctx context.Context) (*env, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}

	reg := registry.New(st)
	adapters := source.NewRegistry()

	limiter := ratelimit.New(ratelimit.Config{
		BackoffBase: time.Duration(cfg.RateLimit.BackoffBaseMs) * time.Millisecond,
		BackoffMax:  time.Duration(cfg.RateLimit.BackoffMaxMs) * time.Millisecond,
	})

	ruleTable := anomaly.DefaultTable()
	if cfg.Anomaly.RuleTablePath != "" {
		ruleTable, err = anomaly.LoadTable(cfg.Anomaly.RuleTablePath)
		if err != nil {
			st.Close() //nolint:errcheck
			return nil, eris.Wrap(err, "load anomaly rule table")
		}
	}
	zap.L().Info("anomaly rule table loaded", zap.Int("version", ruleTable.Version))

	priceTable := valuation.DefaultPriceTable()
	if cfg.Valuation.PriceTablePath != "" {
		priceTable, err = valuation.LoadPriceTable(cfg.Valuation.PriceTablePath)
		if err != nil {
			st.Close() //nolint:errcheck
			return nil, eris.Wrap(err, "load price table")
		}
	}
	synth, err := valuation.NewSynthesizer(priceTable, valuation.Options{
		MarketTrendK: &cfg.Valuation.MarketTrendK,
		EstimateBand: &cfg.Valuation.EstimateBand,
	})
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}

	eng := engine.New(
		engine.Config{Timeout: cfg.Engine.Timeout(), FanOutCap: cfg.Engine.FanOutCap},
		reg,
		adapters,
		limiter,
		tracker.New(st),
		aggregate.New(),
		anomaly.NewClassifier(ruleTable),
		synth,
		st,
	)

	e := &env{Store: st, Registry: reg, Adapters: adapters, Engine: eng}
	if err := e.syncAdapters(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return e, nil
}

// syncAdapters registers an HTTP adapter for every active catalog source
// that does not have one yet. Sources map their JSON responses onto the
// canonical field names directly; per-site field maps live in the catalog
// row's base URL conventions.
func (e *env) syncAdapters(ctx context.Context) error {
	sources, err := e.Registry.ListActive(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sync adapters")
	}
	for _, src := range sources {
		if e.Adapters.Get(src.ID) != nil {
			continue
		}
		e.Adapters.Register(source.NewHTTPAdapter(src, source.HTTPOptions{
			Path:     "/search",
			FieldMap: identityFieldMap(),
			Retry:    resilience.DefaultRetryConfig(),
		}))
	}
	return nil
}

// identityFieldMap maps every canonical field to itself, the convention
// our partner sites follow in their search responses.
func identityFieldMap() map[string]string {
	m := make(map[string]string, len(model.CanonicalFields))
	for _, f := range model.CanonicalFields {
		m[f] = f
	}
	return m
}

func (e *env) Close() {
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}
