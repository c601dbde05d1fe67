package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rate-remediator/internal/cost"
	"github.com/sells-group/rate-remediator/internal/coverage"
	"github.com/sells-group/rate-remediator/internal/killswitch"
	"github.com/sells-group/rate-remediator/internal/ledger"
	"github.com/sells-group/rate-remediator/internal/monitoring"
	"github.com/sells-group/rate-remediator/internal/orchestrator"
	"github.com/sells-group/rate-remediator/internal/queue"
	"github.com/sells-group/rate-remediator/internal/remediation"
	"github.com/sells-group/rate-remediator/internal/resilience"
	"github.com/sells-group/rate-remediator/internal/scrape"
	"github.com/sells-group/rate-remediator/internal/store"
	"github.com/sells-group/rate-remediator/internal/tier"
	anthropicpkg "github.com/sells-group/rate-remediator/pkg/anthropic"
	"github.com/sells-group/rate-remediator/pkg/jina"
	"github.com/sells-group/rate-remediator/pkg/overpass"
	"github.com/sells-group/rate-remediator/pkg/perplexity"
	"github.com/sells-group/rate-remediator/pkg/voice"
)

// engineEnv holds the store, the engine service and its monitoring, as
// needed by every command.
type engineEnv struct {
	Store    store.Store
	Redis    *redis.Client // may be nil
	Service  *remediation.Service
	Metrics  *monitoring.Metrics
	Registry *prometheus.Registry
	Alerter  *monitoring.Alerter
	Checker  *monitoring.Checker
}

// Close waits for pending alerts and releases connections.
func (e *engineEnv) Close() {
	if e.Alerter != nil {
		e.Alerter.Wait()
	}
	if e.Redis != nil {
		_ = e.Redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv opens and migrates the store and builds the engine. Callers
// should defer env.Close().
func initEnv(ctx context.Context, mode string) (*engineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &engineEnv{Store: st}

	if err := st.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	var calls killswitch.CallCounter = killswitch.NewStoreCallCounter(st)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			env.Close()
			return nil, eris.Wrap(err, "redis: ping")
		}
		env.Redis = rdb
		calls = killswitch.NewRedisCallCounter(rdb, cfg.Redis.KeyPrefix)
		zap.L().Info("daily call counter using redis", zap.String("addr", cfg.Redis.Addr))
	} else {
		zap.L().Debug("redis not configured, counting calls from the attempt log")
	}

	env.Registry = prometheus.NewRegistry()
	env.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	env.Metrics = monitoring.NewMetrics(env.Registry)
	env.Alerter = monitoring.NewAlerter(cfg.Monitoring, cfg.Guardrails)
	env.Checker = monitoring.NewChecker(monitoring.NewCollector(st), env.Alerter, env.Metrics, cfg.Monitoring)

	limits := cfg.Guardrails
	q := queue.New(st, limits.MaxAttempts)
	l := ledger.New(st, q)
	tracker := cost.NewTracker(st, limits.CostCapCents)
	ks := killswitch.New(st, tracker, limits,
		killswitch.WithCallCounter(calls),
		killswitch.WithNotifier(env.Metrics),
		killswitch.WithNotifier(env.Alerter),
	)
	gate := coverage.NewGate(st, limits.MinPromotionScore)

	orch := orchestrator.New(q, l, ks, tracker, buildWorkers(), limits, cfg.Tiers,
		orchestrator.WithBreakers(buildBreakers()),
		orchestrator.WithRecorder(env.Metrics),
	)

	env.Service = remediation.NewService(q, l, ks, gate, st,
		remediation.WithDispatcher(orch),
		remediation.WithDiversityTarget(limits.DiversityTarget),
		remediation.WithDecisionObserver(env.Metrics),
		remediation.WithDecisionObserver(env.Alerter),
	)
	return env, nil
}

func buildBreakers() *resilience.TierBreakers {
	bc := resilience.BreakerConfigFrom(cfg.Circuit)
	bc.OnStateChange = func(name string, from, to resilience.CircuitState) {
		zap.L().Warn("circuit state changed",
			zap.String("worker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	return resilience.NewTierBreakers(bc)
}

// buildWorkers registers the enabled tiers. Tiers without credentials are
// left out so escalation skips them.
func buildWorkers() *tier.Registry {
	retry := resilience.RetryPolicyFrom(cfg.Retry)
	calc := cost.NewCalculator(cfg.Pricing)
	log := zap.L()

	var workers []tier.Worker

	if cfg.Tiers.Tier0.Enabled {
		client := overpass.NewClient(
			overpass.WithBaseURL(cfg.Overpass.BaseURL),
			overpass.WithQueryTimeout(cfg.Overpass.QueryTimeoutS),
			overpass.WithRetryPolicy(retry),
		)
		workers = append(workers, tier.NewLookupWorker(client, cfg.Overpass.RadiusMeters))
	}

	if cfg.Tiers.Tier1.Enabled {
		if cfg.Perplexity.Key == "" {
			log.Warn("perplexity key not set, tier1 search disabled")
		} else {
			client := perplexity.NewClient(cfg.Perplexity.Key,
				perplexity.WithBaseURL(cfg.Perplexity.BaseURL),
				perplexity.WithModel(cfg.Perplexity.Model),
				perplexity.WithRetryPolicy(retry),
			)
			workers = append(workers, tier.NewSearchWorker(client, calc))
		}
	}

	if cfg.Tiers.Tier2.Enabled {
		var fetcher scrape.Fetcher = scrape.NewHTTPFetcher(cfg.Scrape)
		if cfg.Scrape.ReaderFallback {
			reader := jina.NewClient(cfg.Jina.Key,
				jina.WithBaseURL(cfg.Jina.BaseURL),
				jina.WithRetryPolicy(retry),
			)
			fetcher = scrape.NewFallbackFetcher(fetcher, scrape.NewReaderFetcher(reader))
		}
		workers = append(workers, tier.NewScrapeWorker(
			fetcher,
			scrape.NewPathMatcher(cfg.Scrape.PathHints),
			cfg.Scrape.MaxPages,
		))
	}

	if cfg.Tiers.Tier3.Enabled {
		var vc voice.Client
		if cfg.Voice.BaseURL != "" {
			vc = voice.NewClient(cfg.Voice.Key, cfg.Voice.BaseURL, voice.WithRetryPolicy(retry))
		} else {
			log.Warn("voice service not configured, tier3 calls report NOT_IMPLEMENTED")
		}
		var llm anthropicpkg.Client
		if cfg.Anthropic.Key != "" {
			llm = anthropicpkg.NewClient(cfg.Anthropic.Key)
		}
		workers = append(workers, tier.NewCallWorker(vc, llm, calc, tier.CallOptions{
			FromNumber:      cfg.Voice.FromNumber,
			Model:           cfg.Anthropic.Model,
			MaxTokens:       cfg.Anthropic.MaxTokens,
			PollInterval:    time.Duration(cfg.Voice.PollIntervalMS) * time.Millisecond,
			MaxPollInterval: time.Duration(cfg.Voice.MaxPollIntervalMS) * time.Millisecond,
		}))
	}

	return tier.NewRegistry(workers...)
}
