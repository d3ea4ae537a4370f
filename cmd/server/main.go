package main

import (
	"context"
	"encoding/json"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"llmrelay/internal/account"
	"llmrelay/internal/apikey"
	"llmrelay/internal/config"
	"llmrelay/internal/costrank"
	"llmrelay/internal/logging"
	tracing "llmrelay/internal/monitoring/tracing"
	"llmrelay/internal/relay"
	"llmrelay/internal/scheduler"
	"llmrelay/internal/server"
	"llmrelay/internal/store"
	"llmrelay/internal/transport"
	"llmrelay/internal/usage"
	"llmrelay/internal/vault"
	"llmrelay/internal/webhook"

	log "github.com/sirupsen/logrus"
)

// featureFlagsKey mirrors the live gateway toggles into the KV store so
// operators and sidecars can read them without the config file.
const featureFlagsKey = "claude_relay_config"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if err := logging.Setup(cfg); err != nil {
		log.WithError(err).Fatal("failed to configure logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceShutdown, err := tracing.Init(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to initialize tracing")
	}
	if traceShutdown != nil {
		defer func() {
			if err := traceShutdown(context.Background()); err != nil {
				log.WithError(err).Warn("failed to shutdown tracing")
			}
		}()
	}

	st := store.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
	defer st.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := st.Ping(pingCtx); err != nil {
		cancel()
		log.WithError(err).Fatal("redis unreachable")
	}
	cancel()

	if cfg.EncryptionSecret == "" {
		log.Fatal("encryption_secret is required")
	}
	v, err := vault.New(cfg.EncryptionSecret, cfg.RedisPrefix)
	if err != nil {
		log.WithError(err).Fatal("vault initialization failed")
	}

	notifier := webhook.New(cfg.WebhookURL, cfg.WebhookRetryMax, time.Duration(cfg.WebhookTimeoutSec)*time.Second)
	repos := map[string]*account.Repo{}
	for _, platform := range []string{
		account.PlatformClaude,
		account.PlatformClaudeConsole,
		account.PlatformGemini,
		account.PlatformGeminiAPI,
		account.PlatformOpenAI,
		account.PlatformOpenAIResponses,
		account.PlatformAzureOpenAI,
		account.PlatformBedrock,
	} {
		repos[platform] = account.NewRepo(st, v, platform, account.RepoOptions{
			Notifier:                notifier,
			DefaultRateLimitMinutes: cfg.DefaultRateLimitMinutes,
		})
	}

	loc, err := config.ParseLocation(cfg.UsageTimezone)
	if err != nil {
		log.WithError(err).Warn("invalid usage timezone, falling back to UTC+8")
		loc = nil
	}
	ledger := usage.NewLedger(st, usage.NewPricing(cfg.ModelPricing), loc)

	rank := costrank.New(st, apikey.NewRepo(st, nil), ledger)
	keys := apikey.NewRepo(st, rank)

	sched := scheduler.New(st, repos, scheduler.NewOAuthRefresher(nil),
		time.Duration(cfg.StickySessionTTLMinutes)*time.Minute,
		scheduler.BindingConfig{
			Enabled:     cfg.SessionBindingEnabled,
			TTL:         time.Duration(cfg.SessionBindingTTLDays) * 24 * time.Hour,
			ErrorPrompt: cfg.SessionBindingErrorPrompt,
		})

	factory := transport.NewFactory(transport.Options{
		DialTimeout:           time.Duration(cfg.DialTimeoutSec) * time.Second,
		TLSHandshakeTimeout:   time.Duration(cfg.TLSHandshakeTimeoutSec) * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.ResponseHeaderTimeoutSec) * time.Second,
		DefaultProxyURL:       cfg.DefaultProxyURL,
	})
	dispatcher := relay.NewDispatcher(factory,
		time.Duration(cfg.RequestTimeoutSec)*time.Second,
		time.Duration(cfg.StreamTimeoutSec)*time.Second)

	watcher := config.NewWatcher(*configPath, cfg)
	watcher.Subscribe(func(next *config.FileConfig) {
		mirrorFeatureFlags(ctx, st, next)
	})
	go watcher.Run(ctx)
	mirrorFeatureFlags(ctx, st, cfg)

	go rank.Start(ctx, costrank.Cadences{
		Today:  time.Duration(cfg.CostRankTodayMinutes) * time.Minute,
		Days7:  time.Duration(cfg.CostRank7DaysMinutes) * time.Minute,
		Days30: time.Duration(cfg.CostRank30DaysMinutes) * time.Minute,
		All:    time.Duration(cfg.CostRankAllMinutes) * time.Minute,
	})

	srv := server.New(server.Deps{
		Cfg:        watcher,
		Keys:       keys,
		Repos:      repos,
		Scheduler:  sched,
		Dispatcher: dispatcher,
		Ledger:     ledger,
		Rank:       rank,
	})
	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Fatal("gateway exited")
	}
}

// mirrorFeatureFlags writes the live toggles to the KV store. Failures are
// logged, not fatal; the file remains the source of truth.
func mirrorFeatureFlags(ctx context.Context, st *store.Client, cfg *config.FileConfig) {
	flags, err := json.Marshal(map[string]any{
		"sessionBindingEnabled": cfg.SessionBindingEnabled,
		"rateLimitEnabled":      cfg.RateLimitEnabled,
		"webhookEnabled":        cfg.WebhookURL != "",
		"debug":                 cfg.Debug,
	})
	if err != nil {
		return
	}
	if err := st.Set(ctx, featureFlagsKey, string(flags), 0); err != nil {
		log.WithError(err).Warn("feature flag mirror failed")
	}
}
