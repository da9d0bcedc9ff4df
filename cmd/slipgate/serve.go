package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/slipgate/internal/auth"
	"github.com/rcourtman/slipgate/internal/bot"
	"github.com/rcourtman/slipgate/internal/clock"
	"github.com/rcourtman/slipgate/internal/config"
	"github.com/rcourtman/slipgate/internal/httpapi"
	"github.com/rcourtman/slipgate/internal/logging"
	"github.com/rcourtman/slipgate/internal/platform/discord"
	"github.com/rcourtman/slipgate/internal/ratelimit"
)

const (
	evidenceLimit      = 3
	evidenceWindow     = time.Minute
	limiterPrunePeriod = 5 * time.Minute
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot, expiry sweeper and HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "slipgate",
	})
	log.Info().Str("version", Version).Str("data_dir", cfg.DataDir).Msg("Starting Slipgate")

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	evidenceLimiter := ratelimit.New(evidenceLimit, evidenceWindow, clock.NewSystem())
	router := bot.NewRouter(bot.Config{
		GuildID:        cfg.GuildID,
		ScanChannelID:  cfg.ScanChannelID,
		AdminChannelID: cfg.AdminChannelID,
		WalletDisplay:  cfg.WalletDisplay,
		QRImageURL:     cfg.QRImageURL,
		Timeout:        cfg.PlatformTimeout,
		EvidenceLimit:  evidenceLimit,
		EvidenceWindow: evidenceWindow,
	}, a.flow, a.client, a.notifier, evidenceLimiter)

	gateway := discord.NewGateway(discord.GatewayConfig{
		Token:    cfg.DiscordToken,
		Resolver: a.resolver,
	}, router, logging.Base())

	server := httpapi.NewServer(fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port), &httpapi.Deps{
		Store:         a.store,
		Workflow:      a.flow,
		AdminKeys:     auth.NewKeyChecker(cfg.AdminAPIKey, cfg.AdminAPIKeyHash),
		WebhookSecret: cfg.StripeWebhookSecret,
		PublicMetrics: cfg.PublicMetrics,
		Gateway:       gateway.Status,
		Version:       Version,
	})

	watcher, err := config.NewCatalogWatcher(a.catalog, cfg.PlansFile)
	if err != nil {
		log.Warn().Err(err).Msg("Plan catalog hot reload disabled")
	} else {
		watcher.OnReload(func(plans []config.Plan) {
			log.Info().Int("plans", len(plans)).Msg("Plan catalog reloaded")
		})
		if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Plan catalog hot reload disabled")
		}
		defer watcher.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.resolver.Start(gctx)
		return nil
	})
	g.Go(func() error {
		return ignoreCancel(gateway.Run(gctx))
	})
	g.Go(func() error {
		a.sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		httpapi.RunOrderStateMetrics(gctx, a.store)
		return nil
	})
	g.Go(func() error {
		pruneLimiter(gctx, evidenceLimiter)
		return nil
	})

	err = g.Wait()
	log.Info().Msg("Slipgate stopped")
	return err
}

func pruneLimiter(ctx context.Context, l *ratelimit.Limiter) {
	ticker := time.NewTicker(limiterPrunePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune()
		}
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
