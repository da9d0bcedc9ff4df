package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/slipgate/internal/clock"
	"github.com/rcourtman/slipgate/internal/config"
	"github.com/rcourtman/slipgate/internal/evidence"
	"github.com/rcourtman/slipgate/internal/keylock"
	"github.com/rcourtman/slipgate/internal/notify"
	"github.com/rcourtman/slipgate/internal/platform/discord"
	"github.com/rcourtman/slipgate/internal/registry"
	"github.com/rcourtman/slipgate/internal/sweeper"
	"github.com/rcourtman/slipgate/internal/verify"
	"github.com/rcourtman/slipgate/internal/workflow"
)

const receiptIssuer = "Slipgate"

// app is the set of long-lived components shared by serve and sweep.
type app struct {
	cfg      *config.Config
	store    *registry.Store
	catalog  *config.Catalog
	resolver *discord.Resolver
	client   *discord.Client
	notifier *notify.Dispatcher
	flow     *workflow.Service
	sweeper  *sweeper.Sweeper
}

func newApp(cfg *config.Config) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	plans, err := config.LoadPlans(cfg.PlansFile)
	if err != nil {
		return nil, fmt.Errorf("load plans: %w", err)
	}
	catalog := config.NewCatalog(plans)

	store, err := registry.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	resolver := discord.NewResolver(0)
	client := discord.NewClient(discord.Config{
		Token:    cfg.DiscordToken,
		GuildID:  cfg.GuildID,
		Timeout:  cfg.PlatformTimeout,
		Resolver: resolver,
	})
	notifier := notify.NewDispatcher(client, notify.Config{
		AdminChannelID: cfg.AdminChannelID,
		LogChannelID:   cfg.LogChannelID,
		Timeout:        cfg.PlatformTimeout,
		Receipts:       true,
		Issuer:         receiptIssuer,
	})

	var ocr evidence.OCR
	if t := evidence.NewTesseract(cfg.TesseractPath, cfg.TesseractLangs); t.Available() {
		ocr = t
	} else {
		log.Warn().Str("path", cfg.TesseractPath).Msg("Tesseract not found; image evidence will rely on QR and hash signals")
	}
	extractor := evidence.NewExtractor(ocr,
		evidence.WithTimeout(cfg.ExtractTimeout),
		evidence.WithLocation(cfg.Location()),
	)

	clk := clock.NewSystem()
	locks := keylock.New()
	flow := workflow.NewService(workflow.Deps{
		Orders:       store.Orders(),
		Entitlements: store.Entitlements(),
		Catalog:      catalog,
		Extractor:    extractor,
		Policy: verify.Policy{
			PayeeIdentifiers: cfg.PayeeIdentifiers,
			Tolerance:        cfg.AmountTolerance,
			ReferenceHash:    cfg.ReferenceQRHash,
			HashThreshold:    cfg.HashThreshold,
			RecencyMode:      verify.RecencyMode(cfg.RecencyMode),
			RecencyWindow:    cfg.RecencyWindow,
		},
		Notifier:        notifier,
		Platform:        client,
		Locks:           locks,
		Clock:           clk,
		OrderTTL:        cfg.OrderTTL,
		PlatformTimeout: cfg.PlatformTimeout,
	})
	sw := sweeper.New(sweeper.Deps{
		Entitlements:    store.Entitlements(),
		Orders:          store.Orders(),
		Platform:        client,
		Notifier:        notifier,
		Locks:           locks,
		Clock:           clk,
		Interval:        cfg.SweepInterval,
		ReconcileEvery:  cfg.ReconcileEvery,
		PlatformTimeout: cfg.PlatformTimeout,
	})

	return &app{
		cfg:      cfg,
		store:    store,
		catalog:  catalog,
		resolver: resolver,
		client:   client,
		notifier: notifier,
		flow:     flow,
		sweeper:  sw,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close registry")
	}
}
