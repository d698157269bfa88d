package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kpjmd/Kinetix/pkg/api"
	"github.com/kpjmd/Kinetix/pkg/artifacts"
	"github.com/kpjmd/Kinetix/pkg/attestation"
	"github.com/kpjmd/Kinetix/pkg/auth"
	"github.com/kpjmd/Kinetix/pkg/config"
	"github.com/kpjmd/Kinetix/pkg/crypto"
	"github.com/kpjmd/Kinetix/pkg/difficulty"
	"github.com/kpjmd/Kinetix/pkg/evidence"
	"github.com/kpjmd/Kinetix/pkg/monitor"
	"github.com/kpjmd/Kinetix/pkg/observability"
	"github.com/kpjmd/Kinetix/pkg/publish"
	"github.com/kpjmd/Kinetix/pkg/schema"
	"github.com/kpjmd/Kinetix/pkg/scoring"
	"github.com/kpjmd/Kinetix/pkg/spend"
	"github.com/kpjmd/Kinetix/pkg/store"
	"github.com/kpjmd/Kinetix/pkg/verification"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, evidence monitor and publication worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, newLogger(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr()))
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

//nolint:gocyclo
func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	slog.SetDefault(logger)
	logger.Info("kinetix starting", "version", version, "store", cfg.StoreBackend, "artifacts", cfg.ArtifactBackend)

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version
	obsCfg.Enabled = cfg.OTLPEnabled
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Insecure = cfg.OTLPInsecure
	if cfg.Production {
		obsCfg.Environment = "production"
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	rules, err := config.LoadRules(cfg.RulesPath)
	if err != nil {
		return err
	}
	limits, err := config.LoadSpendLimits(cfg.SpendLimitsPath)
	if err != nil {
		return err
	}

	signer, err := crypto.LoadSigner(crypto.KeySource{
		KeyHex:         cfg.SigningKey,
		KeyFile:        cfg.SigningKeyFile,
		Production:     cfg.Production,
		AllowEphemeral: cfg.AllowEphemeralKey,
	}, logger)
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	blobs, err := artifacts.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}

	spendStore, closeSpend, err := openSpendStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSpend()
	ctrl, err := spend.NewController(ctx, limits, spendStore,
		spend.WithObservability(obs), spend.WithLogger(logger.With("component", "spend")))
	if err != nil {
		return err
	}

	validator, err := evidence.NewValidator(rules.EvidenceRequirements)
	if err != nil {
		return err
	}
	schemas, err := schema.NewRegistry()
	if err != nil {
		return err
	}

	domain := attestation.DefaultDomain()
	domain.ChainID = cfg.ChainID
	domain.VerifyingContract = cfg.VerifyingContract

	publisher := publish.New(st, blobs, publish.Config{
		QueueSize:   cfg.PublishQueueSize,
		MaxAttempts: cfg.PublishMaxAttempts,
	}, publish.WithObservability(obs), publish.WithLogger(logger.With("component", "publisher")))

	svc, err := verification.NewService(verification.Deps{
		Store:      st,
		Validator:  validator,
		Engine:     scoring.NewEngine(rules),
		Classifier: difficulty.NewClassifier(rules.Difficulty),
		Schemas:    schemas,
		Attestor:   attestation.New(signer, attestation.ConfigFromRules(rules.Attestation, cfg.IssuerProfiles, domain)),
	},
		verification.WithPublisher(publisher),
		verification.WithObservability(obs),
		verification.WithLogger(logger.With("component", "verification")),
	)
	if err != nil {
		return err
	}

	var approvers *auth.JWTValidator
	if cfg.ApproverJWTPublicKey != "" {
		key, err := auth.ParsePublicKey(cfg.ApproverJWTPublicKey)
		if err != nil {
			return fmt.Errorf("approver key: %w", err)
		}
		approvers = auth.NewJWTValidator(key, "")
	} else {
		logger.Warn("no approver key configured; spend approval endpoints will reject every request")
	}

	server := api.NewServer(api.Deps{
		Verifier:  svc,
		Spend:     ctrl,
		Schemas:   schemas,
		Approvers: approvers,
		Logger:    logger.With("component", "api"),
	}, api.Config{
		Version:        version,
		Domain:         domain,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})
	defer server.Close()

	mon := monitor.New(svc, buildFetchers(cfg), monitor.Config{
		Interval:     cfg.MonitorInterval,
		FetchTimeout: cfg.FetchTimeout,
	}, monitor.WithLogger(logger.With("component", "monitor")))

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	var wg sync.WaitGroup
	background := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("background worker stopped", "worker", name, "error", err)
			}
		}()
	}
	background("publisher", publisher.Run)
	background("monitor", mon.Run)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", httpSrv.Addr, "issuer", signer.Address())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	wg.Wait()
	return nil
}

// buildFetchers turns configured platform feeds into monitor fetchers.
// A feed value is "feedURL" or "feedURL|postURL".
func buildFetchers(cfg *config.Config) []monitor.Fetcher {
	client := &http.Client{Timeout: cfg.FetchTimeout}
	var out []monitor.Fetcher
	for platform, feedSpec := range cfg.PlatformFeeds {
		feed, post, _ := strings.Cut(feedSpec, "|")
		out = append(out, &monitor.HTTPFetcher{
			PlatformName: platform,
			FeedURL:      feed,
			PostURL:      post,
			Client:       client,
			Token:        cfg.FeedToken,
		})
	}
	return out
}

var _ verification.Publisher = (*publish.Publisher)(nil)
