// Command rpsd runs the round daemon: the HTTP API plus the ticker that
// settles elapsed rounds and retries failed payouts.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vibes-engineering-org/cptbased-rockpaperscissors/internal/api"
	"github.com/vibes-engineering-org/cptbased-rockpaperscissors/internal/config"
	"github.com/vibes-engineering-org/cptbased-rockpaperscissors/internal/engine"
	"github.com/vibes-engineering-org/cptbased-rockpaperscissors/internal/oracle"
	"github.com/vibes-engineering-org/cptbased-rockpaperscissors/internal/payments"
	"github.com/vibes-engineering-org/cptbased-rockpaperscissors/internal/rounds"
	"github.com/vibes-engineering-org/cptbased-rockpaperscissors/internal/store"
)

const tickInterval = time.Second

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("loading configuration")
	}
	logger = logger.Level(cfg.Level())

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("daemon exited")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	db, err := store.NewSQLiteDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	clock, err := rounds.NewClock(rounds.Schedule{
		RoundDuration: cfg.RoundDuration,
		EntryWindow:   cfg.EntryWindow,
	})
	if err != nil {
		return err
	}

	orc, err := oracle.NewSeededOracle(cfg.ServerSeed)
	if err != nil {
		return err
	}
	logger.Info().Str("commitment", orc.Commitment()).Msg("outcome commitment published")

	gw, err := buildGateway(cfg, logger)
	if err != nil {
		return err
	}

	eng, err := engine.New(db, gw, orc, clock, engine.Config{
		EntryFee:       cfg.EntryFee,
		Rake:           cfg.Rake,
		Mode:           engine.Mode(cfg.PayoutMode),
		PaymentTimeout: cfg.PaymentTimeout,
		SweepAddress:   cfg.PlatformAddress,
	}, logger.With().Str("component", "engine").Logger())
	if err != nil {
		return err
	}

	server := api.NewServer(eng, db, cfg.AdminToken,
		logger.With().Str("component", "api").Logger())
	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 65 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info().Msg("shutting down http server")
		return httpSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
				eng.Tick(gCtx)
			}
		}
	})

	return g.Wait()
}

// buildGateway selects the stablecoin gateway: the HTTP gateway when a pay
// service is configured, otherwise the in-process one for development.
func buildGateway(cfg *config.Config, logger zerolog.Logger) (payments.Gateway, error) {
	if cfg.PayURL == "" {
		logger.Warn().Msg("no payment gateway configured, using in-memory gateway")
		return payments.NewMemGateway(), nil
	}
	return payments.NewHTTPGateway(payments.HTTPConfig{
		BaseURL:         cfg.PayURL,
		Token:           cfg.PayToken,
		HoldingAddress:  cfg.HoldingAddress,
		PlatformAddress: cfg.PlatformAddress,
		Rake:            cfg.Rake,
	})
}
