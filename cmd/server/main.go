package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/karaoke/internal/adapters/http"
	"github.com/dkeye/karaoke/internal/adapters/rtc"
	sig "github.com/dkeye/karaoke/internal/adapters/signal"
	"github.com/dkeye/karaoke/internal/app"
	"github.com/dkeye/karaoke/internal/app/karaoke"
	"github.com/dkeye/karaoke/internal/app/orch"
	"github.com/dkeye/karaoke/internal/app/sfu"
	"github.com/dkeye/karaoke/internal/auth"
	"github.com/dkeye/karaoke/internal/config"
	"github.com/dkeye/karaoke/internal/domain"
	"github.com/dkeye/karaoke/internal/storage"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	flags := config.Flags()
	root := &cobra.Command{
		Use:           "karaoke",
		Short:         "Karaoke room server: one singer, many listeners, scored turns",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg)
		},
	}
	root.Flags().AddFlagSet(flags)

	if err := root.ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("server failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	} else {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("unknown log level, keeping info")
	}

	rtcCfg := rtc.DefaultConfig()
	if len(cfg.ICEServers) > 0 {
		rtcCfg.STUNServers = cfg.ICEServers
	}
	api, err := rtc.NewAPI(rtcCfg)
	if err != nil {
		return fmt.Errorf("webrtc api: %w", err)
	}

	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	relays := sfu.NewRelayManager()
	uplinks := rtc.NewUplinks(api, rtcCfg, relays)
	dialer := rtc.NewDialer(api, rtcCfg, relays)

	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Policy:   app.NewTolerantPolicy(cfg.Limits.MaxMisses),
		Relays:   relays,
		Media:    uplinks,
	}
	settings := karaoke.Settings{
		CountdownSeconds:   cfg.Karaoke.CountdownSeconds,
		TickInterval:       cfg.Karaoke.TickInterval,
		NegotiationTimeout: cfg.Karaoke.NegotiationTimeout,
		MediaTimeout:       cfg.Karaoke.MediaTimeout,
	}
	rooms := app.NewRoomManager(func(id domain.RoomID) *karaoke.Room {
		return karaoke.NewRoom(ctx, id, karaoke.Options{
			Channel:  o,
			Dialer:   dialer,
			Results:  store,
			Settings: settings,
		})
	})
	o.Rooms = rooms

	ctl := sig.NewSignalWSController(o)
	ctl.ReadLimit = cfg.ReadLimit
	ctl.PingPeriod = cfg.PingPeriod
	ctl.MicLimit = sig.NewRateLimiter(cfg.Limits.MicPerSecond, cfg.Limits.Burst)
	ctl.ScoreLimit = sig.NewRateLimiter(cfg.Limits.ScorePerSecond, cfg.Limits.Burst)

	var jwt *auth.JWTManager
	if cfg.ModeratorSecret != "" {
		jwt = auth.NewJWTManager(cfg.ModeratorSecret)
	} else {
		log.Warn().Msg("moderator_secret not set, moderation disabled")
	}

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Orch:    o,
		Signal:  ctl,
		Results: store,
		Auth:    jwt,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("karaoke server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server forced to shutdown")
		}
		rooms.StopAll()
		uplinks.CloseAll()
		o.Wait()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("server exited gracefully")
	return nil
}
