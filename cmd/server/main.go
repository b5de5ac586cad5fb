// Command server runs the reservation gateway and the live seat channel.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/iliyamo/cinema-seat-live/internal/config"
	"github.com/iliyamo/cinema-seat-live/internal/database"
	"github.com/iliyamo/cinema-seat-live/internal/handler"
	"github.com/iliyamo/cinema-seat-live/internal/live"
	"github.com/iliyamo/cinema-seat-live/internal/logging"
	"github.com/iliyamo/cinema-seat-live/internal/middleware"
	"github.com/iliyamo/cinema-seat-live/internal/queue"
	"github.com/iliyamo/cinema-seat-live/internal/repository"
	"github.com/iliyamo/cinema-seat-live/internal/router"
	"github.com/iliyamo/cinema-seat-live/internal/service"
)

func main() {
	config.LoadDotEnv()
	logging.Init("cinema-seat-live")

	cfg := config.Load()
	liveCfg := config.LoadLiveConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, database.Options{
		User:            cfg.DBUser,
		Pass:            cfg.DBPass,
		Host:            cfg.DBHost,
		Port:            cfg.DBPort,
		Name:            cfg.DBName,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		ConnMaxLifetime: cfg.DBConnLifetime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("database unavailable")
	}
	defer db.Close()
	if err := database.EnsureSchema(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("schema migration failed")
	}

	holds := repository.NewHoldRepo(db)
	seats := repository.NewSeatRepo(db)
	hub := live.NewHub(holds, liveCfg)

	// Redis is optional: without it the server runs as a single instance
	// with local fanout, no rate limiting and no inventory cache.
	rdb := config.NewRedisClient(ctx)
	var publisher live.Publisher = live.LocalFanout{Hub: hub}
	if rdb != nil {
		defer rdb.Close()
		fanout := live.NewRedisFanout(rdb, liveCfg.RedisChannelPrefix, hub)
		publisher = fanout
		go func() {
			if err := fanout.Run(ctx); err != nil {
				log.Error().Err(err).Msg("redis fanout stopped")
			}
		}()
	}

	var activity service.ActivityNotifier = service.NopNotifier{}
	if liveCfg.ActivityEnabled {
		pub := service.NewActivityPublisher(liveCfg.AMQPURL)
		defer pub.Close()
		activity = pub
	}
	if liveCfg.AuditConsumer {
		consumer := queue.AuditConsumer{URL: liveCfg.AMQPURL, LogDir: liveCfg.AuditLogDir}
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("audit consumer stopped")
			}
		}()
	}

	sweeper := &service.ExpirySweeper{Holds: holds, Live: publisher, Activity: activity, Interval: liveCfg.SweepInterval}
	go sweeper.Run(ctx)

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger())

	router.RegisterRoutes(e, &handler.SessionHandler{
		Secret: cfg.SessionSecret,
		TTL:    time.Duration(cfg.SessionTTLHours) * time.Hour,
	}, db)
	router.RegisterInventory(e, &handler.SeatHandler{Seats: seats},
		middleware.NewInventoryCache(config.LoadCacheConfig(), rdb))
	router.RegisterReservations(e,
		&handler.ReservationHandler{Holds: holds, Live: publisher, Activity: activity, HoldTTL: liveCfg.HoldTTL},
		hub.ServeWS,
		cfg.SessionSecret,
		middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb))

	go func() {
		addr := ":" + cfg.Port
		log.Info().Str("addr", addr).Str("env", cfg.Env).Msg("listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	hub.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
