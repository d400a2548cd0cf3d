package main // Entry point package

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/raffle-ticketing/internal/config"
	"github.com/iliyamo/raffle-ticketing/internal/database"
	"github.com/iliyamo/raffle-ticketing/internal/handler"
	"github.com/iliyamo/raffle-ticketing/internal/logging"
	"github.com/iliyamo/raffle-ticketing/internal/metrics"
	"github.com/iliyamo/raffle-ticketing/internal/middleware"
	"github.com/iliyamo/raffle-ticketing/internal/payment"
	"github.com/iliyamo/raffle-ticketing/internal/queue"
	"github.com/iliyamo/raffle-ticketing/internal/raffle"
	"github.com/iliyamo/raffle-ticketing/internal/router"
	queue_publisher "github.com/iliyamo/raffle-ticketing/internal/service"
)

func main() {
	_ = godotenv.Load() // .env is optional; real environment wins
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	logrus.SetLevel(log.GetLevel())
	logrus.SetFormatter(log.Formatter)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg)
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	defer db.Close()
	driver := cfg.DBDriver
	if driver == "" {
		driver = database.MySQL
	}
	if err := database.Apply(ctx, db, driver); err != nil {
		log.WithError(err).Fatal("apply schema")
	}

	rdb := config.NewRedisClient(config.LoadRedisConfig(), log)
	if rdb != nil {
		defer rdb.Close()
	}

	opts := []raffle.Option{
		raffle.WithLogger(log),
		raffle.WithReservationTTL(cfg.Reservation.TTL),
		raffle.WithCheckoutTTL(cfg.Reservation.CheckoutTTL),
		raffle.WithCheckoutGrace(cfg.Reservation.CheckoutGrace),
	}
	st := raffle.NewStore(db)
	gw := payment.NewMercadoPago(cfg.Payment.BaseURL, cfg.Payment.AccessToken, cfg.Payment.Timeout)
	pub := queue_publisher.New(cfg.RabbitURL, log.WithField("component", "publisher"))

	pool := raffle.NewPool(st, opts...)
	res := raffle.NewReservations(st, opts...)
	ledger := raffle.NewLedger(st, res, opts...)
	checkout := raffle.NewCheckout(st, ledger, gw, raffle.CheckoutConfig{
		PublicBaseURL:       cfg.PublicBaseURL,
		PublicKey:           cfg.Payment.PublicKey,
		Currency:            cfg.Payment.Currency,
		StatementDescriptor: cfg.Payment.StatementDescriptor,
	}, opts...)
	rec := raffle.NewReconciler(st, ledger, gw, pub, opts...)
	draws := raffle.NewDraws(st, nil, opts...)

	sweeper := raffle.NewSweeper(res, checkout, rec, log.WithField("component", "sweeper"))
	sched := cron.New()
	if _, err := sweeper.Schedule(sched, cfg.Reservation.SweepSchedule); err != nil {
		log.WithError(err).Fatal("schedule sweeper")
	}
	sched.Start()

	consumer := &queue.Consumer{
		URL:     cfg.RabbitURL,
		LogPath: filepath.Join("logs", "purchase.log"),
		Log:     log.WithField("component", "purchase-consumer"),
	}
	go func() {
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("purchase consumer stopped")
		}
	}()

	cacheCfg := config.LoadCacheConfig()
	e := echo.New()
	e.HideBanner = true
	e.Validator = middleware.NewRequestValidator()
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(metrics.Middleware())

	router.RegisterRoutes(e, db)
	router.RegisterAuth(e, handler.NewAuthHandler(cfg), middleware.NewTokenBucket(config.LoadRateLimitConfig("login"), rdb))
	router.RegisterPublic(e, handler.NewPublicHandler(pool), middleware.NewRedisCache(cacheCfg, rdb))
	router.RegisterBuyer(e,
		handler.NewReservationHandler(res),
		handler.NewCheckoutHandler(checkout, rec),
		handler.NewWebhookHandler(rec, cfg.Payment.WebhookSecret, log.WithField("component", "webhook")),
		router.Limits{
			Reserve:  middleware.NewTokenBucket(config.LoadRateLimitConfig("reserve"), rdb),
			Checkout: middleware.NewTokenBucket(config.LoadRateLimitConfig("checkout"), rdb),
			Webhook:  middleware.NewTokenBucket(config.LoadRateLimitConfig("webhook"), rdb),
		})
	router.RegisterAdmin(e, &handler.AdminHandler{
		Pool:     pool,
		Ledger:   ledger,
		Rec:      rec,
		Draws:    draws,
		Webhooks: st.Webhooks,
		Purge: func(ctx context.Context) {
			if _, err := middleware.PurgeCache(ctx, rdb, cacheCfg.Prefix); err != nil {
				log.WithError(err).Warn("cache purge failed")
			}
		},
	}, cfg.JWTSecret)

	addr := ":" + cfg.Port
	go func() {
		log.WithFields(logrus.Fields{"addr": addr, "env": cfg.Env, "driver": driver}).Info("listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http shutdown")
	}
	<-sched.Stop().Done()
}
