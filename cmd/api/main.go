package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"task-dialer/internal/audit"
	"task-dialer/internal/calls"
	"task-dialer/internal/config"
	"task-dialer/internal/dialer"
	"task-dialer/internal/metrics"
	"task-dialer/internal/notify"
	"task-dialer/internal/queue"
	"task-dialer/internal/tasks"
	"task-dialer/internal/telephony"
	"task-dialer/pkg/logger"
	"task-dialer/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, cfg.Log.File)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	jobs, err := queue.NewRedisQueue(rdb, cfg.Redis.QueueName)
	if err != nil {
		log.Error("queue init failed", "err", err)
		os.Exit(1)
	}

	provider, err := telephony.NewTwilioProvider(telephony.TwilioConfig{
		AccountSID:  cfg.Twilio.AccountSID,
		AuthToken:   cfg.Twilio.AuthToken,
		FromNumber:  cfg.Twilio.FromNumber,
		BaseURL:     cfg.Twilio.APIBaseURL,
		RingTimeout: cfg.Twilio.RingTimeout,
	}, nil)
	if err != nil {
		log.Error("twilio init failed", "err", err)
		os.Exit(1)
	}

	notifier, err := newNotifier(cfg.FCM, log)
	if err != nil {
		log.Error("notifier init failed", "err", err)
		os.Exit(1)
	}

	urls := telephony.CallbackURLs{
		PublicBaseURL:      cfg.Callbacks.PublicBaseURL,
		MediaStreamBaseURL: cfg.Callbacks.MediaStreamBaseURL,
	}

	svc := tasks.NewService(tasks.NewPostgresStore(db), jobs, provider, notifier, log)
	events := calls.NewHandler(svc, urls, cfg.Callbacks.AnswerPauseSeconds, log)
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	r.Use(metrics.Middleware())

	registerRoutes(r, routeDeps{
		tasks:  svc,
		audit:  auditSvc,
		events: events,
		db:     db,
		redis:  rdb,
	})

	var wg sync.WaitGroup
	if cfg.Worker.Enabled {
		w := dialer.NewWorker(svc, provider, jobs, urls, dialer.Config{
			PollInterval: cfg.Worker.PollInterval,
			BatchSize:    cfg.Worker.BatchSize,
			Lease:        cfg.Worker.Lease,
		}, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("dispatch worker stopped", "err", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	wg.Wait()

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}

func newNotifier(cfg config.FCMConfig, log *slog.Logger) (notify.Notifier, error) {
	if cfg.ServiceAccountFile == "" {
		log.Warn("FCM_SERVICE_ACCOUNT_FILE not set; outcomes are logged only")
		return notify.LogNotifier{Log: log}, nil
	}
	sa, err := notify.LoadServiceAccount(cfg.ServiceAccountFile)
	if err != nil {
		return nil, err
	}
	return notify.NewFCMSender(sa, cfg.Topic), nil
}
