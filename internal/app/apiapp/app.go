package apiapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vinasLT/carfax-service/internal/clients/carfax"
	"github.com/vinasLT/carfax-service/internal/clients/checkout"
	"github.com/vinasLT/carfax-service/internal/config"
	"github.com/vinasLT/carfax-service/internal/infra/httpclient"
	pgrepo "github.com/vinasLT/carfax-service/internal/repo/postgres"
	redrepo "github.com/vinasLT/carfax-service/internal/repo/redis"
	purchasesvc "github.com/vinasLT/carfax-service/internal/services/purchases"
	"github.com/vinasLT/carfax-service/internal/transport/queue"
)

const (
	vinLockTTL     = 30 * time.Second
	vinLockMaxWait = 10 * time.Second
)

type App struct {
	cfg        config.Config
	logger     *zap.Logger
	server     *http.Server
	postgres   *pgxpool.Pool
	redis      *goredis.Client
	consumer   *queue.Consumer
	httpRouter http.Handler
}

func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is nil")
	}

	r := chi.NewRouter()
	ApplyMiddlewares(r, log)

	pool, err := pgrepo.NewPool(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres init: %w", err)
	}

	redisClient := redrepo.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	purchaseRepo := pgrepo.NewPurchaseRepo(pool)
	vinLockRepo := redrepo.NewVinLockRepo(redisClient, vinLockTTL, vinLockMaxWait)

	carfaxClient, err := carfax.NewClient(
		cfg.Carfax.BaseURL,
		cfg.Carfax.APIKey,
		httpclient.New(cfg.Carfax.Timeout),
		cfg.Carfax.Retries,
		cfg.Carfax.Delay,
		log,
	)
	if err != nil {
		return nil, fmt.Errorf("carfax client init: %w", err)
	}

	checkoutClient, err := checkout.NewClient(
		cfg.Payment.BaseURL,
		httpclient.New(cfg.Payment.Timeout),
		log,
	)
	if err != nil {
		return nil, fmt.Errorf("checkout client init: %w", err)
	}

	purchaseService := purchasesvc.NewService(purchasesvc.Dependencies{
		Purchases: purchaseRepo,
		Provider:  carfaxClient,
		Checkout:  checkoutClient,
		Locks:     vinLockRepo,
		Logger:    log,
	})

	var consumer *queue.Consumer
	if cfg.Kafka.Brokers != "" {
		reader := queue.NewReader(cfg.Kafka.Brokers, cfg.Kafka.PaymentsTopic, cfg.Kafka.GroupID)
		consumer, err = queue.NewConsumer(reader, purchaseService, log)
		if err != nil {
			return nil, fmt.Errorf("payment consumer init: %w", err)
		}
	} else {
		log.Warn("kafka brokers not configured, payment events arrive via webhook only")
	}

	RegisterRoutes(r, Dependencies{
		PurchaseService: purchaseService,
		ReportAPI:       carfaxClient,
		Logger:          log,
		Config:          cfg,
	})

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	return &App{
		cfg:        cfg,
		logger:     log,
		server:     server,
		postgres:   pool,
		redis:      redisClient,
		consumer:   consumer,
		httpRouter: r,
	}, nil
}

func (a *App) Run() error {
	a.logger.Info("api server started", zap.String("addr", a.cfg.HTTP.Addr))
	err := a.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// RunConsumer blocks on the payment event loop until ctx is cancelled. It is
// a no-op when no brokers are configured.
func (a *App) RunConsumer(ctx context.Context) error {
	if a.consumer == nil {
		return nil
	}
	a.logger.Info("payment consumer started",
		zap.String("topic", a.cfg.Kafka.PaymentsTopic),
		zap.String("group_id", a.cfg.Kafka.GroupID),
	)
	return a.consumer.Run(ctx)
}

func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error

	if err := a.server.Shutdown(ctx); err != nil {
		shutdownErr = err
	}
	if a.consumer != nil {
		if err := a.consumer.Close(); err != nil && shutdownErr == nil {
			shutdownErr = err
		}
	}
	if a.postgres != nil {
		a.postgres.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil && shutdownErr == nil {
			shutdownErr = err
		}
	}

	return shutdownErr
}

func (a *App) Handler() http.Handler {
	return a.httpRouter
}
