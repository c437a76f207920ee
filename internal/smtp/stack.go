package smtp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mailfold/mtad/internal/auth"
	"github.com/mailfold/mtad/internal/config"
	"github.com/mailfold/mtad/internal/delivery"
	"github.com/mailfold/mtad/internal/metrics"
	"github.com/mailfold/mtad/internal/policy"
	"github.com/mailfold/mtad/internal/queue"
	"github.com/mailfold/mtad/internal/server"
)

// cleanupInterval is how often expired rate buckets, greylist triplets,
// and aged terminal queue entries are purged.
const cleanupInterval = time.Hour

// Stack assembles the full MTA from configuration: stores, services,
// the reception handler, the listeners, and the delivery worker pool.
type Stack struct {
	cfg    *config.Config
	logger *slog.Logger

	server        *server.Server
	auth          *auth.Service
	policy        *policy.Service
	queue         *queue.Service
	delivery      *delivery.Service
	pool          *delivery.Pool
	collector     metrics.Collector
	metricsServer metrics.Server

	redisClient *redis.Client
}

// NewStack builds the MTA from the configuration. The configuration must
// already be validated.
func NewStack(cfg *config.Config) (*Stack, error) {
	srv, err := server.New(cfg)
	if err != nil {
		return nil, err
	}
	logger := srv.Logger()

	collector, metricsServer := metrics.New(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Address: cfg.Metrics.Address,
		Path:    cfg.Metrics.Path,
	})

	st := &Stack{
		cfg:           cfg,
		logger:        logger,
		server:        srv,
		collector:     collector,
		metricsServer: metricsServer,
	}

	if err := st.buildServices(); err != nil {
		return nil, err
	}

	handler := NewHandler(cfg, st.auth, st.policy, st.queue, collector, srv.TLSConfig(), logger)
	srv.SetHandler(handler.Handle())

	st.delivery = delivery.NewService(st.queue, cfg, net.DefaultResolver, collector, logger)
	st.pool = delivery.NewPool(st.delivery, st.queue, collector, logger,
		cfg.Delivery.Workers, cfg.Delivery.Interval())

	return st, nil
}

func (st *Stack) buildServices() error {
	cfg := st.cfg

	var userStore auth.Store
	if cfg.Auth.UsersFile != "" {
		fs, err := auth.NewFileStore(cfg.Auth.UsersFile)
		if err != nil {
			return fmt.Errorf("opening user store: %w", err)
		}
		userStore = fs
	} else {
		userStore = auth.NewMemoryStore()
	}
	st.auth = auth.NewService(userStore, st.logger, cfg.Auth.MaxFailures, cfg.Auth.LockoutWindow())

	var policyStore policy.Store
	switch cfg.Policy.Store {
	case "redis":
		st.redisClient = redis.NewClient(&redis.Options{Addr: cfg.Policy.RedisAddr})
		policyStore = policy.NewRedisStore(st.redisClient, time.Hour, cfg.Policy.MaxTripletAge())
	default:
		policyStore = policy.NewMemoryStore()
	}
	st.policy = policy.NewService(policyStore, st.logger,
		policy.Limits{
			PerIP:     cfg.Policy.RateLimitIP,
			PerUser:   cfg.Policy.RateLimitUser,
			PerDomain: cfg.Policy.RateLimitDomain,
		},
		policy.GreylistConfig{
			Enabled:  cfg.Policy.GreylistEnabled,
			MinDelay: cfg.Policy.MinDelay(),
			MaxAge:   cfg.Policy.MaxTripletAge(),
		})

	var queueStore queue.Store
	switch cfg.Queue.Store {
	case "postgres":
		ss, err := queue.OpenSQLStore(cfg.Queue.DSN, cfg.Queue.SpoolDir)
		if err != nil {
			return fmt.Errorf("opening queue store: %w", err)
		}
		queueStore = ss
	default:
		queueStore = queue.NewMemoryStore()
	}
	st.queue = queue.NewService(queueStore, st.logger, cfg.Queue.Schedule(), cfg.Queue.QueueMaxAge())

	return nil
}

// Auth returns the authentication service, used by the user management
// subcommands.
func (st *Stack) Auth() *auth.Service {
	return st.auth
}

// Queue returns the queue service.
func (st *Stack) Queue() *queue.Service {
	return st.queue
}

// Run starts the metrics endpoint, the delivery workers, the periodic
// cleanup, and the listeners. It blocks until the context is cancelled.
func (st *Stack) Run(ctx context.Context) error {
	go func() {
		if err := st.metricsServer.Start(ctx); err != nil {
			st.logger.Error("metrics server failed", slog.Any("error", err))
		}
	}()

	st.pool.Start(ctx)
	defer st.pool.Stop()

	go st.runCleanup(ctx)

	err := st.server.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = st.metricsServer.Shutdown(shutdownCtx)

	if st.redisClient != nil {
		_ = st.redisClient.Close()
	}

	if err == context.Canceled {
		return nil
	}
	return err
}

func (st *Stack) runCleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := st.policy.Cleanup(ctx); err != nil {
				st.logger.Warn("policy cleanup failed", slog.Any("error", err))
			}
			if n, err := st.queue.Cleanup(ctx, st.cfg.Queue.CleanupMaxAge()); err != nil {
				st.logger.Warn("queue cleanup failed", slog.Any("error", err))
			} else if n > 0 {
				st.logger.Info("queue cleanup removed messages", slog.Int("count", n))
			}
		}
	}
}
