package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/gorm"

	"github.com/Rimos-Dev/biometric-prototype/internal/artifact"
	"github.com/Rimos-Dev/biometric-prototype/internal/auth"
	"github.com/Rimos-Dev/biometric-prototype/internal/config"
	"github.com/Rimos-Dev/biometric-prototype/internal/engine"
	"github.com/Rimos-Dev/biometric-prototype/internal/handlers"
	"github.com/Rimos-Dev/biometric-prototype/internal/health"
	"github.com/Rimos-Dev/biometric-prototype/internal/logging"
	"github.com/Rimos-Dev/biometric-prototype/internal/repository"
	"github.com/Rimos-Dev/biometric-prototype/internal/usecase"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "biometric",
		Short:         "Face enrollment and authentication API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd(), newHealthcheckCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			return runServer(cmd.Context(), cfg, logger)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, cancel := context.WithTimeout(contextOrBackground(cmd.Context()), 30*time.Second)
			defer cancel()

			db, err := initDatabase(ctx, cfg, logger)
			if err != nil {
				return err
			}
			if err := repository.NewBiometricRepository(db, logger).AutoMigrate(ctx); err != nil {
				return fmt.Errorf("auto migrate: %w", err)
			}
			logger.Info("schema is up to date", zap.String("driver", cfg.Database.Driver))
			return nil
		},
	}
}

func newHealthcheckCmd() *cobra.Command {
	var service string
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Query the gRPC health endpoint of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			if cfg.GRPC.Addr == "" {
				return errors.New("GRPC_ADDR is not set")
			}
			status, err := health.Probe(contextOrBackground(cmd.Context()), cfg.GRPC.Addr, service, logger)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), status.String())
			if status != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("service is %s", status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&service, "service", health.ServiceName, "service name to check")
	return cmd
}

func bootstrap() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runServer(parent context.Context, cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(contextOrBackground(parent), 15*time.Second)
	defer cancel()

	db, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	repo := repository.NewBiometricRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	var cache usecase.Cache
	if cfg.Redis.Addr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		redisClient, err := initRedis(redisCtx, cfg.Redis.Addr, logger)
		redisCancel()
		if err != nil {
			return err
		}
		defer redisClient.Close()
		cache = usecase.NewRedisCache(redisClient)
	} else {
		logger.Info("REDIS_ADDR not set, template cache disabled")
	}

	store := artifact.NewStore(cfg.ScratchDir, logger)
	client := engine.NewProcessClient(engine.Options{
		Interpreter: cfg.Engine.Interpreter,
		Script:      cfg.Engine.Script,
		Timeout:     cfg.Engine.Timeout,
	}, logger)
	uc := usecase.NewBiometricUseCase(repo, store, client, cache, cfg.Redis.TemplateTTL, logger)

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience, cfg.Auth.TokenTTL)
	if !tokens.Enabled() {
		logger.Warn("JWT_SECRET not set, session tokens disabled")
	}

	r := gin.New()
	r.Use(gin.Recovery())
	handlers.RegisterRoutes(r, uc, tokens, logger, handlers.Options{MaxRequestBytes: cfg.HTTP.MaxRequestBytes})

	runCtx, stopRun := context.WithCancel(contextOrBackground(parent))
	defer stopRun()
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.GRPC.Addr, err)
		}
		hs := health.NewServer(repo, 0, logger)
		go func() {
			if err := hs.Serve(runCtx, lis); err != nil {
				logger.Error("health server failed", zap.Error(err))
			}
		}()
		logger.Info("gRPC health listening", zap.String("addr", cfg.GRPC.Addr))
	}

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("biometric API listening",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("scratch_dir", store.Dir()),
		zap.Bool("template_cache", cache != nil),
	)
	return serveHTTPServer(server, cfg.HTTP.ShutdownTimeout, logger)
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*gorm.DB, error) {
	db, err := repository.Open(ctx, repository.Options{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to database", zap.Error(err), zap.String("driver", cfg.Database.Driver))
		return nil, err
	}
	return db, nil
}

func initRedis(ctx context.Context, addr string, logger *zap.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Error("redis connection failed", zap.Error(err), zap.String("addr", addr))
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
