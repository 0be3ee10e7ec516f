package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"

	"draftline.io/internal/auth"
	"draftline.io/internal/config"
	"draftline.io/internal/httpapi"
	"draftline.io/internal/notify"
	"draftline.io/internal/obs"
	"draftline.io/internal/store/memory"
	"draftline.io/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := pflag.String("config", os.Getenv("DRAFTLINE_CONFIG"), "Path to YAML config")
	pflag.Parse()

	if err := run(*configPath); err != nil {
		obs.Logger().Error("fatal", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := obs.NewLogger(os.Stdout, obs.LogOptions{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Version: version,
	})
	obs.SetLogger(logger)
	// Инициализация observability (регистрация метрик, build_info)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Credential store: Postgres when a DSN is set, in-memory otherwise.
	var (
		store auth.Store
		ready httpapi.ReadinessChecker = httpapi.ReadyProbe{}
	)
	if cfg.Database.DSN != "" {
		pgStore, err := pg.Open(cfg.Database.DSN, pg.PoolOptions{
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxIdleConns: cfg.Database.MaxIdleConns,
		})
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer pgStore.Close()
		store = pgStore
		ready = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		logger.Warn("no database dsn configured, using in-memory store")
		store = memory.New()
	}

	notifiers := notify.Multi{notify.NewLogNotifier(logger)}
	if cfg.MQTT.Enabled {
		mqtt, err := notify.DialMQTT(cfg.MQTT)
		if err != nil {
			// Notifications are best effort; the service runs without them.
			logger.Warn("mqtt notifier disabled", slog.String("error", err.Error()))
		} else {
			defer mqtt.Close()
			notifiers = append(notifiers, mqtt)
		}
	}

	issuerCfg, err := cfg.IssuerConfig()
	if err != nil {
		return err
	}
	issuer, err := auth.NewIssuer(issuerCfg)
	if err != nil {
		return err
	}
	hasher, err := auth.NewPasswordHasher(cfg.Auth.PasswordHash)
	if err != nil {
		return err
	}
	svc, err := auth.NewService(store, issuer,
		auth.WithRefreshTTL(cfg.RefreshTTL()),
		auth.WithVerifier(hasher),
		auth.WithPasswordPolicy(cfg.Auth.PasswordPolicy),
		auth.WithLockout(cfg.Lockout()),
		auth.WithLogger(logger),
		auth.WithNotifier(notifiers),
	)
	if err != nil {
		return err
	}
	users := auth.NewUserService(svc)
	if cfg.Database.DSN == "" {
		bootstrapDevRoot(ctx, users, logger)
	}

	trusted, err := cfg.Server.TrustedProxyPrefixes()
	if err != nil {
		return err
	}
	api := httpapi.New(svc, users, httpapi.Options{
		Version:        version,
		Ready:          ready,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimit:      cfg.RateLimit,
		TrustedProxies: trusted,
	})
	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.ReadTimeout(),
		ReadHeaderTimeout: cfg.ReadTimeout(),
		WriteTimeout:      cfg.WriteTimeout(),
		IdleTimeout:       cfg.IdleTimeout(),
	}

	health := httpapi.NewHealthServer(ready)
	grpcSrv := grpc.NewServer()
	health.Register(grpcSrv)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http listen: %w", err)
		}
	}()
	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		go health.Run(ctx, 10*time.Second)
		go func() {
			logger.Info("grpc listening", slog.String("addr", cfg.Server.GRPCAddr))
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc serve: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	health.Shutdown()
	grpcSrv.GracefulStop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("stopped")
	return nil
}

// bootstrapDevRoot seeds a Root account for the in-memory store so a fresh
// dev instance is usable. Credentials come from the environment.
func bootstrapDevRoot(ctx context.Context, users *auth.UserService, logger *slog.Logger) {
	email := os.Getenv("DRAFTLINE_ROOT_EMAIL")
	if email == "" {
		return
	}
	created, err := users.BootstrapRoot(ctx, email, "Root", os.Getenv("DRAFTLINE_ROOT_PASSWORD"))
	if err != nil {
		logger.Warn("root bootstrap failed", slog.String("error", err.Error()))
		return
	}
	if created.TemporaryPassword != "" {
		fmt.Fprintf(os.Stderr, "root temporary password: %s\n", created.TemporaryPassword)
	}
}
