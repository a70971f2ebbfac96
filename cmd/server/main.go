package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	timeblocks "github.com/timeblocks/timeblocks"
	"github.com/timeblocks/timeblocks/httpapi"
	"github.com/timeblocks/timeblocks/internal/config"
	"github.com/timeblocks/timeblocks/internal/logger"
	"github.com/timeblocks/timeblocks/internal/rate"
	"github.com/timeblocks/timeblocks/internal/stores"
	"github.com/timeblocks/timeblocks/password"
	"github.com/timeblocks/timeblocks/refreshtoken"
	"github.com/timeblocks/timeblocks/token"
	"github.com/timeblocks/timeblocks/user"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.GetConfig()
	if err != nil {
		return err
	}

	log := logger.New()
	defer func() { _ = log.Sync() }()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = rdb.Close() }()

	db, err := sql.Open("sqlite", cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	users, err := user.NewSQLiteStore(db)
	if err != nil {
		return err
	}

	tokens, err := buildTokenStore(cfg, rdb, db)
	if err != nil {
		return err
	}

	codec, err := token.NewCodec(token.Config{
		AccessSecret:  cfg.Auth.AccessSecret,
		RefreshSecret: cfg.Auth.RefreshSecret,
		AccessTTL:     cfg.Auth.AccessTTL.Std(),
		RefreshTTL:    cfg.Auth.RefreshTTL.Std(),
	})
	if err != nil {
		return err
	}
	if cfg.Auth.AccessSecret == "" || cfg.Auth.RefreshSecret == "" {
		log.Warn("signing secret not configured, using a random per-process key")
	}

	hasher, err := password.NewHasher(password.DefaultParams())
	if err != nil {
		return err
	}

	var notifier timeblocks.Notifier
	if cfg.Auth.LogCodes {
		notifier = timeblocks.NewLogNotifier(log)
	} else {
		return errors.New("no code delivery configured: set AUTH_LOG_CODES=true or wire a mail sender")
	}

	svc, err := timeblocks.NewService(timeblocks.Deps{
		Users:    users,
		Tokens:   tokens,
		Codec:    codec,
		Hasher:   hasher,
		Codes:    stores.NewCodeStore(rdb, cfg.Auth.CodeTTL.Std()),
		Limiter:  rate.New(rate.Config{Window: cfg.RateLimit.Window.Std(), Max: cfg.RateLimit.Max}),
		Notifier: notifier,
		Metrics:  timeblocks.NewMetrics(),
		Log:      log,
	})
	if err != nil {
		return err
	}

	api := httpapi.New(svc, codec, httpapi.CookieConfig{
		Domain:   cfg.Cookies.Domain,
		Secure:   cfg.Cookies.Secure,
		SameSite: httpapi.ParseSameSite(cfg.Cookies.SameSite),
	}, log)

	srv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      api.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go purgeLoop(ctx, tokens, log)

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", logger.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildTokenStore(cfg *config.Config, rdb *redis.Client, db *sql.DB) (refreshtoken.Store, error) {
	retention := cfg.Auth.RetentionGrace.Std()
	switch cfg.Auth.TokenStore {
	case "redis":
		return refreshtoken.NewRedisStore(rdb, retention), nil
	case "sqlite":
		return refreshtoken.NewSQLiteStore(db, retention)
	}
	return nil, fmt.Errorf("unknown token store %q", cfg.Auth.TokenStore)
}

// purgeLoop reaps expired refresh token records. The Redis backend makes
// this a no-op; the SQLite backend needs it.
func purgeLoop(ctx context.Context, tokens refreshtoken.Store, log logger.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := tokens.PurgeExpired(ctx); err != nil {
				log.Warn("refresh token purge failed", logger.Error(err))
			}
		}
	}
}
