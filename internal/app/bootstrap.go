package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"crm-auth/internal/auth"
	"crm-auth/internal/db"
	"crm-auth/internal/mail"
	"crm-auth/internal/maintenance"
	"crm-auth/internal/observability"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	accessSecret, err := mustEnv("JWT_ACCESS_SECRET")
	if err != nil {
		return nil, err
	}
	refreshSecret, err := mustEnv("JWT_REFRESH_SECRET")
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), envOrDefault("APP_ENV", "development")); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(envIntOrDefault("DB_MAX_OPEN_CONNS", 10))
	database.SetMaxIdleConns(envIntOrDefault("DB_MAX_IDLE_CONNS", 5))
	database.SetConnMaxLifetime(envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30))
	database.SetConnMaxIdleTime(envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10))

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(context.Background(), database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	minter := auth.NewMinter(accessSecret, refreshSecret)
	minter.WithTTL(
		envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 15),
		envHoursOrDefault("REFRESH_TOKEN_TTL_HOURS", 168),
	)

	mailer := buildMailer(logger)
	repo := auth.NewRepository(database)
	service := auth.NewService(repo, repo, minter, mailer)
	service.WithLifetimes(
		envDaysOrDefault("SESSION_TTL_DAYS", 30),
		envMinutesOrDefault("TWO_FACTOR_CODE_TTL_MINUTES", 10),
		envHoursOrDefault("EMAIL_VERIFICATION_TTL_HOURS", 24),
		envMinutesOrDefault("PASSWORD_RESET_TTL_MINUTES", 60),
		envMinutesOrDefault("TOKEN_RENEWAL_WINDOW_MINUTES", 5),
	)

	secureCookies := EnvBoolOrDefault("SECURE_COOKIES", envOrDefault("APP_ENV", "development") == "production")
	handler := auth.NewHandler(service, secureCookies)
	cleanupHandler := maintenance.NewCleanupHandler(
		repo,
		logger,
		os.Getenv("CRON_SECRET"),
		envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),
	)

	limiter, closeLimiter, err := buildRateLimiter(logger)
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	requireAuth := func(next http.HandlerFunc) http.Handler {
		return auth.RequireAuth(service, secureCookies, next)
	}
	limitByIP := func(scope string, next http.HandlerFunc) http.Handler {
		return auth.RateLimitByIP(limiter, scope, next)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/register", handler.Register)
	mux.HandleFunc("POST /auth/verify-email/{userId}/{token}", handler.VerifyEmail)
	mux.Handle("POST /auth/resend-verification", limitByIP("resend_verification", handler.ResendVerification))
	mux.Handle("POST /auth/login", limitByIP("login", handler.Login))
	mux.Handle("POST /auth/2fa/verify", limitByIP("two_factor_verify", handler.VerifyTwoFactor))
	mux.Handle("POST /auth/request-password-reset", limitByIP("password_reset", handler.RequestPasswordReset))
	mux.HandleFunc("POST /auth/reset-password", handler.ResetPassword)
	mux.Handle("POST /auth/change-password", requireAuth(handler.ChangePassword))
	mux.Handle("POST /auth/2fa/enable", requireAuth(handler.EnableTwoFactor))
	mux.Handle("POST /auth/2fa/confirm", requireAuth(handler.ConfirmTwoFactor))
	mux.Handle("POST /auth/2fa/disable", requireAuth(handler.DisableTwoFactor))
	mux.Handle("POST /auth/logout", requireAuth(handler.Logout))
	mux.Handle("POST /auth/logout-all", requireAuth(handler.LogoutAll))
	mux.Handle("POST /auth/logout/{sessionId}", requireAuth(handler.LogoutSession))
	mux.Handle("GET /auth/sessions", requireAuth(handler.ListSessions))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database))

	chain := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	return &Runtime{
		Handler: chain,
		Close: func() error {
			observability.FlushSentry()
			if closeLimiter != nil {
				_ = closeLimiter()
			}
			return database.Close()
		},
	}, nil
}

// buildMailer prefers a real SMTP relay and falls back to logging mail
// contents, which keeps local development working without a relay.
func buildMailer(logger *observability.Logger) mail.Mailer {
	host := strings.TrimSpace(os.Getenv("SMTP_HOST"))
	if host == "" {
		logger.Info("mailer_log_mode", map[string]any{"reason": "SMTP_HOST not set"})
		return mail.NewLogMailer(logger)
	}

	return mail.NewSMTPMailer(mail.SMTPConfig{
		Host:     host,
		Port:     envOrDefault("SMTP_PORT", "587"),
		Username: os.Getenv("SMTP_USERNAME"),
		Password: os.Getenv("SMTP_PASSWORD"),
		From:     envOrDefault("SMTP_FROM", "no-reply@localhost"),
		BaseURL:  envOrDefault("APP_BASE_URL", "http://localhost:3000"),
	})
}

func buildRateLimiter(logger *observability.Logger) (auth.RateLimiter, func() error, error) {
	maxHits := envIntOrDefault("RATE_LIMIT_MAX", 10)
	window := envSecondsOrDefault("RATE_LIMIT_WINDOW_SECONDS", 60)

	redisURL := strings.TrimSpace(os.Getenv("REDIS_URL"))
	if redisURL == "" {
		return auth.NewMemoryRateLimiter(maxHits, window), nil, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Error("redis_unreachable", map[string]any{"error": err.Error()})
		_ = client.Close()
		return auth.NewMemoryRateLimiter(maxHits, window), nil, nil
	}

	return auth.NewRedisRateLimiter(client, maxHits, window), client.Close, nil
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
