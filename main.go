package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"chat-gateway/auth"
	"chat-gateway/config"
	"chat-gateway/handlers"
	"chat-gateway/logger"
	"chat-gateway/observability"
	"chat-gateway/services"
	"chat-gateway/store"
	"chat-gateway/workflows"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("chat gateway stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	otelShutdown, err := observability.Setup(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown tracing")
		}
	}()

	// Connect to PostgreSQL for app data
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.DBMaxOpen)
	db.SetMaxIdleConns(cfg.DBMaxIdle)
	db.SetConnMaxLifetime(cfg.DBMaxLife)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	log.Info().Msg("connected to PostgreSQL")

	if cfg.AutoMigrate {
		if err := store.Migrate(ctx, db, log); err != nil {
			return err
		}
	}
	st := store.NewPostgresStore(db)

	// Writes run as DBOS workflows when enabled so an interrupted commit is
	// resumed after a restart.
	var committer workflows.Committer = workflows.DirectCommitter{Store: st}
	if cfg.DBOSEnabled {
		dbosCtx, err := dbos.NewDBOSContext(ctx, dbos.Config{
			DatabaseURL: cfg.DatabaseURL,
			AppName:     cfg.AppName,
		})
		if err != nil {
			return fmt.Errorf("init DBOS: %w", err)
		}
		chatWorkflows := workflows.NewChatWorkflows(st)
		chatWorkflows.Register(dbosCtx)
		if err := dbos.Launch(dbosCtx); err != nil {
			return fmt.Errorf("launch DBOS: %w", err)
		}
		defer dbos.Shutdown(dbosCtx, 5*time.Second)
		committer = workflows.NewDurableCommitter(dbosCtx, chatWorkflows)
		log.Info().Msg("DBOS launched, durable workflows enabled")
	}

	provider, err := newProvider(cfg, log)
	if err != nil {
		return err
	}
	trimmer := services.NewHistoryTrimmer(services.NewTiktokenCounter(), cfg.MaxPromptTokens, log)

	var locker workflows.TurnLocker = workflows.NewLocalLocker()
	health := map[string]handlers.HealthCheck{
		"postgres": func() error {
			checkCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return db.PingContext(checkCtx)
		},
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		locker = workflows.NewRedisLocker(rdb, cfg.TurnLockTTL)
		health["redis"] = func() error {
			checkCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return rdb.Ping(checkCtx).Err()
		}
		log.Info().Str("addr", cfg.RedisAddr).Msg("turn locks shared through redis")
	}

	validator, err := auth.NewValidator(ctx, cfg, log)
	if err != nil {
		return err
	}
	if closer, ok := validator.(interface{ Close() }); ok {
		defer closer.Close()
	}

	orchestrator := workflows.NewTurnOrchestrator(st, committer, provider, trimmer, locker, workflows.TurnConfigFromConfig(cfg), log)
	chatHandler := handlers.NewChatHandler(st, committer, orchestrator, log)

	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(chatHandler, validator, handlers.RouterOptions{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		Health:             health,
	}, log)

	apiServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info().Str("addr", apiServer.Addr).Msg("starting HTTP server")
		return serve(apiServer)
	})
	eg.Go(func() error {
		log.Info().Str("addr", metricsServer.Addr).Msg("starting metrics server")
		return serve(metricsServer)
	})
	eg.Go(func() error {
		<-egCtx.Done()
		log.Info().Msg("shutting down")
		// Give in-flight turns time to commit.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.CommitTimeout+5*time.Second)
		defer cancel()
		return errors.Join(apiServer.Shutdown(shutdownCtx), metricsServer.Shutdown(shutdownCtx))
	})
	return eg.Wait()
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", srv.Addr, err)
	}
	return nil
}

// newProvider routes "anthropic/" models to the Anthropic API and
// everything else to the OpenAI compatible endpoint.
func newProvider(cfg *config.Config, log zerolog.Logger) (services.Provider, error) {
	var openAI, anthropic services.Provider
	if cfg.OpenAIAPIKey != "" {
		openAI = services.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
	}
	if cfg.AnthropicAPIKey != "" {
		anthropic = services.NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL)
	}

	switch {
	case openAI != nil && anthropic != nil:
		log.Info().Str("openai_base_url", cfg.OpenAIBaseURL).Msg("model providers: openai compatible, anthropic")
		return services.NewRouter(openAI).Handle("anthropic/", anthropic), nil
	case openAI != nil:
		log.Info().Str("openai_base_url", cfg.OpenAIBaseURL).Msg("model provider: openai compatible")
		return openAI, nil
	case anthropic != nil:
		log.Info().Msg("model provider: anthropic")
		return services.NewRouter(anthropic).Handle("anthropic/", anthropic), nil
	default:
		return nil, errors.New("no model provider configured")
	}
}
