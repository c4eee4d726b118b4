// Command server starts the Tunecast publish API and its background workers.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tunecast/internal/api"
	"tunecast/internal/files"
	"tunecast/internal/media"
	"tunecast/internal/oauth"
	"tunecast/internal/observability/logging"
	"tunecast/internal/pipeline"
	"tunecast/internal/planlimit"
	"tunecast/internal/publish"
	"tunecast/internal/server"
	"tunecast/internal/storage"
)

func main() {
	_ = godotenv.Load()

	addr := flag.String("addr", "", "HTTP listen address")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresConnTimeout := flag.Duration("postgres-connect-timeout", 0, "timeout when establishing Postgres connections")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	corsOrigins := flag.String("cors-origins", "", "comma separated origins allowed to call the API")
	oauthClientID := flag.String("oauth-client-id", "", "video host OAuth client ID")
	oauthClientSecret := flag.String("oauth-client-secret", "", "video host OAuth client secret")
	oauthRedirectURL := flag.String("oauth-redirect-url", "", "OAuth redirect URL registered with the video host")
	oauthAuthURL := flag.String("oauth-auth-url", "", "video host authorization endpoint")
	oauthTokenURL := flag.String("oauth-token-url", "", "video host token endpoint")
	oauthScopes := flag.String("oauth-scopes", "", "comma separated OAuth scopes")
	oauthChannelInfoURL := flag.String("oauth-channel-info-url", "", "endpoint returning the connected channel's metadata")
	stateRedisAddr := flag.String("oauth-state-redis-addr", "", "Redis address for sharing OAuth state across replicas")
	stateRedisUsername := flag.String("oauth-state-redis-username", "", "Redis username for the OAuth state store")
	stateRedisPassword := flag.String("oauth-state-redis-password", "", "Redis password for the OAuth state store")
	stateRedisMaster := flag.String("oauth-state-redis-master", "", "Redis sentinel master name for the OAuth state store")
	signerURL := flag.String("files-signer-url", "", "base URL of the signed-URL service for stored audio")
	signerToken := flag.String("files-signer-token", "", "bearer token for the signed-URL service")
	staticFilesURL := flag.String("files-static-url", "", "static base URL for stored audio when no signer is available")
	publishBaseURL := flag.String("publish-base-url", "", "base URL of the video host's upload API")
	ffmpegBinary := flag.String("ffmpeg-binary", "", "path to the ffmpeg binary")
	composeWorkDir := flag.String("compose-work-dir", "", "directory for composed video files")
	composeMuxTimeout := flag.Duration("compose-mux-timeout", 0, "wall-clock limit for one mux run")
	sweepInterval := flag.Duration("sweep-interval", 0, "interval between sweep passes over due records")
	staleWindow := flag.Duration("stale-window", 0, "how long a processing record may go untouched before reclaim")
	sweepBatchLimit := flag.Int("sweep-batch-limit", 0, "maximum records handled per sweep pass")
	sweepItemDelay := flag.Duration("sweep-item-delay", 0, "pause between records within a sweep pass")
	workerCount := flag.Int("workers", 0, "immediate-attempt worker count")
	queueSize := flag.Int("queue-size", 0, "immediate-attempt queue capacity")
	workTimeout := flag.Duration("work-timeout", 0, "per-record processing time limit")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("TUNECAST_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("TUNECAST_LOG_FORMAT")),
	})

	dsn := firstNonEmpty(*postgresDSN, os.Getenv("TUNECAST_POSTGRES_DSN"))
	driver := strings.ToLower(firstNonEmpty(*storageDriver, os.Getenv("TUNECAST_STORAGE_DRIVER")))
	if driver == "" {
		if dsn != "" {
			driver = "postgres"
		} else {
			driver = "json"
		}
	}

	var (
		store storage.Repository
		err   error
	)
	switch driver {
	case "json":
		store, err = storage.NewStorage(firstNonEmpty(*dataPath, os.Getenv("TUNECAST_DATA")))
	case "postgres":
		if dsn == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		bootCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		store, err = storage.NewPostgresRepository(bootCtx, storage.PostgresConfig{
			DSN:             dsn,
			MaxConnections:  int32(resolveInt(*postgresMaxConns, "TUNECAST_POSTGRES_MAX_CONNS")),
			MinConnections:  int32(resolveInt(*postgresMinConns, "TUNECAST_POSTGRES_MIN_CONNS")),
			ConnectTimeout:  resolveDuration(*postgresConnTimeout, "TUNECAST_POSTGRES_CONNECT_TIMEOUT", 0),
			ApplicationName: firstNonEmpty(*postgresAppName, os.Getenv("TUNECAST_POSTGRES_APP_NAME")),
		})
		cancel()
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	oauthCfg := oauth.Config{
		ClientID:       firstNonEmpty(*oauthClientID, os.Getenv("TUNECAST_OAUTH_CLIENT_ID")),
		ClientSecret:   firstNonEmpty(*oauthClientSecret, os.Getenv("TUNECAST_OAUTH_CLIENT_SECRET")),
		RedirectURL:    firstNonEmpty(*oauthRedirectURL, os.Getenv("TUNECAST_OAUTH_REDIRECT_URL")),
		AuthURL:        firstNonEmpty(*oauthAuthURL, os.Getenv("TUNECAST_OAUTH_AUTH_URL")),
		TokenURL:       firstNonEmpty(*oauthTokenURL, os.Getenv("TUNECAST_OAUTH_TOKEN_URL")),
		Scopes:         splitAndTrim(firstNonEmpty(*oauthScopes, os.Getenv("TUNECAST_OAUTH_SCOPES"))),
		ChannelInfoURL: firstNonEmpty(*oauthChannelInfoURL, os.Getenv("TUNECAST_OAUTH_CHANNEL_INFO_URL")),
	}
	if err := oauthCfg.Validate(); err != nil {
		logger.Error("invalid oauth configuration", "error", err)
		os.Exit(1)
	}

	tokens := oauth.NewStore(store, oauthCfg, logging.WithComponent(logger, "oauth"))

	var managerOpts []oauth.ManagerOption
	if redisAddr := firstNonEmpty(*stateRedisAddr, os.Getenv("TUNECAST_OAUTH_STATE_REDIS_ADDR")); redisAddr != "" {
		stateStore, err := oauth.NewRedisStateStore(oauth.RedisStateConfig{
			Addr:       redisAddr,
			Username:   firstNonEmpty(*stateRedisUsername, os.Getenv("TUNECAST_OAUTH_STATE_REDIS_USERNAME")),
			Password:   firstNonEmpty(*stateRedisPassword, os.Getenv("TUNECAST_OAUTH_STATE_REDIS_PASSWORD")),
			MasterName: firstNonEmpty(*stateRedisMaster, os.Getenv("TUNECAST_OAUTH_STATE_REDIS_MASTER")),
		})
		if err != nil {
			logger.Error("failed to connect OAuth state store", "error", err)
			os.Exit(1)
		}
		managerOpts = append(managerOpts, oauth.WithStateStore(stateStore))
	}
	oauthManager, err := oauth.NewManager(oauthCfg, tokens, logging.WithComponent(logger, "oauth"), managerOpts...)
	if err != nil {
		logger.Error("failed to configure oauth", "error", err)
		os.Exit(1)
	}

	var resolver files.Resolver
	filesCfg := files.Config{
		SignerBaseURL: firstNonEmpty(*signerURL, os.Getenv("TUNECAST_FILES_SIGNER_URL")),
		SignerToken:   firstNonEmpty(*signerToken, os.Getenv("TUNECAST_FILES_SIGNER_TOKEN")),
		StaticBaseURL: firstNonEmpty(*staticFilesURL, os.Getenv("TUNECAST_FILES_STATIC_URL")),
	}
	if filesCfg.SignerBaseURL != "" || filesCfg.StaticBaseURL != "" {
		resolver, err = files.NewHTTPResolver(filesCfg, logging.WithComponent(logger, "files"))
		if err != nil {
			logger.Error("failed to configure file resolver", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("no file resolver configured, only records with explicit source URLs will process")
	}

	var composerOpts []media.ComposerOption
	if binary := firstNonEmpty(*ffmpegBinary, os.Getenv("TUNECAST_FFMPEG_BINARY")); binary != "" {
		composerOpts = append(composerOpts, media.WithBinary(binary))
	}
	if workDir := firstNonEmpty(*composeWorkDir, os.Getenv("TUNECAST_COMPOSE_WORK_DIR")); workDir != "" {
		composerOpts = append(composerOpts, media.WithWorkDir(workDir))
	}
	if muxTimeout := resolveDuration(*composeMuxTimeout, "TUNECAST_COMPOSE_MUX_TIMEOUT", 0); muxTimeout > 0 {
		composerOpts = append(composerOpts, media.WithMuxTimeout(muxTimeout))
	}
	composer := media.NewFFmpegComposer(logging.WithComponent(logger, "media"), composerOpts...)

	publishURL := firstNonEmpty(*publishBaseURL, os.Getenv("TUNECAST_PUBLISH_BASE_URL"))
	publisher, err := publish.NewHTTPClient(publishURL, logging.WithComponent(logger, "publish"))
	if err != nil {
		logger.Error("failed to configure publish client", "error", err)
		os.Exit(1)
	}

	pl, err := pipeline.New(pipeline.Config{
		Store:       store,
		Tokens:      tokens,
		Files:       resolver,
		Composer:    composer,
		Publisher:   publisher,
		Logger:      logging.WithComponent(logger, "pipeline"),
		StaleWindow: resolveDuration(*staleWindow, "TUNECAST_STALE_WINDOW", 0),
		BatchLimit:  resolveInt(*sweepBatchLimit, "TUNECAST_SWEEP_BATCH_LIMIT"),
		ItemDelay:   resolveDuration(*sweepItemDelay, "TUNECAST_SWEEP_ITEM_DELAY", 0),
	})
	if err != nil {
		logger.Error("failed to configure pipeline", "error", err)
		os.Exit(1)
	}

	processor := pipeline.NewProcessor(pipeline.ProcessorConfig{
		Pipeline:  pl,
		Workers:   resolveInt(*workerCount, "TUNECAST_WORKERS"),
		QueueSize: resolveInt(*queueSize, "TUNECAST_QUEUE_SIZE"),
		Timeout:   resolveDuration(*workTimeout, "TUNECAST_WORK_TIMEOUT", 0),
		Logger:    logging.WithComponent(logger, "processor"),
	})
	processor.Start()

	handler := api.NewHandler(store, pl, logger)
	handler.Processor = processor
	handler.OAuth = oauthManager
	handler.Tokens = tokens
	handler.Plans = planlimit.NewChecker(store)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	sweepStop := startSweepWorker(
		workerCtx,
		logging.WithComponent(logger, "sweep"),
		pl,
		resolveDuration(*sweepInterval, "TUNECAST_SWEEP_INTERVAL", 30*time.Second),
	)
	defer sweepStop()

	listenAddr := firstNonEmpty(*addr, os.Getenv("TUNECAST_ADDR"))
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		RateLimit: server.RateLimitConfig{
			GlobalRPS:   resolveFloat(*globalRPS, "TUNECAST_RATE_GLOBAL_RPS"),
			GlobalBurst: resolveInt(*globalBurst, "TUNECAST_RATE_GLOBAL_BURST"),
		},
		CORS: server.CORSConfig{
			AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("TUNECAST_CORS_ORIGINS"))),
		},
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("Tunecast API listening", "addr", listenAddr, "storage_driver", driver)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	workerCancel()
	sweepStop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}

	if err := processor.Shutdown(ctx); err != nil {
		logger.Warn("failed to stop upload processor", "error", err)
	}

	if err := store.Close(ctx); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}

	logger.Info("server stopped")
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}
