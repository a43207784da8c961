package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"

	firebase "firebase.google.com/go/v4"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/joho/godotenv"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-push-dispatcher/dispatcherservice"
	"github.com/tinywideclouds/go-push-dispatcher/dispatcherservice/config"
	"github.com/tinywideclouds/go-push-dispatcher/internal/dispatcher"
	"github.com/tinywideclouds/go-push-dispatcher/internal/metrics"
	"github.com/tinywideclouds/go-push-dispatcher/internal/platform/apns"
	"github.com/tinywideclouds/go-push-dispatcher/internal/platform/fcm"
	"github.com/tinywideclouds/go-push-dispatcher/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-push-dispatcher/internal/storage/firestore"
	"github.com/tinywideclouds/go-push-dispatcher/pkg/dispatch"

	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"
)

//go:embed local.yaml
var configFile []byte

func main() {
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "info", "INFO":
		logLevel = slog.LevelInfo
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-push-dispatcher")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Config Loading ---
	// A local .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err == nil {
		logger.Debug("Loaded environment from .env")
	}

	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, _ := config.NewConfigFromYaml(&yamlCfg, logger)
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	// --- Record Store ---
	fsClient, err := firestore.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		logger.Error("Firestore client failed", "err", err)
		os.Exit(1)
	}
	defer fsClient.Close()
	recordStore := fsStore.NewRecordStore(fsClient, cfg.Collection)
	logger.Info("RecordStore initialized", "type", "firestore", "collection", cfg.Collection)

	// --- Gateway ---
	gateway, err := newGateway(ctx, cfg, clientOpts, logger)
	if err != nil {
		logger.Error("Gateway initialization failed", "gateway", cfg.Gateway, "err", err)
		os.Exit(1)
	}

	// --- Dispatcher ---
	m := metrics.NewMetrics()
	opts := []dispatcher.Option{dispatcher.WithMetrics(m)}

	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis replay guard...", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.GuardTTL)
		redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("Failed to connect to Redis", "err", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		opts = append(opts, dispatcher.WithReplayGuard(cache.NewReplayGuard(redisClient, cfg.Redis.GuardTTL)))
	}

	d := dispatcher.New(gateway, recordStore, logger, opts...)

	// --- Auth ---
	// Only the HTTP trigger needs auth; without it the route is not mounted.
	authMiddleware := newAuthMiddleware(os.Getenv("IDENTITY_SERVICE_URL"), logger)

	// --- Trigger ---
	var triggers dispatcherservice.Triggers
	switch cfg.Trigger {
	case config.TriggerFirestore:
		triggers.Listener = fsStore.NewListener(fsClient, cfg.Collection, logger)
		logger.Info("Trigger initialized", "type", "firestore_listener")
	default:
		psClient, err := pubsub.NewClient(ctx, cfg.ProjectID, clientOpts...)
		if err != nil {
			logger.Error("PubSub client failed", "err", err)
			os.Exit(1)
		}
		defer psClient.Close()

		consumer, err := newCreatedEventConsumer(ctx, cfg, psClient, logger)
		if err != nil {
			logger.Error("PubSub consumer failed", "err", err)
			os.Exit(1)
		}
		triggers.Consumer = consumer
		logger.Info("Trigger initialized", "type", "pubsub", "subscription", cfg.SubscriptionID)
	}

	service, err := dispatcherservice.New(cfg, triggers, d, m, authMiddleware, logger)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := service.Shutdown(shutdownCtx); err != nil {
			logger.Error("Shutdown finished with error", "err", err)
		}
	}()

	logger.Info("Starting service...")
	if err := service.Start(ctx); err != nil && ctx.Err() == nil {
		logger.Error("Service shutdown with error", "err", err)
		os.Exit(1)
	}
}

func newGateway(ctx context.Context, cfg *config.Config, clientOpts []option.ClientOption, logger *slog.Logger) (dispatch.Gateway, error) {
	if cfg.Gateway == config.GatewayAPNS {
		return apns.NewGateway(apns.Config{
			KeyID:        cfg.APNS.KeyID,
			TeamID:       cfg.APNS.TeamID,
			BundleID:     cfg.APNS.BundleID,
			P8KeyContent: cfg.APNS.P8Key,
			Development:  cfg.APNS.Development,
		}, logger)
	}

	fbApp, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase App: %w", err)
	}
	fcmMessaging, err := fbApp.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create FCM messaging client: %w", err)
	}
	return fcm.NewGateway(fcmMessaging, logger), nil
}

func newAuthMiddleware(identityURL string, logger *slog.Logger) func(http.Handler) http.Handler {
	if identityURL == "" {
		logger.Info("IDENTITY_SERVICE_URL not set; HTTP trigger disabled")
		return nil
	}
	jwksURL, err := middleware.DiscoverAndValidateJWTConfig(identityURL, middleware.RSA256, logger)
	if err != nil {
		logger.Error("JWT discovery failed; HTTP trigger disabled", "identity_url", identityURL, "err", err)
		return nil
	}
	authMiddleware, err := middleware.NewJWKSAuthMiddleware(jwksURL, logger)
	if err != nil {
		logger.Error("JWKS auth setup failed; HTTP trigger disabled", "jwks_url", jwksURL, "err", err)
		return nil
	}
	return authMiddleware
}

func newCreatedEventConsumer(ctx context.Context, cfg *config.Config, psClient *pubsub.Client, logger *slog.Logger) (messagepipeline.MessageConsumer, error) {
	sub := convertPubsub(cfg.ProjectID, cfg.PubsubConsumerConfig.SubscriptionID, "subscriptions")
	topicID := convertPubsub(cfg.ProjectID, cfg.TopicID, "topics")

	subConfig := &pubsubpb.Subscription{
		Name:                  sub,
		Topic:                 topicID,
		AckDeadlineSeconds:    30,
		EnableMessageOrdering: false,
	}
	if cfg.SubscriptionDLQTopicID != "" {
		subConfig.DeadLetterPolicy = &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     convertPubsub(cfg.ProjectID, cfg.SubscriptionDLQTopicID, "topics"),
			MaxDeliveryAttempts: 5,
		}
	}

	logger.Debug("Ensuring subscription exists", "sub", subConfig.Name, "topic", subConfig.Topic)
	_, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug("Subscription already exists, skipping creation", "sub", subConfig.Name)
		} else {
			logger.Error("Failed to create subscription", "sub", subConfig.Name, "err", err)
			return nil, fmt.Errorf("could not create sub: %s", sub)
		}
	}

	return messagepipeline.NewGooglePubsubConsumer(
		messagepipeline.NewGooglePubsubConsumerDefaults(subConfig.Name), psClient, logger,
	)
}

type PS string

func convertPubsub(project, id string, ps PS) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, ps, id)
}
