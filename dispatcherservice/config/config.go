package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

// TriggerMode selects how creation events reach the dispatcher.
type TriggerMode string

const (
	TriggerPubsub    TriggerMode = "pubsub"
	TriggerFirestore TriggerMode = "firestore"
)

// GatewayProvider selects the push delivery service.
type GatewayProvider string

const (
	GatewayFCM  GatewayProvider = "fcm"
	GatewayAPNS GatewayProvider = "apns"
)

const (
	defaultCollection = "notifications"
	defaultGuardTTL   = 24 * time.Hour
)

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	GuardTTL time.Duration
}

type APNSConfig struct {
	KeyID       string
	TeamID      string
	BundleID    string
	P8Key       string
	Development bool
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID       string
	ListenAddr      string
	CredentialsFile string
	Collection      string
	Trigger         TriggerMode
	Gateway         GatewayProvider

	TopicID                string
	SubscriptionID         string
	SubscriptionDLQTopicID string
	NumPipelineWorkers     int
	PubsubConsumerConfig   *messagepipeline.GooglePubsubConsumerConfig

	CorsConfig middleware.CorsConfig
	Redis      RedisConfig
	APNS       APNSConfig
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	if val := os.Getenv("PROJECT_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "PROJECT_ID", "source", "env")
		cfg.ProjectID = val
	}
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); val != "" {
		logger.Debug("Overriding config value", "key", "GOOGLE_APPLICATION_CREDENTIALS", "source", "env")
		cfg.CredentialsFile = val
	}
	if val := os.Getenv("NOTIFICATIONS_COLLECTION"); val != "" {
		logger.Debug("Overriding config value", "key", "NOTIFICATIONS_COLLECTION", "source", "env")
		cfg.Collection = val
	}
	if val := os.Getenv("TRIGGER_MODE"); val != "" {
		logger.Debug("Overriding config value", "key", "TRIGGER_MODE", "source", "env")
		cfg.Trigger = TriggerMode(strings.ToLower(val))
	}
	if val := os.Getenv("GATEWAY_PROVIDER"); val != "" {
		logger.Debug("Overriding config value", "key", "GATEWAY_PROVIDER", "source", "env")
		cfg.Gateway = GatewayProvider(strings.ToLower(val))
	}
	if val := os.Getenv("TOPIC_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "TOPIC_ID", "source", "env")
		cfg.TopicID = val
	}
	if val := os.Getenv("SUBSCRIPTION_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_ID", "source", "env")
		cfg.SubscriptionID = val
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(val)
	}
	if val := os.Getenv("SUBSCRIPTION_DLQ_TOPIC_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_DLQ_TOPIC_ID", "source", "env")
		cfg.SubscriptionDLQTopicID = val
	}
	if val := os.Getenv("NUM_PIPELINE_WORKERS"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil && workers > 0 {
			logger.Debug("Overriding config value", "key", "NUM_PIPELINE_WORKERS", "source", "env")
			cfg.NumPipelineWorkers = workers
		}
	}

	// Redis Overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
		cfg.Redis.Enabled = true
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}
	if val := os.Getenv("REDIS_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.Redis.Enabled = enabled
	}
	if val := os.Getenv("REDIS_GUARD_TTL"); val != "" {
		if ttl, err := time.ParseDuration(val); err == nil && ttl > 0 {
			cfg.Redis.GuardTTL = ttl
		}
	}

	// APNs Overrides
	if val := os.Getenv("APNS_KEY_ID"); val != "" {
		cfg.APNS.KeyID = val
	}
	if val := os.Getenv("APNS_TEAM_ID"); val != "" {
		cfg.APNS.TeamID = val
	}
	if val := os.Getenv("APNS_BUNDLE_ID"); val != "" {
		cfg.APNS.BundleID = val
	}
	if val := os.Getenv("APNS_P8_KEY"); val != "" {
		logger.Debug("Overriding config value", "key", "APNS_P8_KEY", "source", "env")
		cfg.APNS.P8Key = val
	}
	if val := os.Getenv("APNS_DEVELOPMENT"); val != "" {
		dev, _ := strconv.ParseBool(val)
		cfg.APNS.Development = dev
	}

	// CORS Overrides
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		rawOrigins := strings.Split(corsOrigins, ",")
		var cleanOrigins []string
		for _, o := range rawOrigins {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	}

	// 2. Defaults
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Collection == "" {
		cfg.Collection = defaultCollection
	}
	if cfg.Trigger == "" {
		cfg.Trigger = TriggerPubsub
	}
	if cfg.Gateway == "" {
		cfg.Gateway = GatewayFCM
	}
	if cfg.NumPipelineWorkers <= 0 {
		cfg.NumPipelineWorkers = 1
	}
	if cfg.Redis.GuardTTL <= 0 {
		cfg.Redis.GuardTTL = defaultGuardTTL
	}

	// 3. Final Validation
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required (set via YAML or PROJECT_ID env var)")
	}

	switch cfg.Trigger {
	case TriggerPubsub:
		if cfg.SubscriptionID == "" {
			return nil, fmt.Errorf("subscription_id is required for the pubsub trigger (set via YAML or SUBSCRIPTION_ID env var)")
		}
	case TriggerFirestore:
	default:
		return nil, fmt.Errorf("unknown trigger %q (want %q or %q)", cfg.Trigger, TriggerPubsub, TriggerFirestore)
	}

	switch cfg.Gateway {
	case GatewayFCM:
	case GatewayAPNS:
		if cfg.APNS.P8Key == "" || cfg.APNS.KeyID == "" || cfg.APNS.TeamID == "" || cfg.APNS.BundleID == "" {
			return nil, fmt.Errorf("apns gateway requires key_id, team_id, bundle_id and p8_key")
		}
	default:
		return nil, fmt.Errorf("unknown gateway %q (want %q or %q)", cfg.Gateway, GatewayFCM, GatewayAPNS)
	}

	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis is enabled but no address is set (REDIS_ADDR)")
	}

	if cfg.PubsubConsumerConfig == nil && cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}
