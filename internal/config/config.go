/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the escrow-audit-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`

	GatewayBaseURL            string `mapstructure:"GATEWAY_BASE_URL"`
	GatewayConsumerKey        string `mapstructure:"GATEWAY_CONSUMER_KEY"`
	GatewayConsumerSecret     string `mapstructure:"GATEWAY_CONSUMER_SECRET"`
	GatewayShortCode          string `mapstructure:"GATEWAY_SHORT_CODE"`
	GatewayPassKey            string `mapstructure:"GATEWAY_PASS_KEY"`
	GatewayCallbackURL        string `mapstructure:"GATEWAY_CALLBACK_URL"`
	GatewayInitiatorName      string `mapstructure:"GATEWAY_INITIATOR_NAME"`
	GatewaySecurityCredential string `mapstructure:"GATEWAY_SECURITY_CREDENTIAL"`
	GatewayResultURL          string `mapstructure:"GATEWAY_RESULT_URL"`
	GatewayTimeoutURL         string `mapstructure:"GATEWAY_TIMEOUT_URL"`
	SettlementReceiver        string `mapstructure:"SETTLEMENT_RECEIVER"`

	LedgerNodeURL    string `mapstructure:"LEDGER_NODE_URL"`
	LedgerPrivateKey string `mapstructure:"LEDGER_PRIVATE_KEY"`

	VaultPassphrase string `mapstructure:"VAULT_PASSPHRASE"`
	AuthJWTSecret   string `mapstructure:"AUTH_JWT_SECRET"`

	AuditorIPAllowlist string `mapstructure:"AUDITOR_IP_ALLOWLIST"`
	NotaryIPAllowlist  string `mapstructure:"NOTARY_IP_ALLOWLIST"`

	AnchorSchedule   string `mapstructure:"ANCHOR_SCHEDULE"`
	AnchorBatchLimit int    `mapstructure:"ANCHOR_BATCH_LIMIT"`

	WebhookRateLimitPerMinute int `mapstructure:"WEBHOOK_RATE_LIMIT_PER_MINUTE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "escrow_audit:rate_limit")
	viper.SetDefault("ANCHOR_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("ANCHOR_BATCH_LIMIT", 100)
	viper.SetDefault("WEBHOOK_RATE_LIMIT_PER_MINUTE", 120)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "ESCROW_AUDIT_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("GATEWAY_BASE_URL")
	_ = viper.BindEnv("GATEWAY_CONSUMER_KEY")
	_ = viper.BindEnv("GATEWAY_CONSUMER_SECRET")
	_ = viper.BindEnv("GATEWAY_SHORT_CODE")
	_ = viper.BindEnv("GATEWAY_PASS_KEY")
	_ = viper.BindEnv("GATEWAY_CALLBACK_URL")
	_ = viper.BindEnv("GATEWAY_INITIATOR_NAME")
	_ = viper.BindEnv("GATEWAY_SECURITY_CREDENTIAL")
	_ = viper.BindEnv("GATEWAY_RESULT_URL")
	_ = viper.BindEnv("GATEWAY_TIMEOUT_URL")
	_ = viper.BindEnv("SETTLEMENT_RECEIVER")
	_ = viper.BindEnv("LEDGER_NODE_URL")
	_ = viper.BindEnv("LEDGER_PRIVATE_KEY")
	_ = viper.BindEnv("VAULT_PASSPHRASE")
	_ = viper.BindEnv("AUTH_JWT_SECRET", "AUTH_JWT_SECRET", "INTERNAL_API_KEY")
	_ = viper.BindEnv("AUDITOR_IP_ALLOWLIST")
	_ = viper.BindEnv("NOTARY_IP_ALLOWLIST")
	_ = viper.BindEnv("ANCHOR_SCHEDULE")
	_ = viper.BindEnv("ANCHOR_BATCH_LIMIT")
	_ = viper.BindEnv("WEBHOOK_RATE_LIMIT_PER_MINUTE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.AuthJWTSecret) == "" {
		config.AuthJWTSecret = strings.TrimSpace(os.Getenv("INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "escrow_audit:rate_limit"
	}

	if strings.TrimSpace(config.AnchorSchedule) == "" {
		config.AnchorSchedule = "*/5 * * * *"
	}
	if config.AnchorBatchLimit <= 0 {
		config.AnchorBatchLimit = 100
	}
	if config.WebhookRateLimitPerMinute <= 0 {
		config.WebhookRateLimitPerMinute = 120
	}

	return
}

// RoleAllowlists maps each privileged role to its configured source-IP
// allowlist. An empty list means the role is accepted from any source.
func (c Config) RoleAllowlists() map[string][]string {
	return map[string][]string{
		"AUDITOR": splitAllowlist(c.AuditorIPAllowlist),
		"NOTARY":  splitAllowlist(c.NotaryIPAllowlist),
	}
}

func splitAllowlist(raw string) []string {
	parts := strings.Split(raw, ",")
	ips := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			ips = append(ips, trimmed)
		}
	}
	return ips
}
