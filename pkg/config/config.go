// Package config loads server settings from flags and KINETIX_* environment
// variables, and the YAML rule and spend-limit documents.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds server configuration.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string
	DataDir   string

	StoreBackend  string
	DatabaseURL   string
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RulesPath       string
	SpendLimitsPath string
	SpendStateStore string

	SigningKey        string
	SigningKeyFile    string
	AllowEphemeralKey bool
	Production        bool
	ChainID           int64
	VerifyingContract string
	IssuerProfiles    map[string]string

	MonitorInterval time.Duration
	FetchTimeout    time.Duration
	// PlatformFeeds maps a platform to "feedURL" or "feedURL|postURL".
	PlatformFeeds map[string]string
	FeedToken     string

	ArtifactBackend    string
	S3Bucket           string
	S3Region           string
	S3Endpoint         string
	S3Prefix           string
	GCSBucket          string
	GCSPrefix          string
	PublishQueueSize   int
	PublishMaxAttempts int

	ApproverJWTPublicKey string
	RateLimitRPS         int
	RateLimitBurst       int

	OTLPEnabled  bool
	OTLPEndpoint string
	OTLPInsecure bool
}

// defaults keyed by flag name. The matching environment variable is
// KINETIX_ followed by the upper-cased name with dashes as underscores.
var defaults = map[string]any{
	"port":                    "8080",
	"log-level":               "INFO",
	"log-format":              "text",
	"data-dir":                "data",
	"store-backend":           "file",
	"database-url":            "postgres://kinetix@localhost:5432/kinetix?sslmode=disable",
	"sqlite-path":             "",
	"redis-addr":              "localhost:6379",
	"redis-password":          "",
	"redis-db":                0,
	"rules-path":              "",
	"spend-limits-path":       "",
	"spend-state-store":       "file",
	"signing-key":             "",
	"signing-key-file":        "",
	"allow-ephemeral-key":     false,
	"production":              false,
	"chain-id":                int64(8453),
	"verifying-contract":      "0x0000000000000000000000000000000000000000",
	"issuer-profiles":         "",
	"monitor-interval":        60 * time.Minute,
	"fetch-timeout":           30 * time.Second,
	"platform-feeds":          "",
	"feed-token":              "",
	"artifact-backend":        "fs",
	"s3-bucket":               "",
	"s3-region":               "us-east-1",
	"s3-endpoint":             "",
	"s3-prefix":               "receipts/",
	"gcs-bucket":              "",
	"gcs-prefix":              "receipts/",
	"publish-queue-size":      64,
	"publish-max-attempts":    5,
	"approver-jwt-public-key": "",
	"rate-limit-rps":          20,
	"rate-limit-burst":        40,
	"otlp-enabled":            false,
	"otlp-endpoint":           "localhost:4317",
	"otlp-insecure":           false,
}

// Load reads configuration. Flags in fs that were set override the
// environment, which overrides defaults. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("KINETIX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	profiles, err := parsePairs("issuer profile", v.GetString("issuer-profiles"))
	if err != nil {
		return nil, err
	}
	feeds, err := parsePairs("platform feed", v.GetString("platform-feeds"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                 v.GetString("port"),
		LogLevel:             strings.ToUpper(v.GetString("log-level")),
		LogFormat:            strings.ToLower(v.GetString("log-format")),
		DataDir:              v.GetString("data-dir"),
		StoreBackend:         strings.ToLower(v.GetString("store-backend")),
		DatabaseURL:          v.GetString("database-url"),
		SQLitePath:           v.GetString("sqlite-path"),
		RedisAddr:            v.GetString("redis-addr"),
		RedisPassword:        v.GetString("redis-password"),
		RedisDB:              v.GetInt("redis-db"),
		RulesPath:            v.GetString("rules-path"),
		SpendLimitsPath:      v.GetString("spend-limits-path"),
		SpendStateStore:      strings.ToLower(v.GetString("spend-state-store")),
		SigningKey:           v.GetString("signing-key"),
		SigningKeyFile:       v.GetString("signing-key-file"),
		AllowEphemeralKey:    v.GetBool("allow-ephemeral-key"),
		Production:           v.GetBool("production"),
		ChainID:              v.GetInt64("chain-id"),
		VerifyingContract:    v.GetString("verifying-contract"),
		IssuerProfiles:       profiles,
		MonitorInterval:      v.GetDuration("monitor-interval"),
		FetchTimeout:         v.GetDuration("fetch-timeout"),
		PlatformFeeds:        feeds,
		FeedToken:            v.GetString("feed-token"),
		ArtifactBackend:      strings.ToLower(v.GetString("artifact-backend")),
		S3Bucket:             v.GetString("s3-bucket"),
		S3Region:             v.GetString("s3-region"),
		S3Endpoint:           v.GetString("s3-endpoint"),
		S3Prefix:             v.GetString("s3-prefix"),
		GCSBucket:            v.GetString("gcs-bucket"),
		GCSPrefix:            v.GetString("gcs-prefix"),
		PublishQueueSize:     v.GetInt("publish-queue-size"),
		PublishMaxAttempts:   v.GetInt("publish-max-attempts"),
		ApproverJWTPublicKey: v.GetString("approver-jwt-public-key"),
		RateLimitRPS:         v.GetInt("rate-limit-rps"),
		RateLimitBurst:       v.GetInt("rate-limit-burst"),
		OTLPEnabled:          v.GetBool("otlp-enabled"),
		OTLPEndpoint:         v.GetString("otlp-endpoint"),
		OTLPInsecure:         v.GetBool("otlp-insecure"),
	}

	switch cfg.StoreBackend {
	case "file", "memory", "sqlite", "postgres", "redis":
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
	if cfg.MonitorInterval <= 0 {
		return nil, fmt.Errorf("monitor interval must be positive")
	}
	return cfg, nil
}

// parsePairs parses "platform=value,platform=value".
func parsePairs(kind, s string) (map[string]string, error) {
	out := make(map[string]string)
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(s, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" || val == "" {
			return nil, fmt.Errorf("invalid %s %q (want platform=value)", kind, pair)
		}
		out[k] = val
	}
	return out, nil
}

// RegisterFlags declares every setting on fs so cobra commands can
// override them.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("port", "8080", "HTTP listen port")
	fs.String("log-level", "INFO", "log level (DEBUG, INFO, WARN, ERROR)")
	fs.String("log-format", "text", "log format (text, json)")
	fs.String("data-dir", "data", "base directory for file-backed state")
	fs.String("store-backend", "file", "commitment store backend (file, sqlite, postgres, redis)")
	fs.String("rules-path", "", "YAML verification rules (defaults when empty)")
	fs.String("spend-limits-path", "", "YAML spend limits (defaults when empty)")
	fs.Duration("monitor-interval", 60*time.Minute, "evidence polling interval")
	fs.Bool("production", false, "production mode: refuse ephemeral signing keys")
}
