package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	envPrefix                  = "ELYTRA"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabaseDriver      = DatabaseDriverSQLite
	defaultDatabasePath        = "elytra.db"
	defaultLogLevel            = "info"
	defaultLogFormat           = "json"
	defaultCookieName          = "app_session"
	defaultSessionIssuer       = "tauth"
	defaultRedisChannelPrefix  = "elytra:documents:"
	defaultPresenceBackend     = PresenceBackendSQL
	defaultHeartbeatInterval   = 30 * time.Second
	defaultStalenessThreshold  = 2 * time.Minute
	defaultCursorFlushInterval = 50 * time.Millisecond
	defaultCursorRatePerSecond = 40.0
	defaultPresencePollPeriod  = 5 * time.Second
	defaultDebounceInterval    = 500 * time.Millisecond
	defaultEchoCooldown        = 500 * time.Millisecond
	defaultRemoteSettleDelay   = 100 * time.Millisecond
	defaultClientBaseURL       = "http://127.0.0.1:8080"
)

const (
	// DatabaseDriverSQLite selects the embedded SQLite backend.
	DatabaseDriverSQLite = "sqlite"
	// DatabaseDriverPostgres selects a PostgreSQL backend reached through database.dsn.
	DatabaseDriverPostgres = "postgres"
	// PresenceBackendSQL stores liveness records in the primary database.
	PresenceBackendSQL = "sql"
	// PresenceBackendMemory keeps liveness records in process memory.
	PresenceBackendMemory = "memory"
)

var configValidator = validator.New()

// AppConfig captures runtime configuration for the API server and the terminal client.
type AppConfig struct {
	HTTPAddress     string `validate:"required"`
	TAuthSigningKey string `validate:"required"`
	TAuthCookieName string `validate:"required"`
	TAuthIssuer     string `validate:"required"`
	DatabaseDriver  string `validate:"oneof=sqlite postgres"`
	DatabasePath    string `validate:"required_if=DatabaseDriver sqlite"`
	DatabaseDSN     string `validate:"required_if=DatabaseDriver postgres"`
	LogLevel        string
	LogFormat       string `validate:"oneof=json console"`

	// TAuthLeeway tolerates clock skew when checking session token expiry.
	TAuthLeeway time.Duration `validate:"gte=0"`

	RedisAddress       string
	RedisChannelPrefix string `validate:"required"`

	Presence PresenceConfig
	Sync     SyncConfig
	Client   ClientConfig
}

// PresenceConfig holds the liveness and cursor tunables.
type PresenceConfig struct {
	Backend             string        `validate:"oneof=sql memory"`
	HeartbeatInterval   time.Duration `validate:"gt=0"`
	StalenessThreshold  time.Duration `validate:"gtfield=HeartbeatInterval"`
	CursorFlushInterval time.Duration `validate:"gt=0"`
	CursorRatePerSecond float64       `validate:"gt=0"`
	PollInterval        time.Duration `validate:"gt=0"`
}

// SyncConfig holds the content synchronizer tunables.
type SyncConfig struct {
	DebounceInterval  time.Duration `validate:"gt=0"`
	EchoCooldown      time.Duration `validate:"gte=0"`
	RemoteSettleDelay time.Duration `validate:"gte=0"`
}

// ClientConfig describes how the terminal client reaches the API.
type ClientConfig struct {
	BaseURL string
	Token   string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultSessionIssuer)
	configViper.SetDefault("realtime.redis_channel_prefix", defaultRedisChannelPrefix)
	configViper.SetDefault("presence.backend", defaultPresenceBackend)
	configViper.SetDefault("presence.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("presence.staleness_threshold", defaultStalenessThreshold)
	configViper.SetDefault("presence.cursor_flush_interval", defaultCursorFlushInterval)
	configViper.SetDefault("presence.cursor_rate_per_second", defaultCursorRatePerSecond)
	configViper.SetDefault("presence.poll_interval", defaultPresencePollPeriod)
	configViper.SetDefault("sync.debounce_interval", defaultDebounceInterval)
	configViper.SetDefault("sync.echo_cooldown", defaultEchoCooldown)
	configViper.SetDefault("sync.remote_settle_delay", defaultRemoteSettleDelay)
	configViper.SetDefault("client.base_url", defaultClientBaseURL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		TAuthSigningKey:    configViper.GetString("tauth.signing_secret"),
		TAuthCookieName:    configViper.GetString("tauth.cookie_name"),
		TAuthIssuer:        configViper.GetString("tauth.issuer"),
		TAuthLeeway:        configViper.GetDuration("tauth.leeway"),
		DatabaseDriver:     normalizeKeyword(configViper.GetString("database.driver")),
		DatabasePath:       configViper.GetString("database.path"),
		DatabaseDSN:        configViper.GetString("database.dsn"),
		LogLevel:           configViper.GetString("log.level"),
		LogFormat:          normalizeKeyword(configViper.GetString("log.format")),
		RedisAddress:       strings.TrimSpace(configViper.GetString("realtime.redis_address")),
		RedisChannelPrefix: configViper.GetString("realtime.redis_channel_prefix"),
		Presence:           loadPresence(configViper),
		Sync:               loadSync(configViper),
		Client:             loadClient(configViper),
	}

	if err := validateStruct(cfg); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// ClientSettings is the subset of configuration used by the terminal client.
type ClientSettings struct {
	Client    ClientConfig
	Presence  PresenceConfig
	Sync      SyncConfig
	LogLevel  string
	LogFormat string `validate:"oneof=json console"`
}

// LoadClient parses the client-side configuration without requiring server secrets.
func LoadClient(configViper *viper.Viper) (ClientSettings, error) {
	settings := ClientSettings{
		Client:    loadClient(configViper),
		Presence:  loadPresence(configViper),
		Sync:      loadSync(configViper),
		LogLevel:  configViper.GetString("log.level"),
		LogFormat: normalizeKeyword(configViper.GetString("log.format")),
	}
	if settings.Client.BaseURL == "" {
		return ClientSettings{}, fmt.Errorf("client.base_url is required")
	}
	if settings.Client.Token == "" {
		return ClientSettings{}, fmt.Errorf("client.token is required")
	}
	if err := validateStruct(settings); err != nil {
		return ClientSettings{}, err
	}
	return settings, nil
}

func loadPresence(configViper *viper.Viper) PresenceConfig {
	return PresenceConfig{
		Backend:             normalizeKeyword(configViper.GetString("presence.backend")),
		HeartbeatInterval:   configViper.GetDuration("presence.heartbeat_interval"),
		StalenessThreshold:  configViper.GetDuration("presence.staleness_threshold"),
		CursorFlushInterval: configViper.GetDuration("presence.cursor_flush_interval"),
		CursorRatePerSecond: configViper.GetFloat64("presence.cursor_rate_per_second"),
		PollInterval:        configViper.GetDuration("presence.poll_interval"),
	}
}

func loadSync(configViper *viper.Viper) SyncConfig {
	return SyncConfig{
		DebounceInterval:  configViper.GetDuration("sync.debounce_interval"),
		EchoCooldown:      configViper.GetDuration("sync.echo_cooldown"),
		RemoteSettleDelay: configViper.GetDuration("sync.remote_settle_delay"),
	}
}

func loadClient(configViper *viper.Viper) ClientConfig {
	return ClientConfig{
		BaseURL: strings.TrimRight(strings.TrimSpace(configViper.GetString("client.base_url")), "/"),
		Token:   strings.TrimSpace(configViper.GetString("client.token")),
	}
}

func normalizeKeyword(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func validateStruct(value any) error {
	err := configValidator.Struct(value)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) || len(fieldErrors) == 0 {
		return err
	}
	first := fieldErrors[0]
	return fmt.Errorf("config: %s failed %q validation", first.Namespace(), first.Tag())
}
