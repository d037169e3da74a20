package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for BotCareU Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Service       ServiceConfig       `yaml:"service"`
	Database      DatabaseConfig      `yaml:"database"`
	Persistence   PersistenceConfig   `yaml:"persistence"`
	Postgres      PostgresConfig      `yaml:"postgres"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	API           APIConfig           `yaml:"api"`
	WebSocket     WebSocketConfig     `yaml:"websocket"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	Redis         RedisConfig         `yaml:"redis"`
	AMQP          AMQPConfig          `yaml:"amqp"`
	Logging       LoggingConfig       `yaml:"logging"`
	Security      SecurityConfig      `yaml:"security"`
	Classifier    ClassifierConfig    `yaml:"classifier"`
	Tracker       TrackerConfig       `yaml:"tracker"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// ServiceConfig identifies this deployment on the MQTT bus.
type ServiceConfig struct {
	// Namespace is the first topic segment used by devices, e.g. "botcareu".
	Namespace string `yaml:"namespace"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// PersistenceConfig selects the relational gateway backend.
type PersistenceConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `yaml:"driver"`

	// WriteTimeout bounds each gateway call made from the pipeline.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// PostgresConfig contains PostgreSQL pool settings.
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains realtime fan-out settings.
type WebSocketConfig struct {
	Path           string        `yaml:"path"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
	AuthGrace      time.Duration `yaml:"auth_grace"`
	SendBuffer     int           `yaml:"send_buffer"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// RedisConfig contains Redis settings used for shared notification dedup.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// AMQPConfig contains the push-gateway broker settings.
type AMQPConfig struct {
	Enabled    bool          `yaml:"enabled"`
	URL        string        `yaml:"url"`
	Exchange   string        `yaml:"exchange"`
	RoutingKey string        `yaml:"routing_key"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
	MaxElapsed time.Duration `yaml:"max_elapsed"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"` // minutes
}

// ClassifierConfig holds the fever tiers and validity bounds in °C.
type ClassifierConfig struct {
	Mild           float64 `yaml:"mild"`
	Moderate       float64 `yaml:"moderate"`
	High           float64 `yaml:"high"`
	Critical       float64 `yaml:"critical"`
	PrimaryMin     float64 `yaml:"primary_min"`
	PrimaryMax     float64 `yaml:"primary_max"`
	MaxSourceDelta float64 `yaml:"max_source_delta"`
	AmbientMin     float64 `yaml:"ambient_min"`
	AmbientMax     float64 `yaml:"ambient_max"`
}

// TrackerConfig controls device liveness and battery signalling.
type TrackerConfig struct {
	OnlineTimeout   time.Duration `yaml:"online_timeout"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	BatteryLow      float64       `yaml:"battery_low"`
	BatteryCritical float64       `yaml:"battery_critical"`
}

// NotificationsConfig controls the dispatcher and its channels.
type NotificationsConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	RetryDelayMS    int           `yaml:"retry_delay_ms"`
	RetryBatch      int           `yaml:"retry_batch"`
	QueueCapacity   int           `yaml:"queue_capacity"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
	IntentTTL       time.Duration `yaml:"intent_ttl"`
	DedupTTL        time.Duration `yaml:"dedup_ttl"`
	Email           EmailConfig   `yaml:"email"`
	SMS             SMSConfig     `yaml:"sms"`
}

// EmailConfig contains SMTP settings for the email channel.
type EmailConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// SMSConfig contains the SMS provider webhook settings.
type SMSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: BOTCAREU_SECTION_KEY
// For example: BOTCAREU_DATABASE_PATH, BOTCAREU_MQTT_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Namespace: "botcareu",
		},
		Database: DatabaseConfig{
			Path:        "./data/botcareu.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Persistence: PersistenceConfig{
			Driver:       "sqlite",
			WriteTimeout: 5 * time.Second,
		},
		Postgres: PostgresConfig{
			MaxConns: 10,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "botcareu-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30 * time.Second,
			PongTimeout:    10 * time.Second,
			AuthGrace:      10 * time.Second,
			SendBuffer:     64,
		},
		InfluxDB: InfluxDBConfig{
			Bucket:        "telemetry",
			BatchSize:     500,
			FlushInterval: 5,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "botcareu:dedup:",
		},
		AMQP: AMQPConfig{
			Exchange:   "notifications",
			RoutingKey: "push",
			MaxBackoff: 30 * time.Second,
			MaxElapsed: 2 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 60,
			},
		},
		Classifier: ClassifierConfig{
			Mild:           37.5,
			Moderate:       38.0,
			High:           39.0,
			Critical:       40.0,
			PrimaryMin:     30.0,
			PrimaryMax:     45.0,
			MaxSourceDelta: 2.0,
			AmbientMin:     10.0,
			AmbientMax:     40.0,
		},
		Tracker: TrackerConfig{
			OnlineTimeout:   5 * time.Minute,
			SweepInterval:   time.Minute,
			BatteryLow:      20,
			BatteryCritical: 10,
		},
		Notifications: NotificationsConfig{
			MaxRetries:      3,
			RetryDelayMS:    30000,
			RetryBatch:      10,
			QueueCapacity:   1000,
			DeliveryTimeout: 10 * time.Second,
			IntentTTL:       time.Hour,
			DedupTTL:        24 * time.Hour,
			Email: EmailConfig{
				Port: 587,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: BOTCAREU_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BOTCAREU_NAMESPACE"); v != "" {
		cfg.Service.Namespace = v
	}

	// Storage
	if v := os.Getenv("BOTCAREU_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("BOTCAREU_PERSISTENCE_DRIVER"); v != "" {
		cfg.Persistence.Driver = v
	}
	if v := os.Getenv("BOTCAREU_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}

	// MQTT
	if v := os.Getenv("BOTCAREU_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("BOTCAREU_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("BOTCAREU_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("BOTCAREU_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("BOTCAREU_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// Collaborators
	if v := os.Getenv("BOTCAREU_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
	if v := os.Getenv("BOTCAREU_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("BOTCAREU_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("BOTCAREU_AMQP_URL"); v != "" {
		cfg.AMQP.URL = v
	}
	if v := os.Getenv("BOTCAREU_SMTP_PASSWORD"); v != "" {
		cfg.Notifications.Email.Password = v
	}
	if v := os.Getenv("BOTCAREU_SMS_TOKEN"); v != "" {
		cfg.Notifications.SMS.Token = v
	}

	// Security - JWT secret (always override in production)
	if v := os.Getenv("BOTCAREU_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	if c.Service.Namespace == "" || strings.ContainsAny(c.Service.Namespace, "/+#") {
		errs = append(errs, "service.namespace must be a single non-wildcard topic segment")
	}

	switch c.Persistence.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, "database.path is required")
		}
	case "postgres":
		if c.Postgres.DSN == "" {
			errs = append(errs, "postgres.dsn is required when persistence.driver is postgres")
		}
	default:
		errs = append(errs, "persistence.driver must be sqlite or postgres")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	cl := c.Classifier
	if !(cl.Mild < cl.Moderate && cl.Moderate < cl.High && cl.High < cl.Critical) {
		errs = append(errs, "classifier thresholds must be strictly ascending (mild < moderate < high < critical)")
	}
	if cl.PrimaryMin >= cl.PrimaryMax || cl.AmbientMin >= cl.AmbientMax || cl.MaxSourceDelta <= 0 {
		errs = append(errs, "classifier validity bounds are inconsistent")
	}

	if c.Tracker.OnlineTimeout <= 0 {
		errs = append(errs, "tracker.online_timeout must be positive")
	}
	if c.Tracker.BatteryCritical >= c.Tracker.BatteryLow {
		errs = append(errs, "tracker.battery_critical must be below tracker.battery_low")
	}

	n := c.Notifications
	if n.MaxRetries < 0 {
		errs = append(errs, "notifications.max_retries cannot be negative")
	}
	if n.RetryDelayMS <= 0 || n.RetryBatch <= 0 || n.QueueCapacity <= 0 {
		errs = append(errs, "notifications retry_delay_ms, retry_batch and queue_capacity must be positive")
	}
	if n.Email.Enabled && (n.Email.Host == "" || n.Email.From == "") {
		errs = append(errs, "notifications.email requires host and from when enabled")
	}
	if n.SMS.Enabled && n.SMS.URL == "" {
		errs = append(errs, "notifications.sms.url is required when sms is enabled")
	}

	if c.AMQP.Enabled && c.AMQP.URL == "" {
		errs = append(errs, "amqp.url is required when amqp is enabled")
	}

	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set BOTCAREU_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// RetryDelay returns the notification retry tick interval.
func (n NotificationsConfig) RetryDelay() time.Duration {
	return time.Duration(n.RetryDelayMS) * time.Millisecond
}
