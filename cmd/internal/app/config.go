package app

import (
	"strings"
	"time"

	"roomsync/cmd/internal/realtime"
)

// Room log backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Id strategies and backplanes.
const (
	IDStrategyClock    = "clock"
	IDStrategySequence = "sequence"

	BackplaneLocal = "local"
	BackplaneRedis = "redis"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	RedisURL string

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// LogBackend picks the RoomLog implementation. Empty derives it from
	// which store URL is set: redis, then postgres, then memory.
	LogBackend string
	HistoryCap int
	KeyPrefix  string
	IDStrategy string
	Backplane  string

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// If true, /readyz returns 503 unless a shared store is configured and reachable.
	ReadinessRequireStore bool

	Gateway realtime.GatewayConfig
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	cfg := Config{
		HTTPAddr:  EnvString("ROOMSYNC_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("ROOMSYNC_LOG_LEVEL", "info"),
		LogFormat: EnvString("ROOMSYNC_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("ROOMSYNC_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("ROOMSYNC_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("ROOMSYNC_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("ROOMSYNC_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("ROOMSYNC_HTTP_MAX_HEADER_BYTES", 1<<20),

		RedisURL: EnvString("ROOMSYNC_REDIS_URL", ""),

		DatabaseURL: EnvString("ROOMSYNC_DATABASE_URL", ""),
		DBSchema:    EnvString("ROOMSYNC_DB_SCHEMA", realtime.DefaultKeyPrefix),
		DBMaxConns:  EnvInt32("ROOMSYNC_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("ROOMSYNC_DB_MIN_CONNS", 0),

		LogBackend: strings.ToLower(EnvString("ROOMSYNC_LOG_BACKEND", "")),
		HistoryCap: EnvInt("ROOMSYNC_HISTORY_CAP", realtime.DefaultHistoryCap),
		KeyPrefix:  EnvString("ROOMSYNC_KEY_PREFIX", realtime.DefaultKeyPrefix),
		IDStrategy: strings.ToLower(EnvString("ROOMSYNC_ID_STRATEGY", IDStrategyClock)),
		Backplane:  strings.ToLower(EnvString("ROOMSYNC_BACKPLANE", "")),

		CORSAllowedOrigins:   EnvCSV("ROOMSYNC_CORS_ALLOWED_ORIGINS", "http://localhost:*,http://127.0.0.1:*"),
		CORSAllowCredentials: EnvBool("ROOMSYNC_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("ROOMSYNC_CORS_MAX_AGE_SECONDS", 300),

		ReadinessRequireStore: EnvBool("ROOMSYNC_READINESS_REQUIRE_STORE", false),

		Gateway: loadGatewayConfig(),
	}
	return cfg.withDerivedDefaults()
}

// loadGatewayConfig overlays ROOMSYNC_WS_* variables on the gateway defaults.
func loadGatewayConfig() realtime.GatewayConfig {
	d := realtime.DefaultGatewayConfig()
	return realtime.GatewayConfig{
		// Dev-only: skips websocket.Accept origin verification.
		DevInsecure:      EnvBool("ROOMSYNC_WS_DEV_INSECURE", false),
		OriginRequired:   EnvBool("ROOMSYNC_WS_ORIGIN_REQUIRED", d.OriginRequired),
		AllowedOrigins:   EnvCSV("ROOMSYNC_WS_ALLOWED_ORIGINS", strings.Join(d.AllowedOrigins, ",")),
		WriteTimeout:     EnvDuration("ROOMSYNC_WS_WRITE_TIMEOUT", d.WriteTimeout),
		ReadIdleTimeout:  EnvDuration("ROOMSYNC_WS_READ_IDLE_TIMEOUT", d.ReadIdleTimeout),
		SendQueueSize:    EnvInt("ROOMSYNC_WS_SEND_QUEUE", d.SendQueueSize),
		HeartbeatEvery:   EnvDuration("ROOMSYNC_WS_HEARTBEAT_INTERVAL", d.HeartbeatEvery),
		HeartbeatTimeout: EnvDuration("ROOMSYNC_WS_HEARTBEAT_TIMEOUT", d.HeartbeatTimeout),
		RateEvents:       EnvInt("ROOMSYNC_WS_RATE_EVENTS", d.RateEvents),
		RateWindow:       EnvDuration("ROOMSYNC_WS_RATE_WINDOW", d.RateWindow),
	}
}

// withDerivedDefaults fills backend choices that depend on which stores are configured.
func (c Config) withDerivedDefaults() Config {
	if c.LogBackend == "" {
		switch {
		case c.RedisURL != "":
			c.LogBackend = BackendRedis
		case c.DatabaseURL != "":
			c.LogBackend = BackendPostgres
		default:
			c.LogBackend = BackendMemory
		}
	}
	if c.Backplane == "" {
		c.Backplane = BackplaneLocal
		if c.RedisURL != "" {
			c.Backplane = BackplaneRedis
		}
	}
	if c.IDStrategy == "" {
		c.IDStrategy = IDStrategyClock
	}
	return c
}
