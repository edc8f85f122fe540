package app

import (
	"strings"
	"time"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// JWTSecret verifies handshake tokens (HS256). Required unless DevTokens
	// is set.
	JWTSecret string
	// DevTokens maps "token=user_id:email" entries to identities (dev only).
	DevTokens []string

	// DataDir holds the write-back journal; empty disables crash recovery.
	DataDir string

	FlushInterval  time.Duration
	FlushBatchSize int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	SendQueueSize  int
	WSWriteTimeout time.Duration
	// WSAllowedOriginHosts authorizes cross-origin websocket upgrades.
	WSAllowedOriginHosts []string

	// OfflineMaxPerUser caps each user's offline queue; 0 means unbounded.
	OfflineMaxPerUser int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("COURIER_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("COURIER_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("COURIER_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		IdleTimeout:       EnvDuration("COURIER_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("COURIER_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("COURIER_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("COURIER_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("COURIER_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("COURIER_DB_SCHEMA", "courier"),

		ReadinessRequireDB: EnvBool("COURIER_READINESS_REQUIRE_DB", false),

		JWTSecret: EnvString("COURIER_JWT_SECRET", ""),
		DevTokens: EnvCSV("COURIER_DEV_TOKENS", ""),

		DataDir: EnvString("COURIER_DATA_DIR", ""),

		FlushInterval:  EnvDuration("COURIER_FLUSH_INTERVAL", 1*time.Second),
		FlushBatchSize: EnvInt("COURIER_FLUSH_BATCH_SIZE", 500),

		HeartbeatInterval: EnvDuration("COURIER_HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatTimeout:  EnvDuration("COURIER_HEARTBEAT_TIMEOUT", 5*time.Second),

		SendQueueSize:        EnvInt("COURIER_WS_SEND_QUEUE", 256),
		WSWriteTimeout:       EnvDuration("COURIER_WS_WRITE_TIMEOUT", 5*time.Second),
		WSAllowedOriginHosts: EnvCSV("COURIER_WS_ALLOWED_ORIGINS", "localhost,127.0.0.1"),

		OfflineMaxPerUser: EnvInt("COURIER_OFFLINE_MAX_PER_USER", 0),
	}
}

// ParseDevToken splits a "token=user_id:email" entry. ok is false for
// malformed entries.
func ParseDevToken(entry string) (token, userID, email string, ok bool) {
	token, rest, found := strings.Cut(entry, "=")
	if !found {
		return "", "", "", false
	}
	userID, email, _ = strings.Cut(rest, ":")
	if token == "" || userID == "" {
		return "", "", "", false
	}
	return token, userID, email, true
}
