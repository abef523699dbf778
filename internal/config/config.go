// Package config provides environment configuration for the delivery server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	ShutdownTimeout    time.Duration

	// EventBus selects the broker: "nats", or "local" for the in-process bus.
	EventBus string

	// NATS settings
	NATSURL           string
	NATSCAFile        string
	NATSCertFile      string
	NATSKeyFile       string
	NATSToken         string
	NATSSubject       string
	NATSStreamEnabled bool
	NATSStreamMaxAge  time.Duration

	// JWT settings
	JWTSecret        string
	CapabilitySecret string

	// Database. Empty means every conversation is assumed to exist.
	DatabaseURL string

	// CORS
	CORSOrigins []string

	// Publish API rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Admission control
	AdmissionLimit                int
	AdmissionWindow               time.Duration
	MaxConnectionsPerConversation int
	MaxConnectionsPerIP           int
	RateLimitGCInterval           time.Duration

	// Connections
	HeartbeatInterval time.Duration
	DrainGrace        time.Duration
	SendTimeout       time.Duration
	ConnectionBuffer  int

	// Replay log
	ReplayCapacity        int
	ReplayIdleTTL         time.Duration
	ReplayCompactInterval time.Duration

	// Acknowledgements
	AckTimeout       time.Duration
	AckMaxAttempts   int
	AckSweepInterval time.Duration
	AckDedupeTTL     time.Duration

	// Event bus bridge
	BridgeWorkers       int
	BridgeBackoffMax    time.Duration
	BridgeEscalateAfter time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 0),
		ShutdownTimeout:    getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),

		// Event bus
		EventBus: getEnv("EVENT_BUS", "nats"),

		// NATS
		NATSURL:           getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:        getEnv("NATS_CA_FILE", ""),
		NATSCertFile:      getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:       getEnv("NATS_KEY_FILE", ""),
		NATSToken:         getEnv("NATS_TOKEN", ""),
		NATSSubject:       getEnv("NATS_SUBJECT", "conversation.*"),
		NATSStreamEnabled: getBoolEnv("NATS_STREAM_ENABLED", false),
		NATSStreamMaxAge:  getDurationEnv("NATS_STREAM_MAX_AGE", 24*time.Hour),

		// JWT
		JWTSecret:        getEnv("JWT_SECRET", "development-secret-change-in-production"),
		CapabilitySecret: getEnv("CAPABILITY_SECRET", "development-capability-secret"),

		// Database
		DatabaseURL: getEnv("DATABASE_URL", ""),

		// CORS
		CORSOrigins: getListEnv("CORS_ORIGINS", nil),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 600),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Admission
		AdmissionLimit:                getIntEnv("ADMISSION_LIMIT", 20),
		AdmissionWindow:               getDurationEnv("ADMISSION_WINDOW", 60*time.Second),
		MaxConnectionsPerConversation: getIntEnv("MAX_CONNECTIONS_PER_CONVERSATION", 50),
		MaxConnectionsPerIP:           getIntEnv("MAX_CONNECTIONS_PER_IP", 100),
		RateLimitGCInterval:           getDurationEnv("RATE_LIMIT_GC_INTERVAL", 5*time.Minute),

		// Connections
		HeartbeatInterval: getDurationEnv("HEARTBEAT_INTERVAL", 30*time.Second),
		DrainGrace:        getDurationEnv("DRAIN_GRACE", 10*time.Second),
		SendTimeout:       getDurationEnv("SEND_TIMEOUT", 2*time.Second),
		ConnectionBuffer:  getIntEnv("CONNECTION_BUFFER", 64),

		// Replay
		ReplayCapacity:        getIntEnv("REPLAY_CAPACITY", 1000),
		ReplayIdleTTL:         getDurationEnv("REPLAY_IDLE_TTL", time.Hour),
		ReplayCompactInterval: getDurationEnv("REPLAY_COMPACT_INTERVAL", 5*time.Minute),

		// Acks
		AckTimeout:       getDurationEnv("ACK_TIMEOUT", 5*time.Second),
		AckMaxAttempts:   getIntEnv("ACK_MAX_ATTEMPTS", 3),
		AckSweepInterval: getDurationEnv("ACK_SWEEP_INTERVAL", time.Second),
		AckDedupeTTL:     getDurationEnv("ACK_DEDUPE_TTL", time.Minute),

		// Bridge
		BridgeWorkers:       getIntEnv("BRIDGE_WORKERS", 16),
		BridgeBackoffMax:    getDurationEnv("BRIDGE_BACKOFF_MAX", 30*time.Second),
		BridgeEscalateAfter: getDurationEnv("BRIDGE_ESCALATE_AFTER", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// Validate rejects settings the delivery core cannot run with.
func (c *Config) Validate() error {
	var errs []error

	positiveInts := map[string]int{
		"ADMISSION_LIMIT":                  c.AdmissionLimit,
		"MAX_CONNECTIONS_PER_CONVERSATION": c.MaxConnectionsPerConversation,
		"CONNECTION_BUFFER":                c.ConnectionBuffer,
		"REPLAY_CAPACITY":                  c.ReplayCapacity,
		"ACK_MAX_ATTEMPTS":                 c.AckMaxAttempts,
		"BRIDGE_WORKERS":                   c.BridgeWorkers,
		"RATE_LIMIT_REQUESTS":              c.RateLimitRequests,
	}
	for name, v := range positiveInts {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	if c.MaxConnectionsPerIP < 0 {
		errs = append(errs, fmt.Errorf("MAX_CONNECTIONS_PER_IP must not be negative, got %d", c.MaxConnectionsPerIP))
	}

	positiveDurations := map[string]time.Duration{
		"ADMISSION_WINDOW":        c.AdmissionWindow,
		"RATE_LIMIT_WINDOW":       c.RateLimitWindow,
		"RATE_LIMIT_GC_INTERVAL":  c.RateLimitGCInterval,
		"REPLAY_IDLE_TTL":         c.ReplayIdleTTL,
		"REPLAY_COMPACT_INTERVAL": c.ReplayCompactInterval,
		"HEARTBEAT_INTERVAL":      c.HeartbeatInterval,
		"DRAIN_GRACE":             c.DrainGrace,
		"SEND_TIMEOUT":            c.SendTimeout,
		"ACK_TIMEOUT":             c.AckTimeout,
		"ACK_SWEEP_INTERVAL":      c.AckSweepInterval,
		"BRIDGE_BACKOFF_MAX":      c.BridgeBackoffMax,
		"BRIDGE_ESCALATE_AFTER":   c.BridgeEscalateAfter,
	}
	for name, d := range positiveDurations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	if c.CapabilitySecret == "" {
		errs = append(errs, errors.New("CAPABILITY_SECRET must be set"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET must be set"))
	}
	switch c.EventBus {
	case "nats":
		if c.NATSURL == "" {
			errs = append(errs, errors.New("NATS_URL must be set when EVENT_BUS is nats"))
		}
	case "local":
	default:
		errs = append(errs, fmt.Errorf("EVENT_BUS must be nats or local, got %q", c.EventBus))
	}
	if c.NATSSubject == "" {
		errs = append(errs, errors.New("NATS_SUBJECT must be set"))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
