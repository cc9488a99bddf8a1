package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the HTTP and WebSocket listener binds.
	DefaultAddr = ":3000"
	// DefaultGRPCAddr is the default address for the snapshot relay service. PONG_GRPC_ADDR=off disables it.
	DefaultGRPCAddr = ":3001"
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 4 << 10
	// DefaultSendBuffer bounds the outbound queue of every connection.
	DefaultSendBuffer = 64

	// DefaultTickRate is the simulation frequency for running matches.
	DefaultTickRate = 60
	// DefaultWinScore ends a match once either side reaches it.
	DefaultWinScore = 5

	// DefaultCreateWindow bounds how frequently a single client may create rooms.
	DefaultCreateWindow = time.Minute
	// DefaultCreateBurst sets how many rooms a client may create per window.
	DefaultCreateBurst = 10

	// DefaultLogLevel controls verbosity for broker logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "pong-broker.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultReplayMaxMatches bounds retained match recordings when recording is enabled.
	DefaultReplayMaxMatches = 200
	// DefaultReplayMaxAge removes recordings older than this age.
	DefaultReplayMaxAge = 72 * time.Hour
)

// GRPCAuthMode selects how relay clients authenticate.
type GRPCAuthMode string

const (
	// GRPCAuthModeNone serves the relay without authentication, intended for loopback deployments.
	GRPCAuthModeNone GRPCAuthMode = "none"
	// GRPCAuthModeSharedSecret requires a static secret in request metadata.
	GRPCAuthModeSharedSecret GRPCAuthMode = "shared_secret"
	// GRPCAuthModeMTLS requires client certificates signed by the configured CA.
	GRPCAuthModeMTLS GRPCAuthMode = "mtls"
)

// Config captures all runtime tunables for the pong broker.
type Config struct {
	Address         string
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration
	SendBuffer      int
	TLSCertPath     string
	TLSKeyPath      string
	AdminToken      string
	AuthSecret      string

	TickRate int
	WinScore int

	CreateWindow time.Duration
	CreateBurst  int

	GRPCAddress        string
	GRPCAuthMode       GRPCAuthMode
	GRPCSharedSecret   string
	GRPCServerCertPath string
	GRPCServerKeyPath  string
	GRPCClientCAPath   string

	Replay  ReplayConfig
	Logging LoggingConfig
}

// ReplayConfig controls optional match recording.
type ReplayConfig struct {
	Directory  string
	MaxMatches int
	MaxAge     time.Duration
}

// Enabled reports whether recordings should be written.
func (r ReplayConfig) Enabled() bool {
	return strings.TrimSpace(r.Directory) != ""
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the broker configuration from environment variables, applying defaults
// and returning a single error describing every invalid override.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom is Load with an injectable environment lookup.
func LoadFrom(lookup func(string) string) (*Config, error) {
	if lookup == nil {
		lookup = os.Getenv
	}
	env := func(key string) string { return strings.TrimSpace(lookup(key)) }

	cfg := &Config{
		Address:            getString(env, "PONG_ADDR", DefaultAddr),
		AllowedOrigins:     parseList(env("PONG_ALLOWED_ORIGINS")),
		MaxPayloadBytes:    DefaultMaxPayloadBytes,
		PingInterval:       DefaultPingInterval,
		SendBuffer:         DefaultSendBuffer,
		TLSCertPath:        env("PONG_TLS_CERT"),
		TLSKeyPath:         env("PONG_TLS_KEY"),
		AdminToken:         env("PONG_ADMIN_TOKEN"),
		AuthSecret:         env("PONG_AUTH_SECRET"),
		TickRate:           DefaultTickRate,
		WinScore:           DefaultWinScore,
		CreateWindow:       DefaultCreateWindow,
		CreateBurst:        DefaultCreateBurst,
		GRPCAddress:        DefaultGRPCAddr,
		GRPCAuthMode:       GRPCAuthModeNone,
		GRPCSharedSecret:   env("PONG_GRPC_SHARED_SECRET"),
		GRPCServerCertPath: env("PONG_GRPC_TLS_CERT"),
		GRPCServerKeyPath:  env("PONG_GRPC_TLS_KEY"),
		GRPCClientCAPath:   env("PONG_GRPC_CLIENT_CA"),
		Replay: ReplayConfig{
			Directory:  env("PONG_REPLAY_DIR"),
			MaxMatches: DefaultReplayMaxMatches,
			MaxAge:     DefaultReplayMaxAge,
		},
		Logging: LoggingConfig{
			Level:      getString(env, "PONG_LOG_LEVEL", DefaultLogLevel),
			Path:       getString(env, "PONG_LOG_PATH", DefaultLogPath),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string
	positiveInt := func(key string, dst *int) {
		raw := env(key)
		if raw == "" {
			return
		}
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be a positive integer, got %q", key, raw))
			return
		}
		*dst = value
	}
	nonNegativeInt := func(key string, dst *int) {
		raw := env(key)
		if raw == "" {
			return
		}
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("%s must be a non-negative integer, got %q", key, raw))
			return
		}
		*dst = value
	}
	positiveDuration := func(key string, dst *time.Duration) {
		raw := env(key)
		if raw == "" {
			return
		}
		value, err := time.ParseDuration(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be a positive duration, got %q", key, raw))
			return
		}
		*dst = value
	}

	if raw := env("PONG_MAX_PAYLOAD_BYTES"); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("PONG_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}
	positiveDuration("PONG_PING_INTERVAL", &cfg.PingInterval)
	positiveInt("PONG_SEND_BUFFER", &cfg.SendBuffer)
	positiveInt("PONG_TICK_RATE", &cfg.TickRate)
	positiveInt("PONG_WIN_SCORE", &cfg.WinScore)
	positiveDuration("PONG_CREATE_WINDOW", &cfg.CreateWindow)
	positiveInt("PONG_CREATE_BURST", &cfg.CreateBurst)
	nonNegativeInt("PONG_REPLAY_MAX_MATCHES", &cfg.Replay.MaxMatches)
	positiveDuration("PONG_REPLAY_MAX_AGE", &cfg.Replay.MaxAge)
	positiveInt("PONG_LOG_MAX_SIZE_MB", &cfg.Logging.MaxSizeMB)
	nonNegativeInt("PONG_LOG_MAX_BACKUPS", &cfg.Logging.MaxBackups)
	nonNegativeInt("PONG_LOG_MAX_AGE_DAYS", &cfg.Logging.MaxAgeDays)

	if raw := env("PONG_LOG_COMPRESS"); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("PONG_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if raw := env("PONG_GRPC_ADDR"); raw != "" {
		switch strings.ToLower(raw) {
		case "off", "disabled", "none":
			cfg.GRPCAddress = ""
		default:
			cfg.GRPCAddress = raw
		}
	}

	if raw := env("PONG_GRPC_AUTH_MODE"); raw != "" {
		switch mode := GRPCAuthMode(strings.ToLower(raw)); mode {
		case GRPCAuthModeNone, GRPCAuthModeSharedSecret, GRPCAuthModeMTLS:
			cfg.GRPCAuthMode = mode
		default:
			problems = append(problems, fmt.Sprintf("PONG_GRPC_AUTH_MODE must be one of none, shared_secret, mtls, got %q", raw))
		}
	}
	switch cfg.GRPCAuthMode {
	case GRPCAuthModeSharedSecret:
		if cfg.GRPCSharedSecret == "" {
			problems = append(problems, "PONG_GRPC_SHARED_SECRET is required when PONG_GRPC_AUTH_MODE=shared_secret")
		}
	case GRPCAuthModeMTLS:
		if cfg.GRPCServerCertPath == "" || cfg.GRPCServerKeyPath == "" || cfg.GRPCClientCAPath == "" {
			problems = append(problems, "PONG_GRPC_TLS_CERT, PONG_GRPC_TLS_KEY and PONG_GRPC_CLIENT_CA are required when PONG_GRPC_AUTH_MODE=mtls")
		}
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "PONG_TLS_CERT and PONG_TLS_KEY must be provided together")
	}

	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}
	return cfg, nil
}

// TickInterval converts the configured tick rate into a ticker period.
func (c *Config) TickInterval() time.Duration {
	if c == nil || c.TickRate <= 0 {
		return time.Second / DefaultTickRate
	}
	return time.Second / time.Duration(c.TickRate)
}

func getString(env func(string) string, key, fallback string) string {
	if value := env(key); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
