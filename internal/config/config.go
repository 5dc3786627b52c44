package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr      = "HUTZ_SIGNALING_LISTEN_ADDR"
	envVarPublicBaseURL   = "HUTZ_SIGNALING_PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarMode            = "HUTZ_SIGNALING_MODE"
	envVarLogFormat       = "HUTZ_SIGNALING_LOG_FORMAT"
	envVarLogLevel        = "HUTZ_SIGNALING_LOG_LEVEL"
	envVarShutdownTimeout = "HUTZ_SIGNALING_SHUTDOWN_TIMEOUT"
	envVarAPIKey          = "HUTZ_API_KEY"

	// WebSocket liveness + inbound hardening.
	envVarHeartbeatInterval             = "HUTZ_HEARTBEAT_INTERVAL"
	envVarConnectionStaleTimeout        = "HUTZ_CONNECTION_STALE_TIMEOUT"
	envVarReapInterval                  = "HUTZ_REAP_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	// ICE configuration service.
	envVarICEServersJSON = "HUTZ_ICE_SERVERS_JSON"
	envVarStunURLs       = "HUTZ_STUN_URLS"
	envVarTurnURLs       = "HUTZ_TURN_URLS"
	envVarTurnUsername   = "HUTZ_TURN_USERNAME"
	envVarTurnCredential = "HUTZ_TURN_CREDENTIAL"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
	envVarTURNRESTURLs           = "TURN_REST_URLS"

	// Durable fallback store.
	envVarRedisAddr     = "HUTZ_REDIS_ADDR"
	envVarRedisPassword = "HUTZ_REDIS_PASSWORD"
	envVarRedisDB       = "HUTZ_REDIS_DB"
	envVarFallbackTTL   = "HUTZ_FALLBACK_TTL"
)

const (
	DefaultListenAddr      = "127.0.0.1:8085"
	DefaultShutdownTimeout = 15 * time.Second

	DefaultHeartbeatInterval      = 20 * time.Second
	DefaultConnectionStaleTimeout = 60 * time.Second
	DefaultReapInterval           = 15 * time.Second

	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "hutz"

	DefaultFallbackTTL = 30 * time.Second

	DefaultMode Mode = ModeDev
)

type Mode string

const (
	ModeDev        Mode = "dev"
	ModeProduction Mode = "production"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	// URLs are the TURN urls the minted ephemeral credentials apply to.
	URLs []string
}

func (c TurnRESTConfig) Enabled() bool {
	return c.SharedSecret != "" && len(c.URLs) > 0
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool { return c.Addr != "" }

type Config struct {
	ListenAddr     string
	PublicBaseURL  string
	AllowedOrigins []string
	Mode           Mode

	LogFormat LogFormat
	LogLevel  slog.Level

	ShutdownTimeout time.Duration

	// APIKey, when set, gates WebSocket upgrades on a shared key supplied by
	// the client as a query parameter or bearer header.
	APIKey string

	HeartbeatInterval      time.Duration
	ConnectionStaleTimeout time.Duration
	ReapInterval           time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	// ICE holds the assembled server list. Parse failures never fail Load;
	// see ICE.Warning.
	ICE ICEConfig

	TurnREST TurnRESTConfig

	Redis       RedisConfig
	FallbackTTL time.Duration
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeDefault := string(DefaultMode)
	if envMode, _ := lookup(envVarMode); envMode != "" {
		modeDefault = envMode
	}

	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))

	fs := flag.NewFlagSet("hutz-signaling", flag.ContinueOnError)
	listenAddr := fs.String("listen-addr", envOrDefault(lookup, envVarListenAddr, DefaultListenAddr), "TCP listen address")
	publicBaseURL := fs.String("public-base-url", envOrDefault(lookup, envVarPublicBaseURL, ""), "public base URL clients dial")
	modeStr := fs.String("mode", modeDefault, "dev or production")
	logFormatStr := fs.String("log-format", logFormatDefault, "text or json")
	logLevelStr := fs.String("log-level", logLevelDefault, "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(*modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(*logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(*logLevelStr)
	if err != nil {
		return Config{}, err
	}

	allowedOrigins, err := parseAllowedOrigins(envOrDefault(lookup, envVarAllowedOrigins, ""))
	if err != nil {
		return Config{}, err
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	heartbeatInterval, err := envDurationOrDefault(lookup, envVarHeartbeatInterval, DefaultHeartbeatInterval)
	if err != nil {
		return Config{}, err
	}
	staleTimeout, err := envDurationOrDefault(lookup, envVarConnectionStaleTimeout, DefaultConnectionStaleTimeout)
	if err != nil {
		return Config{}, err
	}
	reapInterval, err := envDurationOrDefault(lookup, envVarReapInterval, DefaultReapInterval)
	if err != nil {
		return Config{}, err
	}
	fallbackTTL, err := envDurationOrDefault(lookup, envVarFallbackTTL, DefaultFallbackTTL)
	if err != nil {
		return Config{}, err
	}

	maxMsgBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxMsgBytes = n
	}
	maxMsgPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}

	redisDB, err := envIntOrDefault(lookup, envVarRedisDB, 0)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:     *listenAddr,
		PublicBaseURL:  *publicBaseURL,
		AllowedOrigins: allowedOrigins,
		Mode:           mode,

		LogFormat: logFormat,
		LogLevel:  logLevel,

		ShutdownTimeout: shutdownTimeout,

		APIKey: envOrDefault(lookup, envVarAPIKey, ""),

		HeartbeatInterval:      heartbeatInterval,
		ConnectionStaleTimeout: staleTimeout,
		ReapInterval:           reapInterval,

		MaxSignalingMessageBytes:      maxMsgBytes,
		MaxSignalingMessagesPerSecond: maxMsgPerSecond,

		ICE: loadICE(lookup),

		TurnREST: TurnRESTConfig{
			SharedSecret:   envOrDefault(lookup, envVarTURNRESTSharedSecret, ""),
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix),
			URLs:           splitCommaSeparated(envOrDefault(lookup, envVarTURNRESTURLs, "")),
		},

		Redis: RedisConfig{
			Addr:     envOrDefault(lookup, envVarRedisAddr, ""),
			Password: envOrDefault(lookup, envVarRedisPassword, ""),
			DB:       redisDB,
		},
		FallbackTTL: fallbackTTL,
	}
	return cfg, nil
}

// NewLogger builds the process logger from config.
func NewLogger(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	if cfg.LogFormat == LogFormatText {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	if mode == string(ModeProduction) {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode string) string {
	if mode == string(ModeProduction) {
		return "info"
	}
	return "debug"
}

func parseMode(raw string) (Mode, error) {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case string(ModeDev):
		return ModeDev, nil
	case string(ModeProduction):
		return ModeProduction, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or production)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	parts := splitCommaSeparated(raw)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "*" {
			return []string{"*"}, nil
		}
		out = append(out, part)
	}
	return out, nil
}

func splitCommaSeparated(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
