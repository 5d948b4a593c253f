package config

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	envVarRelayListenAddr        = "MESH_RELAY_LISTEN_ADDR"
	envVarRelayPublicBaseURL     = "MESH_RELAY_PUBLIC_BASE_URL"
	envVarAllowedOrigins         = "ALLOWED_ORIGINS"
	envVarRelayMode              = "MESH_RELAY_MODE"
	envVarRelayLogFormat         = "MESH_RELAY_LOG_FORMAT"
	envVarRelayLogLevel          = "MESH_RELAY_LOG_LEVEL"
	envVarRelayShutdownTimeout   = "MESH_RELAY_SHUTDOWN_TIMEOUT"
	envVarRelayIdleTimeout       = "MESH_RELAY_IDLE_TIMEOUT"
	envVarRelayPingInterval      = "MESH_RELAY_PING_INTERVAL"
	envVarRelayMaxMessageBytes   = "MESH_RELAY_MAX_MESSAGE_BYTES"
	envVarRelayMaxMessagesPerSec = "MESH_RELAY_MAX_MESSAGES_PER_SECOND"
	envVarRelayMaxPeersPerRoom   = "MESH_RELAY_MAX_PEERS_PER_ROOM"

	DefaultRelayListenAddr        = "127.0.0.1:8080"
	DefaultRelayShutdown          = 15 * time.Second
	DefaultRelayIdleTimeout       = 60 * time.Second
	DefaultRelayPingInterval      = 20 * time.Second
	DefaultRelayMaxMessageBytes   = int64(64 * 1024)
	DefaultRelayMaxMessagesPerSec = 50
)

// RelayConfig configures the reference signaling relay (cmd/mesh-relay).
type RelayConfig struct {
	Logging

	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration

	// IdleTimeout closes signaling sockets that have not produced any frame
	// (including pongs) for this long. PingInterval must be smaller.
	IdleTimeout          time.Duration
	PingInterval         time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	// MaxPeersPerRoom <= 0 means unlimited.
	MaxPeersPerRoom int
}

func LoadRelay(args []string) (RelayConfig, error) {
	return loadRelay(os.LookupEnv, args)
}

func loadRelay(lookup func(string) (string, bool), args []string) (RelayConfig, error) {
	modeDefault, logFormatDefault, logLevelDefault := loggingDefaults(lookup, envVarRelayMode, envVarRelayLogFormat, envVarRelayLogLevel)

	listenAddr := envOrDefault(lookup, envVarRelayListenAddr, DefaultRelayListenAddr)
	publicBaseURL := envOrDefault(lookup, envVarRelayPublicBaseURL, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarRelayShutdownTimeout, DefaultRelayShutdown)
	if err != nil {
		return RelayConfig{}, err
	}
	idleTimeout, err := envDurationOrDefault(lookup, envVarRelayIdleTimeout, DefaultRelayIdleTimeout)
	if err != nil {
		return RelayConfig{}, err
	}
	pingInterval, err := envDurationOrDefault(lookup, envVarRelayPingInterval, DefaultRelayPingInterval)
	if err != nil {
		return RelayConfig{}, err
	}
	maxMessageBytes, err := envInt64OrDefault(lookup, envVarRelayMaxMessageBytes, DefaultRelayMaxMessageBytes)
	if err != nil {
		return RelayConfig{}, err
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarRelayMaxMessagesPerSec, DefaultRelayMaxMessagesPerSec)
	if err != nil {
		return RelayConfig{}, err
	}
	maxPeersPerRoom, err := envIntOrDefault(lookup, envVarRelayMaxPeersPerRoom, 0)
	if err != nil {
		return RelayConfig{}, err
	}

	fs := flag.NewFlagSet("mesh-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var modeStr, logFormatStr, logLevelStr string
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL (optional; used for logging)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.DurationVar(&idleTimeout, "idle-timeout", idleTimeout, "Close idle signaling WebSocket connections after this duration (env "+envVarRelayIdleTimeout+")")
	fs.DurationVar(&pingInterval, "ping-interval", pingInterval, "Send ping frames at this interval (must be < --idle-timeout; env "+envVarRelayPingInterval+")")
	fs.Int64Var(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max inbound signaling message size in bytes (env "+envVarRelayMaxMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "max-messages-per-second", maxMessagesPerSecond, "Max inbound signaling messages per second per connection (env "+envVarRelayMaxMessagesPerSec+")")
	fs.IntVar(&maxPeersPerRoom, "max-peers-per-room", maxPeersPerRoom, "Maximum members per room (0 = unlimited; env "+envVarRelayMaxPeersPerRoom+")")

	if err := fs.Parse(args); err != nil {
		return RelayConfig{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	logging, err := parseLogging(modeStr, logFormatStr, logLevelStr,
		envSet(lookup, envVarRelayLogFormat) || setFlags["log-format"],
		envSet(lookup, envVarRelayLogLevel) || setFlags["log-level"])
	if err != nil {
		return RelayConfig{}, err
	}

	if strings.TrimSpace(listenAddr) == "" {
		return RelayConfig{}, fmt.Errorf("listen address must not be empty")
	}
	if publicBaseURL != "" {
		if _, err := url.Parse(publicBaseURL); err != nil {
			return RelayConfig{}, fmt.Errorf("invalid public base url %q: %w", publicBaseURL, err)
		}
	}
	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return RelayConfig{}, err
	}
	if shutdownTimeout <= 0 {
		return RelayConfig{}, fmt.Errorf("shutdown timeout must be > 0 (got %s)", shutdownTimeout)
	}
	if idleTimeout <= 0 {
		return RelayConfig{}, fmt.Errorf("idle timeout must be > 0 (got %s)", idleTimeout)
	}
	if pingInterval <= 0 || pingInterval >= idleTimeout {
		return RelayConfig{}, fmt.Errorf("ping interval must be > 0 and < idle timeout (got %s, idle timeout %s)", pingInterval, idleTimeout)
	}
	if maxMessageBytes <= 0 {
		return RelayConfig{}, fmt.Errorf("max message bytes must be > 0 (got %d)", maxMessageBytes)
	}
	if maxMessagesPerSecond <= 0 {
		return RelayConfig{}, fmt.Errorf("max messages per second must be > 0 (got %d)", maxMessagesPerSecond)
	}

	return RelayConfig{
		Logging:              logging,
		ListenAddr:           listenAddr,
		PublicBaseURL:        publicBaseURL,
		AllowedOrigins:       allowedOrigins,
		ShutdownTimeout:      shutdownTimeout,
		IdleTimeout:          idleTimeout,
		PingInterval:         pingInterval,
		MaxMessageBytes:      maxMessageBytes,
		MaxMessagesPerSecond: maxMessagesPerSecond,
		MaxPeersPerRoom:      maxPeersPerRoom,
	}, nil
}

// parseAllowedOrigins normalizes a comma-separated origin list. Entries are
// either "*" or scheme://host[:port].
func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, entry := range splitCommaSeparated(raw) {
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		u, err := url.Parse(entry)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, fmt.Errorf("invalid %s entry %q", envVarAllowedOrigins, entry)
		}
		if u.Path != "" && u.Path != "/" {
			return nil, fmt.Errorf("invalid %s entry %q: must not include a path", envVarAllowedOrigins, entry)
		}
		out = append(out, strings.ToLower(u.Scheme+"://"+u.Host))
	}
	return out, nil
}
