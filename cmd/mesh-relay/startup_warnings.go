package main

import (
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.RelayConfig) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxPeersPerRoom <= 0 {
		logger.Warn("startup security warning: MESH_RELAY_MAX_PEERS_PER_ROOM is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_peers_per_room_unlimited_in_prod",
			"max_peers_per_room", cfg.MaxPeersPerRoom,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.PublicBaseURL != "" && !strings.EqualFold(urlScheme(cfg.PublicBaseURL), "https") {
		logger.Warn("startup security warning: public base URL is not https while --mode=prod (signaling payloads travel in clear text)",
			"warning_code", "public_base_url_not_https_in_prod",
			"public_base_url", cfg.PublicBaseURL,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MESH_RELAY_MAX_MESSAGE_BYTES is very large (weakens signaling DoS hardening; increases per-message allocation and queue memory)",
			"warning_code", "max_message_bytes_large",
			"max_message_bytes", cfg.MaxMessageBytes,
			"mode", cfg.Mode,
		)
	}
	if cfg.IdleTimeout > 10*time.Minute {
		logger.Warn("startup security warning: MESH_RELAY_IDLE_TIMEOUT is very large (dead signaling sockets hold room membership longer)",
			"warning_code", "idle_timeout_large",
			"idle_timeout", cfg.IdleTimeout,
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}

func urlScheme(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Scheme
}
