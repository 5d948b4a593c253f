package main

import (
	"log/slog"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.PeerConfig) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Mode == config.ModeProd && strings.HasPrefix(cfg.SignalURL, "ws://") {
		logger.Warn("startup security warning: signaling URL is ws:// while --mode=prod (session descriptions travel in clear text)",
			"warning_code", "signal_url_insecure_in_prod",
			"signal_url", cfg.SignalURL,
			"mode", cfg.Mode,
		)
	}

	if !cfg.TURNEnabled {
		logger.Warn("startup warning: no TURN server with credentials configured (peers behind symmetric NATs will fail to connect)",
			"warning_code", "turn_disabled",
			"ice_servers", len(cfg.ICEServers),
			"mode", cfg.Mode,
		)
	}

	if cfg.Screen == "" {
		logger.Info("screen sharing disabled (no --screen source)")
	}
}
