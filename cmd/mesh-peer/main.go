package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/mesh"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/webrtcpeer"
)

func main() {
	cfg, err := config.LoadPeer(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	api, err := webrtcpeer.NewAPI(cfg, logger)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	logger.Info("starting mesh-peer",
		"signal_url", cfg.SignalURL,
		"room", cfg.Room,
		"mode", cfg.Mode,
		"media_dir", cfg.MediaDir,
		"mic", cfg.Mic,
		"camera", cfg.Camera,
		"screen", cfg.Screen,
		"ice_servers", len(cfg.ICEServers),
		"turn_enabled", cfg.TURNEnabled,
	)
	logStartupWarnings(logger, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	provider := media.NewFileProvider(media.FileProviderConfig{
		Dir:     cfg.MediaDir,
		Screen:  cfg.Screen,
		Loop:    true,
		Logger:  logger,
		Metrics: m,
	})

	sess, err := mesh.Join(ctx, mesh.SessionConfig{
		Room:       signaling.RoomID(cfg.Room),
		SignalURL:  cfg.SignalURL,
		API:        api,
		ICEServers: cfg.ICEServers,
		Provider:   provider,
		Constraints: media.Constraints{
			AudioDeviceID: cfg.Mic,
			VideoDeviceID: cfg.Camera,
			Width:         cfg.VideoWidth,
			Height:        cfg.VideoHeight,
		},
		SignalingPingInterval:    cfg.SignalingPingInterval,
		MaxSignalingMessageBytes: cfg.MaxSignalingMessageBytes,
		Logger:                   logger,
		Metrics:                  m,
	})
	if err != nil {
		switch {
		case errors.Is(err, media.ErrMediaAccessDenied):
			logger.Error("media access denied", "err", err)
		case errors.Is(err, media.ErrNoDeviceFound):
			logger.Error("no capture device found", "err", err, "media_dir", cfg.MediaDir)
		case errors.Is(err, signaling.ErrSignalConnect):
			logger.Error("signaling relay unreachable", "err", err)
		default:
			logger.Error("failed to join room", "err", err)
		}
		os.Exit(1)
	}

	unsubscribe := sess.Registry().Subscribe(func(ev mesh.RegistryEvent) {
		logger.Info("peer "+ev.Kind.String(),
			"peer", string(ev.Peer.ID),
			"state", ev.Peer.State.String(),
			"connection_state", ev.Peer.ConnectionState.String(),
			"remote_audio", ev.Peer.RemoteAudio,
			"remote_video", ev.Peer.RemoteVideo,
		)
	})
	defer unsubscribe()

	leaveRequested := make(chan struct{})
	go func() {
		if runCommands(ctx, os.Stdin, os.Stdout, sess) {
			close(leaveRequested)
			return
		}
		logger.Debug("command input closed")
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case <-leaveRequested:
	case <-sess.Done():
	}

	if err := sess.Leave(); err != nil {
		logger.Warn("leave failed", "err", err)
	}
	if err := sess.Err(); err != nil {
		logger.Error("session ended", "err", err, "metrics", m.Snapshot())
		os.Exit(1)
	}
	logger.Info("left room", "metrics", m.Snapshot())
}
