package webrtcpeer

import (
	"fmt"
	"log/slog"

	"github.com/pion/interceptor"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
)

// Option customizes the SettingEngine before the API is built.
type Option func(*webrtc.SettingEngine)

// WithNet routes all ICE traffic through n (typically a vnet.Net in tests).
func WithNet(n transport.Net) Option {
	return func(se *webrtc.SettingEngine) {
		se.SetNet(n)
	}
}

// NewAPI builds the webrtc.API every mesh PeerConnection is created from:
// default audio/video codecs, the default interceptor chain (NACK, RTCP
// reports, TWCC) and pion logs routed into logger.
func NewAPI(cfg config.PeerConfig, logger *slog.Logger, opts ...Option) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if logger != nil {
		se.LoggerFactory = NewLoggerFactory(logger)
	}
	if err := ApplyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(&se)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg config.PeerConfig) error {
	if cfg.WebRTCUDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.WebRTCUDPPortRange.Min, cfg.WebRTCUDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}
	if len(cfg.WebRTCNAT1To1IPs) > 0 {
		se.SetNAT1To1IPs(cfg.WebRTCNAT1To1IPs, webrtc.ICECandidateTypeHost)
	}
	return nil
}
