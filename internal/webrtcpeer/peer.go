package webrtcpeer

import (
	"github.com/pion/webrtc/v4"
)

// NewPeerConnection creates one mesh edge. Every edge of a session shares
// the same API and ICE server list.
func NewPeerConnection(api *webrtc.API, iceServers []webrtc.ICEServer) (*webrtc.PeerConnection, error) {
	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   iceServers,
		BundlePolicy: webrtc.BundlePolicyMaxBundle,
	})
}
