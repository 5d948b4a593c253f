package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/turnrest"
)

const (
	envICEServersJSON = "MESH_ICE_SERVERS_JSON"

	envStunURLs       = "MESH_STUN_URLS"
	envTurnURLs       = "MESH_TURN_URLS"
	envTurnUsername   = "MESH_TURN_USERNAME"
	envTurnCredential = "MESH_TURN_CREDENTIAL"

	// coturn TURN REST (ephemeral) credentials.
	envTurnRESTSharedSecret   = "MESH_TURN_REST_SHARED_SECRET"
	envTurnRESTTTLSeconds     = "MESH_TURN_REST_TTL_SECONDS"
	envTurnRESTUsernamePrefix = "MESH_TURN_REST_USERNAME_PREFIX"

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "mesh"
)

// DefaultSTUNURLs are used when no STUN servers are configured.
var DefaultSTUNURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
}

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

// ICESettings is the raw (unvalidated) ICE configuration as read from env/flags.
type ICESettings struct {
	ServersJSON    string
	STUNURLs       string
	TURNURLs       string
	TURNUsername   string
	TURNCredential string
	TURNREST       TurnRESTConfig
}

// ResolveICEServers turns ICESettings into the list handed to every
// PeerConnection.
//
// An explicit JSON list is taken verbatim (after validation). Otherwise the
// STUN list (or DefaultSTUNURLs) is used, plus a TURN entry when complete
// credentials are available either statically or via TURN REST. TURN URLs
// without usable credentials are dropped and turnEnabled reports false.
func ResolveICEServers(s ICESettings, now func() time.Time) (servers []webrtc.ICEServer, turnEnabled bool, err error) {
	if raw := strings.TrimSpace(s.ServersJSON); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, false, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		for _, server := range servers {
			if iceServerHasTURNURL(server) {
				turnEnabled = true
			}
		}
		return servers, turnEnabled, nil
	}

	stunList := splitCommaSeparated(s.STUNURLs)
	if len(stunList) == 0 {
		stunList = append([]string(nil), DefaultSTUNURLs...)
	}
	stunServer := webrtc.ICEServer{URLs: stunList}
	if err := validateICEServer(stunServer); err != nil {
		return nil, false, fmt.Errorf("%s: %w", envStunURLs, err)
	}
	servers = append(servers, stunServer)

	turnList := splitCommaSeparated(s.TURNURLs)
	if len(turnList) == 0 {
		return servers, false, nil
	}

	turnServer := webrtc.ICEServer{
		URLs:       turnList,
		Username:   strings.TrimSpace(s.TURNUsername),
		Credential: strings.TrimSpace(s.TURNCredential),
	}
	if (turnServer.Username == "" || turnServer.Credential == "") && s.TURNREST.Enabled() {
		gen, err := turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret:   s.TURNREST.SharedSecret,
			TTLSeconds:     s.TURNREST.TTLSeconds,
			UsernamePrefix: s.TURNREST.UsernamePrefix,
			Now:            now,
		})
		if err != nil {
			return nil, false, fmt.Errorf("%s: %w", envTurnRESTSharedSecret, err)
		}
		if turnServer, err = gen.ICEServer(turnList); err != nil {
			return nil, false, fmt.Errorf("mint turn rest credentials: %w", err)
		}
	}
	if turnServer.Username == "" || turnServer.Credential == "" {
		// No relay-assist credentials: direct connectivity discovery only.
		return servers, false, nil
	}

	if err := validateICEServer(turnServer); err != nil {
		return nil, false, fmt.Errorf("%s: %w", envTurnURLs, err)
	}
	return append(servers, turnServer), true, nil
}

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses and validates MESH_ICE_SERVERS_JSON, which uses
// the browser RTCIceServer shape.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, server := range servers {
		urls := make([]string, 0, len(server.URLs))
		for _, url := range server.URLs {
			url = strings.TrimSpace(url)
			if url == "" {
				continue
			}
			urls = append(urls, url)
		}

		pcServer := webrtc.ICEServer{
			URLs:     urls,
			Username: strings.TrimSpace(server.Username),
		}
		if strings.TrimSpace(server.Credential) != "" {
			pcServer.Credential = server.Credential
		}

		if err := validateICEServer(pcServer); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, pcServer)
	}
	return out, nil
}

func validateICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	requiresTurnCreds := false
	for _, raw := range server.URLs {
		url := strings.TrimSpace(raw)
		if url == "" {
			return errors.New("urls must not contain empty entries")
		}
		uri, err := stun.ParseURI(url)
		if err != nil {
			return fmt.Errorf("invalid url %q: %w", url, err)
		}
		switch uri.Scheme {
		case stun.SchemeTypeTURN, stun.SchemeTypeTURNS:
			requiresTurnCreds = true
		case stun.SchemeTypeSTUN, stun.SchemeTypeSTUNS:
		default:
			return fmt.Errorf("unsupported url scheme: %q", url)
		}
	}

	if requiresTurnCreds {
		if strings.TrimSpace(server.Username) == "" {
			return errors.New("turn urls require username")
		}
		cred, ok := server.Credential.(string)
		if !ok || strings.TrimSpace(cred) == "" {
			return errors.New("turn urls require credential")
		}
	}

	return nil
}

func iceServerHasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		url := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			return true
		}
	}
	return false
}
