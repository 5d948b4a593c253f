// Package turnrest mints short-lived TURN credentials in the coturn
// "use-auth-secret" format so peers never carry a long-term TURN password.
//
//	username   = <unix_expiry>:<prefix>:<session_id>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

var (
	ErrMissingSecret    = errors.New("turnrest: shared secret is required")
	ErrInvalidTTL       = errors.New("turnrest: ttl must be > 0")
	ErrInvalidPrefix    = errors.New("turnrest: username prefix is required and must not contain ':'")
	ErrInvalidSessionID = errors.New("turnrest: session id is required and must not contain ':'")
)

type GeneratorConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string

	// Now defaults to time.Now.
	Now func() time.Time
	// SessionIDSource defaults to random UUIDs.
	SessionIDSource func() (string, error)
}

type Generator struct {
	secret   []byte
	ttl      int64
	prefix   string
	now      func() time.Time
	randomID func() (string, error)
}

type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

// Expires returns the moment the TURN server stops accepting the credentials.
func (c Credentials) Expires() time.Time { return time.Unix(c.ExpiryUnix, 0).UTC() }

func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	switch {
	case cfg.SharedSecret == "":
		return nil, ErrMissingSecret
	case cfg.TTLSeconds <= 0:
		return nil, ErrInvalidTTL
	case cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":"):
		return nil, ErrInvalidPrefix
	}
	g := &Generator{
		secret:   []byte(cfg.SharedSecret),
		ttl:      cfg.TTLSeconds,
		prefix:   cfg.UsernamePrefix,
		now:      cfg.Now,
		randomID: cfg.SessionIDSource,
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.randomID == nil {
		g.randomID = func() (string, error) {
			id, err := uuid.NewRandom()
			if err != nil {
				return "", err
			}
			return id.String(), nil
		}
	}
	return g, nil
}

func (g *Generator) Generate(sessionID string) (Credentials, error) {
	if sessionID == "" || strings.Contains(sessionID, ":") {
		return Credentials{}, ErrInvalidSessionID
	}
	expiry := g.now().UTC().Unix() + g.ttl
	username := strconv.FormatInt(expiry, 10) + ":" + g.prefix + ":" + sessionID

	mac := hmac.New(sha1.New, g.secret)
	_, _ = mac.Write([]byte(username))

	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		ExpiryUnix: expiry,
	}, nil
}

func (g *Generator) GenerateRandom() (Credentials, error) {
	id, err := g.randomID()
	if err != nil {
		return Credentials{}, err
	}
	return g.Generate(id)
}

// ICEServer binds freshly minted credentials to the given TURN URLs.
func (g *Generator) ICEServer(urls []string) (webrtc.ICEServer, error) {
	creds, err := g.GenerateRandom()
	if err != nil {
		return webrtc.ICEServer{}, err
	}
	return webrtc.ICEServer{
		URLs:       append([]string(nil), urls...),
		Username:   creds.Username,
		Credential: creds.Credential,
	}, nil
}
