package httpserver

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// originAllowed applies the relay's browser origin policy. Requests without
// an Origin header (native clients) are always allowed. With an explicit
// allow-list, the normalized origin must be listed (or "*" present).
// Otherwise only same-host origins pass; the scheme is not compared since the
// relay commonly sits behind a TLS-terminating proxy.
func originAllowed(r *http.Request, allowed []string) bool {
	header := strings.TrimSpace(r.Header.Get("Origin"))
	if header == "" {
		return true
	}
	origin, host, ok := normalizeOrigin(header)
	if !ok {
		return false
	}
	if len(allowed) > 0 {
		for _, a := range allowed {
			if a == "*" {
				return true
			}
			if n, _, ok := normalizeOrigin(a); ok && n == origin {
				return true
			}
		}
		return false
	}
	scheme := origin[:strings.Index(origin, "://")]
	return host == normalizeHost(scheme, r.Host)
}

// normalizeOrigin returns scheme://host[:port] and host[:port], lowercased
// with default ports dropped.
func normalizeOrigin(raw string) (origin, host string, ok bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	host = normalizeHost(scheme, u.Host)
	if host == "" {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

func normalizeHost(scheme, hostport string) string {
	hostport = strings.ToLower(strings.TrimSpace(hostport))
	hostname, port, err := net.SplitHostPort(hostport)
	if err != nil {
		// No port.
		hostname, port = strings.Trim(hostport, "[]"), ""
	}
	if hostname == "" {
		return ""
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port == "" {
		if strings.Contains(hostname, ":") {
			return "[" + hostname + "]"
		}
		return hostname
	}
	return net.JoinHostPort(hostname, port)
}
