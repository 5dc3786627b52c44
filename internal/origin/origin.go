// Package origin enforces the browser Origin policy for WebSocket upgrades
// and the ICE config endpoint.
package origin

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Checker decides whether a browser Origin may talk to this server.
//
// With a configured allowlist, an incoming Origin must normalize to one of
// the allowed entries ("*" admits everything). With an empty allowlist the
// policy is same-host: the Origin's host[:port] must match the request's Host
// header. Scheme is deliberately not compared against the request because the
// server usually sits behind a TLS-terminating proxy and sees plain HTTP.
type Checker struct {
	allowAll bool
	allowed  map[string]struct{}
}

func NewChecker(allowedOrigins []string) *Checker {
	c := &Checker{allowed: make(map[string]struct{}, len(allowedOrigins))}
	for _, raw := range allowedOrigins {
		if raw == "*" {
			c.allowAll = true
			continue
		}
		if normalized, _, ok := Normalize(raw); ok {
			c.allowed[normalized] = struct{}{}
		}
	}
	return c
}

// CheckRequest is the shape gorilla/websocket's Upgrader.CheckOrigin wants.
//
// Requests without an Origin header are allowed; they come from non-browser
// clients which the API key gate handles separately.
func (c *Checker) CheckRequest(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if strings.TrimSpace(header) == "" {
		return true
	}
	return c.Allow(header, r.Host)
}

func (c *Checker) Allow(originHeader, requestHost string) bool {
	normalized, originHost, ok := Normalize(originHeader)
	if !ok {
		return false
	}

	if c.allowAll {
		return true
	}
	if len(c.allowed) > 0 {
		_, ok := c.allowed[normalized]
		return ok
	}

	// Same-host default. "null" origins never match a host.
	scheme, _, found := strings.Cut(normalized, "://")
	if !found {
		return false
	}
	reqHost, ok := canonicalAuthority(requestHost, scheme)
	if !ok {
		return false
	}
	return originHost == reqHost
}

// Normalize validates a browser Origin header and returns it in canonical
// scheme://host[:port] form plus the host[:port] part on its own. Default
// ports are elided. The special value "null" is accepted and returned as-is.
func Normalize(originHeader string) (normalized string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalAuthority(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// canonicalAuthority lowercases the hostname, validates the port and strips
// it when it is the scheme default. IPv6 literals keep their brackets.
func canonicalAuthority(rawAuthority, scheme string) (string, bool) {
	rawHostname, rawPort, ok := splitAuthority(strings.TrimSpace(rawAuthority))
	if !ok {
		return "", false
	}

	hostname := strings.ToLower(rawHostname)
	if hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

func splitAuthority(raw string) (hostname, port string, ok bool) {
	if raw == "" {
		return "", "", false
	}

	if strings.HasPrefix(raw, "[") {
		end := strings.IndexByte(raw, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = raw[1:end]
		rest := raw[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(raw, ":") {
	case 0:
		return raw, "", true
	case 1:
		hostname, port, _ = strings.Cut(raw, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		// Unbracketed IPv6 literals are not valid authority strings.
		return "", "", false
	}
}
