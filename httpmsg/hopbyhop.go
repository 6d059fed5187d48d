// Package httpmsg holds the small set of HTTP/1.1 reshaping rules shared by
// the ship-side worker and the offshore dispatcher: hop-by-hop header
// removal, the Via header, and absolute-form -> origin-form request-target
// rewriting (RFC 7230 §5.3, §6.1).
package httpmsg

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ViaLabel is appended as the Via header value by the ship worker before a
// request is framed for the offshore.
const ViaLabel = "1.1 ship-proxy"

// hopByHop is the always-stripped set, per RFC 7230 §6.1.
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopByHop removes the standard hop-by-hop headers from h, plus any
// header named in h's own Connection header value(s). It is safe to call
// more than once; a second call is a no-op.
func StripHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			name = strings.TrimSpace(name)
			if name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHop {
		h.Del(name)
	}
}

// AddVia appends the ship-proxy Via header, per RFC 7230 §5.7.1.
func AddVia(h http.Header) {
	h.Add("Via", ViaLabel)
}

// OriginForm rewrites an absolute-form request-target ("http://host/path?q")
// into origin-form ("/path?q"), and returns the host:port it pointed at. A
// request-target that is already origin-form is returned unchanged, using
// host instead to supply the destination.
//
// defaultPort is used when the URL carries no explicit port (80 for HTTP).
func OriginForm(rawTarget string, hostHeader string, defaultPort string) (target string, hostport string, err error) {
	if strings.HasPrefix(rawTarget, "/") {
		hostport = ensurePort(hostHeader, defaultPort)
		return rawTarget, hostport, nil
	}
	u, err := url.Parse(rawTarget)
	if err != nil {
		return "", "", fmt.Errorf("parse request-target %q: %w", rawTarget, err)
	}
	target = u.RequestURI()
	if target == "" {
		target = "/"
	}
	hostport = ensurePort(u.Host, defaultPort)
	return target, hostport, nil
}

func ensurePort(hostHeader string, defaultPort string) string {
	if hostHeader == "" {
		return hostHeader
	}
	if strings.Contains(hostHeader, ":") {
		// IPv6 literal without an explicit port, e.g. "[::1]".
		if strings.HasPrefix(hostHeader, "[") && strings.HasSuffix(hostHeader, "]") {
			return hostHeader + ":" + defaultPort
		}
		return hostHeader
	}
	return hostHeader + ":" + defaultPort
}

// EnsureHost sets the Host header from hostport if it isn't already set.
func EnsureHost(h http.Header, hostport string) {
	if h.Get("Host") == "" && hostport != "" {
		h.Set("Host", hostport)
	}
}
