package api

import (
	"net"
	"net/http"
	"strings"
)

// clientIPHeaders are consulted in order; the first non-empty one wins.
var clientIPHeaders = []string{
	"X-Real-IP",
	"X-Forwarded-For",
	"CF-Connecting-IP",
	"True-Client-IP",
	"X-Client-IP",
}

// ClientIP returns the best-effort client address used as a rate-limit
// identifier. Comma-separated headers contribute their first entry. Without
// any header the peer address is used, and "unknown" when even that is
// missing. It never fails.
//
// The headers are client-controlled unless a proxy in front of the gateway
// overwrites them, so ClientIP must not be used for authorization.
func ClientIP(r *http.Request) string {
	for _, h := range clientIPHeaders {
		v := r.Header.Get(h)
		if v == "" {
			continue
		}
		first, _, _ := strings.Cut(v, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if host := remoteHost(r.RemoteAddr); host != "" {
		return host
	}
	return "unknown"
}

func remoteHost(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.Trim(addr, "[]")
}
