package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/hablas/sessiongate/token"
)

// DefaultCookieName is the access token cookie used when none is configured.
const DefaultCookieName = "hablas_auth_token"

// SetAuthCookie writes the access token cookie. Max-Age is 7 days, or 30
// days when rememberMe is set.
func SetAuthCookie(w http.ResponseWriter, name, value string, rememberMe, secure bool) {
	ttl := token.AccessTTL
	if rememberMe {
		ttl = token.ExtendedAccessTTL
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl / time.Second),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearAuthCookie expires the access token cookie.
func ClearAuthCookie(w http.ResponseWriter, name string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// TokenFromRequest returns the value of the named cookie from the Cookie
// header, or "" when it is absent or empty. Entries that do not parse as
// name=value are skipped rather than failing the whole header.
func TokenFromRequest(r *http.Request, name string) string {
	for _, header := range r.Header.Values("Cookie") {
		for _, part := range strings.Split(header, ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
			if !ok || strings.TrimSpace(k) != name {
				continue
			}
			v = strings.TrimSpace(v)
			if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
				v = v[1 : len(v)-1]
			}
			if v != "" {
				return v
			}
		}
	}
	return ""
}

// requestIsSecure reports whether the client reached us over HTTPS, either
// directly or through a TLS-terminating proxy.
func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
