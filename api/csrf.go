package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/hablas/sessiongate/internal/uuid"
)

const (
	csrfCookieName = "hablas_csrf_token"
	csrfHeaderName = "X-CSRF-Token"
	csrfCookieTTL  = 24 * time.Hour
)

// CSRFMiddleware enforces double-submit cookie protection on mutating
// requests that carry the auth cookie. Safe methods and requests without the
// auth cookie pass: a cross-site form cannot present a token the victim does
// not have.
func (a *API) CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		if TokenFromRequest(r, a.cookieName) == "" {
			next.ServeHTTP(w, r)
			return
		}

		cookie := TokenFromRequest(r, csrfCookieName)
		if cookie == "" {
			writeError(w, http.StatusForbidden, "missing CSRF token")
			return
		}
		header := r.Header.Get(csrfHeaderName)
		if subtle.ConstantTimeCompare([]byte(cookie), []byte(header)) != 1 {
			writeError(w, http.StatusForbidden, "invalid CSRF token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeCSRFCookie issues a fresh CSRF token. The cookie is readable by
// scripts so the browser client can echo it in the header.
func (a *API) writeCSRFCookie(w http.ResponseWriter, r *http.Request) string {
	tok := uuid.New()
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    tok,
		Path:     "/",
		MaxAge:   int(csrfCookieTTL / time.Second),
		HttpOnly: false,
		Secure:   a.secure(r),
		SameSite: http.SameSiteStrictMode,
	})
	return tok
}

func (a *API) clearCSRFCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: false,
		Secure:   a.secure(r),
		SameSite: http.SameSiteStrictMode,
	})
}
