package api

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
)

// NewUpstreamProxy forwards requests that passed the gateway to the
// application at target. Identity headers set by the gateway travel with
// the request; X-Forwarded-* are rewritten from the connection.
func NewUpstreamProxy(target *url.URL, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "proxy", "upstream", target.Redacted())
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Host = pr.In.Host
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("upstream request failed", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusBadGateway, "Upstream application is unavailable")
		},
	}
}
