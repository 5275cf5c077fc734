package api

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpstreamProxyForwardsIdentity(t *testing.T) {
	var got http.Header
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		gotPath = r.URL.RequestURI()
		io.WriteString(w, "hello")
	}))
	defer upstream.Close()

	target, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	proxy := NewUpstreamProxy(target, slog.New(slog.DiscardHandler))

	req := httptest.NewRequest(http.MethodGet, "/admin/dashboard?x=1", nil)
	req.Header.Set(HeaderUserID, "user_1")
	req.Header.Set(HeaderUserRole, "admin")
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, "/admin/dashboard?x=1", gotPath)
	assert.Equal(t, "user_1", got.Get(HeaderUserID))
	assert.Equal(t, "admin", got.Get(HeaderUserRole))
	assert.NotEmpty(t, got.Get("X-Forwarded-For"))
}

func TestUpstreamProxyUnavailable(t *testing.T) {
	target, err := url.Parse("http://127.0.0.1:1")
	require.NoError(t, err)
	proxy := NewUpstreamProxy(target, slog.New(slog.DiscardHandler))

	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
