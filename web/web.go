// Package web serves the embedded sign-in page the gateway redirects
// browsers to.
package web

import (
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"path"
	"strings"
)

//go:embed dist/*
var content embed.FS

// Handler serves the sign-in page at prefix and its assets below it, so
// that with prefix "/login" the page is /login and the script is
// /login/login.js. Unknown paths below prefix get the page.
func Handler(prefix string) (http.Handler, error) {
	fsys, err := fs.Sub(content, "dist")
	if err != nil {
		return nil, fmt.Errorf("loading embedded web assets: %w", err)
	}
	indexBytes, err := fs.ReadFile(fsys, "index.html")
	if err != nil {
		return nil, fmt.Errorf("reading embedded index.html: %w", err)
	}
	prefix = "/" + strings.Trim(prefix, "/")
	indexBytes = []byte(strings.ReplaceAll(string(indexBytes), "{{PREFIX}}", strings.TrimRight(prefix, "/")))
	static := http.StripPrefix(prefix, http.FileServer(http.FS(fsys)))

	serveIndex := func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.Write(indexBytes)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		rel := strings.TrimPrefix(path.Clean(r.URL.Path), prefix)
		rel = strings.TrimPrefix(rel, "/")
		if rel == "" || rel == "." || rel == "index.html" {
			serveIndex(w)
			return
		}
		if _, err := fs.Stat(fsys, rel); err == nil {
			static.ServeHTTP(w, r)
			return
		}
		serveIndex(w)
	}), nil
}
