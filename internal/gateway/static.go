package gateway

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// staticHandler serves the dashboard SPA from StaticDir with an
// index.html fallback for client-side routes. Without a StaticDir the
// root answers with a plain status line.
func (s *Server) staticHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.StaticDir == "" {
			if r.URL.Path == "/" {
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				w.Write([]byte("attache gateway is running\n")) //nolint:errcheck
				return
			}
			writeError(w, http.StatusNotFound, "not found")
			return
		}

		// Check the raw path: Clean collapses ".." segments away, so the
		// check must run before it.
		if strings.Contains(r.URL.Path, "..") {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		rel := strings.TrimPrefix(filepath.Clean("/"+r.URL.Path), "/")
		if rel == "" {
			rel = "index.html"
		}

		full := filepath.Join(s.deps.StaticDir, rel)
		if info, err := os.Stat(full); err != nil || info.IsDir() {
			// SPA fallback: unknown paths get the app shell.
			full = filepath.Join(s.deps.StaticDir, "index.html")
		}
		http.ServeFile(w, r, full)
	})
}
