package server

import (
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strings"

	"devicegate/web"
)

const staticCacheControl = "public, max-age=86400"

// loadStaticFS prefers dir when set so assets can be swapped without a
// rebuild; otherwise the embedded bundle is used.
func loadStaticFS(dir string) (fs.FS, error) {
	if dir = strings.TrimSpace(dir); dir != "" {
		info, err := os.Stat(dir)
		if err != nil {
			return nil, fmt.Errorf("static dir: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("static dir %q is not a directory", dir)
		}
		return os.DirFS(dir), nil
	}
	return web.Static()
}

func indexHandler(index []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		_, _ = w.Write(index)
	}
}

func assetHandler(staticFS fs.FS) http.HandlerFunc {
	fileServer := http.FileServer(http.FS(staticFS))
	return func(w http.ResponseWriter, r *http.Request) {
		switch classifyPath(r.URL.Path) {
		case routeStatic:
		case routeAPI:
			writeMiddlewareError(w, http.StatusNotFound, "not found")
			return
		default:
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", staticCacheControl)
		fileServer.ServeHTTP(w, r)
	}
}
