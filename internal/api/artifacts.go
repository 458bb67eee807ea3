package api

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/trella/pod-capture/internal/store"
)

// PathViewer builds view URLs for locally stored artifacts served by
// ArtifactFiles under Prefix.
type PathViewer struct {
	Prefix string
}

// URL returns Prefix + the escaped artifact reference.
func (v PathViewer) URL(_ context.Context, ref string) (string, error) {
	prefix := v.Prefix
	if prefix == "" {
		prefix = "/artifacts/"
	}
	parts := strings.Split(ref, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return prefix + strings.Join(parts, "/"), nil
}

// ArtifactFiles serves stored POD images from dir. Only {key}/pod_* files
// are reachable; metadata records and anything outside dir return 404.
func ArtifactFiles(dir string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, name, ok := splitArtifactPath(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}
		p := filepath.Join(dir, key, name)
		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", "private, max-age=300")
		http.ServeFile(w, r, p)
	})
}

// splitArtifactPath accepts exactly "{shipmentKey}/pod_{...}".
func splitArtifactPath(p string) (key, name string, ok bool) {
	p = strings.TrimPrefix(p, "/")
	if p != path.Clean(p) {
		return "", "", false
	}
	key, name, found := strings.Cut(p, "/")
	if !found || strings.Contains(name, "/") {
		return "", "", false
	}
	if store.ValidateShipmentKey(key) != nil || !strings.HasPrefix(name, "pod_") {
		return "", "", false
	}
	if strings.ContainsAny(name, `\`) || strings.Contains(name, "..") {
		return "", "", false
	}
	return key, name, true
}
