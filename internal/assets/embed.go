// ABOUTME: Embedded web UI assets for the paired-device browser
// ABOUTME: Serving is always routed through the gateway's auth middleware

package assets

import (
	"embed"
	"io/fs"
	"mime"
	"net/http"
	"path"
)

//go:embed all:web
var webFS embed.FS

func init() {
	// Not all base images carry a MIME database.
	_ = mime.AddExtensionType(".js", "text/javascript")
	_ = mime.AddExtensionType(".css", "text/css")
}

// Page returns the raw bytes of a named asset, e.g. "index.html".
func Page(name string) ([]byte, error) {
	return fs.ReadFile(webFS, path.Join("web", name))
}

// Handler serves the embedded assets. The token is ephemeral per run, so
// cached responses would outlive their authorization; disable caching.
func Handler() http.Handler {
	sub, err := fs.Sub(webFS, "web")
	if err != nil {
		// The subtree is compiled in; a failure here is a build defect.
		panic(err)
	}
	files := http.FileServer(http.FS(sub))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		files.ServeHTTP(w, r)
	})
}
