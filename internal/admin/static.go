package admin

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// spaHandler serves the built admin UI from root, falling back to
// index.html for any path that isn't a real file (client-side routing),
// and refusing to serve anything that escapes root via "..".
func spaHandler(root string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clean := filepath.Clean("/" + r.URL.Path)
		full := filepath.Join(root, clean)

		if !strings.HasPrefix(full, filepath.Clean(root)+string(filepath.Separator)) && full != filepath.Clean(root) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		info, err := os.Stat(full)
		if err != nil || info.IsDir() {
			http.ServeFile(w, r, filepath.Join(root, "index.html"))
			return
		}
		http.ServeFile(w, r, full)
	})
}
