package server

import (
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sambeau/sage/pkg/host"
)

// siteHandler maps request paths onto the document root. The process
// runs inside the root, so a URL path names a file relative to the
// working directory.
type siteHandler struct {
	server *Server
}

// newSiteHandler creates a handler for filesystem-based routing.
func newSiteHandler(s *Server) *siteHandler {
	return &siteHandler{server: s}
}

func (h *siteHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.route(w, r, 0)
}

// route serves r.URL.Path. hops counts the internal redirects taken to
// get here.
func (h *siteHandler) route(w http.ResponseWriter, r *http.Request, hops int) {
	s := h.server
	urlPath := r.URL.Path

	if hops > s.config.Server.MaxRedirects {
		s.logWarn("too many internal redirects serving %s", urlPath)
		http.Error(w, "508 Loop Detected", http.StatusLoopDetected)
		return
	}

	if containsPathTraversal(urlPath) {
		s.logWarn("blocked path traversal attempt: %s", urlPath)
		http.Error(w, "improperly formatted url", http.StatusBadRequest)
		return
	}

	fsPath := localPath(urlPath)
	info, err := os.Stat(fsPath)
	switch {
	case err == nil && info.IsDir():
		for _, name := range s.config.Templates.Index {
			candidate := path.Join(urlPath, name)
			if st, err := os.Stat(localPath(candidate)); err == nil && st.Mode().IsRegular() {
				s.logDebug("redirecting to %s", candidate)
				h.redirect(w, r, candidate, hops)
				return
			}
		}

	case err == nil && info.Mode().IsRegular():
		if h.isTemplate(fsPath) {
			h.servePage(w, r, fsPath, hops)
			return
		}
		host.ServeFile(w, r, fsPath)
		return
	}

	if lr := s.config.LastResort; lr != "" && urlPath != lr {
		h.redirect(w, r, lr, hops)
		return
	}
	http.NotFound(w, r)
}

// redirect routes target as if it had been requested, keeping the
// response headers set so far. A query string in target replaces the
// request's.
func (h *siteHandler) redirect(w http.ResponseWriter, r *http.Request, target string, hops int) {
	u, err := url.Parse(target)
	if err != nil {
		h.server.logError("invalid redirect target %q: %v", target, err)
		http.Error(w, "improperly formatted url", http.StatusBadRequest)
		return
	}

	r2 := r.Clone(r.Context())
	r2.URL.Path = u.Path
	r2.URL.RawPath = ""
	if !strings.HasPrefix(r2.URL.Path, "/") {
		r2.URL.Path = "/" + r2.URL.Path
	}
	if u.RawQuery != "" {
		r2.URL.RawQuery = u.RawQuery
	}
	r2.RequestURI = r2.URL.RequestURI()

	h.route(w, r2, hops+1)
}

func (h *siteHandler) isTemplate(fsPath string) bool {
	return strings.EqualFold(filepath.Ext(fsPath), h.server.config.Templates.Extension)
}

// localPath turns a URL path into a path relative to the working
// directory. The root maps to ".".
func localPath(urlPath string) string {
	p := strings.TrimPrefix(urlPath, "/")
	if p == "" {
		return "."
	}
	return filepath.FromSlash(p)
}

// containsPathTraversal reports paths that could leave the root: a ".."
// segment, "../" anywhere, or a home directory reference.
func containsPathTraversal(p string) bool {
	if strings.Contains(p, "../") || strings.Contains(p, "~/") {
		return true
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}
