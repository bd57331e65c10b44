package pageserve

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const indexFile = "index.html"

// site resolves a request against the content on disk. Stages run in order:
// public files, assets, derived routes, favicon, robots and finally 404.
type site struct {
	publicDir    string
	assetsDir    string
	assetsPrefix string
	faviconFile  string
	routes       *RouteTable
	minifier     *htmlMinifier
	statusPath   string // non-empty when the maintenance status stream is on
}

// siteHandlerFunc is a handler that reports failure instead of writing it.
// Errors are rendered centrally through renderError.
type siteHandlerFunc func(w http.ResponseWriter, r *http.Request) error

func (s *site) handler() http.Handler {
	return s.wrap(s.serve)
}

func (s *site) wrap(h siteHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			logger.Error("Server error", "error", err, "url", r.URL.String())
			s.renderError(w, r, StatusOf(err), err)
		}
	}
}

func (s *site) serve(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		s.renderError(w, r, http.StatusNotFound, nil)
		return nil
	}
	p := r.URL.Path

	if handled, err := serveFile(w, r, s.publicDir, p); handled || err != nil {
		return err
	}

	if rest, ok := s.assetPath(p); ok {
		if handled, err := serveFile(w, r, s.assetsDir, rest); handled || err != nil {
			return err
		}
	}

	if route, ok := s.routes.Match(p); ok {
		s.serveRoute(w, r, route)
		return nil
	}

	switch p {
	case "/favicon.ico":
		s.serveFavicon(w, r)
		return nil
	case "/robots.txt":
		s.serveRobots(w, r)
		return nil
	}

	s.renderError(w, r, http.StatusNotFound, nil)
	return nil
}

func (s *site) assetPath(p string) (string, bool) {
	if s.assetsPrefix == "" || s.assetsDir == "" {
		return "", false
	}
	if p == s.assetsPrefix {
		return "/", true
	}
	rest, ok := strings.CutPrefix(p, s.assetsPrefix+"/")
	if !ok {
		return "", false
	}
	return "/" + rest, true
}

// serveFile serves the regular file at name below root. A directory is served
// through its index.html. Missing files, directories without an index and
// hidden paths are not handled so the next stage can try.
func serveFile(w http.ResponseWriter, r *http.Request, root, name string) (bool, error) {
	if root == "" || hasHiddenSegment(name) {
		return false, nil
	}
	f, err := http.Dir(root).Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return false, NewStatusError(http.StatusForbidden, err)
		}
		return false, nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, nil
	}
	if info.IsDir() {
		return serveDirIndex(w, r, root, name)
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	return true, nil
}

func serveDirIndex(w http.ResponseWriter, r *http.Request, root, dir string) (bool, error) {
	f, err := http.Dir(root).Open(path.Join(dir, indexFile))
	if err != nil {
		return false, nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		return false, nil
	}
	http.ServeContent(w, r, indexFile, info.ModTime(), f)
	return true, nil
}

// hasHiddenSegment reports dot files and dot directories, which are never served statically.
func hasHiddenSegment(name string) bool {
	for _, seg := range strings.Split(name, "/") {
		if strings.HasPrefix(seg, ".") && seg != "." {
			return true
		}
	}
	return false
}

// serveRoute sends the page behind a derived route. A page that cannot be
// read gets its error status with a short plain body, not an error page.
func (s *site) serveRoute(w http.ResponseWriter, r *http.Request, route Route) {
	f, err := http.Dir(s.publicDir).Open("/" + route.File)
	if err != nil {
		s.routeUnavailable(w, route, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.routeUnavailable(w, route, err)
		return
	}
	if info.IsDir() {
		s.routeUnavailable(w, route, statusErrorf(http.StatusNotFound, "route target %s is a directory", route.File))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if s.minifier == nil {
		http.ServeContent(w, r, info.Name(), info.ModTime(), f)
		return
	}

	raw, err := io.ReadAll(f)
	if err != nil {
		s.routeUnavailable(w, route, err)
		return
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), bytes.NewReader(s.minifier.Bytes(raw)))
}

func (s *site) routeUnavailable(w http.ResponseWriter, route Route, err error) {
	logger.Error("Failed to send file", "route", route.Path, "file", route.File, "error", err)
	http.Error(w, "Content unavailable", StatusOf(err))
}

// serveFavicon sends the favicon kept outside the public root. Anything
// short of success answers an empty 204.
func (s *site) serveFavicon(w http.ResponseWriter, r *http.Request) {
	f, err := os.Open(s.faviconFile)
	if err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.ServeContent(w, r, "favicon.ico", info.ModTime(), f)
}

const defaultRobots = "User-agent: *\nDisallow:"

// serveRobots sends robots.txt from the public root, or a permissive
// default when there is none. An unreadable file answers 404.
func (s *site) serveRobots(w http.ResponseWriter, r *http.Request) {
	name := filepath.Join(s.publicDir, "robots.txt")
	f, err := os.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, defaultRobots)
		return
	}
	if err != nil {
		logger.Warn("Failed to send robots.txt", "error", err)
		w.WriteHeader(http.StatusNotFound)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		logger.Warn("Failed to send robots.txt", "error", err)
		w.WriteHeader(http.StatusNotFound)
		return
	}
	http.ServeContent(w, r, "robots.txt", info.ModTime(), f)
}
