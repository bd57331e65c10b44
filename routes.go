package pageserve

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const (
	// errorsDir is the reserved subtree holding <status>.html fallback pages.
	errorsDir = "errors"
	htmlExt   = ".html"

	maxScanDepth = 32
)

// Route maps a derived URL path to an HTML file below the public root.
type Route struct {
	Path string // URL path, always starting with "/"
	File string // slash separated, relative to the public root
}

// Collision records a file whose derived URL was already taken by an earlier file.
type Collision struct {
	Path    string
	Kept    string
	Dropped string
}

// RouteTable is the immutable, ordered result of a directory scan.
type RouteTable struct {
	routes     []Route
	byPath     map[string]int
	byFold     map[string]int
	collisions []Collision
}

// Routes returns the routes in registration order.
func (rt *RouteTable) Routes() []Route {
	if rt == nil {
		return nil
	}
	return append([]Route(nil), rt.routes...)
}

// Collisions returns the files that lost to an earlier file with the same URL.
func (rt *RouteTable) Collisions() []Collision {
	if rt == nil {
		return nil
	}
	return append([]Collision(nil), rt.collisions...)
}

// Len returns the number of registered routes.
func (rt *RouteTable) Len() int {
	if rt == nil {
		return 0
	}
	return len(rt.routes)
}

// Lookup resolves an exact URL path.
func (rt *RouteTable) Lookup(urlPath string) (Route, bool) {
	if rt == nil {
		return Route{}, false
	}
	i, ok := rt.byPath[urlPath]
	if !ok {
		return Route{}, false
	}
	return rt.routes[i], true
}

// Match resolves a request path the way the router does: an exact match
// first, then without a single trailing slash, then ignoring case.
// Earlier routes win every tie.
func (rt *RouteTable) Match(urlPath string) (Route, bool) {
	if r, ok := rt.Lookup(urlPath); ok {
		return r, true
	}
	if rt == nil {
		return Route{}, false
	}
	if len(urlPath) > 1 && strings.HasSuffix(urlPath, "/") {
		urlPath = urlPath[:len(urlPath)-1]
		if r, ok := rt.Lookup(urlPath); ok {
			return r, true
		}
	}
	i, ok := rt.byFold[strings.ToLower(urlPath)]
	if !ok {
		return Route{}, false
	}
	return rt.routes[i], true
}

func (rt *RouteTable) add(r Route) {
	if i, ok := rt.byPath[r.Path]; ok {
		rt.collisions = append(rt.collisions, Collision{Path: r.Path, Kept: rt.routes[i].File, Dropped: r.File})
		return
	}
	rt.byPath[r.Path] = len(rt.routes)
	if _, ok := rt.byFold[strings.ToLower(r.Path)]; !ok {
		rt.byFold[strings.ToLower(r.Path)] = len(rt.routes)
	}
	rt.routes = append(rt.routes, r)
}

// DeriveRoutes scans rootDir for HTML pages and derives one route per page.
// A missing root yields an empty table. With strict set, any two files
// deriving the same URL fail the scan with [ErrRouteCollision].
func DeriveRoutes(rootDir string, strict bool) (*RouteTable, error) {
	info, err := os.Stat(rootDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("Public directory not found; no routes derived", "dir", rootDir)
			return newRouteTable(), nil
		}
		return nil, fmt.Errorf("stat public dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("public dir %q is not a directory", rootDir)
	}

	rt, err := DeriveRoutesFS(os.DirFS(rootDir))
	if err != nil {
		return nil, err
	}
	for _, c := range rt.collisions {
		logger.Warn("Route collision; keeping first file", "route", c.Path, "kept", c.Kept, "dropped", c.Dropped)
	}
	if strict && len(rt.collisions) > 0 {
		c := rt.collisions[0]
		return nil, fmt.Errorf("%w: %s derived from both %q and %q", ErrRouteCollision, c.Path, c.Kept, c.Dropped)
	}
	for _, r := range rt.routes {
		logger.Debug("Route loaded", "route", r.Path, "file", r.File)
	}
	logger.Info("Routes derived", "dir", rootDir, "routes", rt.Len(), "collisions", len(rt.collisions))
	return rt, nil
}

// DeriveRoutesFS derives routes from a filesystem snapshot. Entries are
// visited depth first in lexical order, so the first file to claim a URL
// keeps it and every later claimant is recorded as a collision.
func DeriveRoutesFS(fsys fs.FS) (*RouteTable, error) {
	rt := newRouteTable()
	if err := scanDir(fsys, ".", 0, rt); err != nil {
		return nil, err
	}
	return rt, nil
}

func newRouteTable() *RouteTable {
	return &RouteTable{byPath: make(map[string]int), byFold: make(map[string]int)}
}

func scanDir(fsys fs.FS, dir string, depth int, rt *RouteTable) error {
	if depth > maxScanDepth {
		logger.Warn("Maximum scan depth reached; skipping", "dir", dir)
		return nil
	}
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("read dir %s: %w", dir, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		full := path.Join(dir, name)

		isDir := entry.IsDir()
		if entry.Type()&fs.ModeSymlink != 0 {
			// follow links the way a stat based walk would
			info, err := fs.Stat(fsys, full)
			if err != nil {
				logger.Warn("Skipping unreadable link", "path", full, "error", err)
				continue
			}
			isDir = info.IsDir()
		}

		if isDir {
			if name == errorsDir {
				continue
			}
			if err := scanDir(fsys, full, depth+1, rt); err != nil {
				return err
			}
			continue
		}
		if !hasHTMLExt(name) || inErrorsTree(dir) {
			continue
		}
		rt.add(Route{Path: RoutePath(full), File: full})
	}
	return nil
}

// inErrorsTree reports whether any segment of dir contains "errors".
func inErrorsTree(dir string) bool {
	if dir == "." {
		return false
	}
	for _, seg := range strings.Split(dir, "/") {
		if strings.Contains(seg, errorsDir) {
			return true
		}
	}
	return false
}

func hasHTMLExt(name string) bool {
	return len(name) > len(htmlExt) && strings.EqualFold(name[len(name)-len(htmlExt):], htmlExt)
}

// RoutePath derives the URL path for an HTML file given relative to the public root.
//
//	home.html        -> /
//	About Us.html    -> /about-us
//	blog/Index.html  -> /blog
func RoutePath(rel string) string {
	route := norm.NFC.String(filepath.ToSlash(rel))
	route = strings.TrimPrefix(route, "./")
	if hasHTMLExt(route) {
		route = route[:len(route)-len(htmlExt)]
	}

	if strings.EqualFold(route, "home") {
		return "/"
	}

	const indexSuffix = "/index"
	if len(route) >= len(indexSuffix) && strings.EqualFold(route[len(route)-len(indexSuffix):], indexSuffix) {
		// the parent keeps its casing
		return "/" + route[:len(route)-len(indexSuffix)]
	}

	return "/" + strings.ReplaceAll(strings.ToLower(route), " ", "-")
}
