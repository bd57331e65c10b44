package pageserve

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
)

func TestRoutePath(t *testing.T) {
	cases := []struct {
		file string
		want string
	}{
		{"home.html", "/"},
		{"Home.html", "/"},
		{"HOME.HTML", "/"},
		{"About Us.html", "/about-us"},
		{"contact.html", "/contact"},
		{"blog/index.html", "/blog"},
		{"blog/Index.html", "/blog"},
		{"Docs/Guide/INDEX.html", "/Docs/Guide"},
		{"blog/My First Post.html", "/blog/my-first-post"},
		{"blog/home.html", "/blog/home"},
		{"index.html", "/index"},
		{"./pricing.html", "/pricing"},
	}
	for _, tc := range cases {
		if got := RoutePath(tc.file); got != tc.want {
			t.Errorf("RoutePath(%q) = %q, want %q", tc.file, got, tc.want)
		}
	}
}

func TestRoutePathNormalizesUnicode(t *testing.T) {
	nfd := "cafe\u0301.html"
	nfc := "caf\u00e9.html"
	if RoutePath(nfd) != RoutePath(nfc) {
		t.Errorf("expected NFD and NFC names to derive the same route, got %q and %q", RoutePath(nfd), RoutePath(nfc))
	}
	if got := RoutePath(nfd); got != "/caf\u00e9" {
		t.Errorf("RoutePath(%q) = %q", nfd, got)
	}
}

func sampleSite() fstest.MapFS {
	return fstest.MapFS{
		"Home.html":             {Data: []byte("home")},
		"About Us.html":         {Data: []byte("about")},
		"blog/Index.html":       {Data: []byte("blog")},
		"blog/first post.html":  {Data: []byte("post")},
		"errors/404.html":       {Data: []byte("not found")},
		"errors/503.html":       {Data: []byte("maintenance")},
		"old-errors/page.html":  {Data: []byte("legacy")},
		"docs/errors/x.html":    {Data: []byte("nested")},
		"styles.css":            {Data: []byte("body{}")},
		"notes.htm":             {Data: []byte("not html")},
		"shout.HTML":            {Data: []byte("upper ext")},
		"archive/2024/jan.html": {Data: []byte("jan")},
	}
}

func TestDeriveRoutesFS(t *testing.T) {
	rt, err := DeriveRoutesFS(sampleSite())
	if err != nil {
		t.Fatalf("DeriveRoutesFS: %v", err)
	}

	want := map[string]string{
		"/":                 "Home.html",
		"/about-us":         "About Us.html",
		"/blog":             "blog/Index.html",
		"/blog/first-post":  "blog/first post.html",
		"/shout":            "shout.HTML",
		"/archive/2024/jan": "archive/2024/jan.html",
	}
	if rt.Len() != len(want) {
		t.Fatalf("expected %d routes, got %d: %v", len(want), rt.Len(), rt.Routes())
	}
	for path, file := range want {
		r, ok := rt.Lookup(path)
		if !ok {
			t.Errorf("missing route %s", path)
			continue
		}
		if r.File != file {
			t.Errorf("route %s serves %q, want %q", path, r.File, file)
		}
	}
	for _, r := range rt.Routes() {
		if r.File == "errors/404.html" || r.File == "old-errors/page.html" || r.File == "docs/errors/x.html" {
			t.Errorf("file under an errors tree was routed: %+v", r)
		}
	}
}

func TestDeriveRoutesFSOrderIsLexical(t *testing.T) {
	rt, err := DeriveRoutesFS(sampleSite())
	if err != nil {
		t.Fatalf("DeriveRoutesFS: %v", err)
	}
	var got []string
	for _, r := range rt.Routes() {
		got = append(got, r.File)
	}
	want := []string{
		"About Us.html",
		"Home.html",
		"archive/2024/jan.html",
		"blog/Index.html",
		"blog/first post.html",
		"shout.HTML",
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("registration order %v, want %v", got, want)
		}
	}
}

func TestDeriveRoutesFSCollisionFirstWins(t *testing.T) {
	fsys := fstest.MapFS{
		"Home.html":       {Data: []byte("file")},
		"home/index.html": {Data: []byte("dir")},
		"home.html":       {Data: []byte("lower")},
	}
	rt, err := DeriveRoutesFS(fsys)
	if err != nil {
		t.Fatalf("DeriveRoutesFS: %v", err)
	}
	r, ok := rt.Lookup("/")
	if !ok || r.File != "Home.html" {
		t.Fatalf("expected / to be served by Home.html, got %+v (ok=%v)", r, ok)
	}
	// home/index.html derives /home, so only home.html collides
	cs := rt.Collisions()
	if len(cs) != 1 || cs[0].Dropped != "home.html" || cs[0].Kept != "Home.html" {
		t.Fatalf("unexpected collisions: %+v", cs)
	}
}

func TestRouteTableMatch(t *testing.T) {
	rt, err := DeriveRoutesFS(fstest.MapFS{
		"About Us.html":   {Data: []byte("a")},
		"Blog/index.html": {Data: []byte("b")},
	})
	if err != nil {
		t.Fatalf("DeriveRoutesFS: %v", err)
	}
	for _, p := range []string{"/about-us", "/about-us/", "/About-Us", "/Blog", "/blog", "/blog/"} {
		if _, ok := rt.Match(p); !ok {
			t.Errorf("expected %s to match", p)
		}
	}
	for _, p := range []string{"/about", "/about-us//", "/blog/index", "/"} {
		if r, ok := rt.Match(p); ok {
			t.Errorf("expected %s not to match, got %+v", p, r)
		}
	}
}

func TestNilRouteTable(t *testing.T) {
	var rt *RouteTable
	if rt.Len() != 0 || rt.Routes() != nil {
		t.Fatal("nil table should be empty")
	}
	if _, ok := rt.Match("/"); ok {
		t.Fatal("nil table should not match")
	}
}

func writeFile(t testing.TB, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func TestDeriveRoutesFromDisk(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "home.html", "home")
	writeFile(t, root, "errors/404.html", "nf")
	writeFile(t, root, "guides/index.html", "guides")

	rt, err := DeriveRoutes(root, false)
	if err != nil {
		t.Fatalf("DeriveRoutes: %v", err)
	}
	if rt.Len() != 2 {
		t.Fatalf("expected 2 routes, got %v", rt.Routes())
	}
	if _, ok := rt.Lookup("/guides"); !ok {
		t.Error("expected /guides")
	}
}

func TestDeriveRoutesMissingRoot(t *testing.T) {
	rt, err := DeriveRoutes(filepath.Join(t.TempDir(), "nope"), true)
	if err != nil {
		t.Fatalf("expected missing root to be tolerated, got %v", err)
	}
	if rt.Len() != 0 {
		t.Fatalf("expected no routes, got %v", rt.Routes())
	}
}

func TestDeriveRoutesStrictCollision(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "Home.html", "a")
	writeFile(t, root, "home.html", "b")

	if _, err := DeriveRoutes(root, false); err != nil {
		t.Fatalf("non-strict scan should succeed: %v", err)
	}
	_, err := DeriveRoutes(root, true)
	if !errors.Is(err, ErrRouteCollision) {
		t.Fatalf("expected ErrRouteCollision, got %v", err)
	}
}

func TestDeriveRoutesFollowsSymlinkedErrorsDir(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	writeFile(t, outside, "page.html", "linked")
	writeFile(t, root, "home.html", "home")
	if err := os.Symlink(outside, filepath.Join(root, "site-errors")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if err := os.Symlink(outside, filepath.Join(root, "extra")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	rt, err := DeriveRoutes(root, false)
	if err != nil {
		t.Fatalf("DeriveRoutes: %v", err)
	}
	if _, ok := rt.Lookup("/extra/page"); !ok {
		t.Errorf("expected linked directory to be scanned, got %v", rt.Routes())
	}
	if _, ok := rt.Lookup("/site-errors/page"); ok {
		t.Errorf("linked errors tree must not be routed")
	}
}
