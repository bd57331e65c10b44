package pageserve

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func TestIPAPILocator(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/203.0.113.9/json/":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ip":"203.0.113.9","city":"Berlin","region":"Berlin","country_name":"Germany","country_code":"DE"}`))
		case "/198.51.100.1/json/":
			http.Error(w, `{"error":true,"reason":"RateLimited"}`, http.StatusTooManyRequests)
		default:
			_, _ = w.Write([]byte("not json"))
		}
	}))
	defer ts.Close()

	l := NewIPAPILocator(ts.URL+"/%s/json/", ts.Client())

	loc, err := l.Locate(context.Background(), "203.0.113.9")
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	want := Location{City: "Berlin", Region: "Berlin", Country: "Germany", CountryCode: "DE"}
	if loc != want {
		t.Errorf("expected %+v, got %+v", want, loc)
	}

	if _, err := l.Locate(context.Background(), "198.51.100.1"); !errors.Is(err, ErrNoLocation) {
		t.Errorf("expected ErrNoLocation for non-2xx answer, got %v", err)
	}

	_, err = l.Locate(context.Background(), "192.0.2.1")
	if err == nil || errors.Is(err, ErrNoLocation) {
		t.Errorf("expected decode error, got %v", err)
	}
}

func TestIPAPILocatorHonoursContext(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	l := NewIPAPILocator(ts.URL+"/%s/json/", ts.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := l.Locate(ctx, "203.0.113.9")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

// syncBuffer guards a log buffer written from lookup goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestGeoLogger(locator GeoLocator, timeout time.Duration, concurrency int64) (*GeoLogger, *syncBuffer) {
	out := &syncBuffer{}
	g := NewGeoLogger(locator, timeout, concurrency, "/assets")
	g.log = slog.New(slog.NewTextHandler(out, nil))
	return g, out
}

func TestGeoLoggerLogsVisitor(t *testing.T) {
	g, out := newTestGeoLogger(GeoLocatorFunc(func(ctx context.Context, ip string) (Location, error) {
		return Location{City: "Lisbon"}, nil
	}), time.Second, 4)

	req := httptest.NewRequest(http.MethodGet, "/about-us", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	g.Middleware(http.NotFoundHandler()).ServeHTTP(httptest.NewRecorder(), req)
	g.Wait()

	logged := out.String()
	for _, want := range []string{"msg=Visitor", "ip=203.0.113.9", "city=Lisbon", "country=N/A", "url=/about-us"} {
		if !strings.Contains(logged, want) {
			t.Errorf("expected %q in log, got %q", want, logged)
		}
	}
}

func TestGeoLoggerNoLocation(t *testing.T) {
	g, out := newTestGeoLogger(GeoLocatorFunc(func(ctx context.Context, ip string) (Location, error) {
		return Location{}, ErrNoLocation
	}), time.Second, 4)

	g.Middleware(http.NotFoundHandler()).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	g.Wait()

	logged := out.String()
	if !strings.Contains(logged, "msg=Visitor") || strings.Contains(logged, "lookup failed") {
		t.Errorf("expected plain visitor line, got %q", logged)
	}
}

func TestGeoLoggerTimeoutDoesNotDelayResponse(t *testing.T) {
	g, out := newTestGeoLogger(GeoLocatorFunc(func(ctx context.Context, ip string) (Location, error) {
		<-ctx.Done()
		return Location{}, ctx.Err()
	}), 50*time.Millisecond, 4)

	served := make(chan struct{})
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(served)
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	g.Middleware(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	select {
	case <-served:
	default:
		t.Fatal("next handler was not called")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected status %v, got %v", http.StatusOK, rec.Code)
	}

	g.Wait()
	logged := out.String()
	if !strings.Contains(logged, "lookup failed") || !strings.Contains(logged, "deadline exceeded") {
		t.Errorf("expected failed lookup in log, got %q", logged)
	}
}

func TestGeoLoggerLookupOutlivesRequest(t *testing.T) {
	var sawCancel atomic.Bool
	release := make(chan struct{})
	g, _ := newTestGeoLogger(GeoLocatorFunc(func(ctx context.Context, ip string) (Location, error) {
		<-release
		if ctx.Err() == context.Canceled {
			sawCancel.Store(true)
		}
		return Location{}, nil
	}), time.Second, 4)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	g.Middleware(http.NotFoundHandler()).ServeHTTP(httptest.NewRecorder(), req)
	cancel()
	close(release)
	g.Wait()

	if sawCancel.Load() {
		t.Error("lookup was canceled with the request")
	}
}

func TestGeoLoggerSkipsWhenSaturated(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	g, out := newTestGeoLogger(GeoLocatorFunc(func(ctx context.Context, ip string) (Location, error) {
		calls.Add(1)
		<-release
		return Location{}, nil
	}), time.Second, 1)

	h := g.Middleware(http.NotFoundHandler())
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/one", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/two", nil))
	close(release)
	g.Wait()

	if calls.Load() != 1 {
		t.Errorf("expected 1 lookup, got %d", calls.Load())
	}
	if !strings.Contains(out.String(), "lookup skipped") {
		t.Errorf("expected skipped lookup in log, got %q", out.String())
	}
}

func TestGeoLoggerBypassesAssets(t *testing.T) {
	var calls atomic.Int32
	g, _ := newTestGeoLogger(GeoLocatorFunc(func(ctx context.Context, ip string) (Location, error) {
		calls.Add(1)
		return Location{}, nil
	}), time.Second, 4)

	h := g.Middleware(http.NotFoundHandler())
	for _, p := range []string{"/assets/css/site.css", "/favicon.ico", "/assets/images/favicon.png"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}
	g.Wait()
	if calls.Load() != 0 {
		t.Errorf("expected no lookups, got %d", calls.Load())
	}
}

func TestGeoLoggerCloseStopsNewLookups(t *testing.T) {
	var calls atomic.Int32
	g, out := newTestGeoLogger(GeoLocatorFunc(func(ctx context.Context, ip string) (Location, error) {
		calls.Add(1)
		return Location{}, nil
	}), time.Second, 4)

	h := g.Middleware(http.NotFoundHandler())
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/before", nil))
	g.Close()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/after", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected request to be served after close, got %v", rec.Code)
	}
	g.Wait()

	if calls.Load() != 1 {
		t.Errorf("expected 1 lookup, got %d", calls.Load())
	}
	if !strings.Contains(out.String(), "url=/after geo=\"lookup skipped\"") {
		t.Errorf("expected skipped lookup after close, got %q", out.String())
	}
}

// memGeoStore is an in-memory GeoStore.
type memGeoStore struct {
	mu   sync.Mutex
	data map[string]Location
	err  error
}

func (s *memGeoStore) Get(ctx context.Context, ip string) (Location, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Location{}, false, s.err
	}
	loc, ok := s.data[ip]
	return loc, ok, nil
}

func (s *memGeoStore) Set(ctx context.Context, ip string, loc Location, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.data[ip] = loc
	return nil
}

func TestCachedLocator(t *testing.T) {
	var calls atomic.Int32
	inner := GeoLocatorFunc(func(ctx context.Context, ip string) (Location, error) {
		calls.Add(1)
		return Location{City: "Oslo"}, nil
	})
	store := &memGeoStore{data: map[string]Location{}}
	c := NewCachedLocator(inner, store, time.Hour)

	for i := 0; i < 3; i++ {
		loc, err := c.Locate(context.Background(), "203.0.113.9")
		if err != nil || loc.City != "Oslo" {
			t.Fatalf("Locate: %+v %v", loc, err)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 upstream lookup, got %d", calls.Load())
	}
	if _, ok := store.data["203.0.113.9"]; !ok {
		t.Error("expected location to be stored")
	}
}

func TestCachedLocatorDoesNotCacheFailures(t *testing.T) {
	var calls atomic.Int32
	inner := GeoLocatorFunc(func(ctx context.Context, ip string) (Location, error) {
		calls.Add(1)
		return Location{}, ErrNoLocation
	})
	store := &memGeoStore{data: map[string]Location{}}
	c := NewCachedLocator(inner, store, time.Hour)

	for i := 0; i < 2; i++ {
		if _, err := c.Locate(context.Background(), "203.0.113.9"); !errors.Is(err, ErrNoLocation) {
			t.Fatalf("expected ErrNoLocation, got %v", err)
		}
	}
	if calls.Load() != 2 || len(store.data) != 0 {
		t.Errorf("expected 2 uncached lookups, got %d calls and %d entries", calls.Load(), len(store.data))
	}
}

func TestCachedLocatorBypassesBrokenStore(t *testing.T) {
	inner := GeoLocatorFunc(func(ctx context.Context, ip string) (Location, error) {
		return Location{City: "Rome"}, nil
	})
	c := NewCachedLocator(inner, &memGeoStore{err: errors.New("store down")}, time.Hour)

	loc, err := c.Locate(context.Background(), "203.0.113.9")
	if err != nil || loc.City != "Rome" {
		t.Errorf("expected upstream answer, got %+v %v", loc, err)
	}
}

func TestRedisGeoStoreUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	store := NewRedisGeoStore(client, "")
	if store.prefix != "pageserve:geo:" {
		t.Errorf("expected default prefix, got %q", store.prefix)
	}

	if _, _, err := store.Get(context.Background(), "203.0.113.9"); err == nil {
		t.Error("expected error from unreachable redis")
	}

	inner := GeoLocatorFunc(func(ctx context.Context, ip string) (Location, error) {
		return Location{City: "Madrid"}, nil
	})
	loc, err := NewCachedLocator(inner, store, time.Minute).Locate(context.Background(), "203.0.113.9")
	if err != nil || loc.City != "Madrid" {
		t.Errorf("expected upstream answer with cache down, got %+v %v", loc, err)
	}
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{"socket", "192.0.2.1:1234", "", "192.0.2.1"},
		{"ipv6 socket", "[2001:db8::1]:443", "", "2001:db8::1"},
		{"forwarded", "10.0.0.1:80", "203.0.113.9", "203.0.113.9"},
		{"forwarded chain", "10.0.0.1:80", " 203.0.113.9 , 10.0.0.2", "203.0.113.9"},
		{"empty forwarded entry", "10.0.0.1:80", " , 10.0.0.2", "10.0.0.1"},
		{"bare remote", "pipe", "", "pipe"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			if got := ClientIP(req); got != tc.want {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
		})
	}
}
