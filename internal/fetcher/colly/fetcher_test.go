package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/foofork/riptide/internal/core"
)

func TestFetchAgainstTestServer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body>hello</body></html>"))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "riptide-test", Timeout: 5 * time.Second})
	res, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
	if string(res.Body) != "<html><body>hello</body></html>" {
		t.Fatalf("unexpected body: %q", string(res.Body))
	}
	if res.ContentType != "text/html; charset=utf-8" {
		t.Fatalf("unexpected content type: %q", res.ContentType)
	}
	if res.Rendered {
		t.Fatal("static fetch must not report rendered")
	}
	if res.Duration <= 0 {
		t.Fatal("expected a positive duration")
	}
}

func TestFetchConnectionRefusedClassifiesNetwork(t *testing.T) {
	t.Parallel()

	f := New(Config{Timeout: time.Second})
	// Reserved port on localhost that nothing listens on.
	_, err := f.Fetch(context.Background(), "http://127.0.0.1:1/")
	if err == nil {
		t.Fatal("expected an error")
	}
	if !errors.Is(err, core.ErrNetwork) {
		t.Fatalf("expected network classification, got %v", err)
	}
}

func TestFetcherBuildCollector(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "coverage-agent", RespectRobots: false, Timeout: time.Second})
	collector := f.buildCollector(time.Unix(0, 0), &core.FetchResult{}, new(error))
	if collector.UserAgent != "coverage-agent" {
		t.Fatalf("expected user agent override, got %q", collector.UserAgent)
	}
	if !collector.IgnoreRobotsTxt {
		t.Fatal("expected robots txt to be ignored when config disables it")
	}
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	start := time.Unix(0, 0)
	var result core.FetchResult
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, start, &result, &fetchErr)
	if hooks.onResponse == nil || hooks.onError == nil {
		t.Fatal("expected hooks to be registered")
	}

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"Content-Type": {"text/plain"}},
		Request: &colly.Request{
			URL: mustParseURL(t, "https://example.com"),
		},
	})
	if result.StatusCode != http.StatusCreated || string(result.Body) != "body" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.ContentType != "text/plain" {
		t.Fatalf("expected content type copied, got %q", result.ContentType)
	}

	hooks.onError(&colly.Response{StatusCode: http.StatusBadGateway}, errors.New("boom"))
	if fetchErr == nil || fetchErr.Error() != "boom" {
		t.Fatalf("expected fetchErr set, got %v", fetchErr)
	}
	if result.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected error status recorded, got %d", result.StatusCode)
	}
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
