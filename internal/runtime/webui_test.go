package runtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	configpkg "github.com/drblury/qdispatch/internal/runtime/config"
)

func TestHealthCheck(t *testing.T) {
	rec := httptest.NewRecorder()
	handleHealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health_check", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != `{"success": true}` {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestHandleGetHandlers(t *testing.T) {
	svc := newTestService(t)
	svc.subscriber = &depthSubscriber{depth: 7}
	if err := RegisterHandler[bookRequest](svc, bookHandler("books.requests")); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	rec := httptest.NewRecorder()
	svc.handleGetHandlers(rec, httptest.NewRequest(http.MethodGet, "/api/handlers", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}

	var infos []struct {
		Name        string `json:"name"`
		SourceQueue string `json:"source_queue"`
		Consumer    string `json:"consumer"`
		Stats       struct {
			Backlog struct {
				LastQueueDepth int64 `json:"last_queue_depth"`
			} `json:"backlog"`
		} `json:"stats"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &infos); err != nil {
		t.Fatalf("invalid JSON: %v (%s)", err, rec.Body.String())
	}
	if len(infos) != 1 || infos[0].SourceQueue != "books.requests" || infos[0].Consumer == "" {
		t.Fatalf("unexpected handlers: %+v", infos)
	}
	if infos[0].Stats.Backlog.LastQueueDepth != 7 {
		t.Fatalf("expected the queue depth from the transport, got %d", infos[0].Stats.Backlog.LastQueueDepth)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("CORS headers must be off by default")
	}
}

type brokenIntrospector struct {
	testSubscriber
}

func (*brokenIntrospector) GetPendingCount(string) (int64, error) {
	return 0, errors.New("management API unavailable")
}

func TestHandleGetHandlersWithoutQueueDepth(t *testing.T) {
	svc := newTestService(t)
	svc.subscriber = &brokenIntrospector{}
	if err := RegisterHandler[bookRequest](svc, bookHandler("books.requests")); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	rec := httptest.NewRecorder()
	svc.handleGetHandlers(rec, httptest.NewRequest(http.MethodGet, "/api/handlers", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if depth := svc.Handlers()[0].Stats.Backlog.LastQueueDepth; depth != -1 {
		t.Fatalf("expected unknown depth, got %d", depth)
	}
}

func TestHandleGetHandlersCORS(t *testing.T) {
	cases := []struct {
		name    string
		allowed []string
		origin  string
		want    string
	}{
		{"wildcard", []string{"*"}, "https://ops.example.com", "*"},
		{"listed origin", []string{"https://ops.example.com"}, "https://OPS.example.com", "https://OPS.example.com"},
		{"unlisted origin", []string{"https://ops.example.com"}, "https://evil.example.com", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := newTestServiceWith(t, &configpkg.Config{WebUICORSAllowedOrigins: tc.allowed}, newTestLogger())

			req := httptest.NewRequest(http.MethodOptions, "/api/handlers", nil)
			req.Header.Set("Origin", tc.origin)
			rec := httptest.NewRecorder()
			svc.handleGetHandlers(rec, req)

			if rec.Code != http.StatusNoContent {
				t.Fatalf("expected 204 for preflight, got %d", rec.Code)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestRegisterEndpoints(t *testing.T) {
	svc := newTestServiceWith(t, &configpkg.Config{
		HTTPHost:       "127.0.0.1",
		HTTPPort:       8089,
		MetricsEnabled: true,
		WebUIEnabled:   true,
	}, newTestLogger())
	svc.registerEndpoints()

	mux := svc.httpServers["127.0.0.1:8089"]
	if mux == nil {
		t.Fatalf("expected endpoints on the configured address, got %v", svc.httpServers)
	}
	for _, path := range []string{"/health_check", "/metrics", "/api/handlers"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200 for %s, got %d", path, rec.Code)
		}
	}
}

func TestRegisterEndpointsHonoursToggles(t *testing.T) {
	svc := newTestServiceWith(t, &configpkg.Config{HTTPHost: "127.0.0.1", HTTPPort: 8089}, newTestLogger())
	svc.registerEndpoints()

	mux := svc.httpServers["127.0.0.1:8089"]
	for path, want := range map[string]int{
		"/health_check": http.StatusOK,
		"/metrics":      http.StatusNotFound,
		"/api/handlers": http.StatusNotFound,
	} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != want {
			t.Fatalf("expected %d for %s, got %d", want, path, rec.Code)
		}
	}

	disabled := newTestServiceWith(t, &configpkg.Config{}, newTestLogger())
	disabled.registerEndpoints()
	if len(disabled.httpServers) != 0 {
		t.Fatal("a zero port disables the HTTP endpoints")
	}
}
