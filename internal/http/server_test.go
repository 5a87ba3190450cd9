package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"mixqueue/internal/core"
	"mixqueue/internal/session"
	"mixqueue/internal/track"
)

func TestCreateHTTPServer(t *testing.T) {
	config := &core.ServerConfig{
		Host:         "0.0.0.0",
		Port:         9090,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	mux := http.NewServeMux()
	server := createHTTPServer(config, mux)

	expectedAddr := "0.0.0.0:9090"
	if server.Addr != expectedAddr {
		t.Errorf("createHTTPServer() Addr = %q, expected %q", server.Addr, expectedAddr)
	}

	if server.Handler != mux {
		t.Errorf("createHTTPServer() Handler mismatch")
	}

	if server.ReadTimeout != config.ReadTimeout {
		t.Errorf("createHTTPServer() ReadTimeout = %v, expected %v", server.ReadTimeout, config.ReadTimeout)
	}

	if server.WriteTimeout != config.WriteTimeout {
		t.Errorf("createHTTPServer() WriteTimeout = %v, expected %v", server.WriteTimeout, config.WriteTimeout)
	}
}

func TestSetupRoutes(t *testing.T) {
	logger := zap.NewNop()
	mux := setupRoutes(logger, newMetrics(), nil)

	server := httptest.NewServer(mux)
	defer server.Close()

	ctx := context.Background()
	client := &http.Client{}

	for _, endpoint := range []string{"/healthz", "/readyz", "/metrics", "/"} {
		req, _ := http.NewRequestWithContext(ctx, "GET", server.URL+endpoint, http.NoBody)
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("Failed to call %s: %v", endpoint, err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s returned status %d, expected %d", endpoint, resp.StatusCode, http.StatusOK)
		}
	}
}

func TestHealthzEndpoint(t *testing.T) {
	logger := zap.NewNop()
	mux := setupRoutes(logger, newMetrics(), nil)
	server := httptest.NewServer(mux)
	defer server.Close()

	ctx := context.Background()
	req, _ := http.NewRequestWithContext(ctx, "GET", server.URL+"/healthz", http.NoBody)
	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to call /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if contentType := resp.Header.Get("Content-Type"); contentType != "application/json" {
		t.Errorf("/healthz Content-Type = %q, expected %q", contentType, "application/json")
	}

	body := make([]byte, 1024)
	n, _ := resp.Body.Read(body)
	bodyStr := string(body[:n])

	expectedContent := `{"status":"ok","service":"mixqueue"}`
	if bodyStr != expectedContent {
		t.Errorf("Expected body %q, got %q", expectedContent, bodyStr)
	}
}

func TestReadyzEndpoint(t *testing.T) {
	logger := zap.NewNop()
	mux := setupRoutes(logger, newMetrics(), nil)
	server := httptest.NewServer(mux)
	defer server.Close()

	ctx := context.Background()
	req, _ := http.NewRequestWithContext(ctx, "GET", server.URL+"/readyz", http.NoBody)
	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to call /readyz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	body := make([]byte, 1024)
	n, _ := resp.Body.Read(body)
	bodyStr := string(body[:n])

	expectedContent := `{"status":"ready","service":"mixqueue"}`
	if bodyStr != expectedContent {
		t.Errorf("Expected body %q, got %q", expectedContent, bodyStr)
	}
}

func TestHomeHandler(t *testing.T) {
	logger := zap.NewNop()
	handler := homeHandler(logger)

	req := httptest.NewRequest("GET", "/", http.NoBody)
	rec := httptest.NewRecorder()

	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
	if contentType := rec.Header().Get("Content-Type"); contentType != "text/html" {
		t.Errorf("Expected Content-Type text/html, got %q", contentType)
	}

	body := rec.Body.String()
	expectedElements := []string{
		"mixqueue",
		"<!DOCTYPE html>",
		"/metrics",
		"/healthz",
		"/readyz",
	}
	for _, element := range expectedElements {
		if !strings.Contains(body, element) {
			t.Errorf("Expected body to contain %q", element)
		}
	}
}

func TestMetricsEndpointExposesCounters(t *testing.T) {
	logger := zap.NewNop()
	metrics := newMetrics()
	mux := setupRoutes(logger, metrics, nil)
	server := httptest.NewServer(mux)
	defer server.Close()

	srv := &Server{logger: logger, metrics: metrics}
	srv.RecordResolution("youtube", "success")
	srv.RecordRetry("youtube")
	srv.RecordLoad("completed")
	srv.RecordBatch()
	srv.RecordDuplicate()
	srv.SetQueueDepth("party", "fifo", 7)
	srv.SetPreparedTracks(3)
	srv.SetActiveSessions(2)

	ctx := context.Background()
	req, _ := http.NewRequestWithContext(ctx, "GET", server.URL+"/metrics", http.NoBody)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to call /metrics: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read /metrics body: %v", err)
	}
	bodyStr := string(raw)

	for _, metric := range []string{
		"mixqueue_resolutions_total",
		"mixqueue_retries_total",
		"mixqueue_loads_total",
		"mixqueue_batches_total",
		"mixqueue_duplicates_total",
		"mixqueue_queue_depth",
		"mixqueue_prepared_tracks",
		"mixqueue_active_sessions",
	} {
		if !strings.Contains(bodyStr, metric) {
			t.Errorf("Expected /metrics to expose %q", metric)
		}
	}
}

type fakeEngine struct {
	mu         sync.Mutex
	enqueued   []string
	enqueueErr error
	tracks     map[string][]*track.Descriptor
}

func (f *fakeEngine) EnqueueTrack(_ context.Context, sessionID, requester, rawURL string, priority bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.enqueued = append(f.enqueued, sessionID+"|"+requester+"|"+rawURL)
	return nil
}

func (f *fakeEngine) QueueTracks(sessionID string, limit int) ([]*track.Descriptor, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tracks, ok := f.tracks[sessionID]
	return tracks, ok
}

func TestEnqueueEndpoint(t *testing.T) {
	engine := &fakeEngine{}
	mux := setupRoutes(zap.NewNop(), newMetrics(), engine)
	server := httptest.NewServer(mux)
	defer server.Close()

	resp, err := http.Post(server.URL+"/enqueue?session=party&requester=alice&url=https://www.youtube.com/watch?v=abc123def45", "", http.NoBody)
	if err != nil {
		t.Fatalf("POST /enqueue failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("POST /enqueue status = %d, expected %d", resp.StatusCode, http.StatusAccepted)
	}

	engine.mu.Lock()
	enqueued := append([]string(nil), engine.enqueued...)
	engine.mu.Unlock()
	want := "party|alice|https://www.youtube.com/watch?v=abc123def45"
	if len(enqueued) != 1 || enqueued[0] != want {
		t.Errorf("enqueued = %v, expected [%s]", enqueued, want)
	}
}

func TestEnqueueEndpointMissingURL(t *testing.T) {
	mux := setupRoutes(zap.NewNop(), newMetrics(), &fakeEngine{})
	server := httptest.NewServer(mux)
	defer server.Close()

	resp, err := http.Post(server.URL+"/enqueue", "", http.NoBody)
	if err != nil {
		t.Fatalf("POST /enqueue failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("POST /enqueue without url status = %d, expected %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestEnqueueEndpointFloodLimited(t *testing.T) {
	engine := &fakeEngine{enqueueErr: session.ErrFloodLimited}
	mux := setupRoutes(zap.NewNop(), newMetrics(), engine)
	server := httptest.NewServer(mux)
	defer server.Close()

	resp, err := http.Post(server.URL+"/enqueue?url=https://www.youtube.com/watch?v=abc123def45", "", http.NoBody)
	if err != nil {
		t.Fatalf("POST /enqueue failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("flood-limited enqueue status = %d, expected %d", resp.StatusCode, http.StatusTooManyRequests)
	}
}

func TestQueueEndpoint(t *testing.T) {
	engine := &fakeEngine{tracks: map[string][]*track.Descriptor{
		"party": {
			{Source: "youtube", SourceID: "abc", Title: "First", Duration: "0:03:05", Resolved: true},
			{Source: "spotify", SourceID: "def"},
		},
	}}
	mux := setupRoutes(zap.NewNop(), newMetrics(), engine)
	server := httptest.NewServer(mux)
	defer server.Close()

	resp, err := http.Get(server.URL + "/queue?session=party")
	if err != nil {
		t.Fatalf("GET /queue failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /queue status = %d, expected %d", resp.StatusCode, http.StatusOK)
	}

	var tracks []queuedTrack
	if err := json.NewDecoder(resp.Body).Decode(&tracks); err != nil {
		t.Fatalf("Failed to decode /queue body: %v", err)
	}
	if len(tracks) != 2 {
		t.Fatalf("got %d tracks, expected 2", len(tracks))
	}
	if tracks[0].Title != "First" || !tracks[0].Resolved || tracks[1].ID != "def" {
		t.Errorf("tracks = %+v, expected queued track metadata", tracks)
	}

	resp2, err := http.Get(server.URL + "/queue?session=missing")
	if err != nil {
		t.Fatalf("GET /queue failed: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("GET /queue for unknown session status = %d, expected %d", resp2.StatusCode, http.StatusNotFound)
	}
}
