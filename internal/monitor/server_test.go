package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/posefusion/internal/publish"
	"github.com/banshee-data/posefusion/internal/status"
)

func testSnapshot(st status.Status) *Snapshot {
	return &Snapshot{
		Time:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Status: st,
		Workers: []publish.WorkerStatus{
			{Name: "front", State: "running", Remote: "active"},
		},
		Tracks: []publish.Object{
			{ID: 1, LabelID: 0, Label: "ball", Confidence: 0.8, DetectionCount: 4, Field: publish.Vec3{X: 2, Y: 1}},
			{ID: 2, LabelID: 1, Label: "robot", Confidence: 0.6, DetectionCount: 2, Field: publish.Vec3{X: -3, Y: 0.5}},
		},
		Trail:  []publish.Vec3{{X: 0, Y: 0}, {X: 0.5, Y: 0.1}, {X: 1, Y: 0.3}},
		Cycles: 42,
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestNoSnapshotYet(t *testing.T) {
	h := NewServer(":0", &Store{}).Routes()
	for _, path := range []string{"/status", "/healthz", "/debug/tracks", "/debug/trail.png"} {
		assert.Equal(t, http.StatusServiceUnavailable, get(t, h, path).Code, path)
	}
}

func TestStatusAndHealth(t *testing.T) {
	store := &Store{}
	h := NewServer(":0", store).Routes()

	store.Set(testSnapshot(status.Degraded))
	rec := get(t, h, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "degraded", got["status"])
	assert.EqualValues(t, 42, got["cycles"])
	assert.Len(t, got["tracks"], 2)
	assert.NotContains(t, got, "Trail")

	assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
	store.Set(testSnapshot(status.Error))
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
	store.Set(testSnapshot(status.Fatal))
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/healthz").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	rec := get(t, NewServer(":0", &Store{}).Routes(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestTracksChart(t *testing.T) {
	store := &Store{}
	store.Set(testSnapshot(status.Ready))
	rec := get(t, NewServer(":0", store).Routes(), "/debug/tracks")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	body := rec.Body.String()
	assert.Contains(t, body, "ball")
	assert.Contains(t, body, "robot")
}

func TestTrailPlot(t *testing.T) {
	store := &Store{}
	store.Set(testSnapshot(status.Ready))
	h := NewServer(":0", store).Routes()

	rec := get(t, h, "/debug/trail.png")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))

	short := testSnapshot(status.Ready)
	short.Trail = short.Trail[:1]
	store.Set(short)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/debug/trail.png").Code)
}

func TestRunShutsDownWithContext(t *testing.T) {
	s := NewServer("127.0.0.1:0", &Store{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRunReportsListenError(t *testing.T) {
	err := NewServer("256.0.0.1:bad", &Store{}).Run(context.Background())
	assert.ErrorContains(t, err, "monitor server")
}
