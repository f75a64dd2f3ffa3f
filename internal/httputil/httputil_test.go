package httputil

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusAccepted, map[string]int{"n": 3})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"n":3}`, rec.Body.String())

	rec = httptest.NewRecorder()
	NotFound(rec, "no tracks")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"no tracks"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	WriteHTML(rec, []byte("<p>hi</p>"))
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
}

type clientFunc func(*http.Request) (*http.Response, error)

func (f clientFunc) Do(r *http.Request) (*http.Response, error) { return f(r) }

func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		case "/broken":
			InternalServerError(w, "estimator wedged")
		default:
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	defer srv.Close()
	ctx := context.Background()

	var out map[string]string
	require.NoError(t, GetJSON(ctx, srv.Client(), srv.URL+"/ok", &out))
	assert.Equal(t, "ready", out["status"])

	err := GetJSON(ctx, srv.Client(), srv.URL+"/broken", &out)
	assert.ErrorContains(t, err, "estimator wedged")

	err = GetJSON(ctx, srv.Client(), srv.URL+"/other", &out)
	assert.ErrorContains(t, err, "418")

	boom := errors.New("connection refused")
	err = GetJSON(ctx, clientFunc(func(*http.Request) (*http.Response, error) { return nil, boom }), "http://x/", &out)
	assert.ErrorIs(t, err, boom)

	err = GetJSON(ctx, clientFunc(func(*http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader("{"))}, nil
	}), "http://x/", &out)
	assert.ErrorContains(t, err, "decode")
}
