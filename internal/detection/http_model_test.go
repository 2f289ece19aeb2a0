package detection

import (
	"context"
	"errors"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"

	"keydot/internal/geometry"
	"keydot/internal/pipeline"
)

func newModelServer(t *testing.T, detect http.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var healthCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		healthCalls.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/detect", detect)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &healthCalls
}

func TestHTTPModelInfer(t *testing.T) {
	srv, _ := newModelServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Equal(t, "0.40", r.FormValue("conf_threshold"))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		require.Equal(t, "image/jpeg", hdr.Header.Get("Content-Type"))
		img, err := jpeg.Decode(f)
		require.NoError(t, err)
		require.Equal(t, image.Rect(0, 0, 32, 24), img.Bounds())

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"detections":[
			{"class":"datamatrix","confidence":0.9,"bbox":[1,2,11,12]},
			{"class":"broken","confidence":0.8,"bbox":[1,2]}
		],"count":2,"device":"cuda:0"}`))
	})

	m := NewHTTPModel(logs.NewTestingLog(t), HTTPModelConfig{Endpoint: srv.URL, ConfThreshold: 0.4})
	dets, err := m.Infer(context.Background(), image.NewRGBA(image.Rect(0, 0, 32, 24)))
	require.NoError(t, err)
	require.Len(t, dets, 2)
	require.Equal(t, "datamatrix", dets[0].Label)
	require.InDelta(t, 0.9, dets[0].Confidence, 1e-6)
	require.Equal(t, geometry.NewRect(1, 2, 11, 12), *dets[0].Box)
	require.Nil(t, dets[1].Box)
}

func TestHTTPModelInferFailure(t *testing.T) {
	srv, _ := newModelServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	})

	m := NewHTTPModel(logs.NewTestingLog(t), HTTPModelConfig{Endpoint: srv.URL})
	_, err := m.Infer(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
	require.Error(t, err)
	require.True(t, errors.Is(err, pipeline.ErrModelInference))
	require.Contains(t, err.Error(), "model not loaded")
}

func TestHTTPModelInferTimeout(t *testing.T) {
	srv, _ := newModelServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	m := NewHTTPModel(logs.NewTestingLog(t), HTTPModelConfig{Endpoint: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := m.Infer(ctx, image.NewRGBA(image.Rect(0, 0, 8, 8)))
	require.ErrorIs(t, err, pipeline.ErrModelInference)
}

func TestHTTPModelHealthCached(t *testing.T) {
	srv, calls := newModelServer(t, func(w http.ResponseWriter, r *http.Request) {})
	m := NewHTTPModel(logs.NewTestingLog(t), HTTPModelConfig{Endpoint: srv.URL})

	require.True(t, m.IsHealthy())
	require.True(t, m.IsHealthy())
	require.EqualValues(t, 1, calls.Load())
}

func TestHTTPModelUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	m := NewHTTPModel(logs.NewTestingLog(t), HTTPModelConfig{Endpoint: url, Timeout: time.Second})
	require.False(t, m.IsHealthy())
}
