package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"

	"keydot/internal/auth"
	"keydot/internal/database"
	apimw "keydot/internal/middleware"
	"keydot/internal/ws"
)

const maxFrameUpload = 32 << 20

// handleHTTPServer starts the HTTP server on addr. It shuts down the server
// when ctx is cancelled.
func handleHTTPServer(ctx context.Context, addr string, a *app, wg *sync.WaitGroup, errc chan error, log logs.Log, debug bool) {
	srv := &http.Server{Addr: addr, Handler: newHTTPHandler(a, log, debug), ReadHeaderTimeout: time.Second * 60}

	(*wg).Add(1)
	go func() {
		defer (*wg).Done()

		// Start HTTP server in a separate goroutine.
		go func() {
			log.Infof("HTTP server listening on %q", addr)
			errc <- srv.ListenAndServe()
		}()

		<-ctx.Done()
		log.Infof("shutting down HTTP server at %q", addr)

		// Shutdown gracefully with a 30s timeout.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Errorf("failed to shutdown: %v", err)
		}
	}()
}

// newHTTPHandler mounts every route on a goa muxer
func newHTTPHandler(a *app, log logs.Log, debug bool) http.Handler {
	api := &apiServer{app: a, log: log, started: time.Now()}
	protect := apimw.AuthMiddleware(a.auth)

	mux := goahttp.NewMuxer()
	mounts := []struct {
		verb    string
		pattern string
		handler http.Handler
	}{
		{"GET", "/healthz", http.HandlerFunc(api.health)},
		{"POST", "/api/login", http.HandlerFunc(api.login)},
		{"GET", "/api/results", protect(http.HandlerFunc(api.results))},
		{"GET", "/api/stats", protect(http.HandlerFunc(api.stats))},
		{"GET", "/api/events", protect(http.HandlerFunc(api.events))},
		{"POST", "/api/frames", protect(http.HandlerFunc(api.frames))},
		{"GET", "/overlay.png", protect(a.overlay)},
		{"GET", "/ws/results", protect(ws.NewHandler(a.hub))},
	}
	for _, m := range mounts {
		mux.Handle(m.verb, m.pattern, m.handler.ServeHTTP)
		log.Debugf("HTTP mounted %s %s", m.verb, m.pattern)
	}

	var handler http.Handler = mux
	if debug {
		handler = httpmdlwr.Debug(mux, os.Stdout)(handler)
	}
	handler = requestLogger(log)(handler)
	handler = httpmdlwr.RequestID()(handler)
	return handler
}

type apiServer struct {
	app     *app
	log     logs.Log
	started time.Time
}

func (s *apiServer) health(w http.ResponseWriter, r *http.Request) {
	healthy := map[string]bool{"model": s.app.model.IsHealthy()}
	for _, d := range s.app.registry.GetAll() {
		healthy[d.Name()] = d.IsHealthy()
	}
	status := http.StatusOK
	if len(s.app.registry.GetHealthyByNames(s.app.cfg.Decoders.Order)) == 0 {
		status = http.StatusServiceUnavailable
	}
	s.encode(r.Context(), w, status, map[string]interface{}{
		"status":   http.StatusText(status),
		"backends": healthy,
		"capture":  s.app.source != nil && s.app.source.IsRunning(),
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

func (s *apiServer) login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if err := goahttp.RequestDecoder(r).Decode(&body); err != nil {
		s.fail(r.Context(), w, http.StatusBadRequest, fmt.Errorf("invalid login body: %w", err))
		return
	}
	token, exp, err := s.app.auth.Authenticate(body.Username, body.Password)
	switch {
	case errors.Is(err, auth.ErrAuthDisabled):
		s.fail(r.Context(), w, http.StatusNotFound, err)
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.fail(r.Context(), w, http.StatusUnauthorized, err)
	case err != nil:
		s.fail(r.Context(), w, http.StatusInternalServerError, err)
	default:
		s.encode(r.Context(), w, http.StatusOK, loginResponse{Token: token, ExpiresAt: exp})
	}
}

func (s *apiServer) results(w http.ResponseWriter, r *http.Request) {
	s.encode(r.Context(), w, http.StatusOK, s.app.tracker.CurrentResults())
}

func (s *apiServer) stats(w http.ResponseWriter, r *http.Request) {
	s.encode(r.Context(), w, http.StatusOK, s.app.stats(s.started))
}

func (s *apiServer) events(w http.ResponseWriter, r *http.Request) {
	if s.app.db == nil {
		s.fail(r.Context(), w, http.StatusNotFound, errors.New("event store is disabled"))
		return
	}

	q := r.URL.Query()
	filter := database.EventFilter{
		SessionID: q.Get("session"),
		Format:    q.Get("format"),
		Limit:     100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.fail(r.Context(), w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		filter.Limit = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.fail(r.Context(), w, http.StatusBadRequest, fmt.Errorf("invalid since: %w", err))
			return
		}
		filter.Since = &t
	}

	events, err := s.app.db.ListDecodeEvents(filter)
	if err != nil {
		s.fail(r.Context(), w, http.StatusInternalServerError, err)
		return
	}
	s.encode(r.Context(), w, http.StatusOK, events)
}

// frames admits an uploaded JPEG or PNG as if it came from the camera
func (s *apiServer) frames(w http.ResponseWriter, r *http.Request) {
	img, _, err := image.Decode(io.LimitReader(r.Body, maxFrameUpload))
	if err != nil {
		s.fail(r.Context(), w, http.StatusBadRequest, fmt.Errorf("invalid image: %w", err))
		return
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Rect, img, b.Min, draw.Src)

	resp := frameResponse{}
	resp.Sequence, resp.Admitted = s.app.scheduler.AdmitFrame(rgba.Pix, b.Dx(), b.Dy())
	s.encode(r.Context(), w, http.StatusAccepted, resp)
}

type frameResponse struct {
	Admitted bool   `json:"admitted"`
	Sequence uint64 `json:"sequence,omitempty"` // Only set when admitted
}

func (s *apiServer) encode(ctx context.Context, w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := goahttp.ResponseEncoder(ctx, w).Encode(v); err != nil {
		s.log.Errorf("[%s] encoding: %v", requestID(ctx), err)
	}
}

// fail writes and logs the error with the request ID so the two can be correlated
func (s *apiServer) fail(ctx context.Context, w http.ResponseWriter, status int, err error) {
	id := requestID(ctx)
	if status >= http.StatusInternalServerError {
		s.log.Errorf("[%s] ERROR: %v", id, err)
	} else {
		s.log.Debugf("[%s] %d: %v", id, status, err)
	}
	s.encode(ctx, w, status, map[string]string{"error": err.Error(), "id": id})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(middleware.RequestIDKey).(string)
	return id
}

// statusRecorder captures the response status. It implements http.Hijacker
// so WebSocket upgrades pass through.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// requestLogger logs one line per request through logs.Log
func requestLogger(log logs.Log) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.Debugf("[%s] %s %s %d %v", requestID(r.Context()), r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Microsecond))
		})
	}
}
