// Package api serves the fusion engine over HTTP/JSON.
package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fatih/color"

	"github.com/banshee-data/roadside.fusion/internal/db"
	"github.com/banshee-data/roadside.fusion/internal/httputil"
	"github.com/banshee-data/roadside.fusion/internal/monitoring"
	"github.com/banshee-data/roadside.fusion/internal/units"
	"github.com/banshee-data/roadside.fusion/internal/v2x/l1frames"
	"github.com/banshee-data/roadside.fusion/internal/v2x/l4tracks"
	"github.com/banshee-data/roadside.fusion/internal/v2x/pipeline"
)

// RemovedTrackStore serves the expired-track history.
type RemovedTrackStore interface {
	RecentRemovedTracks(limit int) ([]db.ExpiredTrack, error)
}

type Server struct {
	fuser *pipeline.Fuser
	store RemovedTrackStore
}

// NewServer creates a Server. store may be nil when persistence is disabled.
func NewServer(fuser *pipeline.Fuser, store RemovedTrackStore) *Server {
	return &Server{fuser: fuser, store: store}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

var (
	okColor   = color.New(color.FgGreen, color.Bold).SprintFunc()
	warnColor = color.New(color.FgYellow).SprintFunc()
	errColor  = color.New(color.FgRed, color.Bold).SprintFunc()
	pathColor = color.New(color.FgCyan).SprintFunc()
)

func statusCodeColor(statusCode int) string {
	code := strconv.Itoa(statusCode)
	switch {
	case statusCode >= 200 && statusCode < 300:
		return okColor(code)
	case statusCode >= 300 && statusCode < 400:
		return warnColor(code)
	case statusCode >= 400:
		return errColor(code)
	default:
		return code
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			pathColor(r.RequestURI),
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/fusion/frames", s.ingestFrame)
	mux.HandleFunc("/api/fusion/batch", s.ingestBatch)
	mux.HandleFunc("/api/fusion/tracks", s.listTracks)
	mux.HandleFunc("/api/fusion/removed", s.listRemoved)
	mux.HandleFunc("/api/fusion/stats", s.showStats)
	mux.HandleFunc("/api/fusion/merged", s.showMerged)
	mux.HandleFunc("/api/config", s.showConfig)
	return mux
}

func (s *Server) ingestFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var frame l1frames.Frame
	if err := httputil.DecodeJSON(w, r, &frame); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	res, err := s.fuser.Ingest(frame)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, res)
}

// batchError is the body returned for rejected batches.
type batchError struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (s *Server) ingestBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var pkg pipeline.BatchPackage
	if err := httputil.DecodeJSON(w, r, &pkg); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	res, err := s.fuser.ProcessBatch(pkg)
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, batchError{Error: err.Error(), Code: pipeline.ResultCode(err)})
		return
	}
	httputil.WriteJSONOK(w, res)
}

// trackView is a snapshot with its speed expressed in the requested units.
type trackView struct {
	l4tracks.Snapshot
	Speed float64 `json:"speed"`
	Units string  `json:"units"`
}

func (s *Server) listTracks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	u := r.URL.Query().Get("units")
	if u == "" {
		u = units.KMPH
	}
	if !units.IsValid(u) {
		httputil.BadRequest(w, fmt.Sprintf("invalid units %q", u))
		return
	}
	tracks := s.fuser.Tracks()
	out := make([]trackView, len(tracks))
	for i, t := range tracks {
		out[i] = trackView{
			Snapshot: t,
			Speed:    units.ConvertSpeed(units.KmhToMps(t.SpeedKmh), u),
			Units:    u,
		}
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) listRemoved(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.NotFound(w, "track history is not enabled")
		return
	}
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 || n > 10000 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = n
	}
	tracks, err := s.store.RecentRemovedTracks(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load removed tracks: %v", err))
		return
	}
	if tracks == nil {
		tracks = []db.ExpiredTrack{}
	}
	httputil.WriteJSONOK(w, tracks)
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.fuser.Stats())
}

func (s *Server) showMerged(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	merged := s.fuser.MergedDetections()
	if merged == nil {
		merged = []l1frames.Detection{}
	}
	httputil.WriteJSONOK(w, merged)
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.fuser.Config())
}
