// Package admin serves the diagnostics surfaces: a JSON API, the latest
// frame, telemetry charts, a websocket viewer and the gRPC health service.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/rovercam/internal/db"
	"github.com/banshee-data/rovercam/internal/framebuf"
	"github.com/banshee-data/rovercam/internal/httputil"
	"github.com/banshee-data/rovercam/internal/mjpeg"
	"github.com/banshee-data/rovercam/internal/monitoring"
	"github.com/banshee-data/rovercam/internal/version"
)

var (
	errNoFrame     = errors.New("no frame captured yet")
	errFrameBusy   = errors.New("frame buffer busy")
	errNoTelemetry = errors.New("telemetry database not configured")
)

// Store is the telemetry history the admin pages read from.
type Store interface {
	RecentSessions(limit int) ([]mjpeg.SessionRecord, error)
	RecentSnapshots(limit int) ([]db.StoredSnapshot, error)
}

// Server is the admin HTTP mux.
type Server struct {
	ring  *framebuf.Ring
	stats *monitoring.Stats
	store Store
	mux   *http.ServeMux

	// FramePoll is how often websocket viewers check for a new frame.
	FramePoll time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	viewers sync.Map
}

// NewServer builds the admin routes. store may be nil when no database is
// configured.
func NewServer(ring *framebuf.Ring, stats *monitoring.Stats, store Store) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		ring:      ring,
		stats:     stats,
		store:     store,
		mux:       http.NewServeMux(),
		FramePoll: 40 * time.Millisecond,
		ctx:       ctx,
		cancel:    cancel,
	}
	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/api/stats", s.handleStats)
	s.mux.HandleFunc("/api/sessions", s.handleSessions)
	s.mux.HandleFunc("/api/version", s.handleVersion)
	s.mux.HandleFunc("/frame.jpg", s.handleFrame)
	s.mux.HandleFunc("/charts", s.handleCharts)
	s.mux.HandleFunc("/ws", s.handleWebsocket)
	return s
}

// Mux exposes the underlying mux so debug pages can be attached.
func (s *Server) Mux() *http.ServeMux { return s.mux }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Close disconnects websocket viewers and waits for them to finish.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

const indexHTML = `<!doctype html>
<html><head><title>rovercam</title></head><body>
<h1>rovercam</h1>
<p><img id="live" alt="live view" style="max-width: 100%%"></p>
<ul>
<li><a href="/api/stats">stats</a></li>
<li><a href="/api/sessions">sessions</a></li>
<li><a href="/frame.jpg">latest frame</a></li>
<li><a href="/charts">charts</a></li>
<li><a href="/debug/">debug</a></li>
</ul>
<p>%s</p>
<script>
const img = document.getElementById("live");
const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
ws.binaryType = "blob";
ws.onmessage = (ev) => {
  const old = img.src;
  img.src = URL.createObjectURL(ev.data);
  if (old) URL.revokeObjectURL(old);
};
</script>
</body></html>
`

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		httputil.NotFound(w, "not found")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, indexHTML, version.String())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	httputil.WriteJSONOK(w, s.stats.Snapshot())
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	if s.store == nil {
		httputil.Unavailable(w, errNoTelemetry.Error())
		return
	}
	limit := queryInt(r, "limit", 50, 1, 1000)
	sessions, err := s.store.RecentSessions(limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	type session struct {
		ID         string    `json:"id"`
		Server     string    `json:"server"`
		Remote     string    `json:"remote"`
		Requested  string    `json:"requested"`
		Started    time.Time `json:"started"`
		DurationMs int64     `json:"duration_ms"`
		Frames     int       `json:"frames"`
		Bytes      int64     `json:"bytes"`
		Reason     string    `json:"reason"`
	}
	out := make([]session, 0, len(sessions))
	for _, rec := range sessions {
		out = append(out, session{
			ID:         rec.ID,
			Server:     rec.Server,
			Remote:     rec.Remote,
			Requested:  rec.Requested,
			Started:    rec.Started,
			DurationMs: rec.Duration().Milliseconds(),
			Frames:     rec.Frames,
			Bytes:      rec.Bytes,
			Reason:     rec.Reason,
		})
	}
	httputil.WriteJSONOK(w, out)
}

// copyFrame copies the current frame out of the ring under a lease. It
// never waits for the lease.
func (s *Server) copyFrame() ([]byte, framebuf.Timestamp, error) {
	cur := s.ring.Current()
	if !cur.HasContent() {
		return nil, 0, errNoFrame
	}
	lease, ok := cur.TryAcquire("admin")
	if !ok {
		s.stats.Count("admin.frame_busy", 1)
		return nil, 0, errFrameBusy
	}
	defer lease.Release()
	ts := cur.Timestamp()
	return append([]byte(nil), lease.Content()...), ts, nil
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	frame, ts, err := s.copyFrame()
	if err != nil {
		httputil.Unavailable(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(frame)))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Timestamp", strconv.FormatUint(uint64(ts), 10))
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(frame)
}

func queryInt(r *http.Request, name string, def, lo, hi int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v < lo || v > hi {
		return def
	}
	return v
}
