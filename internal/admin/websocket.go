package admin

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/banshee-data/rovercam/internal/framebuf"
	"github.com/banshee-data/rovercam/internal/monitoring"
)

// handleWebsocket upgrades the request and pushes one binary message per
// new frame until the viewer goes away.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		monitoring.Logf("admin: websocket upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	id := uuid.NewString()
	monitoring.Logf("admin: websocket viewer %s connected from %s", id, r.RemoteAddr)
	s.stats.Count("admin.ws_viewers", 1)

	ctx, cancel := context.WithCancel(s.ctx)
	s.viewers.Store(id, conn)
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.readViewer(conn)
	}()
	go func() {
		defer s.wg.Done()
		defer func() {
			cancel()
			conn.Close()
			s.viewers.Delete(id)
			monitoring.Logf("admin: websocket viewer %s disconnected", id)
		}()
		s.pushFrames(ctx, conn)
	}()
}

// readViewer drains control frames until the viewer closes.
func (s *Server) readViewer(conn net.Conn) {
	for {
		if _, _, err := wsutil.ReadClientData(conn); err != nil {
			return
		}
	}
}

func (s *Server) pushFrames(ctx context.Context, conn net.Conn) {
	ticker := time.NewTicker(s.FramePoll)
	defer ticker.Stop()

	var last framebuf.Timestamp
	for {
		if ts := s.ring.Newest(); ts != last {
			frame, got, err := s.copyFrame()
			if err == nil && got != last {
				if err := conn.SetWriteDeadline(time.Now().Add(2 * time.Second)); err != nil {
					return
				}
				if err := wsutil.WriteServerBinary(conn, frame); err != nil {
					return
				}
				last = got
				s.stats.Count("admin.ws_frames", 1)
			}
		}
		select {
		case <-ctx.Done():
			// Unblock the reader as well.
			_ = conn.SetReadDeadline(time.Now())
			return
		case <-ticker.C:
		}
	}
}
