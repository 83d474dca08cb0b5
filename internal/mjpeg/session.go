package mjpeg

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/rovercam/internal/monitoring"
	"github.com/banshee-data/rovercam/internal/sched"
	"github.com/banshee-data/rovercam/internal/timeutil"
)

// SessionState is the lifecycle position of a connection.
type SessionState int

const (
	AwaitingRequest SessionState = iota
	Streaming
	Closed
)

func (s SessionState) String() string {
	switch s {
	case AwaitingRequest:
		return "awaiting_request"
	case Streaming:
		return "streaming"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// Close reasons recorded for a session.
const (
	ReasonComplete   = "complete"
	ReasonNotFound   = "not_found"
	ReasonMalformed  = "malformed"
	ReasonTimeout    = "timeout"
	ReasonDisconnect = "disconnect"
	ReasonStalled    = "stalled"
	ReasonShutdown   = "shutdown"
)

// SessionRecord summarises a finished session.
type SessionRecord struct {
	ID        string
	Server    string
	Remote    string
	Requested string
	Started   time.Time
	Ended     time.Time
	Frames    int
	Bytes     int64
	Reason    string
}

// Duration is how long the session lasted.
func (r SessionRecord) Duration() time.Duration { return r.Ended.Sub(r.Started) }

// SessionObserver is told about every finished session.
type SessionObserver interface {
	OnSessionEnd(SessionRecord)
}

// countingConn counts bytes written through it.
type countingConn struct {
	net.Conn
	written int64
}

func (c *countingConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	c.written += int64(n)
	return n, err
}

// Session is one accepted connection.
type Session struct {
	ID string

	server  string
	conn    *countingConn
	handler Handler
	cfg     Config
	clock   timeutil.Clock
	sink    monitoring.Sink

	state     SessionState
	reader    *RequestReader
	responder Responder
	requested string
	out       []byte
	started   time.Time
	progress  time.Time
	record    SessionRecord
}

func newSession(server string, conn net.Conn, h Handler, cfg Config, clock timeutil.Clock, sink monitoring.Sink) *Session {
	return &Session{
		ID:      uuid.NewString(),
		server:  server,
		conn:    &countingConn{Conn: conn},
		handler: h,
		cfg:     cfg,
		clock:   clock,
		sink:    sink,
		reader:  NewRequestReader(cfg, clock),
		started: clock.Now(),
	}
}

// State returns the session's lifecycle state.
func (s *Session) State() SessionState { return s.state }

// Record is valid once the session is Closed.
func (s *Session) Record() SessionRecord { return s.record }

// Drive advances the session by one bounded step.
func (s *Session) Drive(ctx context.Context) sched.Status {
	switch s.state {
	case AwaitingRequest:
		requested, done, err := s.reader.Step(s.conn)
		if err != nil {
			s.close(reasonFor(err), err)
			return sched.Idle
		}
		if !done {
			return sched.Idle
		}
		s.requested = requested
		if !s.handler.ShouldAccept(requested) {
			monitoring.Logf("%s: ignoring request %q", s.server, requested)
			s.notFound()
			return sched.Busy
		}
		monitoring.Logf("%s: handling %q for %v", s.server, requested, s.conn.RemoteAddr())
		s.responder = s.handler.OnAccepted(requested)
		s.out = fmt.Appendf(nil, "HTTP/1.1 200 OK\r\nContent-Type: %s\r\n%s\r\n",
			s.handler.ContentType(requested), s.responder.Header())
		s.state = Streaming
		s.progress = s.clock.Now()
		return sched.Busy

	case Streaming:
		if len(s.out) > 0 {
			n, err := writeChunk(s.conn, s.out, s.cfg.WriteChunk, s.cfg.WriteWait)
			s.out = s.out[n:]
			if err != nil {
				s.close(ReasonDisconnect, err)
				return sched.Idle
			}
			if n > 0 {
				s.progress = s.clock.Now()
			}
			if len(s.out) > 0 {
				if stalled := s.clock.Since(s.progress); stalled > s.cfg.StallLimit {
					s.close(ReasonStalled, fmt.Errorf("%w: header unsent for %v", ErrStalled, stalled))
					return sched.Idle
				}
				if n == 0 {
					return sched.Idle
				}
				return sched.Busy
			}
		}
		st, err := s.responder.Drive(ctx, s.conn)
		if err != nil {
			s.close(reasonFor(err), err)
			return sched.Busy
		}
		return st

	default:
		return sched.Done
	}
}

func (s *Session) notFound() {
	// Best effort: the connection is closed either way.
	_, _ = writeChunk(s.conn, []byte("HTTP/1.1 404 Not Found\r\n\r\n"), s.cfg.WriteChunk, s.cfg.WriteWait)
	s.close(ReasonNotFound, nil)
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrComplete):
		return ReasonComplete
	case errors.Is(err, ErrRequestTimeout):
		return ReasonTimeout
	case errors.Is(err, ErrMalformedRequest):
		return ReasonMalformed
	case errors.Is(err, ErrStalled):
		return ReasonStalled
	default:
		return ReasonDisconnect
	}
}

// close releases the responder, closes the connection and fills in the
// record. It is idempotent.
func (s *Session) close(reason string, err error) {
	if s.state == Closed {
		return
	}
	s.state = Closed
	frames := 0
	if s.responder != nil {
		if fc, ok := s.responder.(interface{ Frames() int }); ok {
			frames = fc.Frames()
		}
		s.responder.Close()
	}
	_ = s.conn.Close()

	s.record = SessionRecord{
		ID:        s.ID,
		Server:    s.server,
		Remote:    remoteString(s.conn),
		Requested: s.requested,
		Started:   s.started,
		Ended:     s.clock.Now(),
		Frames:    frames,
		Bytes:     s.conn.written,
		Reason:    reason,
	}
	s.sink.Count("mjpeg.sessions."+reason, 1)
	fields := map[string]any{"server": s.server, "session": s.ID, "reason": reason, "frames": frames}
	if err != nil && reason != ReasonComplete {
		fields["error"] = err.Error()
		monitoring.Logf("%s: session %s closed (%s): %v", s.server, s.ID, reason, err)
	} else {
		monitoring.Logf("%s: session %s closed (%s) after %d frames, %d bytes",
			s.server, s.ID, reason, frames, s.conn.written)
	}
	s.sink.Event("mjpeg.session_end", fields)
}

func remoteString(c net.Conn) string {
	if a := c.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
