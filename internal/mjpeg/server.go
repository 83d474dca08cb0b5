package mjpeg

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/rovercam/internal/framebuf"
	"github.com/banshee-data/rovercam/internal/monitoring"
	"github.com/banshee-data/rovercam/internal/sched"
	"github.com/banshee-data/rovercam/internal/timeutil"
)

// Config controls request parsing and write pacing.
type Config struct {
	WriteChunk  int
	WriteBudget time.Duration
	// WriteWait is the deadline given to each write.
	WriteWait   time.Duration
	ParseBudget time.Duration
	// ReadWait is the deadline given to each read while parsing.
	ReadWait       time.Duration
	RequestTimeout time.Duration
	// MaxFrames ends a stream after that many frames; negative means no
	// limit.
	MaxFrames int
	// MaxDuration ends a stream after that long; zero means no limit.
	MaxDuration         time.Duration
	StallWarn           time.Duration
	StallLimit          time.Duration
	StarvationThreshold time.Duration
}

// DefaultConfig returns the settings used on the vehicle.
func DefaultConfig() Config {
	return Config{
		WriteChunk:          1460,
		WriteBudget:         2 * time.Millisecond,
		WriteWait:           time.Millisecond,
		ParseBudget:         2 * time.Millisecond,
		ReadWait:            200 * time.Microsecond,
		RequestTimeout:      2 * time.Second,
		MaxFrames:           1000,
		StallWarn:           500 * time.Millisecond,
		StallLimit:          5 * time.Second,
		StarvationThreshold: framebuf.DefaultStarvationThreshold,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WriteChunk <= 0 {
		c.WriteChunk = d.WriteChunk
	}
	if c.WriteBudget <= 0 {
		c.WriteBudget = d.WriteBudget
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.ParseBudget <= 0 {
		c.ParseBudget = d.ParseBudget
	}
	if c.ReadWait <= 0 {
		c.ReadWait = d.ReadWait
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.MaxFrames == 0 {
		c.MaxFrames = d.MaxFrames
	}
	if c.StallWarn <= 0 {
		c.StallWarn = d.StallWarn
	}
	if c.StallLimit <= 0 {
		c.StallLimit = d.StallLimit
	}
	if c.StarvationThreshold <= 0 {
		c.StarvationThreshold = d.StarvationThreshold
	}
	return c
}

// Option customises a Server.
type Option func(*Server)

func WithConfig(cfg Config) Option { return func(s *Server) { s.cfg = cfg.withDefaults() } }

func WithClock(c timeutil.Clock) Option { return func(s *Server) { s.clock = c } }

func WithSink(sink monitoring.Sink) Option {
	return func(s *Server) { s.sink = monitoring.OrNop(sink) }
}

// WithObserver registers a hook called for every finished session.
func WithObserver(o SessionObserver) Option { return func(s *Server) { s.observer = o } }

// Server serves one connection at a time from a listener. An accept
// goroutine hands connections over one by one; later clients wait in the
// listen backlog until the active session ends.
type Server struct {
	name     string
	ln       net.Listener
	handler  Handler
	cfg      Config
	clock    timeutil.Clock
	sink     monitoring.Sink
	observer SessionObserver

	conns     chan net.Conn
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup

	session *Session
}

// NewServer creates a server named name. Accepting starts on the first
// Drive.
func NewServer(name string, ln net.Listener, h Handler, opts ...Option) *Server {
	s := &Server{
		name:    name,
		ln:      ln,
		handler: h,
		cfg:     DefaultConfig(),
		clock:   timeutil.RealClock{},
		sink:    monitoring.Nop{},
		conns:   make(chan net.Conn),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Name returns the server's name.
func (s *Server) Name() string { return s.name }

// Addr returns the listening address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Active returns the current session, or nil.
func (s *Server) Active() *Session { return s.session }

func (s *Server) start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.acceptLoop()
	})
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			monitoring.Logf("%s: accept: %v", s.name, err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		select {
		case s.conns <- conn:
		case <-s.done:
			conn.Close()
			return
		}
	}
}

// Drive takes over a waiting connection if idle, then drives the active
// session by one step.
func (s *Server) Drive(ctx context.Context) sched.Status {
	s.start()
	if s.session == nil {
		select {
		case conn := <-s.conns:
			s.session = newSession(s.name, conn, s.handler, s.cfg, s.clock, s.sink)
			s.sink.Count("mjpeg.sessions", 1)
			monitoring.Logf("%s: client connected from %v", s.name, conn.RemoteAddr())
		default:
			return sched.Idle
		}
	}

	st := s.session.Drive(ctx)
	if s.session.State() == Closed {
		s.finish()
		return sched.Busy
	}
	return st
}

func (s *Server) finish() {
	rec := s.session.Record()
	s.session = nil
	if s.observer != nil {
		s.observer.OnSessionEnd(rec)
	}
}

// Close stops accepting, ends the active session and waits for the accept
// goroutine to exit. It must not run concurrently with Drive.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ln.Close()
		if s.session != nil {
			s.session.close(ReasonShutdown, nil)
			s.finish()
		}
		s.wg.Wait()
	})
	return err
}
