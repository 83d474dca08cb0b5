package mjpeg

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/banshee-data/rovercam/internal/timeutil"
)

// maxLineLength bounds a single request or header line.
const maxLineLength = 512

var (
	ErrMalformedRequest = errors.New("mjpeg: malformed request")
	ErrRequestTimeout   = errors.New("mjpeg: request timed out")
	ErrDisconnected     = errors.New("mjpeg: client disconnected")
)

// RequestReader incrementally reads the request line and headers of one
// connection, spending at most ParseBudget per Step.
type RequestReader struct {
	cfg     Config
	clock   timeutil.Clock
	started time.Time

	buf       [256]byte
	line      []byte
	requested string
}

// NewRequestReader starts the request timeout at the current clock time.
func NewRequestReader(cfg Config, clock timeutil.Clock) *RequestReader {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &RequestReader{cfg: cfg.withDefaults(), clock: clock, started: clock.Now()}
}

// Step reads whatever is available. It returns done with the requested
// string, such as "/stream HTTP/1.1", once the header block has ended.
func (r *RequestReader) Step(conn net.Conn) (requested string, done bool, err error) {
	budget := timeutil.NewBudget(r.clock, r.cfg.ParseBudget)
	for {
		if waited := r.clock.Since(r.started); waited > r.cfg.RequestTimeout {
			return "", false, fmt.Errorf("%w after %v, partial line %q", ErrRequestTimeout, waited, r.line)
		}
		if err := conn.SetReadDeadline(time.Now().Add(r.cfg.ReadWait)); err != nil {
			return "", false, fmt.Errorf("%w: %v", ErrDisconnected, err)
		}
		n, err := conn.Read(r.buf[:])
		for _, c := range r.buf[:n] {
			if done, perr := r.consume(c); perr != nil || done {
				return r.requested, done, perr
			}
		}
		if err != nil {
			if isTimeout(err) {
				return "", false, nil
			}
			if errors.Is(err, io.EOF) {
				return "", false, ErrDisconnected
			}
			return "", false, fmt.Errorf("%w: %v", ErrDisconnected, err)
		}
		if budget.Exceeded() {
			return "", false, nil
		}
	}
}

func (r *RequestReader) consume(c byte) (bool, error) {
	switch c {
	case '\r':
		return false, nil
	case '\n':
		line := string(r.line)
		r.line = r.line[:0]
		if line == "" {
			return r.requested != "", nil
		}
		if r.requested == "" && strings.HasPrefix(line, "GET ") {
			r.requested = line[len("GET "):]
		}
		return false, nil
	default:
		if len(r.line) >= maxLineLength {
			return false, fmt.Errorf("%w: line longer than %d bytes", ErrMalformedRequest, maxLineLength)
		}
		r.line = append(r.line, c)
		return false, nil
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
