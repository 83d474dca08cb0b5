// Package mjpeg serves HTTP-like TCP endpoints one connection at a time:
// a multipart JPEG stream, a control page and a plain command endpoint.
// Every server is a cooperative unit; nothing it does blocks for longer
// than its configured budgets.
package mjpeg

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/banshee-data/rovercam/internal/command"
	"github.com/banshee-data/rovercam/internal/framebuf"
	"github.com/banshee-data/rovercam/internal/monitoring"
	"github.com/banshee-data/rovercam/internal/sched"
	"github.com/banshee-data/rovercam/internal/timeutil"
)

// Handler decides which requests a server answers and how.
type Handler interface {
	ShouldAccept(requested string) bool
	ContentType(requested string) string
	OnAccepted(requested string) Responder
}

// Responder produces the body of an accepted request.
type Responder interface {
	// Header is written once after the status and content type lines.
	Header() string
	// Drive writes the next piece of the body. ErrComplete ends the
	// session normally; any other error tears it down.
	Drive(ctx context.Context, conn net.Conn) (sched.Status, error)
	// Close must release anything the responder holds.
	Close()
}

// requestPath drops the protocol token from a requested string such as
// "/left 300 HTTP/1.1" and unescapes the rest. Clients on the vehicle send
// values separated by spaces; browsers send them escaped or as path
// segments.
func requestPath(requested string) string {
	fields := strings.Fields(requested)
	if n := len(fields); n > 1 && strings.HasPrefix(fields[n-1], "HTTP/") {
		fields = fields[:n-1]
	}
	path := strings.Join(fields, " ")
	if u, err := url.PathUnescape(path); err == nil {
		path = u
	}
	return path
}

// commandWords splits a request path on slashes and spaces. The root path
// has no words.
func commandWords(requested string) []string {
	return strings.FieldsFunc(requestPath(requested), func(r rune) bool { return r == '/' || r == ' ' })
}

// commandLine turns "/move 600 500", "/move/600/500" or "/move%20600%20500"
// into "move 600 500".
func commandLine(requested string) string {
	return strings.Join(commandWords(requested), " ")
}

// StreamHandler serves the newest frames of Ring as multipart JPEG.
type StreamHandler struct {
	Ring   *framebuf.Ring
	Config Config
	Clock  timeutil.Clock
	Sink   monitoring.Sink
}

func (h *StreamHandler) ShouldAccept(requested string) bool {
	w := commandWords(requested)
	return len(w) == 0 || (len(w) == 1 && w[0] == "stream")
}

func (h *StreamHandler) ContentType(string) string {
	return "multipart/x-mixed-replace; boundary=" + Boundary
}

func (h *StreamHandler) OnAccepted(string) Responder {
	return NewFrameResponder(h.Ring, h.Config, h.Clock, h.Sink)
}

// ControlPageHandler serves a page embedding the stream with left and right
// buttons. The buttons request "/left <v>" and "/right <v>", which are
// forwarded to Commands before the page is served again. A bare /left or
// /right turns at half rate.
type ControlPageHandler struct {
	StreamPort int
	Commands   command.Handler
	Config     Config
}

func (h *ControlPageHandler) ShouldAccept(requested string) bool {
	w := commandWords(requested)
	return len(w) == 0 || w[0] == string(command.Left) || w[0] == string(command.Right)
}

func (h *ControlPageHandler) ContentType(string) string { return "text/html" }

func (h *ControlPageHandler) OnAccepted(requested string) Responder {
	cmd := ""
	if w := commandWords(requested); len(w) > 0 {
		if len(w) == 1 {
			w = append(w, "500")
		}
		cmd = strings.Join(w, " ")
	}
	return &commandResponder{
		commands: h.Commands,
		cmd:      cmd,
		body:     func(string, error) []byte { return controlPage(h.StreamPort) },
		cfg:      h.Config.withDefaults(),
	}
}

func controlPage(streamPort int) []byte {
	return fmt.Appendf(nil, `<html><body>
<div style="display: flex;">
<a href="/left%%20500" style="width: 10%%; background: lightcyan">L</a>
<iframe id="cam" style="width: 80%%; height: 600px; border: none"></iframe>
<a href="/right%%20500" style="width: 10%%; background: lightblue">R</a>
</div>
<script>document.getElementById("cam").src = "http://" + location.hostname + ":%d/";</script>
</body></html>
`, streamPort)
}

// CommandHandler forwards "/move f r", "/left v", "/right v", "/fore v",
// "/back v" and "/status" to Commands and answers with the reply text.
type CommandHandler struct {
	Commands command.Handler
	Config   Config
}

func (h *CommandHandler) ShouldAccept(requested string) bool {
	return h.Commands != nil && h.Commands.Supports(commandLine(requested))
}

func (h *CommandHandler) ContentType(string) string { return "text/plain" }

func (h *CommandHandler) OnAccepted(requested string) Responder {
	return &commandResponder{
		commands: h.Commands,
		cmd:      commandLine(requested),
		body: func(reply string, err error) []byte {
			if err != nil {
				return []byte(err.Error() + "\n")
			}
			return []byte(reply + "\n")
		},
		cfg: h.Config.withDefaults(),
	}
}

// Routes tries each handler in order.
type Routes []Handler

func (r Routes) find(requested string) Handler {
	for _, h := range r {
		if h.ShouldAccept(requested) {
			return h
		}
	}
	return nil
}

func (r Routes) ShouldAccept(requested string) bool { return r.find(requested) != nil }

func (r Routes) ContentType(requested string) string {
	if h := r.find(requested); h != nil {
		return h.ContentType(requested)
	}
	return ""
}

func (r Routes) OnAccepted(requested string) Responder {
	if h := r.find(requested); h != nil {
		return h.OnAccepted(requested)
	}
	return nil
}
