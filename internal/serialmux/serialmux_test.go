package serialmux

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func startMonitor(t *testing.T, mux *SerialMux[*MockSerialPort]) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		mux.Monitor(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		mux.Close()
		<-done
	})
	return cancel
}

func TestSendCommand_AppendsNewline(t *testing.T) {
	port := NewMockSerialPort()
	mux := NewSerialMux(port)

	if err := mux.SendCommand("left 300"); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if err := mux.SendCommand("status\n"); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if got := string(port.Written()); got != "left 300\nstatus\n" {
		t.Errorf("written = %q", got)
	}
}

func TestSendCommand_WriteError(t *testing.T) {
	port := NewMockSerialPort()
	port.WriteError = errors.New("unplugged")
	mux := NewSerialMux(port)

	if err := mux.SendCommand("status"); err == nil {
		t.Fatal("expected write error")
	}
}

func TestInitialize_StopsMotors(t *testing.T) {
	port := NewMockSerialPort()
	mux := NewSerialMux(port)
	if err := mux.Initialize(); err != nil {
		t.Fatal(err)
	}
	lines := port.Lines()
	if len(lines) != 1 || lines[0] != StopCommand {
		t.Errorf("lines = %v, want [%q]", lines, StopCommand)
	}
}

func TestRequest_ReturnsReply(t *testing.T) {
	port := NewMockSerialPort()
	port.Respond = func(cmd string) string {
		if cmd == "status" {
			return "VOLT 7.40 from 2296\r"
		}
		return ""
	}
	mux := NewSerialMux(port)
	startMonitor(t, mux)

	reply, err := mux.Request(context.Background(), "status", time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if reply != "VOLT 7.40 from 2296" {
		t.Errorf("reply = %q", reply)
	}
}

func TestRequest_Timeout(t *testing.T) {
	port := NewMockSerialPort()
	mux := NewSerialMux(port)
	startMonitor(t, mux)

	_, err := mux.Request(context.Background(), "fore 200", 20*time.Millisecond)
	if !errors.Is(err, ErrNoReply) {
		t.Fatalf("err = %v, want ErrNoReply", err)
	}
}

func TestSubscribe_ReceivesLines(t *testing.T) {
	port := NewMockSerialPort()
	mux := NewSerialMux(port)
	id, ch := mux.Subscribe()
	startMonitor(t, mux)

	go port.AddReadData([]byte("OKC 0.20,-0.10\n"))

	select {
	case line := <-ch:
		if line != "OKC 0.20,-0.10" {
			t.Errorf("line = %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no line delivered")
	}
	mux.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Error("channel still open after Unsubscribe")
	}
}

func TestAttachAdminRoutes(t *testing.T) {
	port := NewMockSerialPort()
	mux := NewSerialMux(port)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	req := httptest.NewRequest("POST", "/debug/send-command-api", strings.NewReader("command=status"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}
	if lines := port.Lines(); len(lines) != 1 || lines[0] != "status" {
		t.Errorf("lines = %v", lines)
	}
}

func TestDisabledSerialMux(t *testing.T) {
	d := NewDisabledSerialMux()
	if err := d.SendCommand("status"); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Request(context.Background(), "status", time.Millisecond); !errors.Is(err, ErrNoReply) {
		t.Errorf("Request err = %v", err)
	}
	_, ch := d.Subscribe()
	d.Close()
	if _, ok := <-ch; ok {
		t.Error("subscriber channel not closed")
	}
	_, ch = d.Subscribe()
	if _, ok := <-ch; ok {
		t.Error("subscribe after close should return a closed channel")
	}
}

var _ SerialMuxInterface = (*SerialMux[*MockSerialPort])(nil)
var _ SerialMuxInterface = (*DisabledSerialMux)(nil)
