// Command udp-receiver listens to the camera's UDP frame broadcast,
// requests repairs for lost fragments and optionally saves the frames.
// With -cmd it sends one control command and prints the reply instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/rovercam/internal/datagram"
	"github.com/banshee-data/rovercam/internal/framebuf"
	"github.com/banshee-data/rovercam/internal/fsutil"
	"github.com/banshee-data/rovercam/internal/timeutil"
)

var (
	port        = flag.Int("port", 6000, "UDP port of the broadcast")
	camera      = flag.String("camera", "", "Camera IPv4 address (default: learned from the first fragment)")
	repairDelay = flag.Duration("repair-delay", 20*time.Millisecond, "Wait before requesting missing fragments")
	maxRepairs  = flag.Int("max-repairs", 3, "Repair attempts before a frame is abandoned")
	outDir      = flag.String("out", "", "Directory to write complete frames to (optional)")
	duration    = flag.Duration("duration", 0, "Stop after this long (0 runs until interrupted)")
	cmdText     = flag.String("cmd", "", "Send one control command, e.g. \"status\", print the reply and exit")
	cmdTimeout  = flag.Duration("cmd-timeout", time.Second, "How long to wait for a command reply")
)

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	var cam net.Addr
	if *camera != "" {
		addr, err := datagram.BroadcastAddr(*camera, *port)
		if err != nil {
			log.Fatalf("%v", err)
		}
		cam = addr
	}

	listenPort := *port
	if *cmdText != "" {
		// Commands only need a reply socket.
		listenPort = 0
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: listenPort})
	if err != nil {
		log.Fatalf("failed to listen: %v", err)
	}
	defer conn.Close()

	r := newReceiver(conn, cam, timeutil.RealClock{})
	r.repairDelay = *repairDelay
	r.maxRepairs = *maxRepairs

	if *cmdText != "" {
		if cam == nil {
			log.Fatal("-cmd needs -camera")
		}
		reply, err := runCommand(ctx, r, *cmdText, *cmdTimeout)
		if err != nil {
			log.Fatalf("%v", err)
		}
		fmt.Println(reply)
		return
	}

	if *outDir != "" {
		frames := fsutil.NewFrameDir(nil, *outDir, "")
		r.onFrame = func(ts framebuf.Timestamp, frame []byte) {
			if _, err := frames.Write(uint32(ts), frame); err != nil {
				log.Printf("frame %d: %v", ts, err)
			}
		}
	}

	log.Printf("listening for frames on udp :%d", *port)
	report := time.NewTicker(5 * time.Second)
	defer report.Stop()
	for ctx.Err() == nil {
		if _, err := r.poll(5 * time.Millisecond); err != nil {
			log.Fatalf("receive failed: %v", err)
		}
		r.repair()
		select {
		case <-report.C:
			logCounts(r.counts)
		default:
		}
	}
	logCounts(r.counts)
}

// runCommand sends text and waits for the camera's CT reply.
func runCommand(ctx context.Context, r *receiver, text string, timeout time.Duration) (string, error) {
	var reply string
	got := false
	r.onReply = func(s string) { reply, got = s, true }
	if err := r.command(text); err != nil {
		return "", fmt.Errorf("send command: %w", err)
	}
	deadline := time.Now().Add(timeout)
	for !got {
		if ctx.Err() != nil || time.Now().After(deadline) {
			return "", fmt.Errorf("no reply to %q within %v", text, timeout)
		}
		if _, err := r.poll(10 * time.Millisecond); err != nil {
			return "", err
		}
	}
	return reply, nil
}

func logCounts(c counts) {
	log.Printf("frames %d, abandoned %d, fragments %d, repair requests %d, malformed %d, send errors %d",
		c.Frames, c.Abandoned, c.Fragments, c.Repairs, c.Malformed, c.SendErrors)
}
