package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc"

	"github.com/banshee-data/rovercam/internal/admin"
	"github.com/banshee-data/rovercam/internal/arducam"
	"github.com/banshee-data/rovercam/internal/capture"
	"github.com/banshee-data/rovercam/internal/command"
	"github.com/banshee-data/rovercam/internal/config"
	"github.com/banshee-data/rovercam/internal/datagram"
	"github.com/banshee-data/rovercam/internal/db"
	"github.com/banshee-data/rovercam/internal/framebuf"
	"github.com/banshee-data/rovercam/internal/mjpeg"
	"github.com/banshee-data/rovercam/internal/monitoring"
	"github.com/banshee-data/rovercam/internal/sched"
	"github.com/banshee-data/rovercam/internal/serialmux"
	"github.com/banshee-data/rovercam/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to a JSON config file (see "+config.ExampleConfigPath+")")
	devMode     = flag.Bool("dev", false, "Use a simulated sensor and a local command handler")
	adminListen = flag.String("admin-listen", ":8080", "Admin HTTP listen address; gRPC health uses the next port")
	dbPath      = flag.String("db-path", "", "SQLite telemetry database (empty disables persistence)")
	logFile     = flag.String("log-file", "", "Rotating log file (empty logs to stderr)")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn or error")
	cooperative = flag.Bool("cooperative", false, "Drive every component from one goroutine")
	showVersion = flag.Bool("version", false, "Print the version and exit")
)

const shutdownTimeout = 5 * time.Second

// Task priorities. Capture must never starve behind the network.
const (
	priorityCapture = 3
	priorityUDP     = 2
	priorityStream  = 2
	priorityControl = 1
)

// loadConfig reads the config file, if any, and applies the flags that were
// set explicitly on the command line.
func loadConfig(path string, set map[string]bool) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if set["admin-listen"] || cfg.Admin.Listen == nil {
		cfg.Admin.Listen = adminListen
	}
	if set["db-path"] {
		cfg.Admin.DBPath = dbPath
	}
	if set["log-file"] {
		cfg.Log.File = logFile
	}
	if set["log-level"] {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// healthAddr returns the address one port above the admin listener.
func healthAddr(adminAddr string) (string, error) {
	host, port, err := net.SplitHostPort(adminAddr)
	if err != nil {
		return "", fmt.Errorf("admin listen address %q: %w", adminAddr, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p >= 65535 {
		return "", fmt.Errorf("admin listen port %q must be between 1 and 65534", port)
	}
	return net.JoinHostPort(host, strconv.Itoa(p+1)), nil
}

// sensor is what main needs from a camera module: the capture bus, the
// startup setup and a register readout for the admin API.
type sensor interface {
	arducam.Bus
	arducam.Setup
	arducam.RegisterReader
}

// setupSensor runs Probe and Configure while holding the bus token, so
// setup never interleaves with a capture cycle.
func setupSensor(ctx context.Context, s arducam.Setup, token *semaphore.Weighted, size arducam.JPEGSize, wait time.Duration) error {
	return arducam.Exclusive(ctx, token, wait, func() error {
		if err := s.Probe(); err != nil {
			return err
		}
		if err := s.Configure(size); err != nil {
			return fmt.Errorf("configure sensor for %s jpeg: %w", size, err)
		}
		return nil
	})
}

func openSensor(cfg *config.Config) (sensor, func() error, error) {
	if *devMode {
		frames, err := arducam.SyntheticFrames(25, 320, 240)
		if err != nil {
			return nil, nil, err
		}
		sim := arducam.NewSim(nil, frames...)
		sim.Latency = 30 * time.Millisecond
		return sim, func() error { return nil }, nil
	}
	cam, err := arducam.Open(cfg.SensorOptions())
	if err != nil {
		return nil, nil, err
	}
	return cam, cam.Close, nil
}

// openCommands picks the command handler: the motor board when a serial
// port is configured, the local stand-in in dev mode, and nothing otherwise.
func openCommands(cfg *config.Config) (command.Handler, serialmux.SerialMuxInterface, error) {
	if port := cfg.GetSerialPort(); port != "" {
		mux, err := serialmux.NewRealSerialMux(port, cfg.SerialOptions())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open motor port: %w", err)
		}
		if err := mux.Initialize(); err != nil {
			mux.Close()
			return nil, nil, fmt.Errorf("failed to initialise motor board: %w", err)
		}
		return command.NewSerial(mux, cfg.GetReplyTimeout()), mux, nil
	}
	if *devMode {
		return command.NewLocal(), nil, nil
	}
	return command.Disabled{}, nil, nil
}

func listenTCP(port int) (net.Listener, error) {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return nil, fmt.Errorf("listen tcp :%d: %w", port, err)
	}
	return ln, nil
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	cfg, err := loadConfig(*configPath, set)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := monitoring.NewLogger(monitoring.LogOptions{File: cfg.GetLogFile(), Level: cfg.GetLogLevel()})
	if err != nil {
		log.Fatalf("failed to set up logging: %v", err)
	}
	monitoring.UseLogrus(logger)
	monitoring.Logf("starting %s", version.String())

	stats := monitoring.NewStats()

	var database *db.DB
	if path := cfg.GetDBPath(); path != "" {
		database, err = db.NewDB(path)
		if err != nil {
			log.Fatalf("failed to open telemetry database: %v", err)
		}
		defer database.Close()
	}

	bus, closeBus, err := openSensor(cfg)
	if err != nil {
		log.Fatalf("failed to open sensor: %v", err)
	}
	defer closeBus()

	token := arducam.NewToken()
	if err := setupSensor(context.Background(), bus, token, cfg.GetJPEGSize(), cfg.GetSetupWait()); err != nil {
		log.Fatalf("failed to set up sensor: %v", err)
	}

	ring := framebuf.NewRing(cfg.GetBufferSlots(), cfg.GetBufferCapacity())
	engine := capture.New(cfg.CaptureConfig(), bus, ring, capture.WithSink(stats), capture.WithToken(token))
	defer engine.Close()

	commands, motor, err := openCommands(cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}

	streamCfg := cfg.StreamConfig()
	serverOpts := []mjpeg.Option{mjpeg.WithConfig(streamCfg), mjpeg.WithSink(stats)}
	if database != nil {
		serverOpts = append(serverOpts, mjpeg.WithObserver(database))
	}

	streamLn, err := listenTCP(cfg.GetStreamPort())
	if err != nil {
		log.Fatalf("failed to start stream server: %v", err)
	}
	stream := mjpeg.NewServer("stream", streamLn,
		&mjpeg.StreamHandler{Ring: ring, Config: streamCfg, Sink: stats}, serverOpts...)

	controlLn, err := listenTCP(cfg.GetControlPort())
	if err != nil {
		log.Fatalf("failed to start control server: %v", err)
	}
	control := mjpeg.NewServer("control", controlLn, mjpeg.Routes{
		&mjpeg.ControlPageHandler{StreamPort: cfg.GetStreamPort(), Commands: commands, Config: streamCfg},
		&mjpeg.CommandHandler{Commands: commands, Config: streamCfg},
	}, serverOpts...)

	udpConn, err := datagram.ListenBroadcast(cfg.GetUDPPort(), cfg.GetTOS())
	if err != nil {
		log.Fatalf("failed to open udp socket: %v", err)
	}
	dest, err := datagram.BroadcastAddr(cfg.GetBroadcast(), cfg.GetUDPPort())
	if err != nil {
		log.Fatalf("%v", err)
	}
	distributor := datagram.NewDistributor(cfg.DatagramConfig(), udpConn, dest, ring, commands, datagram.WithSink(stats))

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if motor != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := motor.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
				monitoring.Logf("motor: monitor stopped: %v", err)
			}
		}()
	}

	// Admin HTTP server
	var store admin.Store
	if database != nil {
		store = database
	}
	adminSrv := admin.NewServer(ring, stats, store)
	adminSrv.AttachSensor(bus, token)
	mux := adminSrv.Mux()
	if database != nil {
		if err := database.AttachAdminRoutes(mux); err != nil {
			log.Fatalf("failed to attach database admin routes: %v", err)
		}
	}
	if motor != nil {
		motor.AttachAdminRoutes(mux)
	}

	httpServer := &http.Server{
		Addr:              cfg.GetAdminListen(),
		Handler:           adminSrv,
		ReadHeaderTimeout: 5 * time.Second,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("failed to start admin server: %v", err)
			}
		}()
		<-ctx.Done()
		adminSrv.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			monitoring.Logf("admin server shutdown error: %v", err)
			httpServer.Close()
		}
		monitoring.Logf("admin server stopped")
	}()

	// gRPC health service
	grpcAddr, err := healthAddr(cfg.GetAdminListen())
	if err != nil {
		log.Fatalf("%v", err)
	}
	grpcLn, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		log.Fatalf("failed to listen for gRPC health on %s: %v", grpcAddr, err)
	}
	health := admin.NewHealth(ring, cfg.HealthMaxAge(), nil)
	grpcServer := grpc.NewServer()
	health.Register(grpcServer)
	wg.Add(2)
	go func() {
		defer wg.Done()
		health.Run(ctx, time.Second)
	}()
	go func() {
		defer wg.Done()
		go func() {
			if err := grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				monitoring.Logf("gRPC health server error: %v", err)
			}
		}()
		<-ctx.Done()
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(shutdownTimeout):
			grpcServer.Stop()
		}
		monitoring.Logf("gRPC health server stopped")
	}()

	// Stats ticker
	wg.Add(1)
	go func() {
		defer wg.Done()
		runStats(ctx, stats, database, cfg.GetSnapshotInterval(), cfg.GetSnapshotRetention())
	}()

	tasks := []sched.Task{
		{Name: "capture", Priority: priorityCapture, Unit: engine},
		{Name: "udp", Priority: priorityUDP, Unit: distributor},
		{Name: "stream", Priority: priorityStream, Unit: stream},
		{Name: "control", Priority: priorityControl, Unit: control},
	}
	monitoring.Logf("streaming on :%d, control on :%d, udp to %s, admin on %s",
		cfg.GetStreamPort(), cfg.GetControlPort(), dest, cfg.GetAdminListen())

	var runErr error
	if *cooperative {
		runErr = sched.NewLoop(nil, stats, tasks...).Run(ctx)
	} else {
		runErr = sched.NewScheduler(nil, stats, tasks...).Run(ctx)
	}
	if runErr != nil {
		monitoring.Logf("scheduler stopped: %v", runErr)
		stop()
	}

	stream.Close()
	control.Close()
	distributor.Close()
	udpConn.Close()

	wg.Wait()
	if motor != nil {
		motor.Close()
	}
	monitoring.Logf("graceful shutdown complete")
}

// runStats logs a stats line every interval and persists the snapshot when
// a database is open.
func runStats(ctx context.Context, stats *monitoring.Stats, database *db.DB, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		snap := stats.LogStats()
		covered := snap.Taken.Sub(last)
		last = snap.Taken
		if database == nil {
			continue
		}
		if err := database.RecordSnapshot(snap, covered); err != nil {
			monitoring.Logf("stats: failed to record snapshot: %v", err)
			continue
		}
		if n, err := database.PruneSnapshots(snap.Taken.Add(-retention)); err != nil {
			monitoring.Logf("stats: failed to prune snapshots: %v", err)
		} else if n > 0 {
			monitoring.Logf("stats: pruned %d snapshots", n)
		}
	}
}
