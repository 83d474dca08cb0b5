// Package config loads the rovercam JSON configuration. Every field is
// optional; the Get* accessors fall back to the vehicle defaults.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/rovercam/internal/arducam"
	"github.com/banshee-data/rovercam/internal/capture"
	"github.com/banshee-data/rovercam/internal/command"
	"github.com/banshee-data/rovercam/internal/datagram"
	"github.com/banshee-data/rovercam/internal/framebuf"
	"github.com/banshee-data/rovercam/internal/mjpeg"
	"github.com/banshee-data/rovercam/internal/serialmux"
)

// ExampleConfigPath is the checked-in example configuration.
const ExampleConfigPath = "config/rovercam.example.json"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

const maxFileSize = 1 * 1024 * 1024

// Config is the root document.
type Config struct {
	Buffer  BufferConfig  `json:"buffer"`
	Capture CaptureConfig `json:"capture"`
	Stream  StreamConfig  `json:"stream"`
	UDP     UDPConfig     `json:"udp"`
	Command CommandConfig `json:"command"`
	Sensor  SensorConfig  `json:"sensor"`
	Admin   AdminConfig   `json:"admin"`
	Log     LogConfig     `json:"log"`
}

type BufferConfig struct {
	Capacity            *int    `json:"capacity,omitempty"`
	Slots               *int    `json:"slots,omitempty"`
	StarvationThreshold *string `json:"starvation_threshold,omitempty"` // duration string like "3s"
}

type CaptureConfig struct {
	ChunkSize      *int    `json:"chunk_size,omitempty"`
	CopyBudget     *string `json:"copy_budget,omitempty"`
	ChunksPerStep  *int    `json:"chunks_per_step,omitempty"`
	MinInterval    *string `json:"min_interval,omitempty"`
	MaxStaleness   *string `json:"max_staleness,omitempty"`
	MaxFrameSize   *int    `json:"max_frame_size,omitempty"`
	CaptureTimeout *string `json:"capture_timeout,omitempty"`
	TokenWait      *string `json:"token_wait,omitempty"`
}

type StreamConfig struct {
	Port           *int    `json:"port,omitempty"`
	ControlPort    *int    `json:"control_port,omitempty"`
	WriteChunk     *int    `json:"write_chunk,omitempty"`
	WriteBudget    *string `json:"write_budget,omitempty"`
	ParseBudget    *string `json:"parse_budget,omitempty"`
	RequestTimeout *string `json:"request_timeout,omitempty"`
	MaxFrames      *int    `json:"max_frames,omitempty"`
	MaxDuration    *string `json:"max_duration,omitempty"`
	StallWarn      *string `json:"stall_warn,omitempty"`
	StallLimit     *string `json:"stall_limit,omitempty"`
}

type UDPConfig struct {
	Port         *int    `json:"port,omitempty"`
	Broadcast    *string `json:"broadcast,omitempty"`
	FragmentSize *int    `json:"fragment_size,omitempty"`
	SendRetries  *int    `json:"send_retries,omitempty"`
	RetryDelay   *string `json:"retry_delay,omitempty"`
	TOS          *int    `json:"tos,omitempty"`
}

type CommandConfig struct {
	SerialPort   *string `json:"serial_port,omitempty"`
	Baud         *int    `json:"baud,omitempty"`
	ReplyTimeout *string `json:"reply_timeout,omitempty"`
}

type SensorConfig struct {
	SPIPort *string `json:"spi_port,omitempty"`
	SPIHz   *int64  `json:"spi_hz,omitempty"`
	I2CBus  *string `json:"i2c_bus,omitempty"`
	// JPEGSize is the sensor output resolution, such as "320x240".
	JPEGSize *string `json:"jpeg_size,omitempty"`
	// SetupWait bounds how long startup waits for the bus token.
	SetupWait *string `json:"setup_wait,omitempty"`
}

type AdminConfig struct {
	Listen            *string `json:"listen,omitempty"`
	DBPath            *string `json:"db_path,omitempty"`
	SnapshotInterval  *string `json:"snapshot_interval,omitempty"`
	SnapshotRetention *string `json:"snapshot_retention,omitempty"`
}

type LogConfig struct {
	File  *string `json:"file,omitempty"`
	Level *string `json:"level,omitempty"`
}

// Default returns a config with nothing set.
func Default() *Config {
	return &Config{}
}

// Load reads and validates a JSON config file. Omitted fields keep their
// defaults.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func checkDuration(name string, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return invalid("%s %q: %v", name, *v, err)
	}
	if d < 0 {
		return invalid("%s must not be negative, got %s", name, d)
	}
	return nil
}

func checkRange(name string, v *int, lo, hi int) error {
	if v != nil && (*v < lo || *v > hi) {
		return invalid("%s must be between %d and %d, got %d", name, lo, hi, *v)
	}
	return nil
}

// Validate checks every field that is set.
func (c *Config) Validate() error {
	durations := []struct {
		name string
		v    *string
	}{
		{"buffer.starvation_threshold", c.Buffer.StarvationThreshold},
		{"capture.copy_budget", c.Capture.CopyBudget},
		{"capture.min_interval", c.Capture.MinInterval},
		{"capture.max_staleness", c.Capture.MaxStaleness},
		{"capture.capture_timeout", c.Capture.CaptureTimeout},
		{"capture.token_wait", c.Capture.TokenWait},
		{"stream.write_budget", c.Stream.WriteBudget},
		{"stream.parse_budget", c.Stream.ParseBudget},
		{"stream.request_timeout", c.Stream.RequestTimeout},
		{"stream.max_duration", c.Stream.MaxDuration},
		{"stream.stall_warn", c.Stream.StallWarn},
		{"stream.stall_limit", c.Stream.StallLimit},
		{"udp.retry_delay", c.UDP.RetryDelay},
		{"command.reply_timeout", c.Command.ReplyTimeout},
		{"admin.snapshot_interval", c.Admin.SnapshotInterval},
		{"admin.snapshot_retention", c.Admin.SnapshotRetention},
		{"sensor.setup_wait", c.Sensor.SetupWait},
	}
	for _, d := range durations {
		if err := checkDuration(d.name, d.v); err != nil {
			return err
		}
	}

	if err := checkRange("buffer.slots", c.Buffer.Slots, 2, 8); err != nil {
		return err
	}
	if err := checkRange("buffer.capacity", c.Buffer.Capacity, 1024, 8<<20); err != nil {
		return err
	}
	if err := checkRange("capture.chunk_size", c.Capture.ChunkSize, 1, 1<<20); err != nil {
		return err
	}
	if err := checkRange("capture.chunks_per_step", c.Capture.ChunksPerStep, 1, 1024); err != nil {
		return err
	}
	if err := checkRange("capture.max_frame_size", c.Capture.MaxFrameSize, 1, arducam.MaxFIFOLength); err != nil {
		return err
	}
	if c.Capture.MaxFrameSize != nil && *c.Capture.MaxFrameSize > c.GetBufferCapacity() {
		return invalid("capture.max_frame_size %d exceeds buffer.capacity %d", *c.Capture.MaxFrameSize, c.GetBufferCapacity())
	}
	for _, p := range []struct {
		name string
		v    *int
	}{
		{"stream.port", c.Stream.Port},
		{"stream.control_port", c.Stream.ControlPort},
		{"udp.port", c.UDP.Port},
	} {
		if err := checkRange(p.name, p.v, 1, 65535); err != nil {
			return err
		}
	}
	if c.GetStreamPort() == c.GetControlPort() {
		return invalid("stream.port and stream.control_port must differ, both are %d", c.GetStreamPort())
	}
	if err := checkRange("stream.write_chunk", c.Stream.WriteChunk, 1, 1<<16); err != nil {
		return err
	}
	if err := checkRange("udp.fragment_size", c.UDP.FragmentSize, 1, 1472-datagram.FragmentHeaderLen); err != nil {
		return err
	}
	if err := checkRange("udp.send_retries", c.UDP.SendRetries, 0, 1000); err != nil {
		return err
	}
	if err := checkRange("udp.tos", c.UDP.TOS, 0, 255); err != nil {
		return err
	}
	if c.UDP.Broadcast != nil {
		if _, err := datagram.BroadcastAddr(*c.UDP.Broadcast, c.GetUDPPort()); err != nil {
			return invalid("udp.broadcast: %v", err)
		}
	}
	if c.Command.Baud != nil && *c.Command.Baud <= 0 {
		return invalid("command.baud must be positive, got %d", *c.Command.Baud)
	}
	if c.Sensor.SPIHz != nil && (*c.Sensor.SPIHz <= 0 || *c.Sensor.SPIHz > 8_000_000) {
		return invalid("sensor.spi_hz must be between 1 and 8000000, got %d", *c.Sensor.SPIHz)
	}
	if c.Sensor.JPEGSize != nil {
		if _, err := arducam.ParseJPEGSize(*c.Sensor.JPEGSize); err != nil {
			return invalid("sensor.jpeg_size: %v", err)
		}
	}
	if c.Log.Level != nil {
		switch *c.Log.Level {
		case "", "debug", "info", "warn", "error":
		default:
			return invalid("log.level %q: expected debug, info, warn or error", *c.Log.Level)
		}
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func stringOr(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}

func (c *Config) GetBufferCapacity() int { return intOr(c.Buffer.Capacity, 50000) }
func (c *Config) GetBufferSlots() int    { return intOr(c.Buffer.Slots, 2) }

func (c *Config) GetStarvationThreshold() time.Duration {
	return durationOr(c.Buffer.StarvationThreshold, framebuf.DefaultStarvationThreshold)
}

func (c *Config) GetStreamPort() int  { return intOr(c.Stream.Port, 81) }
func (c *Config) GetControlPort() int { return intOr(c.Stream.ControlPort, 80) }

func (c *Config) GetUDPPort() int        { return intOr(c.UDP.Port, 6000) }
func (c *Config) GetBroadcast() string   { return stringOr(c.UDP.Broadcast, "192.168.151.255") }
func (c *Config) GetTOS() int            { return intOr(c.UDP.TOS, datagram.DefaultTOS) }
func (c *Config) GetSerialPort() string  { return stringOr(c.Command.SerialPort, "") }
func (c *Config) GetSPIPort() string     { return stringOr(c.Sensor.SPIPort, "") }
func (c *Config) GetAdminListen() string { return stringOr(c.Admin.Listen, ":8080") }
func (c *Config) GetDBPath() string      { return stringOr(c.Admin.DBPath, "") }
func (c *Config) GetLogFile() string     { return stringOr(c.Log.File, "") }
func (c *Config) GetLogLevel() string    { return stringOr(c.Log.Level, "info") }
func (c *Config) GetReplyTimeout() time.Duration {
	return durationOr(c.Command.ReplyTimeout, command.DefaultReplyTimeout)
}

// GetSnapshotInterval is how often stats are logged and persisted.
func (c *Config) GetSnapshotInterval() time.Duration {
	return durationOr(c.Admin.SnapshotInterval, 10*time.Second)
}

// GetSnapshotRetention is how long persisted snapshots are kept.
func (c *Config) GetSnapshotRetention() time.Duration {
	return durationOr(c.Admin.SnapshotRetention, 7*24*time.Hour)
}

func (c *Config) GetSPIHz() int64 {
	if c.Sensor.SPIHz == nil {
		return 8_000_000
	}
	return *c.Sensor.SPIHz
}

func (c *Config) GetI2CBus() string { return stringOr(c.Sensor.I2CBus, "") }

// GetJPEGSize falls back to the default size; Validate rejects bad values.
func (c *Config) GetJPEGSize() arducam.JPEGSize {
	if c.Sensor.JPEGSize == nil {
		return arducam.DefaultJPEGSize
	}
	size, err := arducam.ParseJPEGSize(*c.Sensor.JPEGSize)
	if err != nil {
		return arducam.DefaultJPEGSize
	}
	return size
}

func (c *Config) GetSetupWait() time.Duration {
	return durationOr(c.Sensor.SetupWait, 2*time.Second)
}

// SensorOptions returns the options for arducam.Open.
func (c *Config) SensorOptions() arducam.Options {
	return arducam.Options{Port: c.GetSPIPort(), Hz: c.GetSPIHz(), I2CBus: c.GetI2CBus()}
}

// SerialOptions returns the motor board's port settings.
func (c *Config) SerialOptions() serialmux.PortOptions {
	return serialmux.PortOptions{BaudRate: intOr(c.Command.Baud, serialmux.DefaultBaudRate)}
}

// CaptureConfig returns the engine settings.
func (c *Config) CaptureConfig() capture.Config {
	d := capture.DefaultConfig()
	return capture.Config{
		ChunkSize:           intOr(c.Capture.ChunkSize, d.ChunkSize),
		CopyBudget:          durationOr(c.Capture.CopyBudget, d.CopyBudget),
		ChunksPerStep:       intOr(c.Capture.ChunksPerStep, d.ChunksPerStep),
		MinInterval:         durationOr(c.Capture.MinInterval, d.MinInterval),
		MaxStaleness:        durationOr(c.Capture.MaxStaleness, d.MaxStaleness),
		MaxFrameSize:        intOr(c.Capture.MaxFrameSize, d.MaxFrameSize),
		CaptureTimeout:      durationOr(c.Capture.CaptureTimeout, d.CaptureTimeout),
		TokenWait:           durationOr(c.Capture.TokenWait, d.TokenWait),
		StarvationThreshold: c.GetStarvationThreshold(),
	}
}

// StreamConfig returns the settings shared by the stream and control
// servers.
func (c *Config) StreamConfig() mjpeg.Config {
	d := mjpeg.DefaultConfig()
	cfg := d
	cfg.WriteChunk = intOr(c.Stream.WriteChunk, d.WriteChunk)
	cfg.WriteBudget = durationOr(c.Stream.WriteBudget, d.WriteBudget)
	cfg.ParseBudget = durationOr(c.Stream.ParseBudget, d.ParseBudget)
	cfg.RequestTimeout = durationOr(c.Stream.RequestTimeout, d.RequestTimeout)
	cfg.MaxFrames = intOr(c.Stream.MaxFrames, d.MaxFrames)
	cfg.MaxDuration = durationOr(c.Stream.MaxDuration, d.MaxDuration)
	cfg.StallWarn = durationOr(c.Stream.StallWarn, d.StallWarn)
	cfg.StallLimit = durationOr(c.Stream.StallLimit, d.StallLimit)
	cfg.StarvationThreshold = c.GetStarvationThreshold()
	return cfg
}

// DatagramConfig returns the distributor settings.
func (c *Config) DatagramConfig() datagram.Config {
	d := datagram.DefaultConfig()
	cfg := d
	cfg.FragmentSize = intOr(c.UDP.FragmentSize, d.FragmentSize)
	cfg.SendRetries = intOr(c.UDP.SendRetries, d.SendRetries)
	cfg.RetryDelay = durationOr(c.UDP.RetryDelay, d.RetryDelay)
	return cfg
}

// HealthMaxAge is how old the newest frame may get before the capture
// service reports NOT_SERVING.
func (c *Config) HealthMaxAge() time.Duration {
	return 3 * c.CaptureConfig().MaxStaleness
}
