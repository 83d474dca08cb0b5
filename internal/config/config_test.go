package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/rovercam/internal/arducam"
	"github.com/banshee-data/rovercam/internal/capture"
	"github.com/banshee-data/rovercam/internal/datagram"
	"github.com/banshee-data/rovercam/internal/mjpeg"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty config should validate: %v", err)
	}

	if got := cfg.GetBufferCapacity(); got != 50000 {
		t.Errorf("GetBufferCapacity() = %d, want 50000", got)
	}
	if got := cfg.GetBufferSlots(); got != 2 {
		t.Errorf("GetBufferSlots() = %d, want 2", got)
	}
	if got := cfg.GetStreamPort(); got != 81 {
		t.Errorf("GetStreamPort() = %d, want 81", got)
	}
	if got := cfg.GetControlPort(); got != 80 {
		t.Errorf("GetControlPort() = %d, want 80", got)
	}
	if got := cfg.GetUDPPort(); got != 6000 {
		t.Errorf("GetUDPPort() = %d, want 6000", got)
	}
	if got := cfg.GetBroadcast(); got != "192.168.151.255" {
		t.Errorf("GetBroadcast() = %q", got)
	}
	if got := cfg.GetTOS(); got != 0xB8 {
		t.Errorf("GetTOS() = %#x, want 0xb8", got)
	}
	if got := cfg.GetReplyTimeout(); got != 250*time.Millisecond {
		t.Errorf("GetReplyTimeout() = %v, want 250ms", got)
	}
	if got := cfg.GetSPIHz(); got != 8_000_000 {
		t.Errorf("GetSPIHz() = %d", got)
	}
	if got := cfg.HealthMaxAge(); got != 2100*time.Millisecond {
		t.Errorf("HealthMaxAge() = %v, want 2.1s", got)
	}

	if got, want := cfg.CaptureConfig(), capture.DefaultConfig(); got != want {
		t.Errorf("CaptureConfig() = %+v, want %+v", got, want)
	}
	if got, want := cfg.StreamConfig(), mjpeg.DefaultConfig(); got != want {
		t.Errorf("StreamConfig() = %+v, want %+v", got, want)
	}
	if got, want := cfg.DatagramConfig(), datagram.DefaultConfig(); got != want {
		t.Errorf("DatagramConfig() = %+v, want %+v", got, want)
	}
	if got := cfg.SerialOptions().BaudRate; got != 115200 {
		t.Errorf("SerialOptions().BaudRate = %d", got)
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, "rovercam.json", `{
  "buffer": {"capacity": 60000},
  "capture": {"min_interval": "100ms", "max_staleness": "1s"},
  "stream": {"port": 8081, "max_frames": -1, "max_duration": "30s"},
  "udp": {"fragment_size": 1000, "send_retries": 5, "retry_delay": "1ms"},
  "command": {"serial_port": "/dev/ttyUSB0", "baud": 57600}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.GetBufferCapacity(); got != 60000 {
		t.Errorf("capacity = %d, want 60000", got)
	}

	cc := cfg.CaptureConfig()
	if cc.MinInterval != 100*time.Millisecond || cc.MaxStaleness != time.Second {
		t.Errorf("capture config = %+v", cc)
	}
	if cc.ChunkSize != 4096 {
		t.Errorf("omitted chunk_size should keep default, got %d", cc.ChunkSize)
	}

	sc := cfg.StreamConfig()
	if sc.MaxFrames != -1 || sc.MaxDuration != 30*time.Second {
		t.Errorf("stream config = %+v", sc)
	}
	if cfg.GetStreamPort() != 8081 || cfg.GetControlPort() != 80 {
		t.Errorf("ports = %d/%d", cfg.GetStreamPort(), cfg.GetControlPort())
	}

	dc := cfg.DatagramConfig()
	if dc.FragmentSize != 1000 || dc.SendRetries != 5 || dc.RetryDelay != time.Millisecond {
		t.Errorf("datagram config = %+v", dc)
	}
	if dc.ReadWait != datagram.DefaultConfig().ReadWait {
		t.Errorf("ReadWait = %v", dc.ReadWait)
	}

	if cfg.GetSerialPort() != "/dev/ttyUSB0" || cfg.SerialOptions().BaudRate != 57600 {
		t.Errorf("command = %q @ %d", cfg.GetSerialPort(), cfg.SerialOptions().BaudRate)
	}
	if cfg.HealthMaxAge() != 3*time.Second {
		t.Errorf("HealthMaxAge() = %v, want 3s", cfg.HealthMaxAge())
	}
}

func TestLoadExample(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", ExampleConfigPath))
	if err != nil {
		t.Fatalf("Load example: %v", err)
	}
	if got := cfg.SensorOptions(); got != (arducam.Options{Port: "/dev/spidev0.0", Hz: 8_000_000, I2CBus: "1"}) {
		t.Errorf("SensorOptions() = %+v", got)
	}
	if got := cfg.GetJPEGSize(); got != arducam.DefaultJPEGSize {
		t.Errorf("GetJPEGSize() = %v", got)
	}
	if got := cfg.GetSnapshotRetention(); got != 168*time.Hour {
		t.Errorf("GetSnapshotRetention() = %v", got)
	}
	if got, want := cfg.DatagramConfig(), datagram.DefaultConfig(); got != want {
		t.Errorf("example DatagramConfig() = %+v, want defaults %+v", got, want)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
		invalid bool
	}{
		{name: "extension", file: "rovercam.yaml", body: `{}`, wantErr: ".json extension"},
		{name: "syntax", file: "c.json", body: `{"buffer": `, wantErr: "failed to parse"},
		{name: "unknown field", file: "c.json", body: `{"bufer": {}}`, wantErr: "unknown field"},
		{name: "bad duration", file: "c.json", body: `{"capture": {"min_interval": "soon"}}`, wantErr: "capture.min_interval", invalid: true},
		{name: "negative duration", file: "c.json", body: `{"stream": {"stall_limit": "-1s"}}`, wantErr: "stream.stall_limit", invalid: true},
		{name: "one slot", file: "c.json", body: `{"buffer": {"slots": 1}}`, wantErr: "buffer.slots", invalid: true},
		{name: "same ports", file: "c.json", body: `{"stream": {"port": 80}}`, wantErr: "must differ", invalid: true},
		{name: "fragment too big", file: "c.json", body: `{"udp": {"fragment_size": 1500}}`, wantErr: "udp.fragment_size", invalid: true},
		{name: "ipv6 broadcast", file: "c.json", body: `{"udp": {"broadcast": "ff02::1"}}`, wantErr: "udp.broadcast", invalid: true},
		{name: "frame larger than buffer", file: "c.json", body: `{"buffer": {"capacity": 20000}, "capture": {"max_frame_size": 30000}}`, wantErr: "exceeds buffer.capacity", invalid: true},
		{name: "jpeg size", file: "c.json", body: `{"sensor": {"jpeg_size": "333x222"}}`, wantErr: "sensor.jpeg_size", invalid: true},
		{name: "log level", file: "c.json", body: `{"log": {"level": "loud"}}`, wantErr: "log.level", invalid: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.body))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
			if got := errors.Is(err, ErrInvalid); got != tt.invalid {
				t.Errorf("errors.Is(err, ErrInvalid) = %v, want %v", got, tt.invalid)
			}
		})
	}
}

func TestLoadTooLarge(t *testing.T) {
	body := `{"log": {"file": "` + strings.Repeat("x", maxFileSize) + `"}}`
	_, err := Load(writeConfig(t, "big.json", body))
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("expected size error, got %v", err)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}
