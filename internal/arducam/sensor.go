package arducam

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"periph.io/x/conn/v3/i2c"
)

// SensorAddr is the OV2640's SCCB address (0x60 as an 8-bit write address).
const SensorAddr = 0x30

// OV2640 registers. Register 0xFF selects which bank the others refer to.
const (
	regBankSelect = 0xFF
	bankDSP       = 0x00
	bankSensor    = 0x01

	// Sensor bank.
	regCOM7  = 0x12
	regPIDH  = 0x0A
	regPIDL  = 0x0B
	com7Rst  = 0x80
	com7SVGA = 0x40
	com7UXGA = 0x00

	// DSP bank.
	regRBypass   = 0x05
	regQS        = 0x44
	regZMOW      = 0x5A
	regZMOH      = 0x5B
	regZMHH      = 0x5C
	regHSize8    = 0xC0
	regVSize8    = 0xC1
	regCtrl2     = 0xD3
	regImageMode = 0xDA
	regReset     = 0xE0
	resetDVP     = 0x04
	resetJPEG    = 0x10
	modeJPEG     = 0x10

	sensorPIDH = 0x26
)

// ErrUnknownSensor is returned when the chip id is not an OV2640.
var ErrUnknownSensor = errors.New("arducam: sensor is not an OV2640")

// JPEGSize is an output resolution the sensor's scaler supports.
type JPEGSize struct {
	Width, Height int
}

func (s JPEGSize) String() string { return fmt.Sprintf("%dx%d", s.Width, s.Height) }

// DefaultJPEGSize keeps frames near 10-20KB, which fits the frame buffer.
var DefaultJPEGSize = JPEGSize{320, 240}

var jpegSizes = []JPEGSize{
	{160, 120}, {176, 144}, {320, 240}, {352, 288},
	{640, 480}, {800, 600}, {1024, 768}, {1280, 1024}, {1600, 1200},
}

// ParseJPEGSize parses "WxH" into one of the supported sizes.
func ParseJPEGSize(s string) (JPEGSize, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if ok {
		width, werr := strconv.Atoi(w)
		height, herr := strconv.Atoi(h)
		if werr == nil && herr == nil {
			for _, size := range jpegSizes {
				if size.Width == width && size.Height == height {
					return size, nil
				}
			}
		}
	}
	names := make([]string, len(jpegSizes))
	for i, size := range jpegSizes {
		names[i] = size.String()
	}
	sort.Strings(names)
	return JPEGSize{}, fmt.Errorf("unsupported jpeg size %q (want one of %s)", s, strings.Join(names, ", "))
}

type regVal struct{ reg, val byte }

// jpegMode switches the DSP to JPEG output. Written after a reset.
var jpegMode = []regVal{
	{regBankSelect, bankDSP},
	{regRBypass, 0x01},
	{regReset, resetJPEG | resetDVP},
	{regImageMode, modeJPEG},
	{regCtrl2, 0x04},
	{regQS, 0x0C},
	{regReset, 0x00},
	{regRBypass, 0x00},
}

// sizeTable returns the writes selecting the sensor window and the
// scaler output for size. Sizes up to 800x600 use the SVGA window.
func sizeTable(size JPEGSize) []regVal {
	com7, winW, winH := byte(com7SVGA), 800, 600
	if size.Width > 800 || size.Height > 600 {
		com7, winW, winH = com7UXGA, 1600, 1200
	}
	outW, outH := size.Width/4, size.Height/4
	return []regVal{
		{regBankSelect, bankSensor},
		{regCOM7, com7},
		{regBankSelect, bankDSP},
		{regReset, resetDVP},
		{regHSize8, byte(winW / 8)},
		{regVSize8, byte(winH / 8)},
		{regZMOW, byte(outW)},
		{regZMOH, byte(outH)},
		{regZMHH, byte(outW>>8)&0x03 | byte(outH>>8)&0x01<<2},
		{regReset, 0x00},
	}
}

// Sensor configures the image sensor over SCCB. SCCB has no repeated
// start, so a register read is a write of the address followed by a
// separate one-byte read.
type Sensor struct {
	dev *i2c.Dev
	// ResetDelay is how long the sensor needs after a soft reset.
	ResetDelay time.Duration
}

func NewSensor(bus i2c.Bus) *Sensor {
	return &Sensor{dev: &i2c.Dev{Bus: bus, Addr: SensorAddr}, ResetDelay: 5 * time.Millisecond}
}

func (s *Sensor) write(reg, v byte) error {
	if err := s.dev.Tx([]byte{reg, v}, nil); err != nil {
		return fmt.Errorf("sccb write 0x%02x: %w", reg, err)
	}
	return nil
}

func (s *Sensor) read(reg byte) (byte, error) {
	if err := s.dev.Tx([]byte{reg}, nil); err != nil {
		return 0, fmt.Errorf("sccb select 0x%02x: %w", reg, err)
	}
	r := []byte{0}
	if err := s.dev.Tx(nil, r); err != nil {
		return 0, fmt.Errorf("sccb read 0x%02x: %w", reg, err)
	}
	return r[0], nil
}

func (s *Sensor) writeAll(table []regVal) error {
	for _, rv := range table {
		if err := s.write(rv.reg, rv.val); err != nil {
			return err
		}
	}
	return nil
}

// ChipID reads the product id from the sensor bank.
func (s *Sensor) ChipID() (pid, ver byte, err error) {
	if err := s.write(regBankSelect, bankSensor); err != nil {
		return 0, 0, err
	}
	if pid, err = s.read(regPIDH); err != nil {
		return 0, 0, err
	}
	if ver, err = s.read(regPIDL); err != nil {
		return 0, 0, err
	}
	return pid, ver, nil
}

// Init checks the chip id, resets the sensor and selects JPEG output at
// size.
func (s *Sensor) Init(size JPEGSize) error {
	pid, ver, err := s.ChipID()
	if err != nil {
		return err
	}
	if pid != sensorPIDH || (ver != 0x41 && ver != 0x42) {
		return fmt.Errorf("%w: chip id 0x%02x%02x", ErrUnknownSensor, pid, ver)
	}
	if err := s.writeAll([]regVal{{regBankSelect, bankSensor}, {regCOM7, com7Rst}}); err != nil {
		return err
	}
	if s.ResetDelay > 0 {
		time.Sleep(s.ResetDelay)
	}
	if err := s.writeAll(jpegMode); err != nil {
		return err
	}
	if err := s.writeAll(sizeTable(size)); err != nil {
		return fmt.Errorf("set jpeg size %s: %w", size, err)
	}
	return nil
}
