package arducam

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// DefaultSpeed is the SPI clock used when Options.Hz is zero.
const DefaultSpeed = 8 * physic.MegaHertz

// Options selects the SPI port for the FIFO and the I2C bus for the sensor.
type Options struct {
	// Port is a spireg name such as "/dev/spidev0.0". Empty picks the first.
	Port string
	Hz   int64
	// I2CBus is an i2creg name such as "1". Empty picks the first.
	I2CBus string
}

// ErrNoSensor is returned by Configure when no sensor bus is attached.
var ErrNoSensor = errors.New("arducam: no sensor bus")

// Camera is a Bus backed by a real SPI port, with the sensor reached over
// I2C.
type Camera struct {
	port   spi.PortCloser
	conn   spi.Conn
	i2c    i2c.BusCloser
	sensor *Sensor
	dummy  []byte
}

// Open initialises the host drivers and connects to the module.
func Open(opts Options) (*Camera, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	port, err := spireg.Open(opts.Port)
	if err != nil {
		return nil, fmt.Errorf("open spi port %q: %w", opts.Port, err)
	}
	speed := DefaultSpeed
	if opts.Hz > 0 {
		speed = physic.Frequency(opts.Hz) * physic.Hertz
	}
	conn, err := port.Connect(speed, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("connect spi at %s: %w", speed, err)
	}
	bus, err := i2creg.Open(opts.I2CBus)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("open i2c bus %q: %w", opts.I2CBus, err)
	}
	c := NewCamera(conn, port)
	c.i2c = bus
	c.sensor = NewSensor(bus)
	return c, nil
}

// NewCamera wraps an already connected SPI conn. port may be nil.
func NewCamera(conn spi.Conn, port spi.PortCloser) *Camera {
	return &Camera{conn: conn, port: port}
}

// WithSensor attaches the sensor control bus.
func (c *Camera) WithSensor(s *Sensor) *Camera {
	c.sensor = s
	return c
}

// Close releases the SPI port and the I2C bus.
func (c *Camera) Close() error {
	var errs []error
	if c.i2c != nil {
		errs = append(errs, c.i2c.Close())
	}
	if c.port != nil {
		errs = append(errs, c.port.Close())
	}
	return errors.Join(errs...)
}

// Configure puts the sensor into JPEG mode at size and clears any stale
// capture flag.
func (c *Camera) Configure(size JPEGSize) error {
	if c.sensor == nil {
		return ErrNoSensor
	}
	if err := c.sensor.Init(size); err != nil {
		return err
	}
	return c.ClearFIFOFlag()
}

// ReadRegisters reads the module's control registers. It must not run
// while a burst is in progress.
func (c *Camera) ReadRegisters() (Registers, error) {
	var r Registers
	var err error
	if r.Test, err = c.readReg(RegTest); err != nil {
		return r, err
	}
	if r.FIFOControl, err = c.readReg(RegFIFO); err != nil {
		return r, err
	}
	if r.Trigger, err = c.readReg(RegTrigger); err != nil {
		return r, err
	}
	r.FIFOLength, err = c.FIFOLength()
	return r, err
}

func (c *Camera) writeReg(addr, v byte) error {
	if err := c.conn.Tx([]byte{addr | writeFlag, v}, nil); err != nil {
		return fmt.Errorf("write reg 0x%02x: %w", addr, err)
	}
	return nil
}

func (c *Camera) readReg(addr byte) (byte, error) {
	r := make([]byte, 2)
	if err := c.conn.Tx([]byte{addr & addrMask, 0}, r); err != nil {
		return 0, fmt.Errorf("read reg 0x%02x: %w", addr, err)
	}
	return r[1], nil
}

// Probe checks the module answers by echoing TestPattern through RegTest.
func (c *Camera) Probe() error {
	if err := c.writeReg(RegTest, TestPattern); err != nil {
		return err
	}
	v, err := c.readReg(RegTest)
	if err != nil {
		return err
	}
	if v != TestPattern {
		return fmt.Errorf("%w: test register read 0x%02x", ErrProbeFailed, v)
	}
	return nil
}

func (c *Camera) ClearFIFOFlag() error { return c.writeReg(RegFIFO, FIFOClearMask) }

func (c *Camera) StartCapture() error { return c.writeReg(RegFIFO, FIFOStartMask) }

func (c *Camera) CaptureDone() (bool, error) {
	v, err := c.readReg(RegTrigger)
	if err != nil {
		return false, err
	}
	return v&CaptureDoneBit != 0, nil
}

func (c *Camera) FIFOLength() (int, error) {
	s1, err := c.readReg(RegFIFOSize1)
	if err != nil {
		return 0, err
	}
	s2, err := c.readReg(RegFIFOSize2)
	if err != nil {
		return 0, err
	}
	s3, err := c.readReg(RegFIFOSize3)
	if err != nil {
		return 0, err
	}
	return fifoLength(s1, s2, s3), nil
}

func (c *Camera) BeginBurst() error {
	r := make([]byte, 2)
	err := c.conn.TxPackets([]spi.Packet{{W: []byte{CmdBurstRead, 0xFF}, R: r, KeepCS: true}})
	if err != nil {
		return fmt.Errorf("begin burst: %w", err)
	}
	return nil
}

func (c *Camera) ReadBurst(p []byte, last bool) error {
	if cap(c.dummy) < len(p) {
		c.dummy = make([]byte, len(p))
	}
	w := c.dummy[:len(p)]
	if err := c.conn.TxPackets([]spi.Packet{{W: w, R: p, KeepCS: !last}}); err != nil {
		return fmt.Errorf("burst read %d bytes: %w", len(p), err)
	}
	return nil
}

func (c *Camera) EndBurst() error {
	w, r := []byte{0}, []byte{0}
	if err := c.conn.TxPackets([]spi.Packet{{W: w, R: r}}); err != nil {
		return fmt.Errorf("end burst: %w", err)
	}
	return nil
}
