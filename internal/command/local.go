package command

import (
	"context"
	"fmt"
	"sync"
)

// Voltage divider and ADC constants of the vehicle's battery meter.
const (
	adcMax       = 1023.0
	adcRefVolts  = 1.1
	bridgeFactor = (384.0 + 81) / 81
)

// VoltageFromRaw converts a raw 10-bit ADC reading into battery volts.
func VoltageFromRaw(raw int) float64 {
	return float64(raw) / adcMax * adcRefVolts * bridgeFactor
}

// Local answers commands in-process without any motor hardware. It keeps
// the last drive request so tests and the dev build can inspect it.
type Local struct {
	mu sync.Mutex
	// RawVoltage is the ADC reading reported by status.
	RawVoltage int
	last       Command
	forward    float64
	turn       float64
}

// NewLocal returns a Local reporting a charged single cell.
func NewLocal() *Local {
	return &Local{RawVoltage: 660}
}

func (l *Local) Supports(cmd string) bool { return Supports(cmd) }

func (l *Local) Handle(_ context.Context, cmd string) (string, error) {
	c, err := Parse(cmd)
	if err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	switch c.Kind {
	case Status:
		return fmt.Sprintf("VOLT %.2f from %d", VoltageFromRaw(l.RawVoltage), l.RawVoltage), nil
	case Move:
		l.last = c
		l.forward, l.turn = Signed(c.Values[0]), Signed(c.Values[1])
		return fmt.Sprintf("OKC %.2f,%.2f", l.forward, l.turn), nil
	default:
		l.last = c
		v := Fraction(c.Values[0])
		switch c.Kind {
		case Fore:
			l.forward, l.turn = v, 0
		case Back:
			l.forward, l.turn = -v, 0
		case Left:
			l.forward, l.turn = 0, -v
		case Right:
			l.forward, l.turn = 0, v
		}
		return fmt.Sprintf("OKC%.2f", v), nil
	}
}

// Last returns the most recent drive command.
func (l *Local) Last() Command {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// Movement returns the requested forward and turn rates, each in -1..1.
func (l *Local) Movement() (forward, turn float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.forward, l.turn
}

// Disabled supports nothing; it is used when no drive subsystem exists.
type Disabled struct{}

func (Disabled) Supports(string) bool { return false }

func (Disabled) Handle(_ context.Context, cmd string) (string, error) {
	return "", fmt.Errorf("%w: %q (drive disabled)", ErrUnsupported, cmd)
}
