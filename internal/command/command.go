// Package command is the boundary to the vehicle's drive subsystem. The
// streaming servers forward text commands here and relay the reply.
package command

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrUnsupported = errors.New("command: unsupported")
	ErrBadValue    = errors.New("command: bad value")
	ErrTimeout     = errors.New("command: no reply")
)

// Handler executes text commands.
type Handler interface {
	// Supports reports whether cmd names a command this handler knows.
	Supports(cmd string) bool
	// Handle executes cmd and returns the textual reply.
	Handle(ctx context.Context, cmd string) (string, error)
}

// Kind names a command verb.
type Kind string

const (
	Move   Kind = "move"
	Left   Kind = "left"
	Right  Kind = "right"
	Fore   Kind = "fore"
	Back   Kind = "back"
	Status Kind = "status"
)

// MaxValue is the top of the 0..1000 integer range clients send.
const MaxValue = 1000

// Command is a parsed command line.
type Command struct {
	Kind Kind
	// Values holds the raw integer arguments.
	Values []int
}

// Supports reports whether cmd starts with a known verb. Arguments are not
// validated here.
func Supports(cmd string) bool {
	for _, k := range []Kind{Move, Left, Right, Fore, Back} {
		if strings.HasPrefix(cmd, string(k)+" ") {
			return true
		}
	}
	return strings.HasPrefix(cmd, string(Status))
}

// Parse validates a command line.
func Parse(cmd string) (Command, error) {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("%w: empty command", ErrUnsupported)
	}
	c := Command{Kind: Kind(fields[0])}

	var want int
	switch c.Kind {
	case Move:
		want = 2
	case Left, Right, Fore, Back:
		want = 1
	case Status:
		return c, nil
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnsupported, fields[0])
	}

	if len(fields)-1 < want {
		return Command{}, fmt.Errorf("%w: %s needs %d value(s)", ErrBadValue, c.Kind, want)
	}
	for _, f := range fields[1 : 1+want] {
		v, err := strconv.Atoi(f)
		if err != nil {
			return Command{}, fmt.Errorf("%w: %q is not a number", ErrBadValue, f)
		}
		if v < 0 || v > MaxValue {
			return Command{}, fmt.Errorf("%w: %d outside 0..%d", ErrBadValue, v, MaxValue)
		}
		c.Values = append(c.Values, v)
	}
	return c, nil
}

// Fraction maps a 0..1000 value onto 0..1.
func Fraction(v int) float64 { return float64(v) / MaxValue }

// Signed maps a 0..1000 value onto -1..1 with 500 as rest.
func Signed(v int) float64 { return (Fraction(v) - 0.5) * 2 }

// String renders the command back into its wire form.
func (c Command) String() string {
	parts := []string{string(c.Kind)}
	for _, v := range c.Values {
		parts = append(parts, strconv.Itoa(v))
	}
	return strings.Join(parts, " ")
}
