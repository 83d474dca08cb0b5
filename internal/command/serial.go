package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/rovercam/internal/monitoring"
	"github.com/banshee-data/rovercam/internal/serialmux"
)

// DefaultReplyTimeout bounds the wait for the motor board's answer.
const DefaultReplyTimeout = 250 * time.Millisecond

// Serial forwards validated commands to the motor board over a serial link
// and relays its one-line reply.
type Serial struct {
	mux     serialmux.SerialMuxInterface
	timeout time.Duration
}

// NewSerial wraps mux. A non-positive timeout uses DefaultReplyTimeout.
func NewSerial(mux serialmux.SerialMuxInterface, timeout time.Duration) *Serial {
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}
	return &Serial{mux: mux, timeout: timeout}
}

func (s *Serial) Supports(cmd string) bool { return Supports(cmd) }

func (s *Serial) Handle(ctx context.Context, cmd string) (string, error) {
	c, err := Parse(cmd)
	if err != nil {
		return "", err
	}
	reply, err := s.mux.Request(ctx, c.String(), s.timeout)
	if err != nil {
		if errors.Is(err, serialmux.ErrNoReply) {
			monitoring.Logf("command: %q unanswered after %v", c.String(), s.timeout)
			return "", fmt.Errorf("%w: %s", ErrTimeout, c.Kind)
		}
		return "", fmt.Errorf("send %s: %w", c.Kind, err)
	}
	return reply, nil
}
