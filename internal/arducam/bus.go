// Package arducam drives an ArduCAM-style JPEG sensor module over SPI.
//
// The module captures one frame into an onboard FIFO. The host clears the
// done flag, triggers a capture, polls the done bit, reads the FIFO length
// and then burst-reads the JPEG bytes. The first byte of every burst is a
// dummy that must be discarded.
package arducam

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
)

// Register map.
const (
	RegTest        = 0x00
	RegFIFO        = 0x04
	RegTrigger     = 0x41
	RegFIFOSize1   = 0x42
	RegFIFOSize2   = 0x43
	RegFIFOSize3   = 0x44
	CmdBurstRead   = 0x3C
	FIFOClearMask  = 0x01
	FIFOStartMask  = 0x02
	CaptureDoneBit = 0x08

	// TestPattern is written to RegTest and read back by Probe.
	TestPattern = 0x55

	writeFlag  = 0x80
	addrMask   = 0x7F
	lengthMask = 0x7FFFFF
)

// MaxFIFOLength is the largest length the FIFO registers can report for
// a valid frame. Larger values indicate a corrupted read.
const MaxFIFOLength = 0x7FFFF

// ErrProbeFailed is returned when the test register does not echo the
// written pattern, usually because the module is not wired or powered.
var ErrProbeFailed = errors.New("arducam: probe failed")

// Bus is the set of sensor operations the capture engine needs. Calls must
// be made from one goroutine at a time.
type Bus interface {
	// ClearFIFOFlag clears the capture-done flag.
	ClearFIFOFlag() error
	// StartCapture triggers a single capture into the FIFO.
	StartCapture() error
	// CaptureDone reports whether the capture-done bit is set.
	CaptureDone() (bool, error)
	// FIFOLength returns the number of bytes in the FIFO.
	FIFOLength() (int, error)
	// BeginBurst issues the burst-read command and discards the dummy byte.
	// Chip select stays asserted until the last ReadBurst or EndBurst.
	BeginBurst() error
	// ReadBurst fills p from the FIFO. When last is true chip select is
	// released after the transfer.
	ReadBurst(p []byte, last bool) error
	// EndBurst abandons a burst in progress.
	EndBurst() error
}

// fifoLength assembles the three FIFO size registers.
func fifoLength(s1, s2, s3 byte) int {
	return (int(s3)<<16 | int(s2)<<8 | int(s1)) & lengthMask
}

// Setup is the one-off initialisation done before capturing starts.
type Setup interface {
	// Probe checks the module answers on the bus.
	Probe() error
	// Configure selects JPEG output at size.
	Configure(size JPEGSize) error
}

// Registers is a snapshot of the module's control registers.
type Registers struct {
	Test        byte `json:"test"`
	FIFOControl byte `json:"fifo_control"`
	Trigger     byte `json:"trigger"`
	FIFOLength  int  `json:"fifo_length"`
}

// RegisterReader reads a Registers snapshot.
type RegisterReader interface {
	ReadRegisters() (Registers, error)
}

// ErrBusBusy is returned by Exclusive when the token could not be taken in
// time.
var ErrBusBusy = errors.New("arducam: bus busy")

// NewToken returns the admission token every bus user shares. The capture
// engine holds it for a whole capture cycle.
func NewToken() *semaphore.Weighted { return semaphore.NewWeighted(1) }

// Exclusive runs fn while holding token. It waits at most wait for the
// token; a zero wait only tries once.
func Exclusive(ctx context.Context, token *semaphore.Weighted, wait time.Duration, fn func() error) error {
	if !token.TryAcquire(1) {
		if wait <= 0 {
			return ErrBusBusy
		}
		wctx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		if err := token.Acquire(wctx, 1); err != nil {
			return fmt.Errorf("%w: %v", ErrBusBusy, err)
		}
	}
	defer token.Release(1)
	return fn()
}
