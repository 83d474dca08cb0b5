package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/rovercam/internal/datagram"
	"github.com/banshee-data/rovercam/internal/framebuf"
)

// FrameReport describes one frame seen in the capture.
type FrameReport struct {
	Timestamp framebuf.Timestamp
	Received  int
	Total     int
	Missing   []uint16
	Frame     []byte
}

// Complete reports whether every fragment arrived.
func (f FrameReport) Complete() bool { return f.Total > 0 && f.Received == f.Total }

// Analysis is the result of reading one capture file.
type Analysis struct {
	Packets   int
	Fragments int
	Repairs   int
	Controls  int
	Malformed int
	Frames    []FrameReport
}

// openCapture returns a packet source for a pcap or pcapng file.
func openCapture(f *os.File) (*gopacket.PacketSource, error) {
	if r, err := pcapgo.NewReader(f); err == nil {
		return gopacket.NewPacketSource(r, r.LinkType()), nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	ng, err := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
	if err != nil {
		return nil, fmt.Errorf("%s is neither pcap nor pcapng: %w", f.Name(), err)
	}
	return gopacket.NewPacketSource(ng, ng.LinkType()), nil
}

// analyse reassembles every frame broadcast to port.
func analyse(src *gopacket.PacketSource, port int) (*Analysis, error) {
	res := &Analysis{}
	reasm := datagram.NewReassembler()
	seen := map[framebuf.Timestamp]bool{}
	var order []framebuf.Timestamp

	for {
		packet, err := src.NextPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read packet %d: %w", res.Packets+1, err)
		}
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp := udpLayer.(*layers.UDP)
		if int(udp.DstPort) != port && int(udp.SrcPort) != port {
			continue
		}
		res.Packets++

		switch datagram.Classify(udp.Payload) {
		case datagram.KindFragment:
			f, err := datagram.DecodeFragment(udp.Payload)
			if err != nil {
				res.Malformed++
				continue
			}
			if _, err := reasm.Add(f); err != nil {
				res.Malformed++
				continue
			}
			res.Fragments++
			if !seen[f.Timestamp] {
				seen[f.Timestamp] = true
				order = append(order, f.Timestamp)
			}
		case datagram.KindMissing:
			res.Repairs++
		case datagram.KindControl:
			res.Controls++
		default:
			res.Malformed++
		}
	}

	for _, ts := range order {
		have, total := reasm.Progress(ts)
		rep := FrameReport{Timestamp: ts, Received: have, Total: total, Missing: reasm.Missing(ts)}
		if frame, ok := reasm.Frame(ts); ok {
			rep.Frame = frame
		}
		res.Frames = append(res.Frames, rep)
	}
	slices.SortStableFunc(res.Frames, func(a, b FrameReport) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return res, nil
}
