package main

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/rovercam/internal/datagram"
	"github.com/banshee-data/rovercam/internal/framebuf"
)

func udpPacket(t *testing.T, dstPort int, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(192, 168, 151, 10),
		DstIP:    net.IPv4(192, 168, 151, 255),
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(dstPort)}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatal(err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return buf.Bytes()
}

func writeCapture(t *testing.T, payloads [][]byte, ports []int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.pcap")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		t.Fatal(err)
	}
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, p := range payloads {
		data := udpPacket(t, ports[i], p)
		ci := gopacket.CaptureInfo{Timestamp: start.Add(time.Duration(i) * time.Millisecond), CaptureLength: len(data), Length: len(data)}
		if err := w.WritePacket(ci, data); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

func fragments(content []byte, ts framebuf.Timestamp, size int) [][]byte {
	total := datagram.FragmentCount(len(content), size)
	var out [][]byte
	for seq := range total {
		start, end := datagram.FragmentBounds(seq, len(content), size)
		out = append(out, datagram.AppendFragment(nil, datagram.Fragment{
			Timestamp: ts, Seq: uint16(seq), Total: uint16(total), Payload: content[start:end],
		}))
	}
	return out
}

func TestAnalyse(t *testing.T) {
	whole := bytes.Repeat([]byte{0xAB}, 3000)
	partial := bytes.Repeat([]byte{0xCD}, 3000)

	var payloads [][]byte
	var ports []int
	add := func(p []byte, port int) {
		payloads = append(payloads, p)
		ports = append(ports, port)
	}
	for _, p := range fragments(whole, 100, 1200) {
		add(p, 6000)
	}
	pf := fragments(partial, 140, 1200)
	add(pf[0], 6000)
	add(pf[2], 6000)
	miss, err := datagram.EncodeMissing(datagram.MissingRequest{Timestamp: 140, Seqs: []uint16{1}})
	if err != nil {
		t.Fatal(err)
	}
	add(miss, 6000)
	add(datagram.EncodeControl("status"), 6000)
	add([]byte("zz"), 6000)
	add(fragments(whole, 999, 1200)[0], 7000)

	path := writeCapture(t, payloads, ports)
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	src, err := openCapture(f)
	if err != nil {
		t.Fatalf("openCapture: %v", err)
	}
	res, err := analyse(src, 6000)
	if err != nil {
		t.Fatalf("analyse: %v", err)
	}

	if res.Packets != 8 || res.Fragments != 5 || res.Repairs != 1 || res.Controls != 1 || res.Malformed != 1 {
		t.Errorf("counts = %+v", res)
	}
	if len(res.Frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(res.Frames))
	}

	first := res.Frames[0]
	if !first.Complete() || first.Timestamp != 100 {
		t.Errorf("first frame = ts %d complete %v", first.Timestamp, first.Complete())
	}
	if diff := cmp.Diff(whole, first.Frame); diff != "" {
		t.Errorf("reassembled frame mismatch (-want +got):\n%s", diff)
	}

	second := res.Frames[1]
	if second.Complete() || second.Received != 2 || second.Total != 3 {
		t.Errorf("second frame = %+v", second)
	}
	if diff := cmp.Diff([]uint16{1}, second.Missing); diff != "" {
		t.Errorf("missing mismatch (-want +got):\n%s", diff)
	}

	var out bytes.Buffer
	report(&out, res, false)
	if !strings.Contains(out.String(), "1 complete, 1 incomplete") || !strings.Contains(out.String(), "ts=140 2/3 missing [1]") {
		t.Errorf("report:\n%s", out.String())
	}

	dir := filepath.Join(t.TempDir(), "frames")
	n, err := writeFrames(res, dir)
	if err != nil || n != 1 {
		t.Fatalf("writeFrames = %d, %v", n, err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "0000000100.jpg"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, whole) {
		t.Error("written frame differs from reassembled frame")
	}

	png := filepath.Join(t.TempDir(), "fragments.png")
	if err := plotFragments(res, png); err != nil {
		t.Fatalf("plotFragments: %v", err)
	}
	if st, err := os.Stat(png); err != nil || st.Size() == 0 {
		t.Errorf("plot not written: %v", err)
	}
}

func TestOpenCaptureRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.pcap")
	if err := os.WriteFile(path, []byte("definitely not a capture file"), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := openCapture(f); err == nil {
		t.Error("expected an error for a non-capture file")
	}
}
