// Command pcap-frames reassembles the camera's UDP frame broadcast from a
// packet capture and reports which frames arrived whole.
package main

import (
	"flag"
	"fmt"
	"image/color"
	"io"
	"log"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/rovercam/internal/fsutil"
)

var (
	pcapFile = flag.String("pcap", "", "Capture file (pcap or pcapng)")
	udpPort  = flag.Int("port", 6000, "UDP port carrying the frame broadcast")
	outDir   = flag.String("out", "", "Directory to write complete frames to (optional)")
	plotFile = flag.String("plot", "", "PNG file for a fragments-per-frame plot (optional)")
	verbose  = flag.Bool("v", false, "List every frame")
)

func main() {
	flag.Parse()
	if *pcapFile == "" {
		log.Fatal("-pcap is required")
	}

	f, err := os.Open(*pcapFile)
	if err != nil {
		log.Fatalf("failed to open capture: %v", err)
	}
	defer f.Close()

	src, err := openCapture(f)
	if err != nil {
		log.Fatalf("%v", err)
	}
	res, err := analyse(src, *udpPort)
	if err != nil {
		log.Fatalf("analysis failed: %v", err)
	}

	report(os.Stdout, res, *verbose)

	if *outDir != "" {
		n, err := writeFrames(res, *outDir)
		if err != nil {
			log.Fatalf("failed to write frames: %v", err)
		}
		log.Printf("wrote %d frames to %s", n, *outDir)
	}
	if *plotFile != "" {
		if err := plotFragments(res, *plotFile); err != nil {
			log.Fatalf("failed to plot: %v", err)
		}
		log.Printf("wrote plot to %s", *plotFile)
	}
}

func report(w io.Writer, res *Analysis, all bool) {
	complete := 0
	for _, fr := range res.Frames {
		if fr.Complete() {
			complete++
		}
	}
	fmt.Fprintf(w, "packets: %d (fragments %d, repair requests %d, control %d, malformed %d)\n",
		res.Packets, res.Fragments, res.Repairs, res.Controls, res.Malformed)
	fmt.Fprintf(w, "frames: %d complete, %d incomplete\n", complete, len(res.Frames)-complete)
	for _, fr := range res.Frames {
		switch {
		case !fr.Complete():
			fmt.Fprintf(w, "  ts=%d %d/%d missing %v\n", fr.Timestamp, fr.Received, fr.Total, fr.Missing)
		case all:
			fmt.Fprintf(w, "  ts=%d %d/%d %d bytes\n", fr.Timestamp, fr.Received, fr.Total, len(fr.Frame))
		}
	}
}

// writeFrames saves each complete frame as <ts>.jpg under dir.
func writeFrames(res *Analysis, dir string) (int, error) {
	out := fsutil.NewFrameDir(nil, dir, "")
	for _, fr := range res.Frames {
		if !fr.Complete() {
			continue
		}
		if _, err := out.Write(uint32(fr.Timestamp), fr.Frame); err != nil {
			return out.Written(), err
		}
	}
	return out.Written(), nil
}

func plotFragments(res *Analysis, path string) error {
	p := plot.New()
	p.Title.Text = "Fragments per frame"
	p.X.Label.Text = "frame"
	p.Y.Label.Text = "fragments"

	received := make(plotter.XYs, 0, len(res.Frames))
	expected := make(plotter.XYs, 0, len(res.Frames))
	for i, fr := range res.Frames {
		received = append(received, plotter.XY{X: float64(i), Y: float64(fr.Received)})
		expected = append(expected, plotter.XY{X: float64(i), Y: float64(fr.Total)})
	}

	expLine, err := plotter.NewLine(expected)
	if err != nil {
		return err
	}
	expLine.Color = color.RGBA{R: 160, G: 160, B: 160, A: 255}
	expLine.Width = vg.Points(1)

	recLine, err := plotter.NewLine(received)
	if err != nil {
		return err
	}
	recLine.Color = color.RGBA{R: 200, G: 30, B: 30, A: 255}
	recLine.Width = vg.Points(1)

	p.Add(expLine, recLine)
	p.Legend.Add("announced", expLine)
	p.Legend.Add("received", recLine)
	p.Legend.Top = true

	return p.Save(10*vg.Inch, 4*vg.Inch, path)
}
