package admin

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/rovercam/internal/db"
	"github.com/banshee-data/rovercam/internal/httputil"
)

// chartSeries holds the per-snapshot values plotted on /charts.
type chartSeries struct {
	labels     []string
	captureMs  []opts.LineData
	frameKB    []opts.LineData
	framesPerS []opts.LineData
}

func buildSeries(snaps []db.StoredSnapshot) chartSeries {
	var cs chartSeries
	for _, s := range snaps {
		cs.labels = append(cs.labels, s.Taken.Format("15:04:05"))

		dur := s.Observations["capture.duration"]
		cs.captureMs = append(cs.captureMs, opts.LineData{Value: dur.MeanMs})

		frames := s.Counters["capture.frames"]
		kb := 0.0
		if frames > 0 {
			kb = float64(s.Counters["capture.bytes"]) / float64(frames) / 1024
		}
		cs.frameKB = append(cs.frameKB, opts.LineData{Value: kb})

		fps := 0.0
		if secs := s.Interval.Seconds(); secs > 0 {
			fps = float64(frames) / secs
		}
		cs.framesPerS = append(cs.framesPerS, opts.LineData{Value: fps})
	}
	return cs
}

func (s *Server) handleCharts(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	if s.store == nil {
		httputil.Unavailable(w, errNoTelemetry.Error())
		return
	}
	snaps, err := s.store.RecentSnapshots(queryInt(r, "limit", 360, 2, 10000))
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(snaps) == 0 {
		httputil.NotFound(w, "no stats snapshots recorded yet")
		return
	}
	cs := buildSeries(snaps)

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "rovercam capture", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Capture pipeline",
			Subtitle: fmt.Sprintf("%d snapshots from %s", len(snaps), snaps[0].Taken.Format("2006-01-02 15:04:05")),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	line.SetXAxis(cs.labels).
		AddSeries("capture ms (mean)", cs.captureMs).
		AddSeries("frame KB (mean)", cs.frameKB).
		AddSeries("frames/s", cs.framesPerS)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
