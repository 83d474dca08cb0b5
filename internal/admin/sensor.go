package admin

import (
	"errors"
	"net/http"

	"golang.org/x/sync/semaphore"

	"github.com/banshee-data/rovercam/internal/arducam"
	"github.com/banshee-data/rovercam/internal/httputil"
)

var errNoSensor = errors.New("no sensor attached")

// AttachSensor serves a register readout at /api/sensor. The readout
// takes the bus token without waiting, so it answers 503 while a capture
// cycle owns the bus.
func (s *Server) AttachSensor(regs arducam.RegisterReader, token *semaphore.Weighted) {
	s.mux.HandleFunc("/api/sensor", func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireGET(w, r) {
			return
		}
		if regs == nil || token == nil {
			httputil.Unavailable(w, errNoSensor.Error())
			return
		}
		var out arducam.Registers
		err := arducam.Exclusive(r.Context(), token, 0, func() error {
			var err error
			out, err = regs.ReadRegisters()
			return err
		})
		switch {
		case errors.Is(err, arducam.ErrBusBusy):
			s.stats.Count("admin.sensor_busy", 1)
			httputil.Unavailable(w, err.Error())
		case err != nil:
			httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		default:
			httputil.WriteJSONOK(w, out)
		}
	})
}
