package devsim

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
)

// NewRouter creates the Chi router with the device API and the /sim
// control surface.
func NewRouter(sim *Simulator, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(CORS)
	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Recovery(logger))

	deviceH := NewDeviceHandler(sim)
	controlH := NewControlHandler(sim)

	r.Route("/api", func(r chi.Router) {
		r.Get("/events", deviceH.Events)
		r.Get("/{resource}", deviceH.Resource)
	})

	r.Route("/sim", func(r chi.Router) {
		r.Get("/state", controlH.State)
		r.Post("/advance", controlH.Advance)
		r.Post("/capture/start", controlH.CaptureStart)
		r.Post("/capture/stop", controlH.CaptureStop)
		r.Post("/motion", controlH.Motion)
		r.Post("/glitch", controlH.Glitch)
		r.Post("/latency", controlH.Latency)
		r.Post("/fail", controlH.Fail)
	})

	return r
}
