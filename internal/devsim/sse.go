package devsim

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Events handles GET /api/events, the push channel. The stream carries
// named events per resource, comment heartbeats, and replays missed
// events when the client presents a lastEventId it still remembers.
func (h *DeviceHandler) Events(w http.ResponseWriter, r *http.Request) {
	if h.sim.disablePush {
		writeError(w, http.StatusNotFound, "push channel disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Suggest a reconnect delay and confirm liveness right away.
	io.WriteString(w, "retry: 2000\n\n")
	flusher.Flush()

	subID, events, replay := h.sim.subscribeSince(r.URL.Query().Get("lastEventId"))
	defer h.sim.unsubscribe(subID)

	for _, ev := range replay {
		if err := writeFrame(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(h.sim.hbInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": hb\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			if err := writeFrame(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeFrame puts one event on the wire. Eventless notifications carry
// an empty data line so conforming clients still dispatch them.
func writeFrame(w io.Writer, ev wireEvent) error {
	var b bytes.Buffer
	fmt.Fprintf(&b, "event: %s\n", ev.name)
	fmt.Fprintf(&b, "id: %s\n", ev.id)
	if ev.data != nil {
		fmt.Fprintf(&b, "data: %s\n", ev.data)
	} else {
		b.WriteString("data:\n")
	}
	b.WriteString("\n")
	_, err := w.Write(b.Bytes())
	return err
}
