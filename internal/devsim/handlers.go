package devsim

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/vanderheijden86/camwatch/pkg/model"
)

// DeviceHandler serves the surface a real camera exposes.
type DeviceHandler struct {
	sim *Simulator
}

func NewDeviceHandler(sim *Simulator) *DeviceHandler {
	return &DeviceHandler{sim: sim}
}

// Resource handles GET /api/{resource}
func (h *DeviceHandler) Resource(w http.ResponseWriter, r *http.Request) {
	resource := model.Resource(chi.URLParam(r, "resource"))
	if !model.Known(resource) {
		writeError(w, http.StatusNotFound, "unknown resource")
		return
	}

	delay, failStatus := h.sim.fetchIntercept()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if failStatus != 0 {
		writeError(w, failStatus, "injected failure")
		return
	}

	payload := h.sim.Snapshot(resource)
	if payload == nil {
		writeError(w, http.StatusInternalServerError, "snapshot unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

// ControlHandler serves the /sim surface used to script the device.
type ControlHandler struct {
	sim *Simulator
}

func NewControlHandler(sim *Simulator) *ControlHandler {
	return &ControlHandler{sim: sim}
}

type advanceRequest struct {
	Resource model.Resource `json:"resource"`
	Fields   map[string]any `json:"fields"`
	KeepSeq  bool           `json:"keepSeq"` // hold the sequence, for same-seq partial deliveries
	Partial  bool           `json:"partial"` // event carries only the changed fields
	Emit     string         `json:"emit"`    // data (default), eventless, none
}

type advanceResponse struct {
	Resource model.Resource `json:"resource"`
	Seq      int64          `json:"seq,omitempty"`
	EventID  string         `json:"eventId,omitempty"`
}

// Advance handles POST /sim/advance
func (h *ControlHandler) Advance(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	emit := EmitData
	switch req.Emit {
	case "", string(EmitData):
	case string(EmitEventless):
		emit = EmitEventless
	case string(EmitNone):
		emit = EmitNone
	default:
		writeError(w, http.StatusBadRequest, "emit must be data, eventless, or none")
		return
	}

	seq, eventID, err := h.sim.Advance(req.Resource, req.Fields, !req.KeepSeq, req.Partial, emit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, advanceResponse{Resource: req.Resource, Seq: seq, EventID: eventID})
}

// State handles GET /sim/state
func (h *ControlHandler) State(w http.ResponseWriter, r *http.Request) {
	dump := make(map[model.Resource]json.RawMessage, len(model.AllResources()))
	for _, resource := range model.AllResources() {
		if payload := h.sim.Snapshot(resource); payload != nil {
			dump[resource] = payload
		}
	}
	writeJSON(w, http.StatusOK, dump)
}

type captureStartRequest struct {
	File string `json:"file"`
}

// CaptureStart handles POST /sim/capture/start
func (h *ControlHandler) CaptureStart(w http.ResponseWriter, r *http.Request) {
	var req captureStartRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
	}
	file, err := h.sim.StartCapture(req.File)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"file": file})
}

// CaptureStop handles POST /sim/capture/stop
func (h *ControlHandler) CaptureStop(w http.ResponseWriter, r *http.Request) {
	id, err := h.sim.StopCapture()
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"recordingId": id})
}

type motionRequest struct {
	Active     bool     `json:"active"`
	Zones      []string `json:"zones"`
	Confidence *float64 `json:"confidence"`
}

// Motion handles POST /sim/motion
func (h *ControlHandler) Motion(w http.ResponseWriter, r *http.Request) {
	var req motionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if !req.Active {
		if err := h.sim.ClearMotion(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"active": false})
		return
	}
	confidence := 0.8
	if req.Confidence != nil {
		confidence = *req.Confidence
	}
	if err := h.sim.TriggerMotion(req.Zones, confidence); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"active": true})
}

type glitchResponse struct {
	Dropped int `json:"dropped"`
}

// Glitch handles POST /sim/glitch by severing every connected stream.
func (h *ControlHandler) Glitch(w http.ResponseWriter, r *http.Request) {
	dropped := h.sim.DropStreams()
	writeJSON(w, http.StatusOK, glitchResponse{Dropped: dropped})
}

type latencyRequest struct {
	Ms int `json:"ms"`
}

// Latency handles POST /sim/latency
func (h *ControlHandler) Latency(w http.ResponseWriter, r *http.Request) {
	var req latencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.Ms < 0 {
		writeError(w, http.StatusBadRequest, "ms must not be negative")
		return
	}
	h.sim.SetLatency(time.Duration(req.Ms) * time.Millisecond)
	writeJSON(w, http.StatusOK, map[string]int{"ms": req.Ms})
}

type failRequest struct {
	Count  int `json:"count"`
	Status int `json:"status"`
}

// Fail handles POST /sim/fail by scheduling fetch failures.
func (h *ControlHandler) Fail(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.Count < 0 {
		writeError(w, http.StatusBadRequest, "count must not be negative")
		return
	}
	if req.Status == 0 {
		req.Status = http.StatusInternalServerError
	}
	if req.Status < 400 || req.Status > 599 {
		writeError(w, http.StatusBadRequest, "status must be a 4xx or 5xx code")
		return
	}
	h.sim.FailNext(req.Count, req.Status)
	writeJSON(w, http.StatusOK, failRequest{Count: req.Count, Status: req.Status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
