package admin

import (
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/encoding/json"

	"github.com/maxpert/binlogtap/position"
	"github.com/maxpert/binlogtap/stream"
)

// StatusSource is implemented by the engine
type StatusSource interface {
	Status() stream.Status
	Position() position.Position
}

// BacklogSource is implemented by the publisher registry
type BacklogSource interface {
	Backlog() map[string]uint64
}

// Handlers serves the status endpoints
type Handlers struct {
	engine  StatusSource
	backlog BacklogSource
	metrics http.Handler
}

// NewHandlers builds handlers. backlog and metrics may be nil.
func NewHandlers(engine StatusSource, backlog BacklogSource, metrics http.Handler) *Handlers {
	return &Handlers{engine: engine, backlog: backlog, metrics: metrics}
}

type positionResponse struct {
	Mode     string `json:"mode"`
	File     string `json:"file,omitempty"`
	Offset   uint64 `json:"offset"`
	GTIDs    string `json:"gtids,omitempty"`
	InFlight string `json:"in_flight,omitempty"`
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.engine.Status())
}

func (h *Handlers) handlePosition(w http.ResponseWriter, r *http.Request) {
	pos := h.engine.Position()
	resp := positionResponse{
		Mode:   pos.Mode.String(),
		File:   pos.File,
		Offset: pos.Offset,
	}
	if pos.Mode == position.ModeGTID {
		resp.GTIDs = pos.GTIDs.String()
	}
	if !pos.InFlight.IsZero() {
		resp.InFlight = pos.InFlight.String()
	}
	writeJSONResponse(w, resp)
}

// handleSinks reports publish log entries each sink has yet to deliver
func (h *Handlers) handleSinks(w http.ResponseWriter, r *http.Request) {
	if h.backlog == nil {
		writeErrorResponse(w, http.StatusNotFound, "no sinks configured")
		return
	}
	backlog := h.backlog.Backlog()
	if backlog == nil {
		backlog = map[string]uint64{}
	}
	writeJSONResponse(w, map[string]interface{}{"backlog": backlog})
}

func (h *Handlers) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		writeErrorResponse(w, http.StatusNotFound, "metrics are disabled")
		return
	}
	h.metrics.ServeHTTP(w, r)
}

func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
