package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cjeanneret/camzilla/internal/debug"
	"github.com/cjeanneret/camzilla/internal/engine"
	"github.com/cjeanneret/camzilla/internal/logic/capture"
	"github.com/cjeanneret/camzilla/internal/task"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// Engine is the part of *engine.Engine the handlers use.
type Engine interface {
	Submit(cmd task.Command) error
	Status() engine.Status
}

// TaskRequest is the body of POST /task. Either Action is set, or Type
// selects a typed task.
type TaskRequest struct {
	Action   string  `json:"action,omitempty"`   // e.g. "panorama(start(0,0) pictures(2,2) rotation(10,10))"
	Type     string  `json:"type,omitempty"`     // panorama, picture_now, positioning, mode, calibration
	Target   string  `json:"target,omitempty"`   // camera (default) or webcam
	Settings string  `json:"settings,omitempty"` // plan text or capture settings
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Mode     *int    `json:"mode,omitempty"`
}

// PowerRequest is the body of POST /power.
type PowerRequest struct {
	Camera bool `json:"camera"`
	Heater bool `json:"heater"`
}

// ValidateTaskRequest checks req and turns it into a command.
func ValidateTaskRequest(req TaskRequest) (task.Command, error) {
	if a := strings.TrimSpace(req.Action); a != "" {
		if req.Type != "" {
			return task.Command{}, errors.New("action and type are mutually exclusive")
		}
		return task.Command{Kind: task.TaskCommand, Action: a}, nil
	}

	t := &task.Task{Target: capture.Camera, Settings: req.Settings}
	switch strings.ToLower(req.Target) {
	case "", "camera":
	case "webcam":
		t.Target = capture.Webcam
	default:
		return task.Command{}, fmt.Errorf("unknown target %q", req.Target)
	}

	switch req.Type {
	case "panorama":
		t.Kind = task.Panorama
	case "picture_now":
		t.Kind = task.PictureNow
	case "positioning":
		if !finite(req.X) || !finite(req.Y) {
			return task.Command{}, errors.New("x and y must be finite numbers")
		}
		if math.Abs(req.X) > 360 || math.Abs(req.Y) > 360 {
			return task.Command{}, errors.New("x and y must be between -360 and 360")
		}
		t.Kind, t.X, t.Y = task.Positioning, req.X, req.Y
	case "mode":
		if req.Mode == nil {
			return task.Command{}, errors.New("mode is required")
		}
		t.Kind, t.Mode = task.Mode, *req.Mode
	case "calibration":
		t.Kind = task.Calibration
	case "":
		return task.Command{}, errors.New("action or type is required")
	default:
		return task.Command{}, fmt.Errorf("unknown task type %q", req.Type)
	}
	return task.Command{Kind: task.TaskCommand, Task: t}, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Engine  Engine
	Logs    *Broadcaster
	Results *Broadcaster

	upgrader websocket.Upgrader
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(eng Engine, logs, results *Broadcaster) *Handlers {
	return &Handlers{
		Engine:   eng,
		Logs:     logs,
		Results:  results,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		debug.Verbose("web: encode response: %v", err)
	}
}

func (h *Handlers) submit(w http.ResponseWriter, cmd task.Command) {
	if h.Engine == nil {
		http.Error(w, "engine not configured", http.StatusServiceUnavailable)
		return
	}
	switch err := h.Engine.Submit(cmd); {
	case errors.Is(err, engine.ErrQueueFull):
		http.Error(w, "queue full", http.StatusServiceUnavailable)
	case errors.Is(err, engine.ErrStopped):
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	}
}

// HandleTask handles POST /task.
func (h *Handlers) HandleTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req TaskRequest
	if !decode(w, r, &req) {
		return
	}
	cmd, err := ValidateTaskRequest(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.submit(w, cmd)
}

// HandlePower handles POST /power.
func (h *Handlers) HandlePower(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req PowerRequest
	if !decode(w, r, &req) {
		return
	}
	h.submit(w, task.Command{Kind: task.PowerCommand, Camera: req.Camera, Heater: req.Heater})
}

// HandleStatus returns the engine status as JSON.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if h.Engine == nil {
		http.Error(w, "engine not configured", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, h.Engine.Status())
}

// HandleStatusStream handles GET /status/stream: log lines as SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	stream(w, r, h.Logs)
}

// HandleResultStream handles GET /results/stream: result records as SSE.
func (h *Handlers) HandleResultStream(w http.ResponseWriter, r *http.Request) {
	stream(w, r, h.Results)
}

func stream(w http.ResponseWriter, r *http.Request, b *Broadcaster) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := b.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// HandleWS upgrades to a websocket and pushes every result record as a
// text message until the client goes away.
func (h *Handlers) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.Warn("web: websocket upgrade: %v", err)
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			debug.Verbose("web: close websocket: %v", err)
		}
	}()

	ch, unsub := h.Results.Subscribe()
	defer unsub()

	// the read loop only notices the client closing
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
