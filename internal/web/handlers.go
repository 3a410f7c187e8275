package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"net/http"
	"time"

	"github.com/botross/brushcnc/internal/debug"
	"github.com/botross/brushcnc/internal/hw/stepper"
	"github.com/botross/brushcnc/internal/logic/geometry"
	"github.com/botross/brushcnc/internal/logic/homing"
	"github.com/botross/brushcnc/internal/logic/motion"
	"github.com/gorilla/websocket"
)

// MaxRequestBytes caps POST bodies.
const MaxRequestBytes = 1 << 20

// Machine is the part of motion.Controller the handlers drive.
type Machine interface {
	Status() motion.Status
	Axes() []motion.AxisInfo
	HomeAsync(ctx context.Context, done func(*homing.Report, error)) error
	Move(axis string, frequency float64, goal int) error
	MoveTo(axis string, frequency float64, setpoint int) error
	MoveMM(axis string, mmPerSec, mm float64) error
	Stop()
}

// MoveRequest is the body of POST /move. With MM set, Frequency is a feed
// rate in mm/s and Goal a distance in mm.
type MoveRequest struct {
	Axis      string  `json:"axis"`
	Frequency float64 `json:"frequency"`
	Goal      float64 `json:"goal"`
	Absolute  bool    `json:"absolute"`
	MM        bool    `json:"mm"`
}

// Validate checks a move request before it reaches the machine.
func (m MoveRequest) Validate() error {
	if m.Axis == "" {
		return errors.New("axis is required")
	}
	if math.IsNaN(m.Frequency) || math.IsInf(m.Frequency, 0) || m.Frequency < 0 {
		return fmt.Errorf("frequency must be a finite value >= 0, got %v", m.Frequency)
	}
	if math.IsNaN(m.Goal) || math.IsInf(m.Goal, 0) || math.Abs(m.Goal) > math.MaxInt32 {
		return fmt.Errorf("goal out of range: %v", m.Goal)
	}
	if m.MM && m.Absolute {
		return errors.New("absolute moves are given in steps")
	}
	if !m.MM && m.Goal != math.Trunc(m.Goal) {
		return fmt.Errorf("goal must be a whole number of steps, got %v", m.Goal)
	}
	return nil
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Machine     Machine
	// StatusInterval is how often stream clients get a snapshot when
	// the machine state changed.
	StatusInterval time.Duration

	baseCtx  context.Context
	staticFS fs.FS
	upgrader websocket.Upgrader
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(broadcaster *StatusBroadcaster, machine Machine, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster:    broadcaster,
		Machine:        machine,
		StatusInterval: 250 * time.Millisecond,
		baseCtx:        context.Background(),
		staticFS:       staticFS,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // LAN-only control panel
			},
		},
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// HandleStatus returns the machine snapshot as JSON.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Machine.Status())
}

// HandleConfig returns the axis limits as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Machine.Axes())
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleHome handles POST /home. The pass runs in the background; its
// outcome goes to stream clients.
func (h *Handlers) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	err := h.Machine.HomeAsync(h.baseCtx, func(report *homing.Report, err error) {
		if err != nil {
			h.Broadcaster.Broadcast(LevelError, "Homing failed: "+err.Error())
			return
		}
		h.Broadcaster.BroadcastMsg(fmt.Sprintf("Homing complete after %d polls", report.Iterations))
		h.Broadcaster.BroadcastStatus(h.Machine.Status())
	})
	if errors.Is(err, motion.ErrBusy) {
		http.Error(w, "homing already in progress", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "homing"})
}

// HandleMove handles POST /move.
func (h *Handlers) HandleMove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBytes)
	var req MoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var err error
	switch {
	case req.MM:
		err = h.Machine.MoveMM(req.Axis, req.Frequency, req.Goal)
	case req.Absolute:
		err = h.Machine.MoveTo(req.Axis, req.Frequency, int(req.Goal))
	default:
		err = h.Machine.Move(req.Axis, req.Frequency, int(req.Goal))
	}
	switch {
	case err == nil:
	case errors.Is(err, motion.ErrBusy):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, motion.ErrUnknownAxis),
		errors.Is(err, motion.ErrTooFast),
		errors.Is(err, stepper.ErrInvalidFrequency),
		errors.Is(err, geometry.ErrNoScale):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	default:
		debug.Error(err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "moving"})
}

// HandleStop handles POST /stop.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.Machine.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// statusTracker encodes a snapshot only when it differs from the last one
// sent to the same client.
type statusTracker struct {
	machine Machine
	last    []byte
}

func (s *statusTracker) next() (StatusEvent, bool) {
	st := s.machine.Status()
	data, err := json.Marshal(st)
	if err != nil || string(data) == string(s.last) {
		return StatusEvent{}, false
	}
	s.last = data
	return StatusEvent{
		Time:   time.Now().Format(time.RFC3339),
		Level:  LevelStatus,
		Status: &st,
	}, true
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	tracker := &statusTracker{machine: h.Machine}
	sendStatus := func() {
		if evt, changed := tracker.next(); changed {
			data, _ := json.Marshal(evt)
			w.Write([]byte("data: " + string(data) + "\n\n"))
			flusher.Flush()
		}
	}
	sendStatus()

	ticker := time.NewTicker(h.StatusInterval)
	defer ticker.Stop()
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			sendStatus()

		case <-heartbeat.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// HandleStatusWS handles GET /status/ws. It carries the same events as
// the SSE stream, one JSON text message each.
func (h *Handlers) HandleStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.Verbose("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Clients never send anything meaningful; reading only detects close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(payload []byte) bool {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteMessage(websocket.TextMessage, payload) == nil
	}

	tracker := &statusTracker{machine: h.Machine}
	sendStatus := func() bool {
		evt, changed := tracker.next()
		if !changed {
			return true
		}
		data, _ := json.Marshal(evt)
		return write(data)
	}
	if !sendStatus() {
		return
	}

	ticker := time.NewTicker(h.StatusInterval)
	defer ticker.Stop()
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok || !write([]byte(msg)) {
				return
			}
		case <-ticker.C:
			if !sendStatus() {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
