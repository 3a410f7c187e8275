package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/botross/brushcnc/internal/config"
	"github.com/botross/brushcnc/internal/hw/gpio"
	"github.com/botross/brushcnc/internal/hw/stepper"
	"github.com/botross/brushcnc/internal/logic/homing"
	"github.com/botross/brushcnc/internal/logic/motion"
	"github.com/gorilla/websocket"
)

// fakeMachine records calls and returns canned errors.
type fakeMachine struct {
	mu       sync.Mutex
	moves    []string
	moveErr  error
	homeErr  error
	homeDone func(*homing.Report, error)
	stopped  bool
	status   motion.Status
}

func (m *fakeMachine) Status() motion.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *fakeMachine) setStatus(st motion.Status) {
	m.mu.Lock()
	m.status = st
	m.mu.Unlock()
}

func (m *fakeMachine) Axes() []motion.AxisInfo {
	return []motion.AxisInfo{{Name: "x", MaxFrequency: 400, TravelLength: 4000, StepsPerMM: 25}}
}

func (m *fakeMachine) HomeAsync(ctx context.Context, done func(*homing.Report, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.homeErr != nil {
		return m.homeErr
	}
	m.homeDone = done
	return nil
}

func (m *fakeMachine) record(format string, args ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.moveErr != nil {
		return m.moveErr
	}
	m.moves = append(m.moves, fmt.Sprintf(format, args...))
	return nil
}

func (m *fakeMachine) Move(axis string, frequency float64, goal int) error {
	return m.record("move %s %g %d", axis, frequency, goal)
}

func (m *fakeMachine) MoveTo(axis string, frequency float64, setpoint int) error {
	return m.record("moveto %s %g %d", axis, frequency, setpoint)
}

func (m *fakeMachine) MoveMM(axis string, mmPerSec, mm float64) error {
	return m.record("movemm %s %g %g", axis, mmPerSec, mm)
}

func (m *fakeMachine) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func newTestHandlers(m Machine) *Handlers {
	staticFS := fstest.MapFS{
		"index.html": &fstest.MapFile{Data: []byte("<html>test</html>")},
	}
	h := NewHandlers(NewStatusBroadcaster(), m, staticFS)
	h.StatusInterval = 5 * time.Millisecond
	return h
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

// ---------- MoveRequest ----------

func TestMoveRequest_Validate(t *testing.T) {
	cases := []struct {
		name    string
		req     MoveRequest
		wantErr bool
	}{
		{"relative", MoveRequest{Axis: "x", Frequency: 100, Goal: -200}, false},
		{"stop", MoveRequest{Axis: "x"}, false},
		{"absolute", MoveRequest{Axis: "z", Frequency: 10, Goal: 5, Absolute: true}, false},
		{"mm_fraction", MoveRequest{Axis: "x", Frequency: 2, Goal: 0.5, MM: true}, false},
		{"no_axis", MoveRequest{Frequency: 100, Goal: 1}, true},
		{"negative_frequency", MoveRequest{Axis: "x", Frequency: -1, Goal: 1}, true},
		{"nan_frequency", MoveRequest{Axis: "x", Frequency: math.NaN(), Goal: 1}, true},
		{"inf_frequency", MoveRequest{Axis: "x", Frequency: math.Inf(1), Goal: 1}, true},
		{"fractional_steps", MoveRequest{Axis: "x", Frequency: 1, Goal: 1.5}, true},
		{"huge_goal", MoveRequest{Axis: "x", Frequency: 1, Goal: 1e12}, true},
		{"absolute_mm", MoveRequest{Axis: "x", Frequency: 1, Goal: 1, MM: true, Absolute: true}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			if tc.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

// ---------- HandleMove ----------

func TestHandleMove_Dispatch(t *testing.T) {
	m := &fakeMachine{}
	h := newTestHandlers(m)

	for _, body := range []MoveRequest{
		{Axis: "x", Frequency: 100, Goal: -20},
		{Axis: "y", Frequency: 50, Goal: 300, Absolute: true},
		{Axis: "z", Frequency: 2, Goal: 1.5, MM: true},
	} {
		if w := postJSON(t, h.HandleMove, "/move", body); w.Code != http.StatusAccepted {
			t.Errorf("%+v: status = %d, want %d", body, w.Code, http.StatusAccepted)
		}
	}

	want := []string{"move x 100 -20", "moveto y 50 300", "movemm z 2 1.5"}
	if fmt.Sprint(m.moves) != fmt.Sprint(want) {
		t.Errorf("moves = %v, want %v", m.moves, want)
	}
}

func TestHandleMove_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"busy", motion.ErrBusy, http.StatusConflict},
		{"unknown_axis", fmt.Errorf("%w: %q", motion.ErrUnknownAxis, "w"), http.StatusBadRequest},
		{"too_fast", motion.ErrTooFast, http.StatusBadRequest},
		{"invalid_frequency", stepper.ErrInvalidFrequency, http.StatusBadRequest},
		{"hardware", errors.New("bus fault"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandlers(&fakeMachine{moveErr: tc.err})
			w := postJSON(t, h.HandleMove, "/move", MoveRequest{Axis: "x", Frequency: 1, Goal: 1})
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestHandleMove_BadRequests(t *testing.T) {
	h := newTestHandlers(&fakeMachine{})

	cases := []struct {
		name string
		body string
	}{
		{"not_json", "not json"},
		{"invalid", `{"axis":"x","frequency":-5,"goal":1}`},
		{"oversized", `{"axis":"` + strings.Repeat("x", 2<<20) + `"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/move", strings.NewReader(tc.body))
			w := httptest.NewRecorder()
			h.HandleMove(w, req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestHandleMove_GetMethodNotAllowed(t *testing.T) {
	h := newTestHandlers(&fakeMachine{})
	w := httptest.NewRecorder()
	h.HandleMove(w, httptest.NewRequest(http.MethodGet, "/move", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

// ---------- HandleHome ----------

func TestHandleHome_StartsAndReports(t *testing.T) {
	m := &fakeMachine{}
	h := newTestHandlers(m)
	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w := postJSON(t, h.HandleHome, "/home", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "homing" {
		t.Errorf("response status = %q, want \"homing\"", resp["status"])
	}

	m.homeDone(&homing.Report{Iterations: 7}, nil)
	if evt := receive(t, ch); evt.Msg != "Homing complete after 7 polls" {
		t.Errorf("msg = %q", evt.Msg)
	}
	if evt := receive(t, ch); evt.Level != LevelStatus {
		t.Errorf("second event level = %q, want status", evt.Level)
	}

	m.homeDone(nil, context.Canceled)
	if evt := receive(t, ch); evt.Level != LevelError || !strings.Contains(evt.Msg, "canceled") {
		t.Errorf("failure event = %+v", evt)
	}
}

func TestHandleHome_Busy(t *testing.T) {
	h := newTestHandlers(&fakeMachine{homeErr: motion.ErrBusy})
	if w := postJSON(t, h.HandleHome, "/home", nil); w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
}

// ---------- HandleStop / HandleStatus / HandleConfig / ServeIndex ----------

func TestHandleStop(t *testing.T) {
	m := &fakeMachine{}
	h := newTestHandlers(m)
	if w := postJSON(t, h.HandleStop, "/stop", nil); w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !m.stopped {
		t.Error("machine was not stopped")
	}
}

func TestHandleStatus(t *testing.T) {
	m := &fakeMachine{status: motion.Status{Axes: []motion.AxisStatus{{Name: "x", Position: 42}}}}
	h := newTestHandlers(m)
	w := httptest.NewRecorder()
	h.HandleStatus(w, httptest.NewRequest(http.MethodGet, "/status", nil))

	var st motion.Status
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(st.Axes) != 1 || st.Axes[0].Position != 42 {
		t.Errorf("status = %+v", st)
	}
}

func TestHandleConfig(t *testing.T) {
	h := newTestHandlers(&fakeMachine{})
	w := httptest.NewRecorder()
	h.HandleConfig(w, httptest.NewRequest(http.MethodGet, "/config", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var axes []motion.AxisInfo
	if err := json.NewDecoder(w.Body).Decode(&axes); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(axes) != 1 || axes[0].MaxFrequency != 400 || axes[0].StepsPerMM != 25 {
		t.Errorf("axes = %+v", axes)
	}
}

func TestServeIndex(t *testing.T) {
	h := newTestHandlers(&fakeMachine{})
	w := httptest.NewRecorder()
	h.ServeIndex(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q, want text/html; charset=utf-8", ct)
	}
	if !strings.Contains(w.Body.String(), "<html>") {
		t.Error("body should contain HTML content")
	}
}

// ---------- streams ----------

func TestHandleStatusStream_SendsSnapshotsAndEvents(t *testing.T) {
	m := &fakeMachine{status: motion.Status{Axes: []motion.AxisStatus{{Name: "x"}}}}
	h := newTestHandlers(m)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleStatusStream))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	events := make(chan StatusEvent, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			line := sc.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var evt StatusEvent
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt) == nil {
				events <- evt
			}
		}
		close(events)
	}()

	first := <-events
	if first.Level != LevelStatus || first.Status == nil {
		t.Fatalf("first event = %+v, want a status snapshot", first)
	}

	m.setStatus(motion.Status{Axes: []motion.AxisStatus{{Name: "x", Position: 9}}})
	waitFor(t, events, func(evt StatusEvent) bool {
		return evt.Status != nil && evt.Status.Axes[0].Position == 9
	})

	h.Broadcaster.BroadcastMsg("hello")
	waitFor(t, events, func(evt StatusEvent) bool { return evt.Msg == "hello" })
}

func TestHandleStatusWS(t *testing.T) {
	m := &fakeMachine{status: motion.Status{Homing: true}}
	h := newTestHandlers(m)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleStatusWS))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect WebSocket: %v", err)
	}
	defer conn.Close()

	events := make(chan StatusEvent, 16)
	go func() {
		defer close(events)
		for {
			var evt StatusEvent
			if err := conn.ReadJSON(&evt); err != nil {
				return
			}
			events <- evt
		}
	}()

	waitFor(t, events, func(evt StatusEvent) bool { return evt.Status != nil && evt.Status.Homing })

	h.Broadcaster.Broadcast(LevelError, "switch fault")
	waitFor(t, events, func(evt StatusEvent) bool { return evt.Msg == "switch fault" && evt.Level == LevelError })
}

func waitFor(t *testing.T, events <-chan StatusEvent, match func(StatusEvent) bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				t.Fatal("stream closed")
			}
			if match(evt) {
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for event")
		}
	}
}

// ---------- full stack ----------

func TestServer_HomeAndMoveOnMockMachine(t *testing.T) {
	cfg, err := config.Load("../../configs/default.yaml")
	if err != nil {
		t.Fatal(err)
	}
	drv := gpio.NewMockDriver()
	machine, err := motion.Build(drv, cfg, homing.Options{})
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range config.AxisNames {
		a, _ := cfg.Axis(name)
		drv.SetInput(a.SwitchChannel(), gpio.High)
	}

	s, err := NewServer(":0", NewStatusBroadcaster(), machine)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(s.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET / = %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/home", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /home = %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for machine.Homing() {
		if time.Now().After(deadline) {
			t.Fatal("homing did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}

	body, _ := json.Marshal(MoveRequest{Axis: "z", Frequency: 200, Goal: 3})
	resp, err = http.Post(srv.URL+"/move", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /move = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := machine.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	resp, err = http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var st motion.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	for _, a := range st.Axes {
		want := 0
		if a.Name == "z" {
			want = 3
		}
		if a.Position != want {
			t.Errorf("axis %s at %d, want %d", a.Name, a.Position, want)
		}
		if a.Homing != "zeroed" {
			t.Errorf("axis %s homing state %q", a.Name, a.Homing)
		}
	}

	body, _ = json.Marshal(MoveRequest{Axis: "z", Frequency: 5000, Goal: 3})
	resp, err = http.Post(srv.URL+"/move", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("too-fast move = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestServer_StopReleasesHomingPass(t *testing.T) {
	cfg, err := config.Load("../../configs/default.yaml")
	if err != nil {
		t.Fatal(err)
	}
	machine, err := motion.Build(gpio.NewMockDriver(), cfg, homing.Options{})
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewServer(":0", NewStatusBroadcaster(), machine)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(s.Mux())
	defer srv.Close()

	post := func(path string, body []byte) int {
		t.Helper()
		resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	// switches never trip on the mock, so the pass runs until stopped
	if code := post("/home", nil); code != http.StatusAccepted {
		t.Fatalf("POST /home = %d", code)
	}
	if !machine.Homing() {
		t.Fatal("expected a homing pass to be running")
	}
	if code := post("/stop", nil); code != http.StatusOK {
		t.Fatalf("POST /stop = %d", code)
	}
	if machine.Homing() {
		t.Error("homing pass still running after POST /stop")
	}

	body, _ := json.Marshal(MoveRequest{Axis: "x", Frequency: 200, Goal: 2})
	if code := post("/move", body); code != http.StatusAccepted {
		t.Fatalf("POST /move after stop = %d, want %d", code, http.StatusAccepted)
	}
	if code := post("/home", nil); code != http.StatusAccepted {
		t.Errorf("POST /home after stop = %d, want %d", code, http.StatusAccepted)
	}
	post("/stop", nil)
}
