package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cjeanneret/camzilla/internal/engine"
	"github.com/cjeanneret/camzilla/internal/logic/capture"
	"github.com/cjeanneret/camzilla/internal/task"
)

// fakeEngine records submitted commands.
type fakeEngine struct {
	mu     sync.Mutex
	cmds   []task.Command
	err    error
	status engine.Status
}

func (f *fakeEngine) Submit(cmd task.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.cmds = append(f.cmds, cmd)
	return nil
}

func (f *fakeEngine) Status() engine.Status { return f.status }

func newTestHandlers(eng Engine) *Handlers {
	return NewHandlers(eng, NewBroadcaster(), NewBroadcaster())
}

func post(h http.HandlerFunc, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

// ---------- ValidateTaskRequest ----------

func TestValidateTaskRequest_Valid(t *testing.T) {
	one := 1
	cases := []struct {
		name string
		req  TaskRequest
		kind task.Kind
	}{
		{"panorama", TaskRequest{Type: "panorama", Settings: "pictures(2,1) rotation(10,0)"}, task.Panorama},
		{"picture_webcam", TaskRequest{Type: "picture_now", Target: "webcam"}, task.PictureNow},
		{"positioning", TaskRequest{Type: "positioning", X: 90, Y: -45}, task.Positioning},
		{"positioning_boundary", TaskRequest{Type: "positioning", X: 360, Y: -360}, task.Positioning},
		{"mode", TaskRequest{Type: "mode", Mode: &one}, task.Mode},
		{"calibration", TaskRequest{Type: "calibration"}, task.Calibration},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd, err := ValidateTaskRequest(tc.req)
			if err != nil {
				t.Fatalf("expected valid, got: %v", err)
			}
			if cmd.Kind != task.TaskCommand || cmd.Task == nil || cmd.Task.Kind != tc.kind {
				t.Errorf("command = %+v", cmd)
			}
		})
	}
}

func TestValidateTaskRequest_Action(t *testing.T) {
	cmd, err := ValidateTaskRequest(TaskRequest{Action: "  picture(webcam())  "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// parsing is left to the engine's parser worker
	if cmd.Task != nil || cmd.Action != "picture(webcam())" {
		t.Errorf("command = %+v", cmd)
	}
}

func TestValidateTaskRequest_Target(t *testing.T) {
	cmd, err := ValidateTaskRequest(TaskRequest{Type: "panorama", Target: "WEBCAM"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Task.Target != capture.Webcam {
		t.Errorf("target = %v, want webcam", cmd.Task.Target)
	}
}

func TestValidateTaskRequest_Invalid(t *testing.T) {
	nan, inf := math.NaN(), math.Inf(1)
	cases := []struct {
		name string
		req  TaskRequest
	}{
		{"empty", TaskRequest{}},
		{"both", TaskRequest{Action: "picture()", Type: "mode"}},
		{"unknown_type", TaskRequest{Type: "reboot"}},
		{"unknown_target", TaskRequest{Type: "picture_now", Target: "phone"}},
		{"mode_missing", TaskRequest{Type: "mode"}},
		{"x_NaN", TaskRequest{Type: "positioning", X: nan}},
		{"y_Inf", TaskRequest{Type: "positioning", Y: inf}},
		{"x_out_of_range", TaskRequest{Type: "positioning", X: 361}},
		{"y_out_of_range", TaskRequest{Type: "positioning", Y: -400}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ValidateTaskRequest(tc.req); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

// ---------- HandleTask ----------

func TestHandleTask_ValidPost(t *testing.T) {
	eng := &fakeEngine{}
	h := newTestHandlers(eng)

	w := post(h.HandleTask, "/task", `{"action":"panorama(start(0,0) pictures(2,2) rotation(10,10))"}`)

	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "queued" {
		t.Errorf("response status = %q, want \"queued\"", resp["status"])
	}
	if len(eng.cmds) != 1 || !strings.HasPrefix(eng.cmds[0].Action, "panorama(") {
		t.Errorf("submitted = %+v", eng.cmds)
	}
}

func TestHandleTask_GetMethodNotAllowed(t *testing.T) {
	h := newTestHandlers(&fakeEngine{})
	req := httptest.NewRequest(http.MethodGet, "/task", nil)
	w := httptest.NewRecorder()

	h.HandleTask(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandleTask_InvalidJSON(t *testing.T) {
	h := newTestHandlers(&fakeEngine{})
	w := post(h.HandleTask, "/task", "not json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleTask_InvalidRequest(t *testing.T) {
	eng := &fakeEngine{}
	h := newTestHandlers(eng)
	w := post(h.HandleTask, "/task", `{"type":"mode"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if len(eng.cmds) != 0 {
		t.Errorf("nothing should be submitted, got %+v", eng.cmds)
	}
}

func TestHandleTask_OversizedBody(t *testing.T) {
	h := newTestHandlers(&fakeEngine{})
	big := `{"action":"` + strings.Repeat("x", 2<<20) + `"}`
	w := post(h.HandleTask, "/task", big)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d (oversized body)", w.Code, http.StatusBadRequest)
	}
}

func TestHandleTask_QueueFull(t *testing.T) {
	h := newTestHandlers(&fakeEngine{err: engine.ErrQueueFull})
	w := post(h.HandleTask, "/task", `{"type":"calibration"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestHandleTask_Stopped(t *testing.T) {
	h := newTestHandlers(&fakeEngine{err: engine.ErrStopped})
	w := post(h.HandleTask, "/task", `{"type":"calibration"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestHandleTask_NilEngine(t *testing.T) {
	h := newTestHandlers(nil)
	w := post(h.HandleTask, "/task", `{"type":"calibration"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

// ---------- HandlePower ----------

func TestHandlePower(t *testing.T) {
	eng := &fakeEngine{}
	h := newTestHandlers(eng)

	w := post(h.HandlePower, "/power", `{"camera":true,"heater":false}`)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if len(eng.cmds) != 1 {
		t.Fatalf("submitted = %+v", eng.cmds)
	}
	c := eng.cmds[0]
	if c.Kind != task.PowerCommand || !c.Camera || c.Heater {
		t.Errorf("command = %+v", c)
	}
}

// ---------- HandleStatus ----------

func TestHandleStatus(t *testing.T) {
	eng := &fakeEngine{status: engine.Status{Robot: true, Powered: true, Queued: 2}}
	eng.status.Session.State = "ready"
	h := newTestHandlers(eng)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()

	h.HandleStatus(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var st engine.Status
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !st.Robot || !st.Powered || st.Queued != 2 || st.Session.State != "ready" {
		t.Errorf("status = %+v", st)
	}
}

// ---------- Streams ----------

func TestServer_ResultStream(t *testing.T) {
	h := newTestHandlers(&fakeEngine{})
	srv := httptest.NewServer(NewServer("", h).Mux())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/results/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	if line, _ := r.ReadString('\n'); line != ": connected\n" {
		t.Fatalf("first line = %q", line)
	}

	h.Results.Emit(task.NewResult(time.UnixMilli(0), "calibration", "finished successfully", 0, 0))
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			if !strings.Contains(line, `"category":"calibration"`) {
				t.Errorf("event = %q", line)
			}
			return
		}
	}
}

func TestServer_WebSocket(t *testing.T) {
	h := newTestHandlers(&fakeEngine{})
	srv := httptest.NewServer(NewServer("", h).Mux())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// the subscription is registered after the upgrade; publish until one lands
	res := task.NewResult(time.UnixMilli(0), task.CategoryParking, "parked", 0, 0)
	got := make(chan []byte, 1)
	go func() {
		_, msg, err := conn.ReadMessage()
		if err == nil {
			got <- msg
		}
	}()
	deadline := time.After(5 * time.Second)
	for {
		h.Results.Emit(res)
		select {
		case msg := <-got:
			var r task.Result
			if err := json.Unmarshal(msg, &r); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if r.Category != task.CategoryParking || r.Outcome != "parked" {
				t.Errorf("result = %+v", r)
			}
			return
		case <-deadline:
			t.Fatal("timeout waiting for websocket message")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestServer_Routes(t *testing.T) {
	eng := &fakeEngine{}
	srv := httptest.NewServer(NewServer("", newTestHandlers(eng)).Mux())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/task", "application/json", bytes.NewReader([]byte(`{"type":"calibration"}`)))
	if err != nil {
		t.Fatalf("POST /task: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("POST /task = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/task")
	if err != nil {
		t.Fatalf("GET /task: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /task = %d, want 405", resp.StatusCode)
	}
}
