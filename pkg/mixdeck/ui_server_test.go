package mixdeck

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type submitRecorder struct {
	mu       sync.Mutex
	commands []Command
	err      error
}

func (r *submitRecorder) submit(ctx context.Context, cmd Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return r.err
	}

	r.commands = append(r.commands, cmd)
	return nil
}

func (r *submitRecorder) all() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Command(nil), r.commands...)
}

func newTestUIServer(t *testing.T, recorder *submitRecorder) (*UIServer, *httptest.Server) {
	t.Helper()

	srv := NewUIServer(zaptest.NewLogger(t).Sugar(), recorder.submit)

	done := make(chan struct{})
	ts := httptest.NewServer(srv.routes(done))

	t.Cleanup(func() {
		close(done)
		srv.manager.CloseAll()
		ts.Close()
	})

	return srv, ts
}

func postQuery(t *testing.T, ts *httptest.Server, body string) (int, queryResponse) {
	t.Helper()

	resp, err := http.Post(ts.URL+"/query", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /query: %v", err)
	}
	defer resp.Body.Close()

	var decoded queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	return resp.StatusCode, decoded
}

func TestUIServerQuery(t *testing.T) {
	recorder := &submitRecorder{}
	_, ts := newTestUIServer(t, recorder)

	status, resp := postQuery(t, ts, `{"kind":"VolumeChange","id":"B","volume":0.42}`)
	if status != http.StatusAccepted || !resp.Accepted {
		t.Fatalf("status = %d, response = %+v", status, resp)
	}

	commands := recorder.all()
	if len(commands) != 1 || commands[0].Kind != VolumeChange || commands[0].ID != "B" || commands[0].Volume != 0.42 {
		t.Fatalf("submitted %v", commands)
	}
}

func TestUIServerQueryRejects(t *testing.T) {
	recorder := &submitRecorder{}
	_, ts := newTestUIServer(t, recorder)

	for _, body := range []string{
		`{"kind":"Explode"}`,
		`{"kind":"VolumeChange","id":"B"}`,
		`not json`,
	} {
		status, resp := postQuery(t, ts, body)
		if status != http.StatusBadRequest || resp.Accepted || resp.Error == "" {
			t.Errorf("%s: status = %d, response = %+v", body, status, resp)
		}
	}

	if commands := recorder.all(); len(commands) != 0 {
		t.Fatalf("submitted %v for rejected bodies", commands)
	}

	resp, err := http.Get(ts.URL + "/query")
	if err != nil {
		t.Fatalf("GET /query: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET /query status = %d", resp.StatusCode)
	}
}

func TestUIServerQueryAfterDispatcherStopped(t *testing.T) {
	recorder := &submitRecorder{err: fmt.Errorf("submit AudioDict: %w", ErrChannelClosed)}
	_, ts := newTestUIServer(t, recorder)

	status, resp := postQuery(t, ts, `{"kind":"AudioDict"}`)
	if status != http.StatusServiceUnavailable || resp.Accepted {
		t.Fatalf("status = %d, response = %+v", status, resp)
	}
}

func TestUIServerForwardKeepsLastState(t *testing.T) {
	srv, ts := newTestUIServer(t, &submitRecorder{})

	resp, err := http.Get(ts.URL + "/state")
	if err != nil {
		t.Fatalf("GET /state: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("GET /state before any publish = %d", resp.StatusCode)
	}

	states := newQueue[StatePayload](4)
	states.send(context.Background(), StatePayload{AudioDeviceList: []DeviceState{{ID: "A", Name: "Speakers"}}, Default: "A"})
	states.send(context.Background(), StatePayload{AudioDeviceList: []DeviceState{{ID: "B", Name: "Headset"}}, Default: "B"})
	states.close()

	if err := srv.forward(context.Background(), states); err != nil {
		t.Fatalf("forward = %v, want nil once the channel closes", err)
	}

	resp, err = http.Get(ts.URL + "/state")
	if err != nil {
		t.Fatalf("GET /state: %v", err)
	}
	defer resp.Body.Close()

	var payload StatePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode state: %v", err)
	}

	if payload.Default != "B" || len(payload.AudioDeviceList) != 1 || payload.AudioDeviceList[0].ID != "B" {
		t.Fatalf("state = %+v, want the last payload", payload)
	}
}

func TestUIServerForwardClosesInput(t *testing.T) {
	srv := NewUIServer(zaptest.NewLogger(t).Sugar(), (&submitRecorder{}).submit)
	states := newQueue[StatePayload](1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	srv.forward(ctx, states)

	if err := states.send(context.Background(), StatePayload{}); err == nil {
		t.Fatal("state channel still open after the forwarder exited")
	}
}

func TestUIServerStartStop(t *testing.T) {
	srv := NewUIServer(zaptest.NewLogger(t).Sugar(), (&submitRecorder{}).submit)

	if err := srv.Start("127.0.0.1", 0); err != nil || srv.IsRunning() {
		t.Fatalf("Start with port 0 = %v, running = %t", err, srv.IsRunning())
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find a free port: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	if err := srv.Start("127.0.0.1", port); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	// same address again is a no-op
	if err := srv.Start("127.0.0.1", port); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	// the tray's "Open current state" target
	resp, err := http.Get(stateURL(srv.Addr()))
	if err != nil {
		t.Fatalf("GET %s: %v", stateURL(srv.Addr()), err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("GET %s = %d, want the empty state endpoint", stateURL(srv.Addr()), resp.StatusCode)
	}

	srv.Stop()

	if srv.IsRunning() || srv.Addr() != "" {
		t.Fatalf("still running after Stop (addr %q)", srv.Addr())
	}
}

func TestUIServerServeFailureReleasesRun(t *testing.T) {
	// the serve goroutine keeps logging after the run is torn down
	srv := NewUIServer(zap.NewNop().Sugar(), (&submitRecorder{}).submit)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	listener.Close()

	srv.serve(listener)

	srv.lock.Lock()
	done := srv.done
	srv.lock.Unlock()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run channel still open after Serve failed, ping loop leaks")
	}

	if srv.IsRunning() || srv.Addr() != "" {
		t.Fatalf("still running after Serve failed (addr %q)", srv.Addr())
	}

	// nothing left to stop
	srv.Stop()
}
