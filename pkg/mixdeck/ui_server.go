package mixdeck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	eventsource "github.com/stalexteam/eventsource_go"
	"go.uber.org/zap"
)

const (
	// SSE retry timeout in milliseconds
	uiRetryTimeout = 3000

	uiPingInterval = 10 * time.Second

	uiShutdownTimeout = 5 * time.Second

	// commands are tiny; anything bigger than this is not a command
	maxCommandBodySize = 64 * 1024

	stateEventType = "audio_state_change"
	pingEventType  = "ping"
)

// UIServer is the relay's UI-facing edge: an EventSource stream of state
// snapshots plus a JSON endpoint accepting commands
type UIServer struct {
	logger *zap.SugaredLogger
	submit func(ctx context.Context, cmd Command) error

	manager *eventsource.ConnectionManager

	// guards server, addr and done; server is nil while stopped
	lock   sync.Mutex
	server *http.Server
	addr   string
	done   chan struct{}

	running int32
	eventID int64

	// last snapshot, replayed to every client that connects
	lastLock    sync.RWMutex
	lastPayload []byte
}

type queryResponse struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// NewUIServer creates a UI server that hands decoded commands to submit
func NewUIServer(logger *zap.SugaredLogger, submit func(ctx context.Context, cmd Command) error) *UIServer {
	logger = logger.Named("ui_server")

	manager := eventsource.NewConnectionManager()

	manager.SetOnConnect(func(encoder *eventsource.Encoder) {
		logger.Infow("New UI client connected",
			"remote", encoder.RemoteAddr(),
			"path", encoder.Path())
	})

	manager.SetOnDisconnect(func(encoder *eventsource.Encoder) {
		logger.Debugw("UI client disconnected",
			"remote", encoder.RemoteAddr(),
			"path", encoder.Path())
	})

	srv := &UIServer{
		logger:  logger,
		submit:  submit,
		manager: manager,
		done:    make(chan struct{}),
	}

	logger.Debug("Created UI server instance")

	return srv
}

// Start listens on bind:port. A port of 0 leaves the server stopped, and
// starting on the address it already serves is a no-op
func (srv *UIServer) Start(bind string, port int) error {
	if port <= 0 {
		srv.logger.Debug("UI port not configured, server will not start")
		srv.Stop()
		return nil
	}

	addr := net.JoinHostPort(bind, strconv.Itoa(port))

	srv.lock.Lock()
	currentAddr := srv.addr
	srv.lock.Unlock()

	if srv.IsRunning() && currentAddr == addr {
		srv.logger.Debugw("UI server already running on the same address", "addr", addr)
		return nil
	}

	if srv.IsRunning() {
		srv.logger.Infow("UI server address changed, restarting", "old_addr", currentAddr, "new_addr", addr)
		srv.Stop()
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		srv.logger.Warnw("Failed to listen for UI clients", "addr", addr, "error", err)
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv.serve(listener)

	return nil
}

// serve takes ownership of listener and serves on it until stopped
func (srv *UIServer) serve(listener net.Listener) {
	done := make(chan struct{})
	server := &http.Server{
		Handler: srv.routes(done),
	}

	srv.lock.Lock()
	srv.server = server
	srv.addr = listener.Addr().String()
	srv.done = done
	atomic.StoreInt32(&srv.running, 1)
	srv.lock.Unlock()

	go func() {
		srv.logger.Infow("Starting UI server", "addr", listener.Addr().String())
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			srv.logger.Errorw("UI server error", "error", err)

			// a later Start may have replaced this server already
			srv.shutdown(server)
		}
	}()

	go srv.pingLoop(done)
}

// Stop closes every client connection and shuts the HTTP server down
func (srv *UIServer) Stop() {
	srv.shutdown(nil)
}

// shutdown stops the current server. With only set, it does so only while
// that server is still the current one
func (srv *UIServer) shutdown(only *http.Server) {
	srv.lock.Lock()
	server := srv.server
	done := srv.done
	if server == nil || (only != nil && server != only) {
		srv.lock.Unlock()
		return
	}
	srv.server = nil
	srv.addr = ""
	atomic.StoreInt32(&srv.running, 0)
	srv.lock.Unlock()

	srv.logger.Debug("Stopping UI server")

	close(done)

	srv.manager.CloseAll()
	srv.logger.Debugw("Closed all UI connections", "count", srv.manager.Count())

	ctx, cancel := context.WithTimeout(context.Background(), uiShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		srv.logger.Warnw("Error during UI server shutdown", "error", err)
		server.Close()
	}

	srv.logger.Info("UI server stopped")
}

// IsRunning returns whether the server is currently listening
func (srv *UIServer) IsRunning() bool {
	return atomic.LoadInt32(&srv.running) == 1
}

// Addr returns the address the server listens on, empty when stopped
func (srv *UIServer) Addr() string {
	srv.lock.Lock()
	defer srv.lock.Unlock()

	return srv.addr
}

// forward is the UI-forwarding task: it drains the state channel and
// broadcasts every snapshot. It closes the channel on the way out
func (srv *UIServer) forward(ctx context.Context, states *queue[StatePayload]) error {
	defer states.close()

	for {
		payload, err := states.receive(ctx)
		if errors.Is(err, ErrChannelClosed) {
			srv.logger.Debug("State channel closed, exiting")
			return nil
		}
		if err != nil {
			return err
		}

		srv.broadcast(payload)
	}
}

func (srv *UIServer) broadcast(payload StatePayload) {
	data, err := json.Marshal(payload)
	if err != nil {
		srv.logger.Warnw("Failed to marshal state payload", "error", err)
		return
	}

	srv.lastLock.Lock()
	srv.lastPayload = data
	srv.lastLock.Unlock()

	if !srv.IsRunning() {
		return
	}

	event := eventsource.Event{
		ID:   srv.nextEventID(),
		Type: stateEventType,
		Data: data,
	}

	if err := srv.manager.Broadcast(event); err != nil {
		if eventsource.IsConnectionError(err) {
			srv.logger.Debugw("Some connections failed during broadcast", "error", err)
		} else {
			srv.logger.Warnw("Failed to broadcast state payload", "error", err)
		}
	}
}

func (srv *UIServer) last() []byte {
	srv.lastLock.RLock()
	defer srv.lastLock.RUnlock()

	return srv.lastPayload
}

func (srv *UIServer) nextEventID() string {
	return strconv.FormatInt(atomic.AddInt64(&srv.eventID, 1), 10)
}

func (srv *UIServer) routes(done <-chan struct{}) http.Handler {
	handler := eventsource.HandlerV2(func(
		info *eventsource.ConnectionInfo,
		encoder *eventsource.Encoder,
		stop <-chan bool,
	) {
		if err := encoder.SetRetry(uiRetryTimeout); err != nil {
			srv.logger.Debugw("Error sending retry field", "error", err, "connectionError", eventsource.IsConnectionError(err))
			return
		}

		if data := srv.last(); data != nil {
			event := eventsource.Event{
				ID:   srv.nextEventID(),
				Type: stateEventType,
				Data: data,
			}

			if err := encoder.Encode(event); err != nil {
				srv.logger.Debugw("Error replaying last state", "error", err, "connectionError", eventsource.IsConnectionError(err))
				return
			}
		}

		// wait for client disconnect or server stop
		select {
		case <-stop:
		case <-done:
		}
	})

	mux := http.NewServeMux()
	mux.Handle("/events", eventsource.HandlerWithManager(srv.manager, handler))
	mux.HandleFunc("/query", srv.handleQuery)
	mux.HandleFunc("/state", srv.handleState)

	return mux
}

// handleQuery accepts one JSON command per request
func (srv *UIServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeQueryResponse(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCommandBodySize))
	if err != nil {
		writeQueryResponse(w, http.StatusRequestEntityTooLarge, err)
		return
	}

	cmd, err := DecodeCommand(body)
	if err != nil {
		srv.logger.Debugw("Rejected malformed command", "error", err)
		writeQueryResponse(w, http.StatusBadRequest, err)
		return
	}

	if err := srv.submit(r.Context(), cmd); err != nil {
		srv.logger.Warnw("Failed to submit command", "command", cmd, "error", err)

		status := http.StatusInternalServerError
		if errors.Is(err, ErrChannelClosed) {
			status = http.StatusServiceUnavailable
		}

		writeQueryResponse(w, status, err)
		return
	}

	writeQueryResponse(w, http.StatusAccepted, nil)
}

// handleState returns the most recent snapshot, for clients that only poll
func (srv *UIServer) handleState(w http.ResponseWriter, r *http.Request) {
	data := srv.last()
	if data == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func writeQueryResponse(w http.ResponseWriter, status int, err error) {
	response := queryResponse{Accepted: err == nil}
	if err != nil {
		response.Error = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}

// pingLoop keeps idle connections alive until done is closed
func (srv *UIServer) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(uiPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			event := eventsource.Event{
				ID:   srv.nextEventID(),
				Type: pingEventType,
				Data: []byte("{}"),
			}

			if err := srv.manager.Broadcast(event); err != nil && eventsource.IsConnectionError(err) {
				srv.logger.Debugw("Some connections failed during ping broadcast", "error", err)
			}
		}
	}
}
