package sessionkit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap/zaptest"
)

// rotatingBackend emulates the refresh and one protected endpoint of the API.
type rotatingBackend struct {
	mutex         sync.Mutex
	accessToken   string
	refreshToken  string
	nextAccess    string
	nextRefresh   string
	refreshStatus int
	refreshGate   chan struct{}

	refreshCalls   atomic.Int64
	protectedCalls atomic.Int64
	lastBodies     []string

	server *httptest.Server
}

func newRotatingBackend(t *testing.T, refreshToken string, nextAccess string, nextRefresh string) *rotatingBackend {
	t.Helper()
	backend := &rotatingBackend{
		refreshToken: refreshToken,
		nextAccess:   nextAccess,
		nextRefresh:  nextRefresh,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", backend.handleRefresh)
	mux.HandleFunc("/api/orders", backend.handleProtected)
	backend.server = httptest.NewServer(mux)
	t.Cleanup(backend.server.Close)
	return backend
}

func (backend *rotatingBackend) handleRefresh(writer http.ResponseWriter, request *http.Request) {
	backend.refreshCalls.Add(1)
	if backend.refreshGate != nil {
		<-backend.refreshGate
	}
	var payload refreshRequest
	if err := json.NewDecoder(request.Body).Decode(&payload); err != nil {
		writeTestJSON(writer, http.StatusBadRequest, map[string]any{"error": "invalid_json"})
		return
	}
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	if backend.refreshStatus != 0 {
		writeTestJSON(writer, backend.refreshStatus, map[string]any{"error": "refresh_unavailable"})
		return
	}
	if payload.RefreshToken != backend.refreshToken {
		writeTestJSON(writer, http.StatusUnauthorized, map[string]any{"error": "invalid_refresh_token"})
		return
	}
	backend.accessToken = backend.nextAccess
	response := map[string]any{"access_token": backend.nextAccess}
	if backend.nextRefresh != "" {
		backend.refreshToken = backend.nextRefresh
		response["refresh_token"] = backend.nextRefresh
	}
	writeTestJSON(writer, http.StatusOK, response)
}

func (backend *rotatingBackend) handleProtected(writer http.ResponseWriter, request *http.Request) {
	backend.protectedCalls.Add(1)
	if request.Body != nil {
		var body map[string]any
		if err := json.NewDecoder(request.Body).Decode(&body); err == nil {
			encoded, _ := json.Marshal(body)
			backend.mutex.Lock()
			backend.lastBodies = append(backend.lastBodies, string(encoded))
			backend.mutex.Unlock()
		}
	}
	backend.mutex.Lock()
	valid := backend.accessToken != "" && request.Header.Get("Authorization") == "Bearer "+backend.accessToken
	backend.mutex.Unlock()
	if !valid {
		writeTestJSON(writer, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	writeTestJSON(writer, http.StatusOK, map[string]any{"ok": true})
}

func (backend *rotatingBackend) bodies() []string {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	return append([]string(nil), backend.lastBodies...)
}

func writeTestJSON(writer http.ResponseWriter, status int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(payload)
}

func newTestSession(t *testing.T, baseURL string, initial Credential) *Session {
	t.Helper()
	session, err := NewSession(ClientConfig{BaseURL: baseURL}, NewMemoryCredentialStore(initial), nil, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new session error: %v", err)
	}
	return session
}

type eventRecorder struct {
	mutex  sync.Mutex
	events []SessionEvent
}

func (recorder *eventRecorder) handle(event SessionEvent) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.events = append(recorder.events, event)
}

func (recorder *eventRecorder) snapshot() []SessionEvent {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return append([]SessionEvent(nil), recorder.events...)
}

func recordEvents(bus *EventBus) *eventRecorder {
	recorder := &eventRecorder{}
	bus.Subscribe(recorder.handle)
	return recorder
}

func requireSingleClear(t *testing.T, recorder *eventRecorder, reason Reason) {
	t.Helper()
	events := recorder.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %d (%+v)", len(events), events)
	}
	if events[0].Kind != EventCleared || events[0].Reason != reason {
		t.Fatalf("expected cleared event with reason %s, got %+v", reason, events[0])
	}
}
