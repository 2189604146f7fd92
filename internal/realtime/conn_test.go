package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/tyemirov/tsession/internal/sessionkit"
	"go.uber.org/zap/zaptest"
)

func TestWebsocketDialerCarriesBearerAndDeliversEvents(t *testing.T) {
	authorizations := make(chan string, 1)
	joins := make(chan Envelope, 1)
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		authorizations <- request.Header.Get("Authorization")
		conn, err := websocket.Accept(writer, request, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()
		ctx := request.Context()
		_, frame, err := conn.Read(ctx)
		if err != nil {
			return
		}
		envelope, err := DecodeEnvelope(frame)
		if err != nil {
			return
		}
		joins <- envelope
		update, _ := EncodeEnvelope(EventOrderUpdate, OrderUpdate{OrderID: "order-1", Status: "accepted"})
		if err := conn.Write(ctx, websocket.MessageText, update); err != nil {
			return
		}
		_, _, _ = conn.Read(ctx)
	}))
	defer server.Close()

	endpoint := "ws" + strings.TrimPrefix(server.URL, "http") + DefaultPath
	store := sessionkit.NewMemoryCredentialStore(sessionkit.Credential{AccessToken: "A1"})
	channel, err := NewChannel(Config{URL: endpoint}, Options{
		Dialer:      WebsocketDialer{},
		Credentials: store,
		Logger:      zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("new channel error: %v", err)
	}
	defer channel.Disconnect()

	updates := make(chan OrderUpdate, 1)
	channel.OnOrderUpdate(func(update OrderUpdate) { updates <- update })
	if err := channel.JoinRoom("order-1"); err != nil {
		t.Fatalf("join error: %v", err)
	}
	channel.Connect()

	select {
	case authorization := <-authorizations:
		if authorization != "Bearer A1" {
			t.Fatalf("expected bearer header, got %q", authorization)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for handshake")
	}
	select {
	case envelope := <-joins:
		if envelope.Event != EventJoinOrder || string(envelope.Data) != `"order-1"` || envelope.ID == "" {
			t.Fatalf("unexpected join envelope %+v", envelope)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for join")
	}
	select {
	case update := <-updates:
		if update.Status != "accepted" {
			t.Fatalf("unexpected update %+v", update)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for update")
	}
}

func TestURLFromBase(t *testing.T) {
	testCases := []struct {
		base     string
		expected string
	}{
		{base: "https://api.example.com/api/", expected: "wss://api.example.com/realtime"},
		{base: "http://10.0.2.2:8000", expected: "ws://10.0.2.2:8000/realtime"},
		{base: "localhost:8080", expected: "ws://localhost:8080/realtime"},
	}
	for _, testCase := range testCases {
		got, err := URLFromBase(testCase.base)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", testCase.base, err)
		}
		if got != testCase.expected {
			t.Fatalf("%s: expected %s, got %s", testCase.base, testCase.expected, got)
		}
	}
	if _, err := URLFromBase(" "); err == nil {
		t.Fatalf("expected error for empty base")
	}
}

func TestReconnectDelayDoublesUpToCap(t *testing.T) {
	configuration := Config{}.withDefaults()
	expected := []time.Duration{1500 * time.Millisecond, 3 * time.Second, 6 * time.Second, 6 * time.Second}
	for index, delay := range expected {
		if got := configuration.reconnectDelay(index + 1); got != delay {
			t.Fatalf("attempt %d: expected %s, got %s", index+1, delay, got)
		}
	}
}
