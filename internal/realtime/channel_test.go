package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/tyemirov/tsession/internal/sessionkit"
	"go.uber.org/zap/zaptest"
)

var errConnClosed = errors.New("fake connection closed")

type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mutex        sync.Mutex
	written      []Envelope
	writeGate    chan struct{}
	writeStarted chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (conn *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-conn.inbound:
		return frame, nil
	case <-conn.closed:
		return nil, errConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (conn *fakeConn) Write(ctx context.Context, frame []byte) error {
	select {
	case <-conn.closed:
		return errConnClosed
	default:
	}
	conn.mutex.Lock()
	gate, started := conn.writeGate, conn.writeStarted
	conn.mutex.Unlock()
	if gate != nil {
		started <- struct{}{}
		select {
		case <-gate:
		case <-conn.closed:
			return errConnClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	envelope, err := DecodeEnvelope(frame)
	if err != nil {
		return err
	}
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	conn.written = append(conn.written, envelope)
	return nil
}

func (conn *fakeConn) Close() error {
	conn.closeOnce.Do(func() { close(conn.closed) })
	return nil
}

// stallWrites blocks every later Write until release is called.
func (conn *fakeConn) stallWrites() (started <-chan struct{}, release func()) {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	conn.writeGate = make(chan struct{})
	conn.writeStarted = make(chan struct{}, 16)
	gate := conn.writeGate
	return conn.writeStarted, func() { close(gate) }
}

func (conn *fakeConn) sent(event string) []Envelope {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	var matching []Envelope
	for _, envelope := range conn.written {
		if envelope.Event == event {
			matching = append(matching, envelope)
		}
	}
	return matching
}

func (conn *fakeConn) push(t *testing.T, event string, data any) {
	t.Helper()
	frame, err := EncodeEnvelope(event, data)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	conn.inbound <- frame
}

// fakeDialer fails the dials listed in failures (1-based) and succeeds otherwise.
type fakeDialer struct {
	mutex    sync.Mutex
	failures map[int]bool
	failAll  bool
	dials    int
	headers  []http.Header
	conns    chan *fakeConn
}

func newFakeDialer(failures ...int) *fakeDialer {
	dialer := &fakeDialer{failures: map[int]bool{}, conns: make(chan *fakeConn, 16)}
	for _, failure := range failures {
		dialer.failures[failure] = true
	}
	return dialer
}

func (dialer *fakeDialer) Dial(ctx context.Context, endpoint string, header http.Header) (Conn, error) {
	dialer.mutex.Lock()
	dialer.dials++
	dialer.headers = append(dialer.headers, header.Clone())
	fail := dialer.failAll || dialer.failures[dialer.dials]
	dialer.mutex.Unlock()
	if fail {
		return nil, errors.New("connection refused")
	}
	conn := newFakeConn()
	dialer.conns <- conn
	return conn, nil
}

func (dialer *fakeDialer) dialCount() int {
	dialer.mutex.Lock()
	defer dialer.mutex.Unlock()
	return dialer.dials
}

func (dialer *fakeDialer) header(index int) http.Header {
	dialer.mutex.Lock()
	defer dialer.mutex.Unlock()
	return dialer.headers[index]
}

func testConfig() Config {
	return Config{
		URL:                  "ws://realtime.test/realtime",
		MaxReconnectAttempts: 3,
		ReconnectDelay:       time.Millisecond,
		ReconnectDelayMax:    4 * time.Millisecond,
		ConnectTimeout:       time.Second,
		WriteTimeout:         time.Second,
	}
}

func newTestChannel(t *testing.T, dialer Dialer, store sessionkit.CredentialReader) (*Channel, *sessionkit.CounterMetrics) {
	t.Helper()
	metrics := sessionkit.NewCounterMetrics()
	channel, err := NewChannel(testConfig(), Options{
		Dialer:      dialer,
		Credentials: store,
		Logger:      zaptest.NewLogger(t),
		Metrics:     metrics,
	})
	if err != nil {
		t.Fatalf("new channel error: %v", err)
	}
	t.Cleanup(channel.Disconnect)
	return channel, metrics
}

func nextConn(t *testing.T, dialer *fakeDialer) *fakeConn {
	t.Helper()
	select {
	case conn := <-dialer.conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a dial")
		return nil
	}
}

func waitForState(t *testing.T, channel *Channel, expected State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for channel.State() != expected {
		if time.Now().After(deadline) {
			t.Fatalf("expected state %s, still %s", expected, channel.State())
		}
		time.Sleep(time.Millisecond)
	}
}

func roomIDs(t *testing.T, envelopes []Envelope) []string {
	t.Helper()
	rooms := make([]string, 0, len(envelopes))
	for _, envelope := range envelopes {
		var roomID string
		if err := json.Unmarshal(envelope.Data, &roomID); err != nil {
			t.Fatalf("room id decode error: %v", err)
		}
		rooms = append(rooms, roomID)
	}
	return rooms
}

func TestChannelRejoinsPendingRoomsOnceAfterReconnect(t *testing.T) {
	dialer := newFakeDialer(2)
	store := sessionkit.NewMemoryCredentialStore(sessionkit.Credential{AccessToken: "A1"})
	channel, metrics := newTestChannel(t, dialer, store)

	for _, roomID := range []string{"order-1", "order-2"} {
		if err := channel.JoinRoom(roomID); err != nil {
			t.Fatalf("join error: %v", err)
		}
	}
	channel.Connect()
	first := nextConn(t, dialer)
	waitForState(t, channel, StateConnected)
	if joins := roomIDs(t, first.sent(EventJoinOrder)); len(joins) != 2 || joins[0] != "order-1" || joins[1] != "order-2" {
		t.Fatalf("expected joins for both rooms on first connection, got %v", joins)
	}

	_ = first.Close()
	second := nextConn(t, dialer)
	waitForState(t, channel, StateConnected)

	if dialer.dialCount() != 3 {
		t.Fatalf("expected initial dial, one failed attempt and one success, got %d dials", dialer.dialCount())
	}
	joins := roomIDs(t, second.sent(EventJoinOrder))
	if len(joins) != 2 || joins[0] != "order-1" || joins[1] != "order-2" {
		t.Fatalf("expected exactly one join per room after reconnect, got %v", joins)
	}
	if metrics.Count(MetricRoomJoinSent) != 4 {
		t.Fatalf("expected 4 joins in total, got %d", metrics.Count(MetricRoomJoinSent))
	}
}

func TestChannelJoinAndLeaveWhileConnected(t *testing.T) {
	dialer := newFakeDialer()
	channel, _ := newTestChannel(t, dialer, sessionkit.NewMemoryCredentialStore(sessionkit.Credential{}))
	channel.Connect()
	conn := nextConn(t, dialer)
	waitForState(t, channel, StateConnected)

	if err := channel.JoinRoom("order-9"); err != nil {
		t.Fatalf("join error: %v", err)
	}
	if err := channel.JoinRoom(" order-9 "); err != nil {
		t.Fatalf("duplicate join error: %v", err)
	}
	if joins := conn.sent(EventJoinOrder); len(joins) != 1 {
		t.Fatalf("expected a single join, got %d", len(joins))
	}
	if err := channel.LeaveRoom("order-9"); err != nil {
		t.Fatalf("leave error: %v", err)
	}
	if err := channel.LeaveRoom("order-9"); err != nil {
		t.Fatalf("second leave error: %v", err)
	}
	if leaves := conn.sent(EventLeaveOrder); len(leaves) != 1 {
		t.Fatalf("expected a single leave, got %d", len(leaves))
	}
	if len(channel.PendingRooms()) != 0 {
		t.Fatalf("expected no pending rooms")
	}
	if err := channel.JoinRoom("  "); err == nil {
		t.Fatalf("expected error for empty room id")
	}
}

func TestChannelIdentifyRequiresConnection(t *testing.T) {
	dialer := newFakeDialer()
	channel, _ := newTestChannel(t, dialer, sessionkit.NewMemoryCredentialStore(sessionkit.Credential{}))

	if err := channel.Identify(context.Background(), "user-1", "shipper"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	channel.Connect()
	conn := nextConn(t, dialer)
	waitForState(t, channel, StateConnected)
	if err := channel.Identify(context.Background(), "user-1", "shipper"); err != nil {
		t.Fatalf("identify error: %v", err)
	}
	identifies := conn.sent(EventIdentify)
	if len(identifies) != 1 {
		t.Fatalf("expected one identify, got %d", len(identifies))
	}
	var identity Identity
	if err := json.Unmarshal(identifies[0].Data, &identity); err != nil {
		t.Fatalf("identity decode error: %v", err)
	}
	if identity != (Identity{UserID: "user-1", Role: "shipper"}) {
		t.Fatalf("unexpected identity %+v", identity)
	}
}

func TestChannelReportsExhaustedReconnects(t *testing.T) {
	dialer := newFakeDialer()
	dialer.failAll = true
	channel, metrics := newTestChannel(t, dialer, sessionkit.NewMemoryCredentialStore(sessionkit.Credential{}))

	terminal := make(chan StateChange, 1)
	var attemptsMutex sync.Mutex
	var attempts []int
	channel.Observe(func(change StateChange) {
		if change.To == StateReconnecting {
			attemptsMutex.Lock()
			attempts = append(attempts, change.Attempt)
			attemptsMutex.Unlock()
		}
		if change.To == StateDisconnected && change.Err != nil {
			terminal <- change
		}
	})
	channel.Connect()

	select {
	case change := <-terminal:
		if !errors.Is(change.Err, ErrReconnectExhausted) {
			t.Fatalf("expected ErrReconnectExhausted, got %v", change.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for terminal state")
	}
	if channel.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", channel.State())
	}
	if dialer.dialCount() != 4 {
		t.Fatalf("expected 4 dials, got %d", dialer.dialCount())
	}
	attemptsMutex.Lock()
	defer attemptsMutex.Unlock()
	if len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
		t.Fatalf("unexpected reconnect attempts %v", attempts)
	}
	if metrics.Count(MetricExhausted) != 1 {
		t.Fatalf("expected exhausted metric")
	}
}

func TestChannelStalledWriteDoesNotBlockStateOrDispatch(t *testing.T) {
	dialer := newFakeDialer()
	channel, _ := newTestChannel(t, dialer, sessionkit.NewMemoryCredentialStore(sessionkit.Credential{}))
	updates := make(chan OrderUpdate, 1)
	channel.OnOrderUpdate(func(update OrderUpdate) { updates <- update })

	channel.Connect()
	conn := nextConn(t, dialer)
	waitForState(t, channel, StateConnected)

	started, release := conn.stallWrites()
	identified := make(chan error, 1)
	go func() {
		identified <- channel.Identify(context.Background(), "user-1", "customer")
	}()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("identify never reached the socket")
	}

	stateRead := make(chan State, 1)
	go func() { stateRead <- channel.State() }()
	select {
	case state := <-stateRead:
		if state != StateConnected {
			t.Fatalf("expected connected, got %s", state)
		}
	case <-time.After(time.Second):
		t.Fatalf("State blocked behind a stalled write")
	}
	registration := channel.On(EventShipperLocation, func(json.RawMessage) {})
	channel.Off(registration)

	conn.push(t, EventOrderUpdate, OrderUpdate{OrderID: "order-1", Status: "picked_up"})
	select {
	case update := <-updates:
		if update.OrderID != "order-1" {
			t.Fatalf("unexpected update %+v", update)
		}
	case <-time.After(time.Second):
		t.Fatalf("dispatch blocked behind a stalled write")
	}

	release()
	if err := <-identified; err != nil {
		t.Fatalf("identify error: %v", err)
	}
	if len(conn.sent(EventIdentify)) != 1 {
		t.Fatalf("expected identify to be written once released")
	}
}

func TestChannelDispatchesTypedEventsAndDisconnectRemovesHandlers(t *testing.T) {
	dialer := newFakeDialer()
	channel, _ := newTestChannel(t, dialer, sessionkit.NewMemoryCredentialStore(sessionkit.Credential{}))

	updates := make(chan OrderUpdate, 4)
	locations := make(chan ShipperLocation, 4)
	channel.OnOrderUpdate(func(update OrderUpdate) { updates <- update })
	channel.OnShipperLocation(func(location ShipperLocation) { locations <- location })
	channel.On(EventOrderUpdate, func(json.RawMessage) { panic("handler failure") })

	channel.Connect()
	conn := nextConn(t, dialer)
	waitForState(t, channel, StateConnected)

	conn.push(t, EventOrderUpdate, OrderUpdate{OrderID: "order-1", Status: "delivering"})
	conn.push(t, EventShipperLocation, ShipperLocation{OrderID: "order-1", Latitude: 10.5, Longitude: 106.7})
	conn.inbound <- []byte("not json")

	select {
	case update := <-updates:
		if update.OrderID != "order-1" || update.Status != "delivering" {
			t.Fatalf("unexpected update %+v", update)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for order update")
	}
	select {
	case location := <-locations:
		if location.Latitude != 10.5 || location.Longitude != 106.7 {
			t.Fatalf("unexpected location %+v", location)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for shipper location")
	}

	channel.Disconnect()
	waitForState(t, channel, StateDisconnected)
	channel.Connect()
	reconnected := nextConn(t, dialer)
	waitForState(t, channel, StateConnected)
	reconnected.push(t, EventOrderUpdate, OrderUpdate{OrderID: "order-2"})
	reconnected.push(t, EventShipperLocation, ShipperLocation{OrderID: "order-2"})

	select {
	case update := <-updates:
		t.Fatalf("handler survived disconnect: %+v", update)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelRebuildUsesCurrentCredential(t *testing.T) {
	dialer := newFakeDialer()
	store := sessionkit.NewMemoryCredentialStore(sessionkit.Credential{AccessToken: "A1"})
	channel, _ := newTestChannel(t, dialer, store)
	if err := channel.JoinRoom("order-1"); err != nil {
		t.Fatalf("join error: %v", err)
	}

	channel.Connect()
	first := nextConn(t, dialer)
	waitForState(t, channel, StateConnected)
	if got := dialer.header(0).Get("Authorization"); got != "Bearer A1" {
		t.Fatalf("expected bearer A1, got %q", got)
	}

	if _, err := store.Set(context.Background(), sessionkit.CredentialUpdate{AccessToken: sessionkit.Field("A2")}); err != nil {
		t.Fatalf("set error: %v", err)
	}
	channel.Rebuild()
	second := nextConn(t, dialer)
	waitForState(t, channel, StateConnected)

	if got := dialer.header(1).Get("Authorization"); got != "Bearer A2" {
		t.Fatalf("expected bearer A2 after rebuild, got %q", got)
	}
	select {
	case <-first.closed:
	default:
		t.Fatalf("expected previous connection to be closed")
	}
	if joins := second.sent(EventJoinOrder); len(joins) != 1 {
		t.Fatalf("expected room rejoined once after rebuild, got %d", len(joins))
	}
}

func TestChannelConnectIsNoOpWhenRunning(t *testing.T) {
	dialer := newFakeDialer()
	channel, _ := newTestChannel(t, dialer, sessionkit.NewMemoryCredentialStore(sessionkit.Credential{}))
	channel.Connect()
	nextConn(t, dialer)
	waitForState(t, channel, StateConnected)
	channel.Connect()
	time.Sleep(20 * time.Millisecond)
	if dialer.dialCount() != 1 {
		t.Fatalf("expected a single dial, got %d", dialer.dialCount())
	}
}

func TestNewChannelValidatesConfig(t *testing.T) {
	store := sessionkit.NewMemoryCredentialStore(sessionkit.Credential{})
	testCases := []struct {
		name    string
		config  Config
		options Options
	}{
		{name: "missing url", config: Config{}, options: Options{Dialer: newFakeDialer(), Credentials: store}},
		{name: "bad scheme", config: Config{URL: "ftp://host/realtime"}, options: Options{Dialer: newFakeDialer(), Credentials: store}},
		{name: "missing dialer", config: Config{URL: "ws://host/realtime"}, options: Options{Credentials: store}},
		{name: "missing credentials", config: Config{URL: "ws://host/realtime"}, options: Options{Dialer: newFakeDialer()}},
	}
	for _, testCase := range testCases {
		if _, err := NewChannel(testCase.config, testCase.options); err == nil {
			t.Fatalf("%s: expected error", testCase.name)
		}
	}
}
