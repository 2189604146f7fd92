// Package realtime maintains the persistent, auto-reconnecting notification channel.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tyemirov/tsession/internal/sessionkit"
	"go.uber.org/zap"
)

// State is the connection state of a Channel.
type State int

// Channel states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (state State) String() string {
	switch state {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(state))
	}
}

// StateChange describes one transition. Attempt is the reconnect attempt about to run
// when To is StateReconnecting. Err is the failure that caused the transition, if any.
type StateChange struct {
	From    State
	To      State
	Attempt int
	Err     error
}

// Handler receives the data of an inbound event.
type Handler func(data json.RawMessage)

// Observer receives state transitions.
type Observer func(change StateChange)

// Registration identifies a handler or observer for Off.
type Registration struct {
	id uint64
}

// Options carries the collaborators of a Channel.
type Options struct {
	Dialer      Dialer
	Credentials sessionkit.CredentialReader
	Logger      *zap.Logger
	Metrics     sessionkit.MetricsRecorder
}

type handlerEntry struct {
	id      uint64
	event   string
	handler Handler
}

type observerEntry struct {
	id       uint64
	observer Observer
}

// Channel is a reconnecting event channel with room subscriptions.
//
// pendingRooms is the single record of the rooms the caller wants; every transition
// into StateConnected joins each of them exactly once. Identity is not remembered:
// callers re-issue Identify from an Observer when they see StateConnected.
type Channel struct {
	config      Config
	dialer      Dialer
	credentials sessionkit.CredentialReader
	logger      *zap.Logger
	metrics     sessionkit.MetricsRecorder

	// writeMutex orders frames on the socket. It may be taken while holding mutex,
	// never the other way round.
	writeMutex sync.Mutex

	mutex        sync.Mutex
	state        State
	conn         Conn
	generation   uint64
	cancel       context.CancelFunc
	pendingRooms []string
	handlers     []handlerEntry
	observers    []observerEntry
	nextID       uint64
}

// NewChannel validates configuration and constructs a disconnected Channel.
func NewChannel(configuration Config, options Options) (*Channel, error) {
	if err := configuration.validate(); err != nil {
		return nil, err
	}
	if options.Dialer == nil {
		return nil, errMissingDialer
	}
	if options.Credentials == nil {
		return nil, errMissingSource
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := options.Metrics
	if metrics == nil {
		metrics = sessionkit.NewCounterMetrics()
	}
	return &Channel{
		config:      configuration.withDefaults(),
		dialer:      options.Dialer,
		credentials: options.Credentials,
		logger:      logger,
		metrics:     metrics,
		state:       StateDisconnected,
	}, nil
}

// State reports the current connection state.
func (channel *Channel) State() State {
	channel.mutex.Lock()
	defer channel.mutex.Unlock()
	return channel.state
}

// PendingRooms returns the rooms that are joined on every connection.
func (channel *Channel) PendingRooms() []string {
	channel.mutex.Lock()
	defer channel.mutex.Unlock()
	return slices.Clone(channel.pendingRooms)
}

// Connect starts the connection loop. It does nothing unless the channel is disconnected.
func (channel *Channel) Connect() {
	channel.mutex.Lock()
	if channel.state != StateDisconnected {
		channel.mutex.Unlock()
		return
	}
	change, launch := channel.startLocked()
	observers := channel.observerSnapshotLocked()
	channel.mutex.Unlock()
	channel.notify(observers, change)
	launch()
}

// Disconnect closes the connection, stops reconnecting, and removes every registered
// handler and observer. Observers registered at the time of the call still receive the
// final transition to StateDisconnected. Pending rooms are kept for the next Connect.
func (channel *Channel) Disconnect() {
	channel.mutex.Lock()
	wasDisconnected := channel.state == StateDisconnected
	conn := channel.stopLocked()
	change := channel.transitionLocked(StateDisconnected, 0, nil)
	observers := channel.observerSnapshotLocked()
	channel.handlers = nil
	channel.observers = nil
	channel.mutex.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if !wasDisconnected {
		channel.notify(observers, change)
	}
}

// Rebuild replaces a running connection with a new one dialed with the current
// credential. Rooms, handlers and observers are kept. A disconnected channel is left
// alone; its next Connect reads the credential anyway.
func (channel *Channel) Rebuild() {
	channel.mutex.Lock()
	if channel.state == StateDisconnected {
		channel.mutex.Unlock()
		return
	}
	conn := channel.stopLocked()
	change, launch := channel.startLocked()
	observers := channel.observerSnapshotLocked()
	channel.mutex.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	channel.logger.Info("realtime connection rebuilt",
		zap.String("code", "realtime.rebuild"))
	channel.notify(observers, change)
	launch()
}

// JoinRoom adds roomID to the pending rooms and joins it now when connected. Joining a
// room that is already pending sends nothing.
func (channel *Channel) JoinRoom(roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return errEmptyRoomID
	}
	channel.mutex.Lock()
	if slices.Contains(channel.pendingRooms, roomID) {
		channel.mutex.Unlock()
		return nil
	}
	channel.pendingRooms = append(channel.pendingRooms, roomID)
	conn := channel.liveConnLocked()
	channel.mutex.Unlock()
	if conn == nil {
		channel.logger.Debug("room join deferred until connected",
			zap.String("code", "realtime.join.deferred"),
			zap.String("room_id", roomID))
		return nil
	}
	if err := channel.write(context.Background(), conn, EventJoinOrder, roomID); err != nil {
		return err
	}
	channel.metrics.Increment(MetricRoomJoinSent)
	return nil
}

// LeaveRoom removes roomID from the pending rooms and leaves it now when connected.
func (channel *Channel) LeaveRoom(roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return errEmptyRoomID
	}
	channel.mutex.Lock()
	index := slices.Index(channel.pendingRooms, roomID)
	if index < 0 {
		channel.mutex.Unlock()
		return nil
	}
	channel.pendingRooms = slices.Delete(channel.pendingRooms, index, index+1)
	conn := channel.liveConnLocked()
	channel.mutex.Unlock()
	if conn == nil {
		return nil
	}
	return channel.write(context.Background(), conn, EventLeaveOrder, roomID)
}

// Identify associates the live connection with userID. It must be re-sent after every
// reconnect.
func (channel *Channel) Identify(ctx context.Context, userID string, role string) error {
	channel.mutex.Lock()
	conn := channel.liveConnLocked()
	channel.mutex.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return channel.write(ctx, conn, EventIdentify, Identity{UserID: userID, Role: role})
}

// On registers handler for event until Off or Disconnect.
func (channel *Channel) On(event string, handler Handler) Registration {
	channel.mutex.Lock()
	defer channel.mutex.Unlock()
	channel.nextID++
	channel.handlers = append(channel.handlers, handlerEntry{id: channel.nextID, event: event, handler: handler})
	return Registration{id: channel.nextID}
}

// OnOrderUpdate registers a typed order:update handler.
func (channel *Channel) OnOrderUpdate(handler func(OrderUpdate)) Registration {
	return channel.On(EventOrderUpdate, func(data json.RawMessage) {
		var update OrderUpdate
		if err := json.Unmarshal(data, &update); err != nil {
			channel.logger.Warn("order update dropped",
				zap.String("code", "realtime.decode.order_update"),
				zap.Error(err))
			return
		}
		handler(update)
	})
}

// OnShipperLocation registers a typed shipper:location handler.
func (channel *Channel) OnShipperLocation(handler func(ShipperLocation)) Registration {
	return channel.On(EventShipperLocation, func(data json.RawMessage) {
		var location ShipperLocation
		if err := json.Unmarshal(data, &location); err != nil {
			channel.logger.Warn("shipper location dropped",
				zap.String("code", "realtime.decode.shipper_location"),
				zap.Error(err))
			return
		}
		handler(location)
	})
}

// Observe registers observer for state transitions until Off or Disconnect.
func (channel *Channel) Observe(observer Observer) Registration {
	channel.mutex.Lock()
	defer channel.mutex.Unlock()
	channel.nextID++
	channel.observers = append(channel.observers, observerEntry{id: channel.nextID, observer: observer})
	return Registration{id: channel.nextID}
}

// Off removes a handler or observer.
func (channel *Channel) Off(registration Registration) {
	channel.mutex.Lock()
	defer channel.mutex.Unlock()
	channel.handlers = slices.DeleteFunc(channel.handlers, func(entry handlerEntry) bool {
		return entry.id == registration.id
	})
	channel.observers = slices.DeleteFunc(channel.observers, func(entry observerEntry) bool {
		return entry.id == registration.id
	})
}

// startLocked moves to StateConnecting. The returned launch starts the connection
// loop and must be called after the transition has been reported.
func (channel *Channel) startLocked() (StateChange, func()) {
	channel.generation++
	generation := channel.generation
	ctx, cancel := context.WithCancel(context.Background())
	channel.cancel = cancel
	change := channel.transitionLocked(StateConnecting, 0, nil)
	return change, func() { go channel.run(ctx, generation) }
}

func (channel *Channel) stopLocked() Conn {
	channel.generation++
	if channel.cancel != nil {
		channel.cancel()
		channel.cancel = nil
	}
	conn := channel.conn
	channel.conn = nil
	return conn
}

func (channel *Channel) run(ctx context.Context, generation uint64) {
	attempt := 0
	var lastErr error
	for {
		if attempt > 0 {
			if attempt > channel.config.MaxReconnectAttempts {
				channel.exhaust(generation, lastErr)
				return
			}
			if !channel.transition(generation, StateReconnecting, attempt, lastErr) {
				return
			}
			channel.metrics.Increment(MetricReconnectAttempt)
			if !sleepContext(ctx, channel.config.reconnectDelay(attempt)) {
				return
			}
		}

		conn, err := channel.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			channel.logger.Warn("realtime dial failed",
				zap.String("code", "realtime.dial.failed"),
				zap.Int("attempt", attempt),
				zap.Error(err))
			lastErr = err
			attempt++
			continue
		}
		if !channel.establish(generation, conn) {
			_ = conn.Close()
			return
		}

		lastErr = channel.readLoop(ctx, conn)
		if !channel.detach(generation) {
			return
		}
		_ = conn.Close()
		channel.logger.Info("realtime connection lost",
			zap.String("code", "realtime.connection.lost"),
			zap.Error(lastErr))
		attempt = 1
	}
}

func (channel *Channel) dial(ctx context.Context) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, channel.config.ConnectTimeout)
	defer cancel()
	header := http.Header{}
	if accessToken := channel.credentials.Get().AccessToken; accessToken != "" {
		header.Set("Authorization", "Bearer "+accessToken)
	}
	return channel.dialer.Dial(dialCtx, channel.config.URL, header)
}

// establish publishes conn and joins every pending room before observers learn about
// the connection. The joins are written under mutex so a concurrent JoinRoom either
// lands in pendingRooms first or writes after them.
func (channel *Channel) establish(generation uint64, conn Conn) bool {
	channel.mutex.Lock()
	if channel.generation != generation {
		channel.mutex.Unlock()
		return false
	}
	channel.conn = conn
	change := channel.transitionLocked(StateConnected, 0, nil)
	for _, roomID := range channel.pendingRooms {
		if err := channel.write(context.Background(), conn, EventJoinOrder, roomID); err != nil {
			channel.logger.Warn("room rejoin failed",
				zap.String("code", "realtime.join.failed"),
				zap.String("room_id", roomID),
				zap.Error(err))
			continue
		}
		channel.metrics.Increment(MetricRoomJoinSent)
	}
	observers := channel.observerSnapshotLocked()
	channel.mutex.Unlock()

	channel.metrics.Increment(MetricConnected)
	channel.notify(observers, change)
	return true
}

func (channel *Channel) detach(generation uint64) bool {
	channel.mutex.Lock()
	defer channel.mutex.Unlock()
	if channel.generation != generation {
		return false
	}
	channel.conn = nil
	return true
}

func (channel *Channel) exhaust(generation uint64, lastErr error) {
	channel.mutex.Lock()
	if channel.generation != generation {
		channel.mutex.Unlock()
		return
	}
	channel.stopLocked()
	terminal := fmt.Errorf("%w: %w", ErrReconnectExhausted, lastErr)
	change := channel.transitionLocked(StateDisconnected, channel.config.MaxReconnectAttempts, terminal)
	observers := channel.observerSnapshotLocked()
	channel.mutex.Unlock()

	channel.metrics.Increment(MetricExhausted)
	channel.logger.Error("realtime reconnect attempts exhausted",
		zap.String("code", "realtime.reconnect.exhausted"),
		zap.Int("attempts", channel.config.MaxReconnectAttempts),
		zap.Error(lastErr))
	channel.notify(observers, change)
}

func (channel *Channel) transition(generation uint64, to State, attempt int, cause error) bool {
	channel.mutex.Lock()
	if channel.generation != generation {
		channel.mutex.Unlock()
		return false
	}
	change := channel.transitionLocked(to, attempt, cause)
	observers := channel.observerSnapshotLocked()
	channel.mutex.Unlock()
	channel.notify(observers, change)
	return true
}

func (channel *Channel) transitionLocked(to State, attempt int, cause error) StateChange {
	change := StateChange{From: channel.state, To: to, Attempt: attempt, Err: cause}
	channel.state = to
	return change
}

func (channel *Channel) readLoop(ctx context.Context, conn Conn) error {
	for {
		frame, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		envelope, err := DecodeEnvelope(frame)
		if err != nil {
			channel.logger.Debug("realtime frame ignored",
				zap.String("code", "realtime.decode.envelope"),
				zap.Error(err))
			continue
		}
		channel.dispatch(envelope)
	}
}

func (channel *Channel) dispatch(envelope Envelope) {
	channel.mutex.Lock()
	var matching []Handler
	for _, entry := range channel.handlers {
		if entry.event == envelope.Event {
			matching = append(matching, entry.handler)
		}
	}
	channel.mutex.Unlock()
	for _, handler := range matching {
		channel.invoke(envelope.Event, handler, envelope.Data)
	}
}

func (channel *Channel) invoke(event string, handler Handler, data json.RawMessage) {
	defer func() {
		if recovered := recover(); recovered != nil {
			channel.logger.Error("realtime handler panicked",
				zap.String("code", "realtime.handler_panic"),
				zap.String("event", event),
				zap.Any("panic", recovered))
		}
	}()
	handler(data)
}

// liveConnLocked returns the connection when connected, nil otherwise.
func (channel *Channel) liveConnLocked() Conn {
	if channel.state != StateConnected {
		return nil
	}
	return channel.conn
}

func (channel *Channel) write(ctx context.Context, conn Conn, event string, data any) error {
	frame, err := EncodeEnvelope(event, data)
	if err != nil {
		return err
	}
	channel.writeMutex.Lock()
	defer channel.writeMutex.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, channel.config.WriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, frame); err != nil {
		return fmt.Errorf("realtime.write.%s: %w", event, err)
	}
	return nil
}

func (channel *Channel) observerSnapshotLocked() []Observer {
	snapshot := make([]Observer, 0, len(channel.observers))
	for _, entry := range channel.observers {
		snapshot = append(snapshot, entry.observer)
	}
	return snapshot
}

func (channel *Channel) notify(observers []Observer, change StateChange) {
	for _, observer := range observers {
		func() {
			defer func() {
				if recovered := recover(); recovered != nil {
					channel.logger.Error("realtime observer panicked",
						zap.String("code", "realtime.observer_panic"),
						zap.Any("panic", recovered))
				}
			}()
			observer(change)
		}()
	}
}

func sleepContext(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
