package devbackend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tsession/internal/realtime"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	hubSendBuffer   = 32
	hubWriteTimeout = 5 * time.Second
	hubReadLimit    = 1 << 20
)

// Hub routes realtime envelopes to order rooms and identified users.
type Hub struct {
	mutex          sync.Mutex
	rooms          map[string]map[*hubClient]struct{}
	users          map[string]map[*hubClient]struct{}
	originPatterns []string
	logger         *zap.Logger
}

type hubClient struct {
	conn   *websocket.Conn
	send   chan []byte
	rooms  map[string]struct{}
	userID string
	// claimedUserID comes from the bearer token, if one was presented.
	claimedUserID string
}

// NewHub constructs an empty hub. originPatterns is passed to websocket.Accept.
func NewHub(logger *zap.Logger, originPatterns []string) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:          make(map[string]map[*hubClient]struct{}),
		users:          make(map[string]map[*hubClient]struct{}),
		originPatterns: originPatterns,
		logger:         logger,
	}
}

// Handler upgrades GET /realtime. A bearer token is optional but must be valid when
// present.
func (hub *Hub) Handler(configuration ServerConfig) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		client := &hubClient{
			send:  make(chan []byte, hubSendBuffer),
			rooms: make(map[string]struct{}),
		}
		if accessToken := bearerToken(contextGin.Request); accessToken != "" {
			claims, err := ParseAccessToken(accessToken, configuration)
			if err != nil {
				contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
				return
			}
			client.claimedUserID = claims.UserID
		}
		conn, err := websocket.Accept(contextGin.Writer, contextGin.Request, &websocket.AcceptOptions{
			OriginPatterns: hub.originPatterns,
		})
		if err != nil {
			hub.logger.Warn("realtime upgrade failed",
				zap.String("code", "devbackend.realtime.accept_failed"),
				zap.Error(err))
			return
		}
		conn.SetReadLimit(hubReadLimit)
		client.conn = conn
		hub.serve(contextGin.Request.Context(), client)
	}
}

func (hub *Hub) serve(ctx context.Context, client *hubClient) {
	defer hub.remove(client)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return hub.readLoop(groupCtx, client)
	})
	group.Go(func() error {
		return hub.writeLoop(groupCtx, client)
	})
	err := group.Wait()
	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
		_ = client.conn.Close(websocket.StatusNormalClosure, "bye")
		return
	}
	hub.logger.Debug("realtime connection closed",
		zap.String("code", "devbackend.realtime.closed"),
		zap.Error(err))
	_ = client.conn.Close(websocket.StatusInternalError, "closing")
}

func (hub *Hub) readLoop(ctx context.Context, client *hubClient) error {
	for {
		messageType, frame, err := client.conn.Read(ctx)
		if err != nil {
			return err
		}
		if messageType != websocket.MessageText {
			continue
		}
		envelope, err := realtime.DecodeEnvelope(frame)
		if err != nil {
			hub.logger.Debug("realtime frame ignored",
				zap.String("code", "devbackend.realtime.bad_frame"),
				zap.Error(err))
			continue
		}
		hub.handle(client, envelope)
	}
}

func (hub *Hub) writeLoop(ctx context.Context, client *hubClient) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-client.send:
			writeCtx, cancel := context.WithTimeout(ctx, hubWriteTimeout)
			err := client.conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (hub *Hub) handle(client *hubClient, envelope realtime.Envelope) {
	switch envelope.Event {
	case realtime.EventJoinOrder, realtime.EventLeaveOrder:
		var roomID string
		if err := json.Unmarshal(envelope.Data, &roomID); err != nil || roomID == "" {
			return
		}
		if envelope.Event == realtime.EventJoinOrder {
			hub.join(client, roomID)
		} else {
			hub.leave(client, roomID)
		}
	case realtime.EventIdentify:
		var identity realtime.Identity
		if err := json.Unmarshal(envelope.Data, &identity); err != nil || identity.UserID == "" {
			return
		}
		if client.claimedUserID != "" && client.claimedUserID != identity.UserID {
			hub.logger.Warn("identify mismatch",
				zap.String("code", "devbackend.realtime.identify_mismatch"),
				zap.String("claimed", client.claimedUserID),
				zap.String("identified", identity.UserID))
			return
		}
		hub.identify(client, identity.UserID)
	}
}

func (hub *Hub) join(client *hubClient, roomID string) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	members, ok := hub.rooms[roomID]
	if !ok {
		members = make(map[*hubClient]struct{})
		hub.rooms[roomID] = members
	}
	members[client] = struct{}{}
	client.rooms[roomID] = struct{}{}
}

func (hub *Hub) leave(client *hubClient, roomID string) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	hub.leaveLocked(client, roomID)
}

func (hub *Hub) leaveLocked(client *hubClient, roomID string) {
	delete(client.rooms, roomID)
	members := hub.rooms[roomID]
	delete(members, client)
	if len(members) == 0 {
		delete(hub.rooms, roomID)
	}
}

func (hub *Hub) identify(client *hubClient, userID string) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	if client.userID != "" {
		hub.forgetUserLocked(client)
	}
	client.userID = userID
	members, ok := hub.users[userID]
	if !ok {
		members = make(map[*hubClient]struct{})
		hub.users[userID] = members
	}
	members[client] = struct{}{}
}

func (hub *Hub) forgetUserLocked(client *hubClient) {
	members := hub.users[client.userID]
	delete(members, client)
	if len(members) == 0 {
		delete(hub.users, client.userID)
	}
}

func (hub *Hub) remove(client *hubClient) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	for roomID := range client.rooms {
		hub.leaveLocked(client, roomID)
	}
	if client.userID != "" {
		hub.forgetUserLocked(client)
	}
}

// Broadcast sends event to every connection in roomID and returns the recipient count.
func (hub *Hub) Broadcast(roomID string, event string, data any) (int, error) {
	frame, err := realtime.EncodeEnvelope(event, data)
	if err != nil {
		return 0, err
	}
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	return hub.enqueueLocked(hub.rooms[roomID], frame), nil
}

// NotifyUser sends event to every connection identified as userID.
func (hub *Hub) NotifyUser(userID string, event string, data any) (int, error) {
	frame, err := realtime.EncodeEnvelope(event, data)
	if err != nil {
		return 0, err
	}
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	return hub.enqueueLocked(hub.users[userID], frame), nil
}

// RoomSize reports how many connections joined roomID.
func (hub *Hub) RoomSize(roomID string) int {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	return len(hub.rooms[roomID])
}

func (hub *Hub) enqueueLocked(members map[*hubClient]struct{}, frame []byte) int {
	delivered := 0
	for client := range members {
		select {
		case client.send <- frame:
			delivered++
		default:
			hub.logger.Warn("realtime send buffer full",
				zap.String("code", "devbackend.realtime.dropped"),
				zap.String("user_id", client.userID))
		}
	}
	return delivered
}
