package realtime

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

const maxFrameBytes = 1 << 20

// Conn is one live, message-oriented connection.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Close() error
}

// Dialer opens connections. header carries connection-time credentials.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, header http.Header) (Conn, error)
}

// WebsocketDialer dials with github.com/coder/websocket.
type WebsocketDialer struct {
	// HTTPClient is used for the handshake; nil uses http.DefaultClient.
	HTTPClient *http.Client
}

// Dial implements Dialer.
func (dialer WebsocketDialer) Dial(ctx context.Context, endpoint string, header http.Header) (Conn, error) {
	conn, response, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient: dialer.HTTPClient,
		HTTPHeader: header,
	})
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("realtime.dial.status_%d: %w", response.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime.dial: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)
	return &websocketConn{conn: conn}, nil
}

type websocketConn struct {
	conn *websocket.Conn
}

func (adapter *websocketConn) Read(ctx context.Context) ([]byte, error) {
	for {
		messageType, frame, err := adapter.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if messageType == websocket.MessageText {
			return frame, nil
		}
	}
}

func (adapter *websocketConn) Write(ctx context.Context, frame []byte) error {
	return adapter.conn.Write(ctx, websocket.MessageText, frame)
}

func (adapter *websocketConn) Close() error {
	return adapter.conn.Close(websocket.StatusNormalClosure, "bye")
}
