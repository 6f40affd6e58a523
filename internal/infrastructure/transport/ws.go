package transport

import (
	"context"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"wrts/internal/core/ports"
)

// WSDialer opens websocket connections with gorilla/websocket.
type WSDialer struct {
	dialer *websocket.Dialer
}

// NewWSDialer builds the dialer.
func NewWSDialer(connectTimeout time.Duration) *WSDialer {
	return &WSDialer{
		dialer: &websocket.Dialer{
			HandshakeTimeout: connectTimeout,
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  4 * 1024,
		},
	}
}

// Dial implements ports.WSDialer. http(s) endpoints are rewritten to their
// ws(s) form.
func (d *WSDialer) Dial(ctx context.Context, url string) (ports.WSConn, error) {
	url = strings.Replace(url, "http://", "ws://", 1)
	url = strings.Replace(url, "https://", "wss://", 1)

	conn, resp, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

// ReadMessage blocks for the next binary frame, skipping text frames.
func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteJSON(v interface{}) error {
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
