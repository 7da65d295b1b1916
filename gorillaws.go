package sockrpc

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

const closeGracePeriod = time.Second

type GorillaWSConnection struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// NewGorillaWSConnection wraps an already established gorilla connection, on
// either side of the socket.
func NewGorillaWSConnection(conn *websocket.Conn, writeTimeout time.Duration) *GorillaWSConnection {
	return &GorillaWSConnection{conn: conn, writeTimeout: writeTimeout}
}

type GorillaDialer struct {
	dialer       *websocket.Dialer
	writeTimeout time.Duration
}

func NewGorillaDialer(cfg *GorillaWsConfig) *GorillaDialer {
	if cfg == nil {
		cfg = DefaultConfig().GorillaWS
	}
	return &GorillaDialer{
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   cfg.ReadBufferSize,
			WriteBufferSize:  cfg.WriteBufferSize,
		},
		writeTimeout: cfg.WriteTimeout,
	}
}

func (d *GorillaDialer) Dial(ctx context.Context, url string) (WSConn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, errors.New("handshake failed with status " + strconv.Itoa(resp.StatusCode) + ": " + err.Error())
		}
		return nil, err
	}
	return NewGorillaWSConnection(conn, d.writeTimeout), nil
}

// Close sends a normal closure frame before dropping the socket.
func (c *GorillaWSConnection) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	return c.conn.Close()
}

func (c *GorillaWSConnection) Send(data []byte) error {
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *GorillaWSConnection) Receive() ([]byte, error) {
	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
		return nil, errors.New("unsupported message type " + strconv.Itoa(messageType))
	}
	return data, nil
}
