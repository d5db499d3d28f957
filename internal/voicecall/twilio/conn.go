package twilio

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Conn wraps a Media Streams websocket. Writes are serialized and Close is idempotent.
type Conn struct {
	conn       *websocket.Conn
	writeMutex sync.Mutex
	closeOnce  sync.Once
	closeErr   error
}

func NewConn(conn *websocket.Conn) *Conn {
	return &Conn{conn: conn}
}

// ReadFrame blocks until the next text frame arrives. Only one goroutine may read.
func (c *Conn) ReadFrame() ([]byte, error) {
	_, msg, err := c.conn.ReadMessage()
	return msg, err
}

// WriteFrame sends one text frame to Twilio.
func (c *Conn) WriteFrame(frame []byte) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Close sends a normal closure and closes the socket.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMutex.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMutex.Unlock()

		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// IsNormalClose reports whether a read error is an orderly hangup rather than a transport failure.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
