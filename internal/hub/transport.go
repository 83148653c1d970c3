// ABOUTME: Frame transport abstraction and its gorilla/websocket implementation
// ABOUTME: Lets connections run over a websocket in production and an in-memory pipe in tests

package hub

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport moves frames for one live channel. ReadFrame is called from a
// single goroutine and WriteFrame from another; Close may be called at any
// time and must unblock both.
type Transport interface {
	ReadFrame() (Frame, error)
	WriteFrame(f Frame) error
	Close() error
}

// WebsocketTransport adapts a gorilla websocket connection.
type WebsocketTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
}

// NewWebsocketTransport wraps conn. Inbound messages larger than
// maxMessageBytes close the connection.
func NewWebsocketTransport(conn *websocket.Conn, writeTimeout time.Duration, maxMessageBytes int64) *WebsocketTransport {
	if maxMessageBytes > 0 {
		conn.SetReadLimit(maxMessageBytes)
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &WebsocketTransport{conn: conn, writeTimeout: writeTimeout}
}

// ReadFrame blocks for the next data message.
func (t *WebsocketTransport) ReadFrame() (Frame, error) {
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			return Frame{}, err
		}
		switch mt {
		case websocket.TextMessage:
			return Frame{Encoding: EncodingJSON, Data: data}, nil
		case websocket.BinaryMessage:
			return Frame{Encoding: EncodingCBOR, Data: data}, nil
		}
	}
}

// WriteFrame sends one frame, giving up after the write timeout.
func (t *WebsocketTransport) WriteFrame(f Frame) error {
	mt := websocket.TextMessage
	if f.Encoding == EncodingCBOR {
		mt = websocket.BinaryMessage
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	return t.conn.WriteMessage(mt, f.Data)
}

// Close sends a close frame (best effort) and closes the socket.
func (t *WebsocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}

// IsNormalClose reports whether err is an orderly websocket shutdown.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
