package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/DMShort/DadLink/internal/control"
)

const wsWriteTimeout = 5 * time.Second

// wsConn adapts one gorilla websocket connection to the control plane's
// framed-message transport. Reads happen on the session's read loop, writes
// only on its writer goroutine, so neither side needs a mutex here.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() (control.Message, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return control.Message{}, err
	}
	var msg control.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return control.Message{}, fmt.Errorf("%w: %v", control.ErrMalformed, err)
	}
	return msg, nil
}

func (c *wsConn) WriteMessage(msg control.Message) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
