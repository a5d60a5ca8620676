package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

// client is one websocket connection. Frames are written by writePump
// only; queue blocks while the buffer is full, until the connection closes.
type client struct {
	conn   *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func newClient(conn *websocket.Conn, logger *zap.Logger) *client {
	c := &client{
		conn:   conn,
		send:   make(chan []byte, 256),
		closed: make(chan struct{}),
		logger: logger,
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for {
		select {
		case <-c.closed:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("ws write failed", zap.Error(err))
				c.close()
				return
			}
		}
	}
}

func (c *client) queue(msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("marshal frame", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	case <-c.closed:
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.closed)
	})
}

// console renders controller output as frames for the page.
type console struct {
	c *client
}

func (p console) Clear() {
	p.c.queue(ServerMessage{Type: MsgClear})
}

func (p console) Append(text string) {
	p.c.queue(ServerMessage{Type: MsgAppend, Text: text})
}

func (p console) SetRunning(running bool) {
	p.c.queue(ServerMessage{Type: MsgRunning, Running: &running})
}
