// Package websocket wraps a gorilla connection with the buffered
// read/write pumps shared by every connection handler. The wrapper owns
// the transport; the registry only holds it as a Sender.
package websocket

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
	sendQueueSize  = 256
)

// ErrClosed is returned by Send once the connection has shut down.
var ErrClosed = errors.New("websocket: connection closed")

// ErrQueueFull is returned by Send when the client is too slow to drain
// its queue. Fan-out is live and lossy; the frame is dropped.
var ErrQueueFull = errors.New("websocket: send queue full")

// Conn is one live client connection.
type Conn struct {
	ws   *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewConn wraps an upgraded connection.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{
		ws:   ws,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
}

// Send queues one frame for delivery. Never blocks: a full queue or a
// closed connection drops the frame and reports why.
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrQueueFull
	}
}

// Close tears the connection down. Safe to call multiple times.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// Run services the connection until the client goes away: the write
// pump drains the send queue in its own goroutine while the read pump
// runs in the calling goroutine, handing each frame to onMessage.
// onClose fires exactly once, after the read pump has stopped.
func (c *Conn) Run(onMessage func(data []byte), onClose func()) {
	go c.writePump()
	c.readPump(onMessage)
	c.Close()
	onClose()
}

func (c *Conn) readPump(onMessage func(data []byte)) {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[WebSocket] Unexpected close: %v", err)
			}
			return
		}
		onMessage(message)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Drain whatever else queued up, each as its own frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.ws.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
