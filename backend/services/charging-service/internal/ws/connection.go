package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	readLimit  = 4 * 1024
	pongWait   = 60 * time.Second
	sendBuffer = 16
)

// Connection is one subscriber's push socket. Only writePump writes to the socket.
type Connection struct {
	id           string
	chargerID    string
	ws           *websocket.Conn
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	logger       *zap.Logger
	writeTimeout time.Duration
	pingInterval time.Duration
	onPong       func()
	onClose      func()
}

// NewConnection builds connection wrapper.
func NewConnection(id, chargerID string, ws *websocket.Conn, writeTimeout, pingInterval time.Duration, logger *zap.Logger, onPong, onClose func()) *Connection {
	return &Connection{
		id:           id,
		chargerID:    chargerID,
		ws:           ws,
		send:         make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
		logger:       logger,
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		onPong:       onPong,
		onClose:      onClose,
	}
}

// ID returns the connection identifier.
func (c *Connection) ID() string {
	return c.id
}

// ChargerID returns the charger this connection follows.
func (c *Connection) ChargerID() string {
	return c.chargerID
}

// Start launches read/write pumps and blocks until the connection ends.
func (c *Connection) Start(ctx context.Context) {
	go c.writePump(ctx)
	c.readPump()
}

// readPump drains client frames so control frames are processed. Subscribers send nothing meaningful.
func (c *Connection) readPump() {
	defer c.Close()
	c.ws.SetReadLimit(readLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		if c.onPong != nil {
			c.onPong()
		}
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			c.logger.Debug("push connection read closed", zap.String("charger_id", c.chargerID), zap.Error(err))
			return
		}
	}
}

func (c *Connection) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			c.Close()
			return
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

// Send enqueues a frame and reports whether it was accepted.
func (c *Connection) Send(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.logger.Warn("dropping push frame, buffer full", zap.String("charger_id", c.chargerID))
		return false
	}
}

func (c *Connection) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(messageType, data)
}

// Close ends the connection once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
}
