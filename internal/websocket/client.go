package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is one observer connection.
type Client struct {
	ID         string
	RemoteAddr string
	Conn       *websocket.Conn
	Manager    *Manager
	Send       chan []byte

	mu     sync.RWMutex
	peerID string
}

func NewClient(id, remoteAddr, peerID string, conn *websocket.Conn, manager *Manager) *Client {
	return &Client{
		ID:         id,
		RemoteAddr: remoteAddr,
		Conn:       conn,
		Manager:    manager,
		Send:       make(chan []byte, 256),
		peerID:     peerID,
	}
}

// Wants reports whether the observer is subscribed to peerID.
func (c *Client) Wants(peerID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerID == "" || c.peerID == peerID
}

func (c *Client) Subscribe(peerID string) {
	c.mu.Lock()
	c.peerID = peerID
	c.mu.Unlock()
}

func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.Manager.Unregister <- c:
		case <-c.Manager.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(4096)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Manager.logger.Debugw("observer read error", "client_id", c.ID, "error", err)
			}
			break
		}

		select {
		case c.Manager.HandleMessage <- &ClientMessage{Client: c, Message: message}:
		case <-c.Manager.done:
			return
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.Manager.pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
