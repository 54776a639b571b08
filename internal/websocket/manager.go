// Package websocket fans sync events out to local observers such as a UI or
// a terminal watching progress.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"voice-sync/internal/domain"
)

type ClientMessage struct {
	Client  *Client
	Message []byte
}

// Manager is the observer hub. Publish never blocks: observers whose send
// buffer is full are dropped.
type Manager struct {
	clients       map[string]*Client
	clientsMutex  sync.RWMutex
	Register      chan *Client
	Unregister    chan *Client
	HandleMessage chan *ClientMessage
	done          chan struct{}
	maxObservers  int
	writeWait     time.Duration
	pongWait      time.Duration
	pingPeriod    time.Duration
	logger        *zap.SugaredLogger
}

func NewManager(maxObservers int, writeWait, pongWait, pingPeriod time.Duration, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		clients:       make(map[string]*Client),
		Register:      make(chan *Client),
		Unregister:    make(chan *Client),
		HandleMessage: make(chan *ClientMessage),
		done:          make(chan struct{}),
		maxObservers:  maxObservers,
		writeWait:     writeWait,
		pongWait:      pongWait,
		pingPeriod:    pingPeriod,
		logger:        logger,
	}
}

// Run serves registrations and inbound messages until ctx is done, then
// closes every observer.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case client := <-m.Register:
			m.registerClient(client)

		case client := <-m.Unregister:
			m.unregisterClient(client)

		case clientMsg := <-m.HandleMessage:
			m.processMessage(clientMsg)

		case <-ctx.Done():
			close(m.done)
			m.closeAll()
			return
		}
	}
}

func (m *Manager) registerClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if m.maxObservers > 0 && len(m.clients) >= m.maxObservers {
		m.logger.Warnw("max observers reached", "client_id", client.ID, "remote", client.RemoteAddr)
		close(client.Send)
		return
	}

	m.clients[client.ID] = client
	m.logger.Infow("observer registered", "client_id", client.ID, "remote", client.RemoteAddr)
}

func (m *Manager) unregisterClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if _, ok := m.clients[client.ID]; ok {
		delete(m.clients, client.ID)
		close(client.Send)
		m.logger.Infow("observer unregistered", "client_id", client.ID)
	}
}

func (m *Manager) closeAll() {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()
	for id, c := range m.clients {
		delete(m.clients, id)
		close(c.Send)
	}
}

func (m *Manager) processMessage(clientMsg *ClientMessage) {
	var msg Message
	if err := json.Unmarshal(clientMsg.Message, &msg); err != nil {
		m.logger.Debugw("bad observer message", "client_id", clientMsg.Client.ID, "error", err)
		m.reply(clientMsg.Client, TypeAck, &AckPayload{Error: "malformed message"})
		return
	}

	switch msg.Type {
	case TypePing:
		m.reply(clientMsg.Client, TypePong, nil)

	case TypeSubscribe:
		var payload SubscribePayload
		if err := msg.UnmarshalPayload(&payload); err != nil {
			m.reply(clientMsg.Client, TypeAck, &AckPayload{Error: "malformed subscribe payload"})
			return
		}
		clientMsg.Client.Subscribe(payload.PeerID)
		m.reply(clientMsg.Client, TypeAck, &AckPayload{Success: true})

	default:
		m.reply(clientMsg.Client, TypeAck, &AckPayload{Error: "unknown message type " + string(msg.Type)})
	}
}

func (m *Manager) reply(client *Client, msgType MessageType, payload interface{}) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()
	if _, ok := m.clients[client.ID]; !ok {
		return
	}
	select {
	case client.Send <- data:
	default:
	}
}

// Publish sends event to every observer subscribed to its peer.
func (m *Manager) Publish(event *domain.SyncEvent) {
	msg, err := NewMessage(TypeEvent, event)
	if err != nil {
		m.logger.Warnw("encode event", "type", event.Type, "error", err)
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	var slow []*Client
	m.clientsMutex.RLock()
	for id, client := range m.clients {
		if !client.Wants(event.PeerID) {
			continue
		}
		select {
		case client.Send <- data:
		default:
			m.logger.Warnw("observer send buffer full, dropping", "client_id", id)
			slow = append(slow, client)
		}
	}
	m.clientsMutex.RUnlock()

	for _, c := range slow {
		m.unregisterClient(c)
	}
}

func (m *Manager) Observers() int {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()
	return len(m.clients)
}

// Attach hands client to the Run loop and starts its pumps. It returns false
// once the hub has stopped.
func (m *Manager) Attach(client *Client) bool {
	select {
	case m.Register <- client:
	case <-m.done:
		client.Conn.Close()
		return false
	}
	go client.WritePump()
	go client.ReadPump()
	return true
}
