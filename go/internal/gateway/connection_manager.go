package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/events"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/metrics"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/models"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/round"
)

// ConnectionManager manages the WebSocket connections of every game and
// implements round.Broadcaster on top of them.
type ConnectionManager struct {
	// All connections by id, and the joined ones grouped by game
	connections     map[string]*Connection
	gameConnections map[int64]map[*Connection]bool
	mu              sync.RWMutex

	// Upgrader for WebSocket connections
	upgrader websocket.Upgrader

	// Connection configuration
	config ConnectionConfig

	// Event broadcasting
	broadcastCh chan BroadcastMessage

	metrics metrics.Collector

	// Called with every inbound message and once per closed connection
	onMessage func(*Connection, []byte)
	onClose   func(*Connection)
}

// Connection represents a WebSocket connection to a client
type Connection struct {
	ID         string
	RemoteAddr string
	Conn       *websocket.Conn
	Send       chan []byte
	Manager    *ConnectionManager

	ConnectedAt time.Time

	mu       sync.RWMutex
	identity Identity
}

// Identity is what a connection became by joining a game.
type Identity struct {
	GameID int64
	Role   models.Role
	Actor  round.Actor
	TeamID int64
}

// Joined reports whether the connection has joined a game.
func (id Identity) Joined() bool { return id.GameID != 0 }

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	BroadcastBuffer int
	CheckOrigin     func(r *http.Request) bool
}

// BroadcastMessage represents a message to deliver to connections
type BroadcastMessage struct {
	GameID   int64
	Audience round.Audience
	Event    *events.Event
	ConnID   string // Optional: if set, only send to this connection
	Kick     bool   // Close ConnID after delivering Event
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      256,
		BroadcastBuffer: 1000,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// NewConnectionManager creates a new WebSocket connection manager
func NewConnectionManager(config ConnectionConfig, m metrics.Collector) *ConnectionManager {
	if config.SendBuffer < 1 {
		config.SendBuffer = 256
	}
	if config.BroadcastBuffer < 1 {
		config.BroadcastBuffer = 1000
	}
	if m == nil {
		m = metrics.NoOp{}
	}
	return &ConnectionManager{
		connections:     make(map[string]*Connection),
		gameConnections: make(map[int64]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan BroadcastMessage, config.BroadcastBuffer),
		metrics:     m,
		onMessage:   func(*Connection, []byte) {},
		onClose:     func(*Connection) {},
	}
}

// Handle installs the inbound message and close callbacks. It must be called
// before the first connection is accepted.
func (cm *ConnectionManager) Handle(onMessage func(*Connection, []byte), onClose func(*Connection)) {
	cm.onMessage = onMessage
	cm.onClose = onClose
}

// Start begins processing broadcast messages
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			cm.closeAll()
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP connection to WebSocket
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := cm.newConnection(conn, r.RemoteAddr)
	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("remote_addr", r.RemoteAddr).
		Msg("WebSocket connection established")

	return nil
}

func (cm *ConnectionManager) newConnection(conn *websocket.Conn, remoteAddr string) *Connection {
	return &Connection{
		ID:          uuid.New().String(),
		RemoteAddr:  remoteAddr,
		Conn:        conn,
		Send:        make(chan []byte, cm.config.SendBuffer),
		Manager:     cm,
		ConnectedAt: time.Now(),
	}
}

// registerConnection adds a connection to the manager
func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.connections[conn.ID] = conn

	log.Debug().
		Str("connection_id", conn.ID).
		Int("total_connections", len(cm.connections)).
		Msg("connection registered")
}

// Bind attaches a joined identity to the connection and subscribes it to its
// game. A connection joins at most one game.
func (cm *ConnectionManager) Bind(conn *Connection, id Identity) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, ok := cm.connections[conn.ID]; !ok {
		return fmt.Errorf("connection %s is closed", conn.ID)
	}
	if conn.Identity().Joined() {
		return errAlreadyJoined
	}

	conn.mu.Lock()
	conn.identity = id
	conn.mu.Unlock()

	if cm.gameConnections[id.GameID] == nil {
		cm.gameConnections[id.GameID] = make(map[*Connection]bool)
	}
	cm.gameConnections[id.GameID][conn] = true
	cm.metrics.RecordConnection(string(id.Role), 1)

	log.Debug().
		Str("connection_id", conn.ID).
		Int64("game_id", id.GameID).
		Str("role", string(id.Role)).
		Int("game_connections", len(cm.gameConnections[id.GameID])).
		Msg("connection joined game")
	return nil
}

// Unbind reverts a Bind whose join was rejected.
func (cm *ConnectionManager) Unbind(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	id := conn.Identity()
	if !id.Joined() {
		return
	}
	cm.leaveGame(conn, id)

	conn.mu.Lock()
	conn.identity = Identity{}
	conn.mu.Unlock()
}

// leaveGame must be called with cm.mu held.
func (cm *ConnectionManager) leaveGame(conn *Connection, id Identity) {
	if conns, ok := cm.gameConnections[id.GameID]; ok && conns[conn] {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(cm.gameConnections, id.GameID)
		}
		cm.metrics.RecordConnection(string(id.Role), -1)
	}
}

// unregisterConnection removes a connection from the manager
func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	if _, exists := cm.connections[conn.ID]; !exists {
		cm.mu.Unlock()
		return
	}
	delete(cm.connections, conn.ID)
	cm.leaveGame(conn, conn.Identity())
	close(conn.Send)
	cm.mu.Unlock()

	log.Info().
		Str("connection_id", conn.ID).
		Int64("game_id", conn.Identity().GameID).
		Str("role", string(conn.Identity().Role)).
		Msg("connection unregistered")

	cm.onClose(conn)
}

// Broadcast queues an event for an audience of its game.
func (cm *ConnectionManager) Broadcast(audience round.Audience, ev *events.Event) {
	cm.enqueue(BroadcastMessage{GameID: ev.GameID, Audience: audience, Event: ev})
}

// SendTo queues an event for a single connection.
func (cm *ConnectionManager) SendTo(connID string, ev *events.Event) {
	cm.enqueue(BroadcastMessage{GameID: ev.GameID, Event: ev, ConnID: connID})
}

// Kick queues an event for a single connection and closes it afterwards.
func (cm *ConnectionManager) Kick(connID string, ev *events.Event) {
	cm.enqueue(BroadcastMessage{GameID: ev.GameID, Event: ev, ConnID: connID, Kick: true})
}

func (cm *ConnectionManager) enqueue(message BroadcastMessage) {
	select {
	case cm.broadcastCh <- message:
	default:
		cm.metrics.RecordBroadcastDropped()
		log.Warn().
			Int64("game_id", message.GameID).
			Str("event_type", string(message.Event.Type)).
			Str("connection_id", message.ConnID).
			Msg("broadcast channel full, dropping message")
	}
}

// handleBroadcast processes a broadcast message
func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	var targetConnections []*Connection

	// Create a snapshot of connections to avoid holding lock during broadcast
	cm.mu.RLock()
	if message.ConnID != "" {
		if conn, ok := cm.connections[message.ConnID]; ok {
			targetConnections = append(targetConnections, conn)
		}
	} else {
		for conn := range cm.gameConnections[message.GameID] {
			if receives(conn.Identity().Role, message.Audience) {
				targetConnections = append(targetConnections, conn)
			}
		}
	}
	cm.mu.RUnlock()

	if len(targetConnections) == 0 {
		return
	}

	// Marshal the event once
	eventData, err := json.Marshal(message.Event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}

	for _, conn := range targetConnections {
		cm.deliver(conn, eventData)
		if message.Kick {
			cm.unregisterConnection(conn)
		}
	}

	log.Debug().
		Str("event_type", string(message.Event.Type)).
		Int64("game_id", message.GameID).
		Str("audience", message.Audience.String()).
		Int("connections", len(targetConnections)).
		Msg("event broadcasted")
}

// deliver hands data to the connection's writer, closing connections that
// cannot keep up.
func (cm *ConnectionManager) deliver(conn *Connection, data []byte) {
	cm.mu.RLock()
	_, open := cm.connections[conn.ID]
	if open {
		select {
		case conn.Send <- data:
			cm.mu.RUnlock()
			return
		default:
		}
	}
	cm.mu.RUnlock()
	if !open {
		return
	}

	// Connection is slow/dead, close it
	log.Warn().
		Str("connection_id", conn.ID).
		Msg("connection send buffer full, closing connection")
	cm.unregisterConnection(conn)
	if conn.Conn != nil {
		conn.Conn.Close()
	}
}

// receives reports whether a role is part of an audience.
func receives(role models.Role, audience round.Audience) bool {
	switch audience {
	case round.AudienceModerators:
		return role.Moderator()
	case round.AudienceStaff:
		return role.Moderator() || role == models.RoleSpectator
	default:
		return true
	}
}

// Stats returns statistics about active connections
func (cm *ConnectionManager) Stats() map[string]interface{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	gameCounts := make(map[int64]int)
	for gameID, connections := range cm.gameConnections {
		gameCounts[gameID] = len(connections)
	}

	return map[string]interface{}{
		"total_connections": len(cm.connections),
		"active_games":      len(cm.gameConnections),
		"game_connections":  gameCounts,
	}
}

func (cm *ConnectionManager) closeAll() {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.connections))
	for _, c := range cm.connections {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()

	for _, c := range conns {
		cm.unregisterConnection(c)
	}
}

// Identity returns what the connection joined as.
func (c *Connection) Identity() Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// send writes an event directly to this connection, bypassing the broadcast queue.
func (c *Connection) send(ev *events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to marshal event")
		return
	}
	c.Manager.deliver(c, data)
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				// Channel was closed
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump handles reading messages from the WebSocket connection
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		c.Manager.onMessage(c, message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}
