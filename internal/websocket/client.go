package websocket

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/score-integrity/internal/broadcast"
	"github.com/score-integrity/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024

	// Deltas queued per client before the hub starts dropping them.
	sendBuffer = 256
)

var errLevelRequired = errors.New("level_id required")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Leaderboards are public
		return true
	},
}

// Client is one leaderboard viewer. Each queued message is written as its
// own text frame.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger
}

// ClientMessage is a control message sent by a viewer
type ClientMessage struct {
	Type    string `json:"type"`
	LevelID string `json:"level_id,omitempty"`
	Period  string `json:"period,omitempty"`
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, conn *websocket.Conn, logger *slog.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		id:     id,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		logger: logger.With("client_id", id),
	}
}

// readPump decodes control messages until the connection fails
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, r, err := c.conn.NextReader()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.NewDecoder(r).Decode(&msg); err != nil {
			c.sendError("invalid message format")
			continue
		}
		c.handleMessage(&msg)
	}
}

func (c *Client) handleMessage(msg *ClientMessage) {
	switch msg.Type {
	case MessageTypeSubscribe:
		topic, err := topicOf(msg)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.hub.Subscribe(c, topic)
		c.sendAck(MessageTypeSubscribed, topic)

	case MessageTypeUnsubscribe:
		topic, err := topicOf(msg)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.hub.Unsubscribe(c, topic)
		c.sendAck(MessageTypeUnsubscribed, topic)

	case MessageTypePing:
		c.sendMessage(Message{Type: MessageTypePong})

	default:
		c.sendError("unknown message type")
	}
}

// topicOf maps a subscription request onto a broadcast topic; the period
// defaults to alltime
func topicOf(msg *ClientMessage) (string, error) {
	if msg.LevelID == "" {
		return "", errLevelRequired
	}
	period, err := domain.ParsePeriod(msg.Period)
	if err != nil {
		return "", err
	}
	return broadcast.LeaderboardTopic(msg.LevelID, period), nil
}

// writePump writes queued messages and keepalive pings. It owns all writes
// to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("websocket write failed", "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendError(reason string) {
	c.sendMessage(Message{
		Type: MessageTypeError,
		Data: map[string]string{"error": reason},
	})
}

func (c *Client) sendAck(kind, topic string) {
	c.sendMessage(Message{Type: kind, Topic: topic})
}

// sendMessage queues msg without blocking; it is dropped when the buffer is full
func (c *Client) sendMessage(msg Message) {
	msg.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal message", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// ServeWs upgrades the request and starts the client's pumps
func ServeWs(hub *Hub, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	client := NewClient(hub, conn, logger)
	hub.Register(client)

	go client.writePump()
	go client.readPump()

	client.logger.Debug("websocket connected", "remote_addr", r.RemoteAddr)
}
