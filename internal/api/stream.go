package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/landplot/server/internal/logging"
	"github.com/landplot/server/internal/projection"
	"github.com/landplot/server/internal/session"
	"github.com/landplot/server/pkg/palette"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Inbound stream message types.
const (
	msgViewport   = "viewport"
	msgPress      = "press"
	msgResolution = "resolution"
	msgClear      = "clear"
)

// streamMessage is one client event on the stream.
type streamMessage struct {
	Type       string               `json:"type"`
	Viewport   *projection.Viewport `json:"viewport,omitempty"`
	Resolution *int                 `json:"resolution,omitempty"`
	toggleRequest
}

// streamReply acknowledges a client event.
type streamReply struct {
	Type    string `json:"type"`
	Outcome string `json:"outcome,omitempty"`
	Error   string `json:"error,omitempty"`
}

// client is one websocket connection bound to a session.
type client struct {
	conn    *websocket.Conn
	session *session.Session
	updates <-chan session.Update
	replies chan []byte
	done    chan struct{}
	logger  logging.Logger
}

// streamHandler upgrades to a websocket that receives viewport and press
// events and pushes overlay and selection updates.
func streamHandler(logger logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := getSession(r)
		if s == nil {
			writeError(w, http.StatusInternalServerError, "session not found")
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.WithError(err).Error("Failed to upgrade connection")
			return
		}

		updates, unsubscribe := s.Subscribe()
		c := &client{
			conn:    conn,
			session: s,
			updates: updates,
			replies: make(chan []byte, 16),
			done:    make(chan struct{}),
			logger:  logger.WithField("session", s.ID()),
		}
		c.logger.Info("Stream connected")

		go c.writePump()
		c.readPump()

		unsubscribe()
		close(c.done)
		c.logger.Info("Stream disconnected")
	}
}

// initial returns the current overlay and selection so a fresh connection
// does not wait for the next change.
func (c *client) initial() []session.Update {
	geom, seq := c.session.Overlay()
	set := c.session.Selection()
	return []session.Update{
		{Kind: session.UpdateOverlay, Seq: seq, Overlay: geom},
		{Kind: session.UpdateSelection, Selection: &set, Filter: palette.SelectionFilter(set.IDs())},
	}
}

func (c *client) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Error("WebSocket error")
			}
			return
		}
		c.reply(c.handle(message))
	}
}

func (c *client) handle(message []byte) streamReply {
	var msg streamMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return streamReply{Type: "error", Error: "invalid message: " + err.Error()}
	}

	switch msg.Type {
	case msgViewport:
		if msg.Viewport == nil {
			return streamReply{Type: "error", Error: "viewport message without viewport"}
		}
		outcome, err := c.session.UpdateViewport(*msg.Viewport)
		if err != nil {
			return streamReply{Type: "error", Error: err.Error()}
		}
		return streamReply{Type: "ack", Outcome: string(outcome)}
	case msgPress:
		_, res, err := toggle(c.session, msg.toggleRequest)
		if err != nil {
			return streamReply{Type: "error", Error: err.Error()}
		}
		return streamReply{Type: "ack", Outcome: string(res)}
	case msgResolution:
		if msg.Resolution == nil {
			return streamReply{Type: "error", Error: "resolution message without resolution"}
		}
		if err := c.session.SetResolution(*msg.Resolution); err != nil {
			return streamReply{Type: "error", Error: err.Error()}
		}
		return streamReply{Type: "ack"}
	case msgClear:
		c.session.ClearSelection()
		return streamReply{Type: "ack"}
	default:
		return streamReply{Type: "error", Error: "unknown message type: " + msg.Type}
	}
}

func (c *client) reply(r streamReply) {
	data, err := json.Marshal(r)
	if err != nil {
		c.logger.WithError(err).Error("Failed to marshal reply")
		return
	}
	select {
	case c.replies <- data:
	default:
		c.logger.Debug("Reply queue full, dropping reply")
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for _, u := range c.initial() {
		if err := c.write(u); err != nil {
			return
		}
	}

	for {
		select {
		case u, ok := <-c.updates:
			if !ok {
				// Session closed or connection gone.
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				return
			}
			if err := c.write(u); err != nil {
				return
			}

		case data := <-c.replies:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *client) write(u session.Update) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(w).Encode(u); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
