package ws

import (
	"encoding/json"
	"errors"
	"net/http"

	"agenthub/internal/dispatcher"
	"agenthub/internal/models"
	"agenthub/internal/service/session"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Streamer is the dispatcher surface the websocket handler needs.
type Streamer interface {
	Stream(req dispatcher.StreamRequest) (*models.Message, error)
}

type inboundFrame struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

type outboundFrame struct {
	Type    string      `json:"type"`
	Role    models.Role `json:"role,omitempty"`
	Content string      `json:"content,omitempty"`
	Seq     int64       `json:"seq,omitempty"`
	Error   string      `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler serves the websocket chat transport.
type Handler struct {
	sessions        *session.Service
	streamer        Streamer
	hub             *Hub
	defaultProvider string
}

func NewHandler(sessions *session.Service, streamer Streamer, hub *Hub, defaultProvider string) *Handler {
	return &Handler{
		sessions:        sessions,
		streamer:        streamer,
		hub:             hub,
		defaultProvider: defaultProvider,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	group := router.Group("/ws")
	group.GET("/chat/:session_id", h.chat)
	group.GET("/connections", h.connections)
}

func (h *Handler) connections(c *gin.Context) {
	c.JSON(http.StatusOK, h.hub.Stats())
}

func (h *Handler) chat(c *gin.Context) {
	sessionID := c.Param("session_id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("ws upgrade failed")
		return
	}

	ctx := c.Request.Context()
	sess, err := h.sessions.GetSession(ctx, sessionID)
	if err != nil {
		h.closeWith(conn, sessionID, err)
		return
	}
	if !sess.Active() {
		h.closeWith(conn, sessionID, session.ErrSessionEnded)
		return
	}

	pool := h.hub.Add(sessionID, conn)
	defer h.hub.Remove(sessionID, conn)

	provider := c.Query("provider")
	if provider == "" {
		provider = h.defaultProvider
	}
	model := c.Query("model")

	h.send(pool, conn, outboundFrame{Type: "connected"})
	log.Info().Str("session_id", sessionID).Msg("ws client connected")

	for {
		var in inboundFrame
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("session_id", sessionID).Msg("ws read failed")
			}
			return
		}
		if in.Content == "" {
			h.send(pool, conn, outboundFrame{Type: "error", Error: "content cannot be empty"})
			continue
		}
		if in.Role == "" {
			in.Role = models.RoleUser
		}

		h.send(pool, conn, outboundFrame{Type: "ack", Role: in.Role, Content: in.Content})

		reply, err := h.streamer.Stream(dispatcher.StreamRequest{
			Context:   ctx,
			TenantID:  sess.TenantID,
			AgentID:   sess.AgentID,
			SessionID: sessionID,
			Provider:  provider,
			Model:     model,
			Role:      in.Role,
			Content:   in.Content,
			ChunkFn: func(fragment string) error {
				return h.send(pool, conn, outboundFrame{Type: "chunk", Role: models.RoleAgent, Content: fragment})
			},
		})
		if err != nil {
			if errors.Is(err, session.ErrSessionEnded) || errors.Is(err, session.ErrNotFound) {
				// The connection is registered in the hub, so the final
				// frames go through the pool lock; the deferred Remove
				// closes the socket.
				h.send(pool, conn, outboundFrame{Type: "error", Error: err.Error()})
				pool.sendClose(conn)
				log.Info().Str("session_id", sessionID).Err(err).Msg("ws client closed")
				return
			}
			h.send(pool, conn, outboundFrame{Type: "error", Error: err.Error()})
			continue
		}
		h.send(pool, conn, outboundFrame{Type: "end", Role: models.RoleAgent, Content: reply.Content, Seq: reply.Seq})
	}
}

func (h *Handler) send(pool *connPool, conn *websocket.Conn, frame outboundFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return pool.send(conn, data)
}

// closeWith sends a final error frame directly and closes the connection.
// Only safe before the connection joins a pool; registered connections must
// be written through the pool lock instead.
func (h *Handler) closeWith(conn *websocket.Conn, sessionID string, cause error) {
	data, err := json.Marshal(outboundFrame{Type: "error", Error: cause.Error()})
	if err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
	log.Info().Str("session_id", sessionID).Err(cause).Msg("ws client closed")
}
