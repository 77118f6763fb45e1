package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"agenthub/internal/dispatcher"
	"agenthub/internal/redis"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Hub tracks websocket connections grouped by session id. It centralizes
// broadcasting and error handling so the route handler stays small.
type Hub struct {
	mu    sync.Mutex
	pools map[string]*connPool
}

type connPool struct {
	sessionID string
	mu        sync.Mutex
	conns     map[*websocket.Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{pools: make(map[string]*connPool)}
}

// Add registers a connection under the session and returns its pool.
func (h *Hub) Add(sessionID string, conn *websocket.Conn) *connPool {
	h.mu.Lock()
	p, ok := h.pools[sessionID]
	if !ok {
		p = &connPool{sessionID: sessionID, conns: make(map[*websocket.Conn]struct{})}
		h.pools[sessionID] = p
	}
	h.mu.Unlock()

	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.mu.Unlock()
	return p
}

// Remove drops the connection and deletes empty pools.
func (h *Hub) Remove(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	p, ok := h.pools[sessionID]
	h.mu.Unlock()
	if !ok {
		_ = conn.Close()
		return
	}

	p.mu.Lock()
	delete(p.conns, conn)
	empty := len(p.conns) == 0
	p.mu.Unlock()
	_ = conn.Close()

	if empty {
		h.mu.Lock()
		if cur, ok := h.pools[sessionID]; ok && cur == p {
			delete(h.pools, sessionID)
		}
		h.mu.Unlock()
	}
}

// Broadcast sends data to every connection registered for the session.
func (h *Hub) Broadcast(sessionID string, data []byte) {
	h.mu.Lock()
	p, ok := h.pools[sessionID]
	h.mu.Unlock()
	if !ok {
		return
	}
	p.broadcast(data)
}

// Stats reports connection counts, exposed on /ws/connections.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := 0
	sessions := make(map[string]int, len(h.pools))
	for sid, p := range h.pools {
		n := p.count()
		sessions[sid] = n
		total += n
	}
	return map[string]interface{}{
		"total_connections": total,
		"active_sessions":   len(sessions),
		"sessions":          sessions,
	}
}

func (p *connPool) broadcast(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for conn := range p.conns {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn().Err(err).Str("session_id", p.sessionID).Msg("ws broadcast failed, dropping connection")
			delete(p.conns, conn)
			_ = conn.Close()
		}
	}
}

var errConnGone = errors.New("connection no longer in pool")

// send writes to one connection under the pool lock so broadcasts and
// per-connection writes never race.
func (p *connPool) send(conn *websocket.Conn, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.conns[conn]; !ok {
		return errConnGone
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		delete(p.conns, conn)
		_ = conn.Close()
		return err
	}
	return nil
}

// sendClose writes a close frame under the pool lock. Callers still remove
// the connection afterwards.
func (p *connPool) sendClose(conn *websocket.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.conns[conn]; !ok {
		return
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (p *connPool) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// RunRelay subscribes to the cross-process stream fan-out and mirrors frames
// produced by other processes to locally held connections. Frames published
// by localOrigin are skipped; their connections already received the content
// directly.
func (h *Hub) RunRelay(ctx context.Context, client *redis.Client, localOrigin string) {
	pubsub := client.PSubscribe(ctx, dispatcher.StreamChannelPattern())
	if pubsub == nil {
		return
	}
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var frame dispatcher.Frame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				log.Warn().Err(err).Msg("relay frame decode failed")
				continue
			}
			if frame.Origin == localOrigin {
				continue
			}
			data, err := json.Marshal(outboundFrame{
				Type:    string(frame.Type),
				Content: frame.Content,
			})
			if err != nil {
				continue
			}
			h.Broadcast(frame.SessionID, data)
		}
	}
}
