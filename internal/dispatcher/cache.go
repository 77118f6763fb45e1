package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"agenthub/internal/models"
	"agenthub/internal/redis"

	"github.com/rs/zerolog/log"
)

const (
	streamChannelPrefix = "sessions:stream:"
	stateTTL            = 30 * time.Minute
)

// FrameType labels fan-out frames published while a response streams.
type FrameType string

const (
	FrameChunk FrameType = "chunk"
	FrameEnd   FrameType = "end"
	FrameError FrameType = "error"
)

// Frame is the pub/sub payload mirrored to every process holding a
// connection for the session. Origin lets the publishing process skip its
// own frames.
type Frame struct {
	Origin    string    `json:"origin"`
	SessionID string    `json:"session_id"`
	Type      FrameType `json:"type"`
	Content   string    `json:"content"`
}

// StreamChannel returns the redis channel carrying frames for a session.
func StreamChannel(sessionID string) string {
	return streamChannelPrefix + sessionID
}

// StreamChannelPattern matches every session stream channel.
func StreamChannelPattern() string {
	return streamChannelPrefix + "*"
}

// stateCache keeps recent per-session history in redis so any process can
// serve any connection, and fans stream frames out over pub/sub. All methods
// degrade to no-ops without a redis client.
type stateCache struct {
	client *redis.Client
	origin string
}

func newStateCache(client *redis.Client, origin string) *stateCache {
	return &stateCache{client: client, origin: origin}
}

func historyKey(sessionID string) string {
	return fmt.Sprintf("sessions:history:%s", sessionID)
}

func (c *stateCache) cacheHistory(sessionID string, history []*models.Message) {
	if c == nil || c.client == nil || sessionID == "" {
		return
	}
	data, err := json.Marshal(history)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("history marshal failed")
		return
	}
	if err := c.client.Set(context.Background(), historyKey(sessionID), data, stateTTL); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("history cache failed")
	}
}

func (c *stateCache) loadHistory(sessionID string) ([]*models.Message, bool) {
	if c == nil || c.client == nil || sessionID == "" {
		return nil, false
	}
	raw, err := c.client.Get(context.Background(), historyKey(sessionID))
	if err != nil {
		if err != redis.ErrCacheMiss {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("history load failed")
		}
		return nil, false
	}
	var history []*models.Message
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("history decode failed")
		return nil, false
	}
	return history, true
}

// invalidate drops cached history. The cache lives in redis, so the delete
// is visible to every process at once.
func (c *stateCache) invalidate(sessionID string) {
	if c == nil || c.client == nil || sessionID == "" {
		return
	}
	if err := c.client.Del(context.Background(), historyKey(sessionID)); err != nil && err != redis.ErrCacheMiss {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("history invalidate failed")
	}
}

// publishFragment mirrors one stream frame to the session's fan-out channel.
func (c *stateCache) publishFragment(sessionID string, frameType FrameType, content string) {
	if c == nil || c.client == nil || sessionID == "" {
		return
	}
	payload, err := json.Marshal(Frame{
		Origin:    c.origin,
		SessionID: sessionID,
		Type:      frameType,
		Content:   content,
	})
	if err != nil {
		return
	}
	if err := c.client.Publish(context.Background(), StreamChannel(sessionID), payload); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("fragment publish failed")
	}
}

// Origin identifies this process in fan-out frames.
func (d *Dispatcher) Origin() string {
	return d.cache.origin
}
