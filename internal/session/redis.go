package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pixchat/internal/models"
	"pixchat/internal/redis"
)

const (
	redisEventChannel = "pixchat:events"
	redisMessagesTTL  = 30 * time.Minute
	redisSelectionTTL = 24 * time.Hour
)

// stateRedis mirrors session state into redis and relays events between instances.
type stateRedis struct {
	client *redis.Client
	origin string
	logger *zap.Logger
}

func newStateCache(client *redis.Client, origin string, logger *zap.Logger) *stateRedis {
	if client == nil {
		return nil
	}
	return &stateRedis{client: client, origin: origin, logger: logger}
}

func messagesKey(sessionID string) string {
	return fmt.Sprintf("pixchat:session:%s:messages", sessionID)
}

func selectionKey(sessionID string) string {
	return fmt.Sprintf("pixchat:session:%s:model", sessionID)
}

// startListener delivers events published by other instances until ctx ends.
func (r *stateRedis) startListener(ctx context.Context, handler func(Event)) error {
	if r == nil || handler == nil {
		return nil
	}
	ps, err := r.client.Subscribe(ctx, redisEventChannel)
	if err != nil {
		return err
	}
	go func() {
		defer ps.Close()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					r.logger.Warn("session event decode failed", zap.Error(err))
					continue
				}
				if evt.Origin == r.origin {
					continue
				}
				handler(evt)
			}
		}
	}()
	return nil
}

func (r *stateRedis) publish(ctx context.Context, evt Event) {
	if r == nil {
		return
	}
	evt.Origin = r.origin
	payload, err := json.Marshal(evt)
	if err != nil {
		r.logger.Warn("session event marshal failed", zap.Error(err))
		return
	}
	if err := r.client.Publish(ctx, redisEventChannel, payload); err != nil {
		r.logger.Warn("session event publish failed", zap.Error(err))
	}
}

func (r *stateRedis) cacheMessages(ctx context.Context, sessionID string, msgs []*models.Message) {
	if r == nil {
		return
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		r.logger.Warn("session messages marshal failed", zap.Error(err))
		return
	}
	if err := r.client.Set(ctx, messagesKey(sessionID), data, redisMessagesTTL); err != nil {
		r.logger.Warn("session messages cache failed", zap.Error(err))
	}
}

func (r *stateRedis) loadMessages(ctx context.Context, sessionID string) ([]*models.Message, bool) {
	if r == nil {
		return nil, false
	}
	raw, err := r.client.Get(ctx, messagesKey(sessionID))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			r.logger.Warn("session messages load failed", zap.Error(err))
		}
		return nil, false
	}
	var msgs []*models.Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		r.logger.Warn("session messages decode failed", zap.Error(err))
		return nil, false
	}
	return msgs, true
}

func (r *stateRedis) cacheSelection(ctx context.Context, sessionID string, sel *models.SelectedModel) {
	if r == nil {
		return
	}
	if sel == nil {
		if err := r.client.Del(ctx, selectionKey(sessionID)); err != nil {
			r.logger.Warn("session selection invalidate failed", zap.Error(err))
		}
		return
	}
	data, err := json.Marshal(sel)
	if err != nil {
		r.logger.Warn("session selection marshal failed", zap.Error(err))
		return
	}
	if err := r.client.Set(ctx, selectionKey(sessionID), data, redisSelectionTTL); err != nil {
		r.logger.Warn("session selection cache failed", zap.Error(err))
	}
}

func (r *stateRedis) loadSelection(ctx context.Context, sessionID string) (*models.SelectedModel, bool) {
	if r == nil {
		return nil, false
	}
	raw, err := r.client.Get(ctx, selectionKey(sessionID))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			r.logger.Warn("session selection load failed", zap.Error(err))
		}
		return nil, false
	}
	var sel models.SelectedModel
	if err := json.Unmarshal([]byte(raw), &sel); err != nil {
		r.logger.Warn("session selection decode failed", zap.Error(err))
		return nil, false
	}
	return &sel, true
}

func (r *stateRedis) invalidateMessages(ctx context.Context, sessionID string) {
	if r == nil {
		return
	}
	if err := r.client.Del(ctx, messagesKey(sessionID)); err != nil {
		r.logger.Warn("session messages invalidate failed", zap.Error(err))
	}
}
