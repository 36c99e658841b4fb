// Package catalog discovers serving-API models, groups them into categories
// and chooses one for a task.
package catalog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"pixchat/internal/models"
)

// Lister is the part of the serving client the catalog needs.
type Lister interface {
	ListModels(ctx context.Context) ([]models.OllamaModel, error)
}

// Catalog holds the last successful discovery result.
type Catalog struct {
	lister Lister
	logger *zap.Logger
	ttl    time.Duration
	group  singleflight.Group

	mu        sync.RWMutex
	models    []models.OllamaModel
	fetchedAt time.Time
}

func New(lister Lister, ttl time.Duration, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{lister: lister, ttl: ttl, logger: logger.Named("catalog")}
}

// Discover fetches the model list. Failures are logged and yield an empty
// list; concurrent calls share one request.
func (c *Catalog) Discover(ctx context.Context) []models.OllamaModel {
	v, err, shared := c.group.Do("tags", func() (interface{}, error) {
		list, err := c.lister.ListModels(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.models = list
		c.fetchedAt = time.Now()
		c.mu.Unlock()
		return list, nil
	})
	if err != nil {
		c.logger.Debug("model discovery failed", zap.Error(err))
		return []models.OllamaModel{}
	}
	if shared {
		c.logger.Debug("model discovery shared")
	}
	return cloneModels(v.([]models.OllamaModel))
}

// Models returns the snapshot from the last successful discovery.
func (c *Catalog) Models() []models.OllamaModel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneModels(c.models)
}

// Cached returns the snapshot while it is younger than the TTL and
// rediscovers otherwise.
func (c *Catalog) Cached(ctx context.Context) []models.OllamaModel {
	c.mu.RLock()
	fresh := c.models != nil && c.ttl > 0 && time.Since(c.fetchedAt) <= c.ttl
	snapshot := cloneModels(c.models)
	c.mu.RUnlock()
	if fresh {
		return snapshot
	}
	return c.Discover(ctx)
}

func cloneModels(list []models.OllamaModel) []models.OllamaModel {
	if list == nil {
		return []models.OllamaModel{}
	}
	return append([]models.OllamaModel(nil), list...)
}
