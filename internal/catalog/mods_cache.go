package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"
)

const modListTTL = 30 * time.Minute

// ModEntry is one mod of a modpack file, joined from the pack manifest and
// the batched project metadata.
type ModEntry struct {
	ProjectID  int    `json:"projectId"`
	FileID     int    `json:"fileId"`
	Required   bool   `json:"required"`
	Name       string `json:"name"`
	Slug       string `json:"slug"`
	Summary    string `json:"summary"`
	LogoURL    string `json:"logoUrl"`
	WebsiteURL string `json:"websiteUrl"`
}

type ModList []ModEntry

// ModListCache caches expanded mod lists per (modpack, file) pair. Filling
// one costs an archive download plus batched metadata calls, so concurrent
// requests for the same pair share a single fill.
type ModListCache struct {
	cache *ttlcache.Cache[string, ModList]
	group singleflight.Group
}

func NewModListCache() *ModListCache {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, ModList](modListTTL),
		ttlcache.WithDisableTouchOnHit[string, ModList](),
	)

	go cache.Start()

	return &ModListCache{cache: cache}
}

func modListKey(modpackID, fileID int) string {
	return fmt.Sprintf("%d:%d", modpackID, fileID)
}

// Get returns the cached list or runs fill exactly once per key while
// concurrent callers wait for the result. Fill errors are not cached.
func (c *ModListCache) Get(ctx context.Context, modpackID, fileID int, fill func(ctx context.Context) (ModList, error)) (ModList, error) {
	key := modListKey(modpackID, fileID)

	if item := c.cache.Get(key); item != nil {
		return item.Value(), nil
	}

	value, err, _ := c.group.Do(key, func() (interface{}, error) {
		if item := c.cache.Get(key); item != nil {
			return item.Value(), nil
		}

		list, err := fill(ctx)
		if err != nil {
			return nil, err
		}

		c.cache.Set(key, list, ttlcache.DefaultTTL)

		return list, nil
	})
	if err != nil {
		return nil, err
	}

	return value.(ModList), nil
}

// Invalidate drops one cached pair.
func (c *ModListCache) Invalidate(modpackID, fileID int) {
	c.cache.Delete(modListKey(modpackID, fileID))
}

func (c *ModListCache) Stop() {
	c.cache.Stop()
}
