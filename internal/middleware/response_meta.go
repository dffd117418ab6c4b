package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
)

const (
	metaKey      = "response_meta"
	metaStartKey = "response_meta_start"
	cacheHitKey  = "cache_hit"
	durationKey  = "processing_time_ms"
)

// WithResponseMeta prepares per-request metadata that handlers may attach to
// the response envelope.
func WithResponseMeta() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(metaStartKey, time.Now())
		c.Set(metaKey, map[string]interface{}{})
		c.Next()
	}
}

// SetCacheHit records whether a preview was served from the cache.
func SetCacheHit(c *gin.Context, hit bool) {
	if meta := metaOf(c, true); meta != nil {
		meta[cacheHitKey] = hit
	}
}

// ExtractMeta returns the metadata collected so far, stamped with the time
// spent since WithResponseMeta ran. It returns nil when nothing was recorded.
func ExtractMeta(c *gin.Context) map[string]interface{} {
	meta := metaOf(c, false)
	if meta == nil {
		return nil
	}
	if start, ok := c.Get(metaStartKey); ok {
		if t, ok := start.(time.Time); ok {
			meta[durationKey] = time.Since(t).Milliseconds()
		}
	}
	return meta
}

func metaOf(c *gin.Context, create bool) map[string]interface{} {
	if c == nil {
		return nil
	}
	if raw, ok := c.Get(metaKey); ok {
		if meta, ok := raw.(map[string]interface{}); ok {
			return meta
		}
	}
	if !create {
		return nil
	}
	meta := map[string]interface{}{}
	c.Set(metaKey, meta)
	return meta
}
