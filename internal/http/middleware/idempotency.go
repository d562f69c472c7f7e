// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements idempotency support for record submission. Devices
// send the record id as Idempotency-Key; the middleware validates it, stashes
// it for the handler (which checks it against the body id) and asks a lookup
// whether the record was already stored. A known key marks the request as a
// replay, which also exempts it from rate limiting: a device retrying after
// a lost acknowledgement must not be throttled into another retry.
package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderIdempotencyKey carries the device record id.
const HeaderIdempotencyKey = "Idempotency-Key"

const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay"
	ctxKeyRateBypass = "rate.bypass"
)

// GetIdempotencyKey returns the validated key stored by IdempotencyValidator.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// IsReplay reports whether the key names a record the sink already stored.
func IsReplay(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyIdemReplay)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// IdempotencyOptions configures IdempotencyValidator.
type IdempotencyOptions struct {
	// Required rejects unsafe requests that carry no key.
	Required bool
}

// IdempotencyLookup reports whether a record with the given id exists for
// ownerID. Errors are treated as "unknown" and never block the request.
type IdempotencyLookup func(ctx context.Context, ownerID, key string) (exists bool, err error)

// IdempotencyValidator validates Idempotency-Key (a UUID), stashes it and
// marks known keys as replays.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			if opts.Required {
				abortIdem(c, "Idempotency-Key header is required")
				return
			}
			c.Next()
			return
		}
		if _, err := uuid.Parse(key); err != nil || len(key) != 36 {
			abortIdem(c, "Idempotency-Key must be a UUID")
			return
		}
		c.Set(ctxKeyIdemKey, key)

		if lookup != nil {
			if exists, err := lookup(c.Request.Context(), userIDFromCtx(c), key); err == nil && exists {
				c.Set(ctxKeyIdemReplay, true)
				c.Set(ctxKeyRateBypass, true)
			}
		}
		c.Next()
	}
}

func abortIdem(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"request_id": c.Writer.Header().Get(requestIDHeader),
		"code":       "bad_idempotency_key",
		"message":    msg,
	})
}

// userIDFromCtx returns the authenticated owner, or "" without auth.
func userIDFromCtx(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
