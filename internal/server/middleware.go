package server

import (
	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/auditctx"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	headerRequestID = "X-Request-Id"
	headerActorID   = "X-Actor-Id"
	headerActorType = "X-Actor-Type"
)

// RequestContextMiddleware seeds the request context with attribution
// metadata before any handler runs. Actor identity arrives on trusted
// headers set by the gateway; the request id is minted here when the
// caller did not supply one.
func RequestContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(headerRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(headerRequestID, requestID)

		ctx := auditctx.WithRequestID(c.Request.Context(), requestID)

		actorID := c.GetHeader(headerActorID)
		actorType := c.GetHeader(headerActorType)
		if actorID != "" {
			if actorType == "" {
				actorType = "user"
			}
			ctx = auditctx.WithActor(ctx, actorType, actorID)
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
