package middleware

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/openmuse/gallery-backend/internal/http/response"
	"github.com/openmuse/gallery-backend/internal/pkg/apperr"
	"github.com/openmuse/gallery-backend/internal/platform/logger"
)

// ActorIDKey is the gin context key the actor-hint middleware sets.
const ActorIDKey = "actor_id"

// RequireSecret guards the cron and admin surfaces with a shared-secret
// bearer token. Rejection happens before any side effect; an empty
// configured secret disables the surface entirely.
func RequireSecret(log *logger.Logger, secret string) gin.HandlerFunc {
	authLog := log.With("middleware", "RequireSecret")
	return func(c *gin.Context) {
		if secret == "" {
			authLog.Warn("shared secret not configured, rejecting request", "path", c.FullPath())
			response.RespondError(c, http.StatusUnauthorized, "unauthorized", apperr.ErrUnauthorized)
			c.Abort()
			return
		}
		token := bearerToken(c)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			response.RespondError(c, http.StatusUnauthorized, "unauthorized", apperr.ErrUnauthorized)
			c.Abort()
			return
		}
		c.Next()
	}
}

// ActorHint extracts an actor id from an optional bearer JWT issued by the
// product's auth service. It only feeds CounterEvent.sourceHint; it never
// rejects a request, because view/copy tracking works for anonymous
// visitors too.
func ActorHint(log *logger.Logger, jwtSecret string) gin.HandlerFunc {
	hintLog := log.With("middleware", "ActorHint")
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" || jwtSecret == "" {
			c.Next()
			return
		}
		token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(jwtSecret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			hintLog.Debug("actor token ignored", "error", err)
			c.Next()
			return
		}
		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if sub, err := claims.GetSubject(); err == nil && sub != "" {
				c.Set(ActorIDKey, sub)
			}
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}
