package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/openmuse/gallery-backend/internal/platform/logger"
)

func secretRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/flush", RequireSecret(logger.NewNop(), secret), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func TestRequireSecret(t *testing.T) {
	cases := []struct {
		name       string
		secret     string
		authHeader string
		wantStatus int
	}{
		{name: "valid secret", secret: "cron-secret", authHeader: "Bearer cron-secret", wantStatus: http.StatusOK},
		{name: "missing header", secret: "cron-secret", authHeader: "", wantStatus: http.StatusUnauthorized},
		{name: "wrong secret", secret: "cron-secret", authHeader: "Bearer nope", wantStatus: http.StatusUnauthorized},
		{name: "wrong scheme", secret: "cron-secret", authHeader: "Basic cron-secret", wantStatus: http.StatusUnauthorized},
		{name: "unconfigured secret rejects everything", secret: "", authHeader: "Bearer anything", wantStatus: http.StatusUnauthorized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := secretRouter(tc.secret)
			req := httptest.NewRequest(http.MethodPost, "/flush", nil)
			if tc.authHeader != "" {
				req.Header.Set("Authorization", tc.authHeader)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.wantStatus {
				t.Fatalf("status: want=%d got=%d body=%s", tc.wantStatus, w.Code, w.Body.String())
			}
		})
	}
}

func signActorToken(t *testing.T, secret, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func actorRouter(jwtSecret string) (*gin.Engine, *string) {
	gin.SetMode(gin.TestMode)
	var seen string
	r := gin.New()
	r.POST("/track", ActorHint(logger.NewNop(), jwtSecret), func(c *gin.Context) {
		seen = c.GetString(ActorIDKey)
		c.JSON(http.StatusAccepted, gin.H{"accepted": true})
	})
	return r, &seen
}

func TestActorHint(t *testing.T) {
	const jwtSecret = "jwt-secret"

	t.Run("valid token sets actor id", func(t *testing.T) {
		r, seen := actorRouter(jwtSecret)
		req := httptest.NewRequest(http.MethodPost, "/track", nil)
		req.Header.Set("Authorization", "Bearer "+signActorToken(t, jwtSecret, "user-123"))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusAccepted {
			t.Fatalf("status: want=202 got=%d", w.Code)
		}
		if *seen != "user-123" {
			t.Fatalf("actor id: want=user-123 got=%q", *seen)
		}
	})

	t.Run("anonymous request passes through", func(t *testing.T) {
		r, seen := actorRouter(jwtSecret)
		req := httptest.NewRequest(http.MethodPost, "/track", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusAccepted {
			t.Fatalf("status: want=202 got=%d", w.Code)
		}
		if *seen != "" {
			t.Fatalf("actor id should be empty, got %q", *seen)
		}
	})

	t.Run("bad signature is ignored not rejected", func(t *testing.T) {
		r, seen := actorRouter(jwtSecret)
		req := httptest.NewRequest(http.MethodPost, "/track", nil)
		req.Header.Set("Authorization", "Bearer "+signActorToken(t, "other-secret", "user-123"))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusAccepted {
			t.Fatalf("status: want=202 got=%d", w.Code)
		}
		if *seen != "" {
			t.Fatalf("actor id from a bad token must be dropped, got %q", *seen)
		}
	})
}
