package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Gopher0727/Bazaar/config"
	"github.com/Gopher0727/Bazaar/internal/apperr"
	"github.com/Gopher0727/Bazaar/internal/handler"
	"github.com/Gopher0727/Bazaar/internal/model"
	"github.com/Gopher0727/Bazaar/internal/repository"
	"github.com/Gopher0727/Bazaar/internal/service"
	"github.com/Gopher0727/Bazaar/middleware/jwt"
	"github.com/Gopher0727/Bazaar/utils/ratelimit"
)

type MiddlewareManager struct {
	tokenManager *jwt.TokenManager
	users        repository.IUserRepository
	rateLimiter  ratelimit.Limiter
	rateLimitCfg *config.RateLimitConfig
	logger       *zap.Logger
}

// NewMiddlewareManager creates the auth and rate-limit middleware. limiter
// may be nil, which disables rate limiting.
func NewMiddlewareManager(
	tokenManager *jwt.TokenManager,
	users repository.IUserRepository,
	limiter ratelimit.Limiter,
	rateLimitCfg *config.RateLimitConfig,
	logger *zap.Logger,
) *MiddlewareManager {
	return &MiddlewareManager{
		tokenManager: tokenManager,
		users:        users,
		rateLimiter:  limiter,
		rateLimitCfg: rateLimitCfg,
		logger:       logger,
	}
}

func abortWith(c *gin.Context, err error) {
	status, body := apperr.Response(err)
	c.AbortWithStatusJSON(status, body)
}

// bearerToken reads "Authorization: Bearer <token>", falling back to the
// token query parameter that browsers use for websocket upgrades.
func bearerToken(c *gin.Context) (string, error) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			return "", apperr.Unauthorized("invalid authorization header format")
		}
		return parts[1], nil
	}
	if token := c.Query("token"); token != "" {
		return token, nil
	}
	return "", apperr.Unauthorized("authorization header required")
}

// JWTAuth resolves the caller from the token and the account store. Blocked
// and unverified accounts are refused.
func (m *MiddlewareManager) JWTAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c)
		if err != nil {
			abortWith(c, err)
			return
		}

		claims, err := m.tokenManager.ParseToken(token)
		if err != nil {
			m.logger.Warn("token validation failed",
				zap.String("error", err.Error()),
				zap.String("ip", c.ClientIP()),
			)
			switch {
			case errors.Is(err, jwt.ErrExpiredToken):
				abortWith(c, apperr.Unauthorized("token has expired"))
			case errors.Is(err, jwt.ErrTokenNotYetValid):
				abortWith(c, apperr.Unauthorized("token not yet valid"))
			default:
				abortWith(c, apperr.Unauthorized("invalid token"))
			}
			return
		}

		user, err := m.users.FindByID(c.Request.Context(), claims.UserID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				abortWith(c, apperr.Unauthorized("account not found"))
				return
			}
			m.logger.Error("failed to load account", zap.String("user_id", claims.UserID), zap.Error(err))
			abortWith(c, apperr.Internal(err, "failed to load account"))
			return
		}

		switch user.Status {
		case model.UserBlocked:
			abortWith(c, apperr.Forbidden("account is blocked"))
			return
		case model.UserUnverified:
			abortWith(c, apperr.Forbidden("account is not verified"))
			return
		}

		c.Set(handler.ActorKey, service.ActorFromUser(user))
		c.Set(jwt.ContextUserIDKey, user.ID)
		c.Next()
	}
}

// RateLimit allows limitPerMinute requests per caller, keyed by user id when
// authenticated and by client IP otherwise.
func (m *MiddlewareManager) RateLimit(limitPerMinute int) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.rateLimiter == nil || m.rateLimitCfg == nil || !m.rateLimitCfg.Enabled || limitPerMinute <= 0 {
			c.Next()
			return
		}

		var key string
		if userID := c.GetString(jwt.ContextUserIDKey); userID != "" {
			key = fmt.Sprintf("user:%s", userID)
		} else {
			key = fmt.Sprintf("ip:%s", c.ClientIP())
		}

		ctx := c.Request.Context()
		allowed, err := m.rateLimiter.Allow(ctx, key, limitPerMinute, time.Minute)
		if err != nil {
			m.logger.Error("rate limit check failed", zap.String("key", key), zap.Error(err))
			abortWith(c, apperr.Internal(err, "rate limit check failed"))
			return
		}
		if !allowed {
			c.Header("Retry-After", strconv.Itoa(60))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
				"code":  "rate_limited",
			})
			return
		}

		if remaining, err := m.rateLimiter.Remaining(ctx, key, limitPerMinute, time.Minute); err == nil {
			c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		}
		c.Next()
	}
}

// RequestTimeout bounds the request context.
func RequestTimeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
