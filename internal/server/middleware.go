package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spigell/kpi-strategist/internal/auth"
	"github.com/spigell/kpi-strategist/internal/logger"
)

const (
	headerRequestID = "X-Request-ID"
	ctxRequestID    = "request_id"
	ctxClaims       = "claims"
	maxRequestIDLen = 128
)

// CORSConfig holds the cross-origin settings of the API.
type CORSConfig struct {
	AllowOrigins     []string      `mapstructure:"allow-origins"`
	AllowMethods     []string      `mapstructure:"allow-methods"`
	AllowHeaders     []string      `mapstructure:"allow-headers"`
	ExposeHeaders    []string      `mapstructure:"expose-headers"`
	AllowCredentials bool          `mapstructure:"allow-credentials"`
	MaxAge           time.Duration `mapstructure:"max-age"`
}

// DefaultCORSConfig allows any origin, as the browser front-end is served from
// a different host.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Content-Type", "Authorization", headerRequestID, "Accept", "Origin"},
		ExposeHeaders: []string{headerRequestID},
		MaxAge:        12 * time.Hour,
	}
}

func (c CORSConfig) withDefaults() CORSConfig {
	def := DefaultCORSConfig()
	if c.AllowOrigins == nil {
		c.AllowOrigins = def.AllowOrigins
	}
	if len(c.AllowMethods) == 0 {
		c.AllowMethods = def.AllowMethods
	}
	if len(c.AllowHeaders) == 0 {
		c.AllowHeaders = def.AllowHeaders
	}
	if len(c.ExposeHeaders) == 0 {
		c.ExposeHeaders = def.ExposeHeaders
	}
	if c.MaxAge == 0 {
		c.MaxAge = def.MaxAge
	}
	return c
}

// cors answers preflight requests with 204 and sets the CORS headers for
// whitelisted origins. An empty whitelist disables cross-origin access.
func cors(cfg CORSConfig) gin.HandlerFunc {
	wildcard := false
	allowed := make(map[string]struct{}, len(cfg.AllowOrigins))
	for _, o := range cfg.AllowOrigins {
		o = strings.TrimSpace(o)
		if o == "*" {
			wildcard = true
		}
		allowed[o] = struct{}{}
	}

	allowOrigin := func(origin string) string {
		if wildcard {
			return "*"
		}
		if _, ok := allowed[origin]; ok && origin != "" {
			return origin
		}
		return ""
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if value := allowOrigin(origin); value != "" {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", value)
			if value != "*" {
				h.Add("Vary", "Origin")
				if cfg.AllowCredentials {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
			}
			h.Set("Access-Control-Allow-Headers", strings.Join(cfg.AllowHeaders, ", "))
			h.Set("Access-Control-Allow-Methods", strings.Join(cfg.AllowMethods, ", "))
			if len(cfg.ExposeHeaders) > 0 {
				h.Set("Access-Control-Expose-Headers", strings.Join(cfg.ExposeHeaders, ", "))
			}
			if cfg.MaxAge > 0 {
				h.Set("Access-Control-Max-Age", strconv.Itoa(int(cfg.MaxAge.Seconds())))
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestID propagates a client supplied X-Request-ID or generates one.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(headerRequestID))
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Writer.Header().Set(headerRequestID, id)
		c.Next()
	}
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := append(logger.RequestFields(c.GetString(ctxRequestID), currentUserID(c)),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			log.Error("request handled", fields...)
		case status >= http.StatusBadRequest:
			log.Warn("request handled", fields...)
		default:
			log.Info("request handled", fields...)
		}
	}
}

func recovery(log *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.Error("panic while handling request",
			zap.Any("panic", recovered),
			zap.String("path", c.Request.URL.Path),
			zap.String(logger.FieldRequestID, c.GetString(ctxRequestID)),
		)
		abortWithError(c, http.StatusInternalServerError, "internal server error")
	})
}

// authenticate resolves the bearer token into claims. A token that fails
// validation is always rejected; a missing one only when required is set.
func authenticate(verifier TokenVerifier, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if verifier == nil {
			if required {
				abortWithError(c, http.StatusUnauthorized, "authentication is not configured")
				return
			}
			c.Next()
			return
		}

		token, err := auth.BearerToken(header)
		if errors.Is(err, auth.ErrMissingToken) {
			if required {
				abortWithError(c, http.StatusUnauthorized, "missing bearer token")
				return
			}
			c.Next()
			return
		}
		if err != nil {
			_ = c.Error(err)
			abortWithError(c, http.StatusUnauthorized, "invalid token")
			return
		}

		claims, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			_ = c.Error(err)
			abortWithError(c, http.StatusUnauthorized, "invalid token")
			return
		}

		c.Set(ctxClaims, claims)
		c.Next()
	}
}

func currentClaims(c *gin.Context) *auth.Claims {
	value, ok := c.Get(ctxClaims)
	if !ok {
		return nil
	}
	claims, _ := value.(*auth.Claims)
	return claims
}

func currentUserID(c *gin.Context) string {
	return currentClaims(c).UserID()
}

func abortWithError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}
