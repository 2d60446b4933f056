// Package management provides the management API handlers and middleware for
// inspecting and driving the account pool remotely.
package management

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ForwardInfinity/pi-extensions/internal/config"
	"github.com/ForwardInfinity/pi-extensions/internal/rotation"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// SecretKeyEnv overrides the configured management key and implies remote
// access is allowed.
const SecretKeyEnv = "MANAGEMENT_PASSWORD"

type attemptInfo struct {
	count        int
	blockedUntil time.Time
}

// Handler aggregates the config reference and the rotation engine.
type Handler struct {
	cfg    *config.Config
	engine *rotation.Engine

	attemptsMu     sync.Mutex
	failedAttempts map[string]*attemptInfo // keyed by client IP

	envSecret string
}

// NewHandler creates a new management handler instance.
func NewHandler(cfg *config.Config, engine *rotation.Engine) *Handler {
	envSecret := strings.TrimSpace(os.Getenv(SecretKeyEnv))
	return &Handler{
		cfg:            cfg,
		engine:         engine,
		failedAttempts: make(map[string]*attemptInfo),
		envSecret:      envSecret,
	}
}

// Middleware enforces access control for management endpoints. All requests
// require a valid management key; remote clients additionally require
// allow-remote to be enabled.
func (h *Handler) Middleware() gin.HandlerFunc {
	const maxFailures = 5
	const banDuration = 30 * time.Minute

	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		localClient := clientIP == "127.0.0.1" || clientIP == "::1"

		allowRemote := h.cfg.RemoteManagement.AllowRemote
		secretHash := h.cfg.RemoteManagement.SecretKey
		if h.envSecret != "" {
			allowRemote = true
		}

		fail := func() {}
		if !localClient {
			h.attemptsMu.Lock()
			ai := h.failedAttempts[clientIP]
			if ai != nil && !ai.blockedUntil.IsZero() {
				if time.Now().Before(ai.blockedUntil) {
					remaining := time.Until(ai.blockedUntil).Round(time.Second)
					h.attemptsMu.Unlock()
					c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": fmt.Sprintf("IP banned due to too many failed attempts. Try again in %s", remaining)})
					return
				}
				// Ban expired, reset state
				ai.blockedUntil = time.Time{}
				ai.count = 0
			}
			h.attemptsMu.Unlock()

			if !allowRemote {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "remote management disabled"})
				return
			}

			fail = func() {
				h.attemptsMu.Lock()
				ai := h.failedAttempts[clientIP]
				if ai == nil {
					ai = &attemptInfo{}
					h.failedAttempts[clientIP] = ai
				}
				ai.count++
				if ai.count >= maxFailures {
					ai.blockedUntil = time.Now().Add(banDuration)
					ai.count = 0
				}
				h.attemptsMu.Unlock()
			}
		}

		if secretHash == "" && h.envSecret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "management key not set"})
			return
		}

		// Accept either Authorization: Bearer <key> or X-Management-Key.
		var provided string
		if ah := c.GetHeader("Authorization"); ah != "" {
			parts := strings.SplitN(ah, " ", 2)
			if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
				provided = parts[1]
			} else {
				provided = ah
			}
		}
		if provided == "" {
			provided = c.GetHeader("X-Management-Key")
		}
		if provided == "" {
			if !localClient {
				fail()
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing management key"})
			return
		}

		if h.envSecret != "" && subtle.ConstantTimeCompare([]byte(provided), []byte(h.envSecret)) == 1 {
			c.Next()
			return
		}
		if secretHash != "" {
			if strings.HasPrefix(secretHash, "$2") {
				if bcrypt.CompareHashAndPassword([]byte(secretHash), []byte(provided)) == nil {
					c.Next()
					return
				}
			} else if subtle.ConstantTimeCompare([]byte(provided), []byte(secretHash)) == 1 {
				c.Next()
				return
			}
		}

		if !localClient {
			fail()
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid management key"})
	}
}

// Register attaches the management routes under /v0/management.
func (h *Handler) Register(engine *gin.Engine) {
	group := engine.Group("/v0/management")
	group.Use(h.Middleware())
	group.GET("/status", h.getStatus)
	group.GET("/accounts", h.listAccounts)
	group.DELETE("/accounts/:index", h.removeAccount)
	group.POST("/rotate", h.rotate)
	group.POST("/reset", h.reset)
	group.POST("/sync", h.sync)
	group.POST("/identify", h.identify)
}

func (h *Handler) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": h.engine.Status()})
}

func (h *Handler) listAccounts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"accounts": h.engine.List()})
}

func (h *Handler) removeAccount(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account index"})
		return
	}
	removed, err := h.engine.Remove(index)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed.Label})
}

func (h *Handler) rotate(c *gin.Context) {
	if err := h.engine.Rotate(c.Request.Context()); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": h.engine.Status()})
}

func (h *Handler) reset(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cleared": h.engine.Reset(), "status": h.engine.Status()})
}

func (h *Handler) sync(c *gin.Context) {
	h.engine.SyncFromHost(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": h.engine.Status()})
}

func (h *Handler) identify(c *gin.Context) {
	identified, failed := h.engine.IdentifyAll(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"identified": identified, "failed": failed})
}
