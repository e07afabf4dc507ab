package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"nudge/internal/subscription"
	logx "nudge/pkg/logx"
)

type subscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

func (s *Server) health(c *gin.Context) {
	name := s.config().Service
	if name == "" {
		name = "nudged"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"service":   name,
		"uptime":    time.Since(s.started).Seconds(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) vapidPublicKey(c *gin.Context) {
	key := s.config().VAPIDPublicKey
	if key == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "push is not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"publicKey": key})
}

func (s *Server) subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	uid := c.GetString(ctxUserID)
	sub, err := s.reg.Register(c.Request.Context(), uid, req.Endpoint, subscription.Keys{
		P256dh: req.Keys.P256dh,
		Auth:   req.Keys.Auth,
	})
	if err != nil {
		s.writeRegistryError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":        sub.ID,
		"endpoint":  sub.Endpoint,
		"createdAt": sub.CreatedAt,
		"updatedAt": sub.UpdatedAt,
	})
}

func (s *Server) unsubscribe(c *gin.Context) {
	var req unsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := s.reg.Unregister(c.Request.Context(), c.GetString(ctxUserID), req.Endpoint); err != nil {
		s.writeRegistryError(c, err)
		return
	}
	// Unknown endpoints answer 204 as well.
	c.Status(http.StatusNoContent)
}

func (s *Server) writeRegistryError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, subscription.ErrInvalidEndpoint), errors.Is(err, subscription.ErrInvalidKeys):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, subscription.ErrNoUser):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	default:
		s.log.Warn("subscription store failed", logx.String("path", c.FullPath()), logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage error"})
	}
}
