package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	headerUserID = "X-User-ID"
	ctxUserID    = "userId"
)

var (
	errMissingToken = errors.New("authorization header is missing")
	errNoUserClaim  = errors.New("token has no user id claim")
	errNoSecret     = errors.New("jwt secret is not configured")
)

// authenticate resolves the caller's user id and stores it under ctxUserID.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := s.config()
		if strings.EqualFold(cfg.Auth, AuthNone) {
			uid := strings.TrimSpace(c.GetHeader(headerUserID))
			if uid == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": headerUserID + " header is missing"})
				return
			}
			c.Set(ctxUserID, uid)
			c.Next()
			return
		}

		uid, err := userFromBearer(c.GetHeader("Authorization"), cfg.JWTSecret)
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, errNoSecret) {
				status = http.StatusInternalServerError
				s.log.Error("jwt auth enabled without a secret")
			}
			c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
			return
		}
		c.Set(ctxUserID, uid)
		c.Next()
	}
}

func userFromBearer(header, secret string) (string, error) {
	if secret == "" {
		return "", errNoSecret
	}
	if header == "" {
		return "", errMissingToken
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	token, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", errNoUserClaim
	}
	if sub, _ := claims.GetSubject(); sub != "" {
		return sub, nil
	}
	if uid, ok := claims["userId"].(string); ok && uid != "" {
		return uid, nil
	}
	return "", errNoUserClaim
}
