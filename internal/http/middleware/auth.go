package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/yungbote/ipsibridge-backend/internal/logger"
	"github.com/yungbote/ipsibridge-backend/internal/requestdata"
)

type AuthMiddleware struct {
	log    *logger.Logger
	secret []byte
}

func NewAuthMiddleware(log *logger.Logger, jwtSecretKey string) *AuthMiddleware {
	return &AuthMiddleware{
		log:    log.With("middleware", "AuthMiddleware"),
		secret: []byte(jwtSecretKey),
	}
}

// Attach resolves the request's principal on every request: a valid
// bearer token yields a user principal, no token yields the client IP.
// A token that is present but invalid is rejected outright so an
// expired session cannot silently fall back to the IP quota.
func (am *AuthMiddleware) Attach() gin.HandlerFunc {
	return func(c *gin.Context) {
		rd := &requestdata.RequestData{
			PrincipalKind: requestdata.PrincipalKindIP,
			PrincipalID:   c.ClientIP(),
			ClientIP:      c.ClientIP(),
		}

		tokenString := extractToken(c)
		if tokenString != "" {
			subject, err := am.subjectFromToken(tokenString)
			if err != nil {
				am.log.Debug("rejected bearer token", "error", err)
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": gin.H{"message": "missing or invalid token", "code": "unauthorized"},
				})
				return
			}
			rd.TokenString = tokenString
			rd.PrincipalKind = requestdata.PrincipalKindUser
			rd.PrincipalID = subject
		}

		c.Request = c.Request.WithContext(requestdata.WithRequestData(c.Request.Context(), rd))
		c.Next()
	}
}

// RequireAuth gates endpoints that need a signed-in user. Attach must
// run first.
func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		rd := requestdata.GetRequestData(c.Request.Context())
		if !rd.Authenticated() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "missing or invalid token", "code": "unauthorized"},
			})
			return
		}
		c.Next()
	}
}

func (am *AuthMiddleware) subjectFromToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return am.secret, nil
	})
	if err != nil {
		return "", err
	}
	subject, err := token.Claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return subject, nil
}

// extractToken checks the query string before the Authorization header
// because EventSource clients cannot set headers.
func extractToken(c *gin.Context) string {
	if qToken := c.Query("token"); qToken != "" {
		return qToken
	}
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return authHeader[7:]
	}
	return ""
}
