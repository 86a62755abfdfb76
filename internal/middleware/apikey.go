package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	HeaderAPIKey      = "X-API-Key"
	HeaderAgentAPIKey = "X-Agent-API-Key"
)

// APIKeyAuth 校验共享密钥；key 为空时不做校验
// 依次读取 headers 中的请求头，任一匹配即放行
func APIKeyAuth(key string, headers ...string) gin.HandlerFunc {
	key = strings.TrimSpace(key)
	if key == "" {
		return func(c *gin.Context) { c.Next() }
	}
	if len(headers) == 0 {
		headers = []string{HeaderAPIKey}
	}
	return func(c *gin.Context) {
		for _, h := range headers {
			if keyMatches(c.GetHeader(h), key) {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
	}
}

func keyMatches(given, want string) bool {
	if given == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(given), []byte(want)) == 1
}
