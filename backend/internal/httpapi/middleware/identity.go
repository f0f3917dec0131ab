package middleware

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// IdentityMiddleware 从请求中提取可信身份并写入 gin.Context。
// 鉴权在上游完成（网关/认证服务），这里只消费结果：
// userId/username/color 走 Header，WebSocket 场景浏览器发不了自定义 Header，
// 兼容从 query 取。缺 userId 直接 401。
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader("X-User-Id"))
		if raw == "" {
			raw = strings.TrimSpace(c.Query("userId"))
		}
		userID, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || userID == 0 {
			c.AbortWithStatusJSON(401, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "missing or invalid user identity",
			})
			return
		}

		username := c.GetHeader("X-Username")
		if username == "" {
			username = c.Query("username")
		}
		color := c.GetHeader("X-User-Color")
		if color == "" {
			color = c.Query("color")
		}

		c.Set("userId", userID)
		c.Set("username", username)
		c.Set("color", color)
		c.Next()
	}
}
