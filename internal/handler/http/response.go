package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"lingo-social/internal/middleware"
)

func ErrorResponse(c *gin.Context, code int, reason, message string) {
	c.AbortWithStatusJSON(code, gin.H{"error": message, "reason": reason})
}

func SuccessResponse(c *gin.Context, code int, data interface{}) {
	c.JSON(code, data)
}

func badRequest(c *gin.Context, message string) {
	ErrorResponse(c, http.StatusBadRequest, "invalid", message)
}

// currentUser 取出认证用户，缺失时直接写 401
func currentUser(c *gin.Context) (uint, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		ErrorResponse(c, http.StatusUnauthorized, "unauthenticated", "User not authenticated")
		return 0, false
	}
	return userID, true
}

// pathID 解析路径中的正整数 ID，失败时直接写 400
func pathID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		badRequest(c, "Invalid "+name)
		return 0, false
	}
	return uint(id), true
}

// queryInt 读取整数查询参数，缺失或非法时返回默认值
func queryInt(c *gin.Context, name string, def int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return def
	}
	return v
}
