package handler

import (
	"net/http"
	"strings"
	"time"

	"gpu-fusion/app/auth"
	"gpu-fusion/app/config"
	"gpu-fusion/app/middleware"
	"gpu-fusion/app/utils"

	"github.com/gin-gonic/gin"
)

// AuthHandler 认证处理器，账户来自配置文件
type AuthHandler struct {
	username     string
	passwordHash string
	jwtService   *auth.JWTService
}

// NewAuthHandler 创建认证处理器。配置中的密码可以是明文，也可以是 bcrypt 哈希
func NewAuthHandler(cfg config.ServerConfig, jwtService *auth.JWTService) (*AuthHandler, error) {
	hash := cfg.Password
	if hash != "" && !strings.HasPrefix(hash, "$2") {
		h, err := utils.HashPassword(cfg.Password)
		if err != nil {
			return nil, err
		}
		hash = h
	}

	return &AuthHandler{
		username:     cfg.Username,
		passwordHash: hash,
		jwtService:   jwtService,
	}, nil
}

// LoginRequest 登录请求结构
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse 登录响应结构
type LoginResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	ExpireAt int64  `json:"expire_at"`
}

// Login 用户登录
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}

	if h.passwordHash == "" || req.Username != h.username || !utils.VerifyPassword(req.Password, h.passwordHash) {
		fail(c, http.StatusUnauthorized, "用户名或密码错误")
		return
	}

	token, err := h.jwtService.GenerateToken(req.Username)
	if err != nil {
		fail(c, http.StatusInternalServerError, "生成令牌失败")
		return
	}

	success(c, LoginResponse{
		Token:    token,
		Username: req.Username,
		ExpireAt: h.jwtService.ExpireAt(time.Now()).Unix(),
	}, "登录成功")
}

// RefreshToken 刷新令牌
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	token, ok := middleware.BearerToken(c)
	if !ok {
		fail(c, http.StatusUnauthorized, "Authorization header is required")
		return
	}

	newToken, err := h.jwtService.RefreshToken(token)
	if err != nil {
		fail(c, http.StatusUnauthorized, "刷新令牌失败: "+err.Error())
		return
	}

	success(c, gin.H{
		"token":     newToken,
		"expire_at": h.jwtService.ExpireAt(time.Now()).Unix(),
	}, "刷新成功")
}

// Me 获取当前用户信息
func (h *AuthHandler) Me(c *gin.Context) {
	username, exists := c.Get("username")
	if !exists {
		fail(c, http.StatusUnauthorized, "未认证")
		return
	}
	success(c, gin.H{"username": username}, "success")
}
