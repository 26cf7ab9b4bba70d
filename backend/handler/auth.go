package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/AnTengye/dealdesk/backend/config"
	"github.com/AnTengye/dealdesk/backend/middleware"
	"github.com/AnTengye/dealdesk/backend/model"
	"github.com/AnTengye/dealdesk/backend/pkg/logger"
	"github.com/AnTengye/dealdesk/backend/service"
	"github.com/AnTengye/dealdesk/backend/store"
	"github.com/gin-gonic/gin"
)

type AuthHandler struct {
	users  *service.UserService
	store  store.UserStore
	config *config.AuthConfig
}

func NewAuthHandler(users *service.UserService, st store.UserStore, cfg *config.AuthConfig) *AuthHandler {
	return &AuthHandler{users: users, store: st, config: cfg}
}

type RegisterRequest struct {
	Email       string `json:"email" binding:"required"`
	Username    string `json:"username" binding:"required"`
	Password    string `json:"password" binding:"required"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	CompanyName string `json:"company_name"`
	JobTitle    string `json:"job_title"`
}

// LoginRequest accepts either an email or a username as login
type LoginRequest struct {
	Login    string `json:"login"`
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password" binding:"required"`
}

func (r LoginRequest) identifier() string {
	switch {
	case r.Login != "":
		return r.Login
	case r.Email != "":
		return r.Email
	}
	return r.Username
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" binding:"required"`
	NewPassword     string `json:"new_password" binding:"required"`
}

type TokenResponse struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresIn   int64       `json:"expires_in"`
	ExpiresAt   string      `json:"expires_at"`
	User        *model.User `json:"user"`
}

func (h *AuthHandler) issue(c *gin.Context, status int, u *model.User) {
	token, expiresAt, err := middleware.GenerateToken(u, h.config)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}
	c.JSON(status, TokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int64(time.Until(expiresAt).Seconds()),
		ExpiresAt:   expiresAt.Format(time.RFC3339),
		User:        u,
	})
}

func (h *AuthHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	u, err := h.users.Register(c.Request.Context(), service.RegisterInput{
		Email:       req.Email,
		Username:    req.Username,
		Password:    req.Password,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		CompanyName: req.CompanyName,
		JobTitle:    req.JobTitle,
	})
	switch {
	case errors.Is(err, service.ErrWeakPassword), errors.Is(err, service.ErrInvalidEmail), errors.Is(err, service.ErrInvalidUsername):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "Email or username already registered"})
		return
	case err != nil:
		respondError(c, err, "")
		return
	}

	h.issue(c, http.StatusCreated, u)
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.identifier() == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	u, err := h.users.Authenticate(c.Request.Context(), req.identifier(), req.Password)
	switch {
	case errors.Is(err, service.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid username or password"})
		return
	case errors.Is(err, service.ErrAccountDisabled):
		c.JSON(http.StatusForbidden, gin.H{"error": "Account is deactivated"})
		return
	case err != nil:
		respondError(c, err, "")
		return
	}

	logger.Info(c.Request.Context(), "user logged in", "user_id", u.ID)
	h.issue(c, http.StatusOK, u)
}

// Refresh issues a new token for the caller of a still valid token
func (h *AuthHandler) Refresh(c *gin.Context) {
	u, ok := currentUser(c, h.store)
	if !ok {
		return
	}
	h.issue(c, http.StatusOK, u)
}

func (h *AuthHandler) GetCurrentUser(c *gin.Context) {
	u, ok := currentUser(c, h.store)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, u)
}

func (h *AuthHandler) ChangePassword(c *gin.Context) {
	var req ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	err := h.users.ChangePassword(c.Request.Context(), middleware.GetUserID(c), req.CurrentPassword, req.NewPassword)
	switch {
	case errors.Is(err, service.ErrInvalidCredentials):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Current password is incorrect"})
		return
	case errors.Is(err, service.ErrWeakPassword):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		respondError(c, err, "User not found")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Password updated"})
}
