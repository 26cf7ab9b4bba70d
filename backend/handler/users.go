package handler

import (
	"net/http"

	"github.com/AnTengye/dealdesk/backend/store"
	"github.com/gin-gonic/gin"
)

type UserHandler struct {
	store store.UserStore
}

func NewUserHandler(st store.UserStore) *UserHandler {
	return &UserHandler{store: st}
}

// List is mounted behind RequireRole(admin, manager)
func (h *UserHandler) List(c *gin.Context) {
	page, ok := pageParams(c)
	if !ok {
		return
	}
	users, err := h.store.ListUsers(c.Request.Context(), page)
	if err != nil {
		respondError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (h *UserHandler) Get(c *gin.Context) {
	caller, ok := currentUser(c, h.store)
	if !ok {
		return
	}
	id := c.Param("id")
	if !caller.CanAccess(id) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
		return
	}

	u, err := h.store.GetUser(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "User not found")
		return
	}
	c.JSON(http.StatusOK, u)
}
