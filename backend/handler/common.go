package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/AnTengye/dealdesk/backend/middleware"
	"github.com/AnTengye/dealdesk/backend/model"
	"github.com/AnTengye/dealdesk/backend/pkg/logger"
	"github.com/AnTengye/dealdesk/backend/store"
	"github.com/gin-gonic/gin"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// respondError maps domain errors onto status codes
func respondError(c *gin.Context, err error, notFound string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": notFound})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "Already exists"})
	case errors.Is(err, model.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		logger.Error(c.Request.Context(), "request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

// currentUser loads the caller named by the token. The account may have been
// removed or disabled since the token was issued.
func currentUser(c *gin.Context, users store.UserStore) (*model.User, bool) {
	u, err := users.GetUser(c.Request.Context(), middleware.GetUserID(c))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return nil, false
	}
	if err != nil {
		respondError(c, err, "User not found")
		return nil, false
	}
	if !u.CanLogin() {
		c.JSON(http.StatusForbidden, gin.H{"error": "Account is deactivated"})
		return nil, false
	}
	return u, true
}

// pageParams reads skip and limit. limit must be within 1..1000.
func pageParams(c *gin.Context) (store.Page, bool) {
	page := store.Page{Limit: defaultLimit}
	if v := c.Query("skip"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "skip must be a non-negative integer"})
			return page, false
		}
		page.Offset = n
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
			return page, false
		}
		page.Limit = n
	}
	return page, true
}

// Background runs pipeline work detached from the request and lets the
// server wait for it on shutdown
type Background struct {
	wg sync.WaitGroup
}

// Go runs fn with a context that keeps the request's values but not its cancellation
func (b *Background) Go(c *gin.Context, fn func(ctx context.Context)) {
	ctx := context.WithoutCancel(c.Request.Context())
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Error(ctx, "background task panicked", "panic", r)
			}
		}()
		fn(ctx)
	}()
}

// Wait blocks until every started task has returned
func (b *Background) Wait() {
	b.wg.Wait()
}
