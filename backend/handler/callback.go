package handler

import (
	"encoding/json"
	"net/http"

	"github.com/AnTengye/dealdesk/backend/pkg/logger"
	"github.com/AnTengye/dealdesk/backend/service"
	"github.com/gin-gonic/gin"
)

// CallbackReceiver verifies MinerU callbacks and hands them to the waiting extraction
type CallbackReceiver interface {
	VerifyCallback(checksum, content string) bool
	Deliver(content service.CallbackContent) bool
}

type CallbackHandler struct {
	mineru CallbackReceiver
}

func NewCallbackHandler(mineru CallbackReceiver) *CallbackHandler {
	return &CallbackHandler{mineru: mineru}
}

// HandleCallback receives task completion callbacks from MinerU
func (h *CallbackHandler) HandleCallback(c *gin.Context) {
	var req service.MineruCallbackPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if !h.mineru.VerifyCallback(req.Checksum, req.Content) {
		logger.Warn(c.Request.Context(), "mineru callback checksum mismatch")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid checksum"})
		return
	}

	var content service.CallbackContent
	if err := json.Unmarshal([]byte(req.Content), &content); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid content format"})
		return
	}

	// Nobody waiting means the extraction already finished by polling or timed out.
	delivered := h.mineru.Deliver(content)
	logger.Info(c.Request.Context(), "mineru callback received",
		"task_id", content.TaskID,
		"data_id", content.DataID,
		"state", content.State,
		"delivered", delivered,
	)

	c.JSON(http.StatusOK, gin.H{"message": "Callback received"})
}
