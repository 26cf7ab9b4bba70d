package handler

import (
	"context"
	"net/http"

	"github.com/AnTengye/dealdesk/backend/model"
	"github.com/AnTengye/dealdesk/backend/pipeline"
	"github.com/AnTengye/dealdesk/backend/store"
	"github.com/gin-gonic/gin"
)

type DueDiligenceHandler struct {
	store     store.Store
	processor *pipeline.Processor
}

func NewDueDiligenceHandler(st store.Store, processor *pipeline.Processor) *DueDiligenceHandler {
	return &DueDiligenceHandler{store: st, processor: processor}
}

type AnalyzeRequest struct {
	DealID      string   `json:"deal_id" binding:"required"`
	DocumentIDs []string `json:"document_ids"`
}

func (h *DueDiligenceHandler) accessibleDeal(c *gin.Context, user *model.User, dealID string) (*model.Deal, bool) {
	deal, err := h.store.GetDeal(c.Request.Context(), dealID)
	if err != nil {
		respondError(c, err, "Deal not found")
		return nil, false
	}
	if !user.CanAccess(deal.CreatedBy) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
		return nil, false
	}
	return deal, true
}

// Analyze runs the deal pipeline synchronously over the given documents, or
// every live document when none are named
func (h *DueDiligenceHandler) Analyze(c *gin.Context) {
	user, ok := currentUser(c, h.store)
	if !ok {
		return
	}

	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "deal_id is required"})
		return
	}
	deal, ok := h.accessibleDeal(c, user, req.DealID)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	for _, id := range req.DocumentIDs {
		doc, err := h.store.GetDocument(ctx, id)
		if err != nil {
			respondError(c, err, "Document not found: "+id)
			return
		}
		if doc.DealID != deal.ID {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Document " + id + " does not belong to deal"})
			return
		}
	}

	// A dropped connection should not leave the deal half processed.
	result := h.processor.ProcessDeal(context.WithoutCancel(ctx), deal.ID, req.DocumentIDs)
	if !result.Success {
		c.JSON(http.StatusInternalServerError, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Report regenerates the due diligence report from stored document results
func (h *DueDiligenceHandler) Report(c *gin.Context) {
	user, ok := currentUser(c, h.store)
	if !ok {
		return
	}
	deal, ok := h.accessibleDeal(c, user, c.Param("deal_id"))
	if !ok {
		return
	}

	report, err := h.processor.Report(c.Request.Context(), deal.ID)
	if err != nil {
		respondError(c, err, "Deal not found")
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *DueDiligenceHandler) RiskAssessment(c *gin.Context) {
	user, ok := currentUser(c, h.store)
	if !ok {
		return
	}
	deal, ok := h.accessibleDeal(c, user, c.Param("deal_id"))
	if !ok {
		return
	}

	assessment, err := h.processor.RiskAssessment(c.Request.Context(), deal.ID)
	if err != nil {
		respondError(c, err, "Deal not found")
		return
	}
	c.JSON(http.StatusOK, assessment)
}
