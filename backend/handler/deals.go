package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/AnTengye/dealdesk/backend/model"
	"github.com/AnTengye/dealdesk/backend/pipeline"
	"github.com/AnTengye/dealdesk/backend/pkg/logger"
	"github.com/AnTengye/dealdesk/backend/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type DealHandler struct {
	store      store.Store
	files      FileStore
	processor  *pipeline.Processor
	background *Background
}

func NewDealHandler(st store.Store, files FileStore, processor *pipeline.Processor, bg *Background) *DealHandler {
	return &DealHandler{store: st, files: files, processor: processor, background: bg}
}

// DealRequest is used for both create and partial update; nil fields are left alone
type DealRequest struct {
	Name                 *string           `json:"name"`
	Description          *string           `json:"description"`
	DealType             *model.DealType   `json:"deal_type"`
	Status               *model.DealStatus `json:"status"`
	TargetCompany        *string           `json:"target_company"`
	TargetIndustry       *string           `json:"target_industry"`
	TargetSector         *string           `json:"target_sector"`
	TargetRevenue        *decimal.Decimal  `json:"target_revenue"`
	TargetEBITDA         *decimal.Decimal  `json:"target_ebitda"`
	DealValue            *decimal.Decimal  `json:"deal_value"`
	DealCurrency         *string           `json:"deal_currency"`
	TransactionFee       *decimal.Decimal  `json:"transaction_fee"`
	SuccessFeeRate       *decimal.Decimal  `json:"success_fee_rate"`
	ExpectedCloseDate    *time.Time        `json:"expected_close_date"`
	DueDiligenceDeadline *time.Time        `json:"due_diligence_deadline"`
	DealTeam             *[]string         `json:"deal_team"`
}

func (r *DealRequest) validate() string {
	if r.Name != nil && strings.TrimSpace(*r.Name) == "" {
		return "name must not be empty"
	}
	if r.DealType != nil && !r.DealType.Valid() {
		return "invalid deal_type"
	}
	if r.Status != nil && !r.Status.Valid() {
		return "invalid status"
	}
	if r.DealCurrency != nil && len(*r.DealCurrency) != 3 {
		return "deal_currency must be a 3 letter code"
	}
	for _, v := range []*decimal.Decimal{r.TargetRevenue, r.TargetEBITDA, r.DealValue, r.TransactionFee, r.SuccessFeeRate} {
		if v != nil && v.IsNegative() {
			return "amounts must not be negative"
		}
	}
	return ""
}

func nullDecimal(v *decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: *v, Valid: true}
}

// apply copies every field except status onto d
func (r *DealRequest) apply(d *model.Deal) {
	if r.Name != nil {
		d.Name = strings.TrimSpace(*r.Name)
	}
	if r.Description != nil {
		d.Description = *r.Description
	}
	if r.DealType != nil {
		d.DealType = *r.DealType
	}
	if r.TargetCompany != nil {
		d.TargetCompany = *r.TargetCompany
	}
	if r.TargetIndustry != nil {
		d.TargetIndustry = *r.TargetIndustry
	}
	if r.TargetSector != nil {
		d.TargetSector = *r.TargetSector
	}
	if r.TargetRevenue != nil {
		d.TargetRevenue = nullDecimal(r.TargetRevenue)
	}
	if r.TargetEBITDA != nil {
		d.TargetEBITDA = nullDecimal(r.TargetEBITDA)
	}
	if r.DealValue != nil {
		d.DealValue = nullDecimal(r.DealValue)
	}
	if r.DealCurrency != nil {
		d.DealCurrency = strings.ToUpper(*r.DealCurrency)
	}
	if r.TransactionFee != nil {
		d.TransactionFee = nullDecimal(r.TransactionFee)
	}
	if r.SuccessFeeRate != nil {
		d.SuccessFeeRate = nullDecimal(r.SuccessFeeRate)
	}
	if r.ExpectedCloseDate != nil {
		d.ExpectedCloseDate = r.ExpectedCloseDate
	}
	if r.DueDiligenceDeadline != nil {
		d.DueDiligenceDeadline = r.DueDiligenceDeadline
	}
	if r.DealTeam != nil {
		d.DealTeam = append([]string(nil), (*r.DealTeam)...)
	}
}

// loadDeal fetches the deal and checks the caller may see it
func (h *DealHandler) loadDeal(c *gin.Context, user *model.User) (*model.Deal, bool) {
	deal, err := h.store.GetDeal(c.Request.Context(), c.Param("id"))
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

func (h *DealHandler) Create(c *gin.Context) {
	user, ok := currentUser(c, h.store)
	if !ok {
		return
	}

	var req DealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if req.Name == nil || req.DealType == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and deal_type are required"})
		return
	}
	if msg := req.validate(); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	deal := &model.Deal{
		ID:                 uuid.New().String(),
		Status:             model.DealStatusDraft,
		DealCurrency:       "USD",
		CreatedBy:          user.ID,
		AIProcessingStatus: model.ProcessingPending,
	}
	req.apply(deal)

	if err := h.store.CreateDeal(c.Request.Context(), deal); err != nil {
		respondError(c, err, "")
		return
	}
	logger.Info(c.Request.Context(), "deal created", "deal_id", deal.ID, "deal_type", deal.DealType)
	c.JSON(http.StatusCreated, deal)
}

func (h *DealHandler) List(c *gin.Context) {
	user, ok := currentUser(c, h.store)
	if !ok {
		return
	}
	page, ok := pageParams(c)
	if !ok {
		return
	}

	filter := store.DealFilter{
		Status:   model.DealStatus(c.Query("status")),
		DealType: model.DealType(c.Query("deal_type")),
		Page:     page,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return
	}
	if filter.DealType != "" && !filter.DealType.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid deal_type"})
		return
	}
	if !user.IsManager() {
		filter.CreatedBy = user.ID
	}

	deals, err := h.store.ListDeals(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deals": deals, "skip": page.Offset, "limit": page.Limit})
}

func (h *DealHandler) Get(c *gin.Context) {
	user, ok := currentUser(c, h.store)
	if !ok {
		return
	}
	deal, ok := h.loadDeal(c, user)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, deal)
}

func (h *DealHandler) Update(c *gin.Context) {
	user, ok := currentUser(c, h.store)
	if !ok {
		return
	}
	if _, ok := h.loadDeal(c, user); !ok {
		return
	}

	var req DealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if msg := req.validate(); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	deal, err := h.store.UpdateDeal(c.Request.Context(), c.Param("id"), func(d *model.Deal) error {
		if req.Status != nil {
			if err := d.TransitionTo(*req.Status, time.Now()); err != nil {
				return err
			}
		}
		req.apply(d)
		return nil
	})
	if err != nil {
		respondError(c, err, "Deal not found")
		return
	}
	c.JSON(http.StatusOK, deal)
}

func (h *DealHandler) Delete(c *gin.Context) {
	user, ok := currentUser(c, h.store)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	deal, err := h.store.GetDeal(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err, "Deal not found")
		return
	}
	if !user.CanDelete(deal.CreatedBy) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
		return
	}

	docs, err := h.store.ListDocuments(ctx, store.DocumentFilter{DealID: deal.ID})
	if err != nil {
		respondError(c, err, "")
		return
	}
	if err := h.store.DeleteDeal(ctx, deal.ID); err != nil {
		respondError(c, err, "Deal not found")
		return
	}
	for _, d := range docs {
		if err := h.files.DeleteFile(ctx, d.FilePath); err != nil {
			logger.Warn(ctx, "failed to delete document file", "document_id", d.ID, "error", err)
		}
	}

	logger.Info(ctx, "deal deleted", "deal_id", deal.ID, "documents", len(docs))
	c.JSON(http.StatusOK, gin.H{"message": "Deal deleted"})
}

// StartProcessing kicks off the due diligence pipeline over every live document of the deal
func (h *DealHandler) StartProcessing(c *gin.Context) {
	user, ok := currentUser(c, h.store)
	if !ok {
		return
	}
	deal, ok := h.loadDeal(c, user)
	if !ok {
		return
	}
	if deal.AIProcessingStatus == model.ProcessingRunning {
		c.JSON(http.StatusConflict, gin.H{"error": "Deal is already being processed"})
		return
	}

	dealID := deal.ID
	h.background.Go(c, func(ctx context.Context) {
		h.processor.ProcessDeal(ctx, dealID, nil)
	})

	c.JSON(http.StatusAccepted, gin.H{
		"message": "AI processing started",
		"deal_id": dealID,
		"status":  model.ProcessingRunning,
	})
}

func (h *DealHandler) Status(c *gin.Context) {
	user, ok := currentUser(c, h.store)
	if !ok {
		return
	}
	deal, ok := h.loadDeal(c, user)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"deal_id":                 deal.ID,
		"status":                  deal.Status,
		"ai_processing_status":    deal.AIProcessingStatus,
		"ai_processing_started":   deal.AIProcessingStarted,
		"ai_processing_completed": deal.AIProcessingCompleted,
		"ai_processing_errors":    deal.AIProcessingErrors,
		"processing_time":         deal.ProcessingTime(),
		"due_diligence_completed": deal.DueDiligenceCompleted,
		"pitchbook_generated":     deal.PitchbookGenerated,
		"risk_analysis_completed": deal.RiskAnalysisCompleted,
	})
}
