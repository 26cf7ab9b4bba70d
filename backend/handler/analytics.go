package handler

import (
	"math"
	"net/http"
	"time"

	"github.com/AnTengye/dealdesk/backend/model"
	"github.com/AnTengye/dealdesk/backend/store"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// stageProgress is the completion percentage shown for each deal status
var stageProgress = map[model.DealStatus]int{
	model.DealStatusDraft:          10,
	model.DealStatusInProgress:     35,
	model.DealStatusDueDiligence:   65,
	model.DealStatusPitchbookReady: 85,
	model.DealStatusCompleted:      100,
}

type AnalyticsHandler struct {
	store store.Store
	now   func() time.Time
}

func NewAnalyticsHandler(st store.Store) *AnalyticsHandler {
	return &AnalyticsHandler{store: st, now: time.Now}
}

type Dashboard struct {
	TotalDeals            int                      `json:"total_deals"`
	ActiveDeals           int                      `json:"active_deals"`
	CompletedDeals        int                      `json:"completed_deals"`
	DocumentsProcessed    int                      `json:"documents_processed"`
	DueDiligenceReports   int                      `json:"due_diligence_reports"`
	PitchbooksGenerated   int                      `json:"pitchbooks_generated"`
	TotalDealValue        decimal.Decimal          `json:"total_deal_value"`
	AverageProcessingTime float64                  `json:"average_processing_time"`
	DealsByStatus         map[model.DealStatus]int `json:"deals_by_status"`
	DealsByType           map[model.DealType]int   `json:"deals_by_type"`
}

type PipelineDeal struct {
	ID                string              `json:"id"`
	Name              string              `json:"name"`
	DealType          model.DealType      `json:"deal_type"`
	Status            model.DealStatus    `json:"status"`
	Progress          int                 `json:"progress"`
	DaysInStage       int                 `json:"days_in_stage"`
	DealValue         decimal.NullDecimal `json:"deal_value"`
	TargetCompany     string              `json:"target_company,omitempty"`
	ExpectedCloseDate *time.Time          `json:"expected_close_date"`
}

// visibleDeals returns every deal for managers and the caller's own otherwise
func (h *AnalyticsHandler) visibleDeals(c *gin.Context, user *model.User) ([]*model.Deal, bool) {
	var filter store.DealFilter
	if !user.IsManager() {
		filter.CreatedBy = user.ID
	}
	deals, err := h.store.ListDeals(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err, "")
		return nil, false
	}
	return deals, true
}

func (h *AnalyticsHandler) Dashboard(c *gin.Context) {
	user, ok := currentUser(c, h.store)
	if !ok {
		return
	}
	deals, ok := h.visibleDeals(c, user)
	if !ok {
		return
	}

	d := Dashboard{
		TotalDeals:     len(deals),
		TotalDealValue: decimal.Zero,
		DealsByStatus:  map[model.DealStatus]int{},
		DealsByType:    map[model.DealType]int{},
	}
	for _, s := range model.DealStatuses {
		d.DealsByStatus[s] = 0
	}
	for _, t := range model.DealTypes {
		d.DealsByType[t] = 0
	}

	var totalTime float64
	var timed int
	dealIDs := make(map[string]bool, len(deals))
	for _, deal := range deals {
		dealIDs[deal.ID] = true
		d.DealsByStatus[deal.Status]++
		d.DealsByType[deal.DealType]++
		switch deal.Status {
		case model.DealStatusInProgress, model.DealStatusDueDiligence:
			d.ActiveDeals++
		case model.DealStatusCompleted:
			d.CompletedDeals++
		}
		if deal.DueDiligenceCompleted {
			d.DueDiligenceReports++
		}
		if deal.PitchbookGenerated {
			d.PitchbooksGenerated++
		}
		if deal.DealValue.Valid {
			d.TotalDealValue = d.TotalDealValue.Add(deal.DealValue.Decimal)
		}
		if t := deal.ProcessingTime(); t != nil {
			totalTime += *t
			timed++
		}
	}
	if timed > 0 {
		d.AverageProcessingTime = math.Round(totalTime/float64(timed)*100) / 100
	}

	docs, err := h.store.ListDocuments(c.Request.Context(), store.DocumentFilter{Status: model.DocumentStatusProcessed})
	if err != nil {
		respondError(c, err, "")
		return
	}
	for _, doc := range docs {
		if dealIDs[doc.DealID] {
			d.DocumentsProcessed++
		}
	}

	c.JSON(http.StatusOK, d)
}

// Pipeline lists open deals with how far along they are
func (h *AnalyticsHandler) Pipeline(c *gin.Context) {
	user, ok := currentUser(c, h.store)
	if !ok {
		return
	}
	deals, ok := h.visibleDeals(c, user)
	if !ok {
		return
	}

	now := h.now()
	out := []PipelineDeal{}
	for _, deal := range deals {
		if !deal.IsActive() {
			continue
		}
		days := 0
		if !deal.UpdatedAt.IsZero() && now.After(deal.UpdatedAt) {
			days = int(now.Sub(deal.UpdatedAt).Hours() / 24)
		}
		out = append(out, PipelineDeal{
			ID:                deal.ID,
			Name:              deal.Name,
			DealType:          deal.DealType,
			Status:            deal.Status,
			Progress:          stageProgress[deal.Status],
			DaysInStage:       days,
			DealValue:         deal.DealValue,
			TargetCompany:     deal.TargetCompany,
			ExpectedCloseDate: deal.ExpectedCloseDate,
		})
	}

	c.JSON(http.StatusOK, gin.H{"deals": out, "total": len(out)})
}
