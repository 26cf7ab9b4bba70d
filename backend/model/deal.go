package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// ErrInvalidTransition is returned when a status change is not allowed
var ErrInvalidTransition = errors.New("invalid status transition")

// DealType is the kind of transaction being tracked
type DealType string

const (
	DealTypeMNA           DealType = "mna"
	DealTypeIPO           DealType = "ipo"
	DealTypePrivateEquity DealType = "private_equity"
	DealTypeDebtFinancing DealType = "debt_financing"
	DealTypeRestructuring DealType = "restructuring"
	DealTypeOther         DealType = "other"
)

// DealTypes lists every known deal type in display order
var DealTypes = []DealType{
	DealTypeMNA, DealTypeIPO, DealTypePrivateEquity,
	DealTypeDebtFinancing, DealTypeRestructuring, DealTypeOther,
}

func (t DealType) Valid() bool {
	for _, v := range DealTypes {
		if v == t {
			return true
		}
	}
	return false
}

// DealStatus is the lifecycle stage of a deal
type DealStatus string

const (
	DealStatusDraft          DealStatus = "draft"
	DealStatusInProgress     DealStatus = "in_progress"
	DealStatusDueDiligence   DealStatus = "due_diligence"
	DealStatusPitchbookReady DealStatus = "pitchbook_ready"
	DealStatusCompleted      DealStatus = "completed"
	DealStatusCancelled      DealStatus = "cancelled"
)

// DealStatuses lists every status, forward lifecycle first
var DealStatuses = []DealStatus{
	DealStatusDraft, DealStatusInProgress, DealStatusDueDiligence,
	DealStatusPitchbookReady, DealStatusCompleted, DealStatusCancelled,
}

// dealStageOrder is the forward lifecycle; cancelled sits outside it.
var dealStageOrder = map[DealStatus]int{
	DealStatusDraft:          0,
	DealStatusInProgress:     1,
	DealStatusDueDiligence:   2,
	DealStatusPitchbookReady: 3,
	DealStatusCompleted:      4,
}

func (s DealStatus) Valid() bool {
	if s == DealStatusCancelled {
		return true
	}
	_, ok := dealStageOrder[s]
	return ok
}

// Terminal reports whether no further transitions are possible
func (s DealStatus) Terminal() bool {
	return s == DealStatusCompleted || s == DealStatusCancelled
}

// AI processing states recorded on a deal
const (
	ProcessingPending   = "pending"
	ProcessingRunning   = "processing"
	ProcessingCompleted = "completed"
	ProcessingFailed    = "failed"
)

// Deal is an investment banking transaction and its processing state
type Deal struct {
	ID          string     `gorm:"type:uuid;primaryKey" json:"id"`
	Name        string     `gorm:"size:255;not null;index" json:"name"`
	Description string     `gorm:"type:text" json:"description,omitempty"`
	DealType    DealType   `gorm:"size:32;not null" json:"deal_type"`
	Status      DealStatus `gorm:"size:32;not null;default:draft;index" json:"status"`

	TargetCompany  string              `gorm:"size:255" json:"target_company,omitempty"`
	TargetIndustry string              `gorm:"size:100" json:"target_industry,omitempty"`
	TargetSector   string              `gorm:"size:100" json:"target_sector,omitempty"`
	TargetRevenue  decimal.NullDecimal `gorm:"type:numeric(20,2)" json:"target_revenue"`
	TargetEBITDA   decimal.NullDecimal `gorm:"type:numeric(20,2);column:target_ebitda" json:"target_ebitda"`

	DealValue      decimal.NullDecimal `gorm:"type:numeric(20,2)" json:"deal_value"`
	DealCurrency   string              `gorm:"size:3;not null;default:USD" json:"deal_currency"`
	TransactionFee decimal.NullDecimal `gorm:"type:numeric(20,2)" json:"transaction_fee"`
	SuccessFeeRate decimal.NullDecimal `gorm:"type:numeric(8,4)" json:"success_fee_rate"`

	ExpectedCloseDate    *time.Time `json:"expected_close_date"`
	ActualCloseDate      *time.Time `json:"actual_close_date"`
	DueDiligenceDeadline *time.Time `json:"due_diligence_deadline"`

	CreatedBy string         `gorm:"type:uuid;not null;index" json:"created_by"`
	DealTeam  pq.StringArray `gorm:"type:text[]" json:"deal_team,omitempty"`

	DueDiligenceCompleted bool       `gorm:"not null;default:false" json:"due_diligence_completed"`
	PitchbookGenerated    bool       `gorm:"not null;default:false" json:"pitchbook_generated"`
	RiskAnalysisCompleted bool       `gorm:"not null;default:false" json:"risk_analysis_completed"`
	AIProcessingStatus    string     `gorm:"size:50;not null;default:pending" json:"ai_processing_status"`
	AIProcessingStarted   *time.Time `json:"ai_processing_started"`
	AIProcessingCompleted *time.Time `json:"ai_processing_completed"`
	AIProcessingErrors    string     `gorm:"type:text" json:"ai_processing_errors,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Deal) TableName() string {
	return "deals"
}

// IsActive reports whether the deal is still open
func (d *Deal) IsActive() bool {
	return !d.Status.Terminal()
}

// ProcessingTime returns the AI processing duration in seconds, if known
func (d *Deal) ProcessingTime() *float64 {
	if d.AIProcessingStarted == nil || d.AIProcessingCompleted == nil {
		return nil
	}
	secs := d.AIProcessingCompleted.Sub(*d.AIProcessingStarted).Seconds()
	return &secs
}

// TransitionTo moves the deal to next. The lifecycle only moves forward;
// cancellation is allowed from any open status.
func (d *Deal) TransitionTo(next DealStatus, now time.Time) error {
	if !next.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}
	if next == d.Status {
		return nil
	}
	if d.Status.Terminal() {
		return fmt.Errorf("%w: deal is %s", ErrInvalidTransition, d.Status)
	}
	if next != DealStatusCancelled && dealStageOrder[next] < dealStageOrder[d.Status] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, next)
	}

	d.Status = next
	if next == DealStatusCompleted {
		t := now
		d.ActualCloseDate = &t
	}
	return nil
}

// StartProcessing marks the AI pipeline as running
func (d *Deal) StartProcessing(now time.Time) {
	t := now
	d.AIProcessingStatus = ProcessingRunning
	d.AIProcessingStarted = &t
	d.AIProcessingCompleted = nil
	d.AIProcessingErrors = ""
}

// FinishProcessing records the outcome of an AI pipeline run
func (d *Deal) FinishProcessing(now time.Time, errMsg string) {
	t := now
	d.AIProcessingCompleted = &t
	if errMsg != "" {
		d.AIProcessingStatus = ProcessingFailed
		d.AIProcessingErrors = errMsg
		return
	}
	d.AIProcessingStatus = ProcessingCompleted
	d.AIProcessingErrors = ""
	d.DueDiligenceCompleted = true
	d.RiskAnalysisCompleted = true
}
