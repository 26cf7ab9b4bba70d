package model

import (
	"fmt"
	"math"
	"time"

	"gorm.io/datatypes"
)

// DocumentType classifies an uploaded file
type DocumentType string

const (
	DocumentTypeFinancialStatement DocumentType = "financial_statement"
	DocumentTypeLegalDocument      DocumentType = "legal_document"
	DocumentTypeContract           DocumentType = "contract"
	DocumentTypePresentation       DocumentType = "presentation"
	DocumentTypeMarketResearch     DocumentType = "market_research"
	DocumentTypeDueDiligence       DocumentType = "due_diligence"
	DocumentTypePitchbook          DocumentType = "pitchbook"
	DocumentTypeOther              DocumentType = "other"
)

var DocumentTypes = []DocumentType{
	DocumentTypeFinancialStatement, DocumentTypeLegalDocument, DocumentTypeContract,
	DocumentTypePresentation, DocumentTypeMarketResearch, DocumentTypeDueDiligence,
	DocumentTypePitchbook, DocumentTypeOther,
}

func (t DocumentType) Valid() bool {
	for _, v := range DocumentTypes {
		if v == t {
			return true
		}
	}
	return false
}

// DocumentStatus is the processing state of a document
type DocumentStatus string

const (
	DocumentStatusUploaded   DocumentStatus = "uploaded"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusProcessed  DocumentStatus = "processed"
	DocumentStatusFailed     DocumentStatus = "failed"
	DocumentStatusArchived   DocumentStatus = "archived"
)

var documentTransitions = map[DocumentStatus][]DocumentStatus{
	DocumentStatusUploaded:   {DocumentStatusProcessing},
	DocumentStatusProcessing: {DocumentStatusProcessed, DocumentStatusFailed},
	DocumentStatusProcessed:  {DocumentStatusArchived},
	DocumentStatusFailed:     {DocumentStatusProcessing},
}

func (s DocumentStatus) Valid() bool {
	switch s {
	case DocumentStatusUploaded, DocumentStatusProcessing, DocumentStatusProcessed,
		DocumentStatusFailed, DocumentStatusArchived:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is reachable from s in one step
func (s DocumentStatus) CanTransitionTo(next DocumentStatus) bool {
	for _, allowed := range documentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Document is one uploaded file belonging to a deal, with its processing results
type Document struct {
	ID               string         `gorm:"type:uuid;primaryKey" json:"id"`
	Filename         string         `gorm:"size:255;not null" json:"filename"`
	OriginalFilename string         `gorm:"size:255;not null" json:"original_filename"`
	FilePath         string         `gorm:"size:500;not null" json:"file_path"`
	FileSize         int64          `gorm:"not null" json:"file_size"`
	ContentType      string         `gorm:"size:100;not null" json:"content_type"`
	DocumentType     DocumentType   `gorm:"size:32;not null" json:"document_type"`
	Status           DocumentStatus `gorm:"size:32;not null;default:uploaded;index" json:"status"`
	PageCount        int            `json:"page_count,omitempty"`

	DealID     string `gorm:"type:uuid;not null;index" json:"deal_id"`
	UploadedBy string `gorm:"type:uuid;not null;index" json:"uploaded_by"`

	ProcessingStarted   *time.Time `json:"processing_started"`
	ProcessingCompleted *time.Time `json:"processing_completed"`
	ProcessingErrors    string     `gorm:"type:text" json:"processing_errors,omitempty"`
	ProcessingScore     *float64   `json:"processing_score"`

	ExtractedText string                        `gorm:"type:text" json:"extracted_text,omitempty"`
	OCRConfidence *float64                      `gorm:"column:ocr_confidence" json:"ocr_confidence"`
	NLPAnalysis   datatypes.JSONType[NLPResult] `gorm:"column:nlp_analysis" json:"nlp_analysis"`

	RiskFlags          datatypes.JSONSlice[RiskFlag] `json:"risk_flags"`
	RiskScore          *float64                      `json:"risk_score"`
	RiskSummary        string                        `gorm:"type:text" json:"risk_summary,omitempty"`
	RiskClassification string                        `gorm:"size:32" json:"risk_classification,omitempty"`

	FinancialMetrics datatypes.JSONSlice[FinancialMetric] `json:"financial_metrics"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Document) TableName() string {
	return "documents"
}

// TransitionTo moves the document through its processing state machine
func (d *Document) TransitionTo(next DocumentStatus, now time.Time) error {
	if !d.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, next)
	}
	t := now
	switch next {
	case DocumentStatusProcessing:
		d.ProcessingStarted = &t
		d.ProcessingCompleted = nil
		d.ProcessingErrors = ""
		d.ProcessingScore = nil
		d.ExtractedText = ""
		d.NLPAnalysis = datatypes.JSONType[NLPResult]{}
		d.RiskScore = nil
		d.ClearRiskResults()
	case DocumentStatusProcessed, DocumentStatusFailed:
		d.ProcessingCompleted = &t
	}
	d.Status = next
	return nil
}

// ClearRiskResults drops the risk flags, classification, summary and
// financial metrics of a run
func (d *Document) ClearRiskResults() {
	d.RiskFlags = nil
	d.RiskClassification = ""
	d.RiskSummary = ""
	d.FinancialMetrics = nil
}

// SetScores stores the risk and processing scores clamped to [0,100]
func (d *Document) SetScores(risk, processing float64) {
	r, p := ClampScore(risk), ClampScore(processing)
	d.RiskScore = &r
	d.ProcessingScore = &p
}

// ProcessingTime returns how long the last processing run took, in seconds
func (d *Document) ProcessingTime() *float64 {
	if d.ProcessingStarted == nil || d.ProcessingCompleted == nil {
		return nil
	}
	secs := d.ProcessingCompleted.Sub(*d.ProcessingStarted).Seconds()
	return &secs
}

// ClampScore bounds a score to [0,100]
func ClampScore(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
