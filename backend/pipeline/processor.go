package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/AnTengye/dealdesk/backend/model"
	"github.com/AnTengye/dealdesk/backend/pkg/logger"
	"github.com/AnTengye/dealdesk/backend/store"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"
)

// TextExtractor turns a stored document into plain text
type TextExtractor interface {
	ExtractText(ctx context.Context, doc *model.Document) (string, error)
}

// Analyzer derives sentiment, entities, key phrases and topics from text
type Analyzer interface {
	Analyze(ctx context.Context, text string) (*model.NLPResult, error)
}

// Classifier returns a coarse label such as positive, neutral or negative
type Classifier interface {
	Classify(ctx context.Context, text string) (string, error)
}

// Store is the persistence the processor needs
type Store interface {
	store.DealStore
	store.DocumentStore
}

// Config tunes the processor
type Config struct {
	DocumentTimeout    time.Duration
	ClassifierMaxChars int
	AnalyzerMaxChars   int
	Compliance         []model.ComplianceItem
	RiskRules          []FinancialRiskRule
}

// DocumentResult is the outcome of processing one document
type DocumentResult struct {
	DocumentID       string                  `json:"document_id"`
	Filename         string                  `json:"filename"`
	Status           model.DocumentStatus    `json:"status"`
	RiskScore        float64                 `json:"risk_score"`
	ProcessingScore  float64                 `json:"processing_score"`
	RiskFlags        []model.RiskFlag        `json:"risk_flags"`
	RiskSummary      string                  `json:"risk_summary,omitempty"`
	Classification   string                  `json:"classification,omitempty"`
	FinancialMetrics []model.FinancialMetric `json:"financial_metrics"`
	Degraded         []Stage                 `json:"degraded_stages,omitempty"`
	Reused           bool                    `json:"reused,omitempty"`
	Error            string                  `json:"error,omitempty"`
}

// DealResult is the outcome of a deal-level run
type DealResult struct {
	Success            bool                      `json:"success"`
	Error              string                    `json:"error,omitempty"`
	ProcessingTime     float64                   `json:"processing_time"`
	Report             *model.DueDiligenceReport `json:"report,omitempty"`
	DocumentsProcessed int                       `json:"documents_processed"`
	TotalRiskScore     float64                   `json:"total_risk_score"`
	Documents          []DocumentResult          `json:"documents,omitempty"`
}

// Processor runs the due diligence pipeline over documents and deals
type Processor struct {
	store      Store
	extractor  TextExtractor
	analyzer   Analyzer
	classifier Classifier
	cfg        Config
	group      singleflight.Group
	dealLocks  dealLocks
	now        func() time.Time
}

// dealLocks hands out one weight-1 semaphore per deal, dropped once unused
type dealLocks struct {
	mu    sync.Mutex
	locks map[string]*dealLock
}

type dealLock struct {
	sem  *semaphore.Weighted
	refs int
}

// acquire blocks until the deal is free or ctx ends
func (l *dealLocks) acquire(ctx context.Context, dealID string) (release func(), err error) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*dealLock)
	}
	dl, ok := l.locks[dealID]
	if !ok {
		dl = &dealLock{sem: semaphore.NewWeighted(1)}
		l.locks[dealID] = dl
	}
	dl.refs++
	l.mu.Unlock()

	drop := func() {
		l.mu.Lock()
		dl.refs--
		if dl.refs == 0 {
			delete(l.locks, dealID)
		}
		l.mu.Unlock()
	}
	if err := dl.sem.Acquire(ctx, 1); err != nil {
		drop()
		return nil, err
	}
	return func() {
		dl.sem.Release(1)
		drop()
	}, nil
}

// NewProcessor builds a processor. analyzer and classifier may be nil, in
// which case analysis is empty and classification is "unknown".
func NewProcessor(st Store, extractor TextExtractor, analyzer Analyzer, classifier Classifier, cfg Config) *Processor {
	if cfg.ClassifierMaxChars <= 0 {
		cfg.ClassifierMaxChars = 512
	}
	if cfg.AnalyzerMaxChars <= 0 {
		cfg.AnalyzerMaxChars = 12000
	}
	if cfg.DocumentTimeout <= 0 {
		cfg.DocumentTimeout = 5 * time.Minute
	}
	return &Processor{
		store:      st,
		extractor:  extractor,
		analyzer:   analyzer,
		classifier: classifier,
		cfg:        cfg,
		now:        time.Now,
	}
}

// ProcessDocument runs every stage for one document. Concurrent calls for the
// same document share a single run.
func (p *Processor) ProcessDocument(ctx context.Context, documentID string) (*DocumentResult, error) {
	v, err, shared := p.group.Do("doc:"+documentID, func() (any, error) {
		return p.processDocument(ctx, documentID)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logger.Debug(ctx, "joined in-flight document run", "document_id", documentID)
	}
	res := *v.(*DocumentResult)
	return &res, nil
}

func (p *Processor) processDocument(parent context.Context, id string) (*DocumentResult, error) {
	// Writes must land even after the processing deadline passes.
	persistCtx := context.WithoutCancel(parent)

	doc, err := p.store.UpdateDocument(persistCtx, id, func(d *model.Document) error {
		return d.TransitionTo(model.DocumentStatusProcessing, p.now())
	})
	if err != nil {
		return nil, fmt.Errorf("start processing %s: %w", id, err)
	}
	logger.Info(parent, "document processing started", "document_id", id, "filename", doc.Filename)

	ctx, cancel := context.WithTimeout(parent, p.cfg.DocumentTimeout)
	defer cancel()

	res := &DocumentResult{DocumentID: doc.ID, Filename: doc.Filename}

	text := p.extract(ctx, doc)
	if text.Err != nil {
		res.Degraded = append(res.Degraded, StageExtraction)
	}
	if strings.TrimSpace(text.Value) == "" {
		cause := text.Err
		if cause == nil {
			cause = stageErr(StageExtraction, ErrExtraction, errors.New("no text in document"))
		}
		return p.fail(persistCtx, res, cause)
	}
	if _, err := p.store.UpdateDocument(persistCtx, id, func(d *model.Document) error {
		d.ExtractedText = text.Value
		return nil
	}); err != nil {
		return nil, fmt.Errorf("save extracted text: %w", err)
	}

	nlp := p.analyze(ctx, id, text.Value)
	if nlp.Err != nil {
		res.Degraded = append(res.Degraded, StageAnalysis)
	}
	if _, err := p.store.UpdateDocument(persistCtx, id, func(d *model.Document) error {
		d.NLPAnalysis = datatypes.NewJSONType(nlp.Value)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("save analysis: %w", err)
	}

	res.FinancialMetrics = ExtractFinancialData(text.Value, doc.DocumentType)
	if _, err := p.store.UpdateDocument(persistCtx, id, func(d *model.Document) error {
		d.FinancialMetrics = datatypes.NewJSONSlice(res.FinancialMetrics)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("save financial metrics: %w", err)
	}

	risk := p.identifyRisks(ctx, id, text.Value, res.FinancialMetrics)
	if risk.Err != nil {
		res.Degraded = append(res.Degraded, StageRisk)
	}
	res.RiskFlags = risk.Value.Flags
	res.Classification = risk.Value.Classification
	res.RiskSummary = risk.Value.Summary
	if _, err := p.store.UpdateDocument(persistCtx, id, func(d *model.Document) error {
		d.RiskFlags = datatypes.NewJSONSlice(res.RiskFlags)
		d.RiskClassification = res.Classification
		d.RiskSummary = res.RiskSummary
		return nil
	}); err != nil {
		return nil, fmt.Errorf("save risk analysis: %w", err)
	}

	riskScore := p.score(ctx, id, func() float64 {
		return RiskScore(res.RiskFlags, res.Classification, res.FinancialMetrics)
	})
	nlpValue := nlp.Value
	processingScore := p.score(ctx, id, func() float64 {
		return ProcessingScore(text.Value, &nlpValue)
	})
	if riskScore.Err != nil || processingScore.Err != nil {
		res.Degraded = append(res.Degraded, StageScoring)
	}
	res.RiskScore = riskScore.Value
	res.ProcessingScore = processingScore.Value

	if err := ctx.Err(); err != nil {
		return p.fail(persistCtx, res, &StageError{Stage: lastStage(res.Degraded), Err: fmt.Errorf("document deadline: %w", err)})
	}

	saved, err := p.store.UpdateDocument(persistCtx, id, func(d *model.Document) error {
		d.SetScores(res.RiskScore, res.ProcessingScore)
		return d.TransitionTo(model.DocumentStatusProcessed, p.now())
	})
	if err != nil {
		return nil, fmt.Errorf("finish processing %s: %w", id, err)
	}
	res.Status = saved.Status
	logger.Info(parent, "document processed",
		"document_id", id,
		"risk_score", res.RiskScore,
		"processing_score", res.ProcessingScore,
		"flags", len(res.RiskFlags),
		"degraded", len(res.Degraded),
	)
	return res, nil
}

// fail marks the document failed with zero scores and records why
func (p *Processor) fail(ctx context.Context, res *DocumentResult, cause *StageError) (*DocumentResult, error) {
	logger.Error(ctx, "document processing failed", "document_id", res.DocumentID, "stage", cause.Stage, "error", cause)

	res.RiskScore, res.ProcessingScore = 0, 0
	res.RiskFlags, res.RiskSummary, res.Classification, res.FinancialMetrics = nil, "", "", nil
	res.Error = cause.Error()
	saved, err := p.store.UpdateDocument(ctx, res.DocumentID, func(d *model.Document) error {
		d.SetScores(0, 0)
		d.ClearRiskResults()
		d.ProcessingErrors = res.Error
		return d.TransitionTo(model.DocumentStatusFailed, p.now())
	})
	if err != nil {
		return nil, fmt.Errorf("record failure of %s: %w", res.DocumentID, err)
	}
	res.Status = saved.Status
	return res, nil
}

func (p *Processor) extract(ctx context.Context, doc *model.Document) Outcome[string] {
	if p.extractor == nil {
		return degraded("", stageErr(StageExtraction, ErrExtraction, errors.New("no extractor configured")))
	}
	text, err := p.extractor.ExtractText(ctx, doc)
	if err != nil {
		se := stageErr(StageExtraction, ErrExtraction, err)
		logger.Warn(ctx, "pipeline stage failed", "document_id", doc.ID, "stage", se.Stage, "error", err)
		return degraded("", se)
	}
	return ok(text)
}

func (p *Processor) analyze(ctx context.Context, docID, text string) Outcome[model.NLPResult] {
	if p.analyzer == nil {
		return ok(model.NLPResult{})
	}
	res, err := p.analyzer.Analyze(ctx, truncateRunes(text, p.cfg.AnalyzerMaxChars))
	if err != nil {
		se := stageErr(StageAnalysis, ErrAnalysis, err)
		logger.Warn(ctx, "pipeline stage failed", "document_id", docID, "stage", se.Stage, "error", err)
		return degraded(model.NLPResult{}, se)
	}
	if res == nil {
		return ok(model.NLPResult{})
	}
	return ok(*res)
}

func (p *Processor) identifyRisks(ctx context.Context, docID, text string, metrics []model.FinancialMetric) Outcome[RiskAnalysis] {
	flags := KeywordFlags(text)
	flags = append(flags, FinancialFlags(metrics, p.cfg.RiskRules)...)

	class := p.classify(ctx, docID, text)
	out := RiskAnalysis{
		Flags:          flags,
		Classification: class.Value,
		Summary:        RiskSummary(flags, class.Value),
	}
	return Outcome[RiskAnalysis]{Value: out, Err: class.Err}
}

func (p *Processor) classify(ctx context.Context, docID, text string) Outcome[string] {
	if p.classifier == nil {
		return ok(ClassificationUnknown)
	}
	label, err := p.classifier.Classify(ctx, truncateRunes(text, p.cfg.ClassifierMaxChars))
	if err != nil {
		se := stageErr(StageRisk, ErrAnalysis, err)
		logger.Warn(ctx, "pipeline stage failed", "document_id", docID, "stage", se.Stage, "error", err)
		return degraded(ClassificationUnknown, se)
	}
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" {
		return ok(ClassificationUnknown)
	}
	return ok(label)
}

// score runs fn and turns a panic into a zero score
func (p *Processor) score(ctx context.Context, docID string, fn func() float64) (out Outcome[float64]) {
	defer func() {
		if r := recover(); r != nil {
			se := stageErr(StageScoring, ErrScoring, fmt.Errorf("%v", r))
			logger.Error(ctx, "pipeline stage failed", "document_id", docID, "stage", se.Stage, "error", se)
			out = degraded(0.0, se)
		}
	}()
	return ok(model.ClampScore(fn()))
}

func lastStage(stages []Stage) Stage {
	if len(stages) == 0 {
		return StageScoring
	}
	return stages[len(stages)-1]
}

// StoredResult rebuilds a DocumentResult from what a previous run persisted
func StoredResult(doc *model.Document) DocumentResult {
	res := DocumentResult{
		DocumentID:       doc.ID,
		Filename:         doc.Filename,
		Status:           doc.Status,
		RiskFlags:        []model.RiskFlag(doc.RiskFlags),
		RiskSummary:      doc.RiskSummary,
		Classification:   doc.RiskClassification,
		FinancialMetrics: []model.FinancialMetric(doc.FinancialMetrics),
		Reused:           true,
	}
	if doc.RiskScore != nil {
		res.RiskScore = *doc.RiskScore
	}
	if doc.ProcessingScore != nil {
		res.ProcessingScore = *doc.ProcessingScore
	}
	if doc.Status == model.DocumentStatusFailed {
		res.RiskFlags, res.RiskSummary, res.Classification, res.FinancialMetrics = nil, "", "", nil
		res.Error = doc.ProcessingErrors
		if res.Error == "" {
			res.Error = "processing failed"
		}
	}
	return res
}

// ProcessDeal processes the given documents of a deal one after another and
// builds the report. With no document ids every live document of the deal is
// used. Processed and failed documents are not rerun; their stored results
// are reused. Concurrent calls with the same document list share a single
// run; runs over different lists of one deal wait for each other.
func (p *Processor) ProcessDeal(ctx context.Context, dealID string, documentIDs []string) *DealResult {
	key := "deal:" + dealID + ":" + strings.Join(documentIDs, ",")
	v, _, _ := p.group.Do(key, func() (any, error) {
		start := p.now()
		release, err := p.dealLocks.acquire(ctx, dealID)
		if err != nil {
			logger.Warn(ctx, "gave up waiting for running deal processing", "deal_id", dealID, "error", err)
			return &DealResult{Error: fmt.Sprintf("waiting for running deal processing: %v", err), ProcessingTime: p.now().Sub(start).Seconds()}, nil
		}
		defer release()
		return p.processDeal(ctx, dealID, documentIDs), nil
	})
	res := *v.(*DealResult)
	return &res
}

// RecoverInterrupted fails documents and deals that a previous server process
// left in processing, so they can be triggered again. It must run before any
// pipeline work starts.
func (p *Processor) RecoverInterrupted(ctx context.Context) (documents, deals int, err error) {
	stuck, err := p.store.ListDocuments(ctx, store.DocumentFilter{Status: model.DocumentStatusProcessing})
	if err != nil {
		return 0, 0, fmt.Errorf("list processing documents: %w", err)
	}
	for _, doc := range stuck {
		_, err := p.store.UpdateDocument(ctx, doc.ID, func(d *model.Document) error {
			if d.Status != model.DocumentStatusProcessing {
				return errSkip
			}
			d.SetScores(0, 0)
			d.ClearRiskResults()
			d.ProcessingErrors = ErrInterrupted.Error()
			return d.TransitionTo(model.DocumentStatusFailed, p.now())
		})
		switch {
		case err == nil:
			documents++
			logger.Warn(ctx, "marked interrupted document failed", "document_id", doc.ID, "deal_id", doc.DealID)
		case errors.Is(err, errSkip), errors.Is(err, store.ErrNotFound):
		default:
			return documents, deals, fmt.Errorf("recover document %s: %w", doc.ID, err)
		}
	}

	running, err := p.store.ListDeals(ctx, store.DealFilter{AIProcessingStatus: model.ProcessingRunning})
	if err != nil {
		return documents, deals, fmt.Errorf("list processing deals: %w", err)
	}
	for _, deal := range running {
		_, err := p.store.UpdateDeal(ctx, deal.ID, func(d *model.Deal) error {
			if d.AIProcessingStatus != model.ProcessingRunning {
				return errSkip
			}
			d.FinishProcessing(p.now(), ErrInterrupted.Error())
			return nil
		})
		switch {
		case err == nil:
			deals++
			logger.Warn(ctx, "marked interrupted deal processing failed", "deal_id", deal.ID)
		case errors.Is(err, errSkip), errors.Is(err, store.ErrNotFound):
		default:
			return documents, deals, fmt.Errorf("recover deal %s: %w", deal.ID, err)
		}
	}
	return documents, deals, nil
}

func (p *Processor) processDeal(ctx context.Context, dealID string, documentIDs []string) (result *DealResult) {
	start := p.now()
	persistCtx := context.WithoutCancel(ctx)

	failRun := func(err error) *DealResult {
		logger.Error(ctx, "due diligence processing failed", "deal_id", dealID, "error", err)
		if _, uerr := p.store.UpdateDeal(persistCtx, dealID, func(d *model.Deal) error {
			d.FinishProcessing(p.now(), err.Error())
			return nil
		}); uerr != nil && !errors.Is(uerr, store.ErrNotFound) {
			logger.Error(ctx, "failed to record deal failure", "deal_id", dealID, "error", uerr)
		}
		return &DealResult{
			Success:        false,
			Error:          err.Error(),
			ProcessingTime: p.now().Sub(start).Seconds(),
		}
	}
	defer func() {
		if r := recover(); r != nil {
			result = failRun(fmt.Errorf("panic: %v", r))
		}
	}()

	deal, err := p.store.UpdateDeal(persistCtx, dealID, func(d *model.Deal) error {
		d.StartProcessing(p.now())
		return nil
	})
	if err != nil {
		return failRun(fmt.Errorf("load deal: %w", err))
	}
	logger.Info(ctx, "due diligence processing started", "deal_id", dealID)

	docs, err := p.dealDocuments(ctx, dealID, documentIDs)
	if err != nil {
		return failRun(err)
	}

	results := make([]DocumentResult, 0, len(docs))
	for _, doc := range docs {
		results = append(results, p.documentResult(ctx, dealID, doc))
	}

	report := BuildReport(deal, results, p.cfg.Compliance, p.now())

	if _, err := p.store.UpdateDeal(persistCtx, dealID, func(d *model.Deal) error {
		d.FinishProcessing(p.now(), "")
		return nil
	}); err != nil {
		return failRun(fmt.Errorf("finish deal: %w", err))
	}

	elapsed := p.now().Sub(start).Seconds()
	logger.Info(ctx, "due diligence processing completed",
		"deal_id", dealID,
		"documents", len(results),
		"seconds", elapsed,
	)
	return &DealResult{
		Success:            true,
		ProcessingTime:     elapsed,
		Report:             report,
		DocumentsProcessed: len(results),
		TotalRiskScore:     MeanRiskScore(results),
		Documents:          results,
	}
}

func (p *Processor) dealDocuments(ctx context.Context, dealID string, ids []string) ([]*model.Document, error) {
	if len(ids) == 0 {
		all, err := p.store.ListDocuments(ctx, store.DocumentFilter{DealID: dealID})
		if err != nil {
			return nil, fmt.Errorf("list documents: %w", err)
		}
		docs := make([]*model.Document, 0, len(all))
		for _, d := range all {
			if d.Status != model.DocumentStatusArchived {
				docs = append(docs, d)
			}
		}
		return docs, nil
	}

	docs := make([]*model.Document, 0, len(ids))
	for _, id := range ids {
		d, err := p.store.GetDocument(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			docs = append(docs, &model.Document{ID: id})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load document %s: %w", id, err)
		}
		docs = append(docs, d)
	}
	return docs, nil
}

// documentResult never fails; problems become the result's Error field
func (p *Processor) documentResult(ctx context.Context, dealID string, doc *model.Document) DocumentResult {
	switch {
	case doc.DealID == "":
		return DocumentResult{DocumentID: doc.ID, Error: "document not found"}
	case doc.DealID != dealID:
		return DocumentResult{DocumentID: doc.ID, Filename: doc.Filename, Status: doc.Status, Error: "document does not belong to deal"}
	case doc.Status == model.DocumentStatusProcessed, doc.Status == model.DocumentStatusFailed,
		doc.Status == model.DocumentStatusArchived:
		return StoredResult(doc)
	}

	res, err := p.ProcessDocument(ctx, doc.ID)
	if err != nil {
		logger.Error(ctx, "document processing aborted", "deal_id", dealID, "document_id", doc.ID, "error", err)
		return DocumentResult{DocumentID: doc.ID, Filename: doc.Filename, Status: doc.Status, Error: err.Error()}
	}
	return *res
}

// Results loads the stored results of every processed or failed document of a deal
func (p *Processor) Results(ctx context.Context, dealID string) ([]DocumentResult, error) {
	docs, err := p.store.ListDocuments(ctx, store.DocumentFilter{DealID: dealID})
	if err != nil {
		return nil, err
	}
	results := []DocumentResult{}
	for _, d := range docs {
		if d.Status == model.DocumentStatusProcessed || d.Status == model.DocumentStatusFailed {
			results = append(results, StoredResult(d))
		}
	}
	return results, nil
}

// Report regenerates the due diligence report of a deal from stored results
func (p *Processor) Report(ctx context.Context, dealID string) (*model.DueDiligenceReport, error) {
	deal, err := p.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	results, err := p.Results(ctx, dealID)
	if err != nil {
		return nil, err
	}
	return BuildReport(deal, results, p.cfg.Compliance, p.now()), nil
}

// RiskAssessment summarises the stored risk results of a deal
func (p *Processor) RiskAssessment(ctx context.Context, dealID string) (*RiskAssessment, error) {
	if _, err := p.store.GetDeal(ctx, dealID); err != nil {
		return nil, err
	}
	results, err := p.Results(ctx, dealID)
	if err != nil {
		return nil, err
	}
	return AssessRisk(dealID, results), nil
}
