package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/AnTengye/dealdesk/backend/config"
	"github.com/AnTengye/dealdesk/backend/model"
	"github.com/AnTengye/dealdesk/backend/pipeline"
	"github.com/AnTengye/dealdesk/backend/pkg/logger"
	"github.com/AnTengye/dealdesk/backend/service"
	"github.com/AnTengye/dealdesk/backend/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// FileStore keeps the uploaded document bytes
type FileStore interface {
	UploadFile(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) error
	DeleteFile(ctx context.Context, objectName string) error
}

// PageCounter reads the page count of a PDF
type PageCounter interface {
	PageCount(data []byte) (int, error)
}

// extensionTypes covers document formats missing from the builtin mime table
var extensionTypes = map[string]string{
	".txt":  "text/plain",
	".md":   "text/markdown",
	".csv":  "text/csv",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

type DocumentHandler struct {
	store      store.Store
	files      FileStore
	pdf        PageCounter
	processor  *pipeline.Processor
	background *Background
	upload     *config.UploadConfig
	maxPerDeal int
}

func NewDocumentHandler(st store.Store, files FileStore, pdf PageCounter, processor *pipeline.Processor, bg *Background, upload *config.UploadConfig, maxPerDeal int) *DocumentHandler {
	return &DocumentHandler{
		store:      st,
		files:      files,
		pdf:        pdf,
		processor:  processor,
		background: bg,
		upload:     upload,
		maxPerDeal: maxPerDeal,
	}
}

func (h *DocumentHandler) limitReached(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Deal already has the maximum of %d documents", h.maxPerDeal)})
}

// detectContentType prefers the part header, then the extension, then sniffing
func detectContentType(header string, filename string, data []byte) string {
	if t, _, err := mime.ParseMediaType(header); err == nil && t != "application/octet-stream" {
		return t
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if t, ok := extensionTypes[ext]; ok {
		return t
	}
	if t, _, err := mime.ParseMediaType(mime.TypeByExtension(ext)); err == nil {
		return t
	}
	t, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return t
}

// Upload stores a document for a deal and optionally starts processing it
func (h *DocumentHandler) Upload(c *gin.Context) {
	user, ok := currentUser(c, h.store)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file provided"})
		return
	}
	defer file.Close()

	dealID := c.PostForm("deal_id")
	docType := model.DocumentType(c.PostForm("document_type"))
	if dealID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "deal_id is required"})
		return
	}
	if !docType.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document_type"})
		return
	}
	process := false
	if v := c.PostForm("process"); v != "" {
		if process, err = strconv.ParseBool(v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "process must be a boolean"})
			return
		}
	}

	deal, err := h.store.GetDeal(ctx, dealID)
	if err != nil {
		respondError(c, err, "Deal not found")
		return
	}
	if !user.CanAccess(deal.CreatedBy) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
		return
	}

	limit := h.upload.MaxFileSize()
	if header.Size > limit {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("File exceeds %d MB", h.upload.MaxFileSizeMB)})
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read file"})
		return
	}
	if int64(len(data)) > limit {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("File exceeds %d MB", h.upload.MaxFileSizeMB)})
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File is empty"})
		return
	}

	contentType := detectContentType(header.Header.Get("Content-Type"), header.Filename, data)
	if !h.upload.Allowed(contentType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unsupported file type: " + contentType})
		return
	}

	// Early rejection before the object is stored; AddDocument enforces the cap.
	if h.maxPerDeal > 0 {
		n, err := h.store.CountDocuments(ctx, dealID)
		if err != nil {
			respondError(c, err, "")
			return
		}
		if n >= h.maxPerDeal {
			h.limitReached(c)
			return
		}
	}

	pages := 0
	if contentType == "application/pdf" {
		if pages, err = h.pdf.PageCount(data); err != nil {
			logger.Warn(ctx, "rejected unreadable pdf", "filename", header.Filename, "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid PDF file"})
			return
		}
	}

	docID := uuid.New().String()
	filename := service.SanitizeFilename(header.Filename)
	key := service.ObjectKey(dealID, docID, filename)

	if err := h.files.UploadFile(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		logger.Error(ctx, "failed to store document", "deal_id", dealID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to upload file"})
		return
	}

	doc := &model.Document{
		ID:               docID,
		Filename:         filename,
		OriginalFilename: header.Filename,
		FilePath:         key,
		FileSize:         int64(len(data)),
		ContentType:      contentType,
		DocumentType:     docType,
		Status:           model.DocumentStatusUploaded,
		PageCount:        pages,
		DealID:           dealID,
		UploadedBy:       user.ID,
	}
	if err := h.store.AddDocument(ctx, doc, h.maxPerDeal); err != nil {
		if derr := h.files.DeleteFile(ctx, key); derr != nil {
			logger.Warn(ctx, "failed to remove orphaned object", "key", key, "error", derr)
		}
		if errors.Is(err, store.ErrLimitReached) {
			h.limitReached(c)
			return
		}
		respondError(c, err, "")
		return
	}

	logger.Info(ctx, "document uploaded",
		"document_id", docID,
		"deal_id", dealID,
		"content_type", contentType,
		"size", doc.FileSize,
	)

	if process {
		h.startProcessing(c, docID)
	}
	c.JSON(http.StatusCreated, doc)
}

func (h *DocumentHandler) startProcessing(c *gin.Context, docID string) {
	h.background.Go(c, func(ctx context.Context) {
		if _, err := h.processor.ProcessDocument(ctx, docID); err != nil {
			logger.Error(ctx, "document processing aborted", "document_id", docID, "error", err)
		}
	})
}

// canAccessDocument allows the uploader, managers and anyone with access to the deal
func (h *DocumentHandler) canAccessDocument(ctx context.Context, user *model.User, doc *model.Document) (bool, error) {
	if user.CanAccess(doc.UploadedBy) {
		return true, nil
	}
	deal, err := h.store.GetDeal(ctx, doc.DealID)
	if err != nil {
		return false, err
	}
	return user.CanAccess(deal.CreatedBy), nil
}

func (h *DocumentHandler) loadDocument(c *gin.Context, user *model.User) (*model.Document, bool) {
	doc, err := h.store.GetDocument(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "Document not found")
		return nil, false
	}
	allowed, err := h.canAccessDocument(c.Request.Context(), user, doc)
	if err != nil {
		respondError(c, err, "Deal not found")
		return nil, false
	}
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
		return nil, false
	}
	return doc, true
}

// List returns documents. Without a deal_id non-managers only see their own uploads.
func (h *DocumentHandler) List(c *gin.Context) {
	user, ok := currentUser(c, h.store)
	if !ok {
		return
	}
	page, ok := pageParams(c)
	if !ok {
		return
	}

	filter := store.DocumentFilter{
		DealID:       c.Query("deal_id"),
		DocumentType: model.DocumentType(c.Query("document_type")),
		Status:       model.DocumentStatus(c.Query("status")),
		Page:         page,
	}
	if filter.DocumentType != "" && !filter.DocumentType.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document_type"})
		return
	}
	if filter.Status != "" && !filter.Status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return
	}

	switch {
	case user.IsManager():
	case filter.DealID != "":
		deal, err := h.store.GetDeal(c.Request.Context(), filter.DealID)
		if err != nil {
			respondError(c, err, "Deal not found")
			return
		}
		if !user.CanAccess(deal.CreatedBy) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
			return
		}
	default:
		filter.UploadedBy = user.ID
	}

	docs, err := h.store.ListDocuments(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs, "skip": page.Offset, "limit": page.Limit})
}

func (h *DocumentHandler) Get(c *gin.Context) {
	user, ok := currentUser(c, h.store)
	if !ok {
		return
	}
	doc, ok := h.loadDocument(c, user)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, doc)
}

// Process starts the pipeline for a single uploaded or failed document
func (h *DocumentHandler) Process(c *gin.Context) {
	user, ok := currentUser(c, h.store)
	if !ok {
		return
	}
	doc, ok := h.loadDocument(c, user)
	if !ok {
		return
	}
	if !doc.Status.CanTransitionTo(model.DocumentStatusProcessing) {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("Document is %s and cannot be processed", doc.Status)})
		return
	}

	h.startProcessing(c, doc.ID)
	c.JSON(http.StatusAccepted, gin.H{
		"message":     "Document processing started",
		"document_id": doc.ID,
		"status":      model.DocumentStatusProcessing,
	})
}

func (h *DocumentHandler) Archive(c *gin.Context) {
	user, ok := currentUser(c, h.store)
	if !ok {
		return
	}
	if _, ok := h.loadDocument(c, user); !ok {
		return
	}

	doc, err := h.store.UpdateDocument(c.Request.Context(), c.Param("id"), func(d *model.Document) error {
		return d.TransitionTo(model.DocumentStatusArchived, time.Now())
	})
	if err != nil {
		respondError(c, err, "Document not found")
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (h *DocumentHandler) Delete(c *gin.Context) {
	user, ok := currentUser(c, h.store)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	doc, err := h.store.GetDocument(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err, "Document not found")
		return
	}
	if !user.CanDelete(doc.UploadedBy) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
		return
	}
	if doc.Status == model.DocumentStatusProcessing {
		c.JSON(http.StatusConflict, gin.H{"error": "Document is being processed"})
		return
	}

	if err := h.store.DeleteDocument(ctx, doc.ID); err != nil {
		respondError(c, err, "Document not found")
		return
	}
	if err := h.files.DeleteFile(ctx, doc.FilePath); err != nil {
		logger.Warn(ctx, "failed to delete document file", "document_id", doc.ID, "error", err)
	}

	logger.Info(ctx, "document deleted", "document_id", doc.ID, "deal_id", doc.DealID)
	c.JSON(http.StatusOK, gin.H{"message": "Document deleted"})
}
