package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/AnTengye/dealdesk/backend/model"
	"github.com/AnTengye/dealdesk/backend/pkg/logger"
	readability "github.com/go-shiori/go-readability"
)

var ErrNoOCR = errors.New("no OCR backend configured")

// ObjectStorage is the part of MinioService the extractor needs
type ObjectStorage interface {
	GetObject(ctx context.Context, objectName string) ([]byte, error)
	GetPresignedURL(ctx context.Context, objectName string) (string, error)
}

// OCR turns a fetchable file into text
type OCR interface {
	ExtractText(ctx context.Context, fileURL, dataID string) (string, error)
}

// ExtractionService reads a document's text. Text formats are decoded
// directly, HTML goes through readability, everything else through OCR.
type ExtractionService struct {
	storage ObjectStorage
	ocr     OCR
}

// NewExtractionService builds an extractor. ocr may be nil, in which case
// binary formats fail extraction.
func NewExtractionService(storage ObjectStorage, ocr OCR) *ExtractionService {
	return &ExtractionService{storage: storage, ocr: ocr}
}

func (e *ExtractionService) ExtractText(ctx context.Context, doc *model.Document) (string, error) {
	switch mediaType(doc.ContentType) {
	case "text/plain", "text/markdown", "text/csv":
		data, err := e.storage.GetObject(ctx, doc.FilePath)
		if err != nil {
			return "", err
		}
		return strings.ToValidUTF8(string(data), ""), nil

	case "text/html":
		data, err := e.storage.GetObject(ctx, doc.FilePath)
		if err != nil {
			return "", err
		}
		return htmlText(data, doc.OriginalFilename)
	}

	if e.ocr == nil {
		return "", fmt.Errorf("%w for %s", ErrNoOCR, doc.ContentType)
	}
	fileURL, err := e.storage.GetPresignedURL(ctx, doc.FilePath)
	if err != nil {
		return "", err
	}
	logger.Debug(ctx, "sending document to OCR", "document_id", doc.ID, "content_type", doc.ContentType)
	return e.ocr.ExtractText(ctx, fileURL, doc.ID)
}

func htmlText(data []byte, name string) (string, error) {
	pageURL := &url.URL{Scheme: "file", Path: "/" + name}
	article, err := readability.FromReader(bytes.NewReader(data), pageURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}
	return strings.TrimSpace(article.TextContent), nil
}

// mediaType drops parameters such as charset
func mediaType(contentType string) string {
	mt, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}
