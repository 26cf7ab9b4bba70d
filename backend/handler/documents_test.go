package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/AnTengye/dealdesk/backend/model"
)

type uploadForm struct {
	fields      map[string]string
	filename    string
	contentType string
	content     []byte
}

func uploadRequest(t *testing.T, r http.Handler, token string, form uploadForm) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range form.fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if form.filename != "" {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, form.filename))
		if form.contentType != "" {
			h.Set("Content-Type", form.contentType)
		}
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatal(err)
		}
		part.Write(form.content)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestDocumentHandlerUpload(t *testing.T) {
	env := newTestEnv(t)
	alice, aliceToken := seedUser(t, env.store, "alice", model.RoleAnalyst)
	_, bobToken := seedUser(t, env.store, "bob", model.RoleAnalyst)
	deal := env.seedDeal(t, alice, model.DealStatusInProgress)

	fields := func(overrides ...string) map[string]string {
		f := map[string]string{"deal_id": deal.ID, "document_type": "financial_statement"}
		for i := 0; i+1 < len(overrides); i += 2 {
			f[overrides[i]] = overrides[i+1]
		}
		return f
	}

	tests := []struct {
		name                string
		token               string
		form                uploadForm
		expectedStatus      int
		expectedContentType string
		expectedPages       int
	}{
		{
			name:                "plain text",
			token:               aliceToken,
			form:                uploadForm{fields: fields(), filename: "q3.txt", contentType: "text/plain; charset=utf-8", content: []byte("Revenue of $5M")},
			expectedStatus:      http.StatusCreated,
			expectedContentType: "text/plain",
		},
		{
			name:                "markdown by extension",
			token:               aliceToken,
			form:                uploadForm{fields: fields(), filename: "memo.md", contentType: "application/octet-stream", content: []byte("# Memo")},
			expectedStatus:      http.StatusCreated,
			expectedContentType: "text/markdown",
		},
		{
			name:                "pdf gets page count",
			token:               aliceToken,
			form:                uploadForm{fields: fields(), filename: "cim.pdf", contentType: "application/pdf", content: []byte("%PDF-1.4")},
			expectedStatus:      http.StatusCreated,
			expectedContentType: "application/pdf",
			expectedPages:       3,
		},
		{
			name:           "no file",
			token:          aliceToken,
			form:           uploadForm{fields: fields()},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "empty file",
			token:          aliceToken,
			form:           uploadForm{fields: fields(), filename: "a.txt", contentType: "text/plain"},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "missing deal",
			token:          aliceToken,
			form:           uploadForm{fields: map[string]string{"document_type": "other"}, filename: "a.txt", contentType: "text/plain", content: []byte("x")},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "unknown deal",
			token:          aliceToken,
			form:           uploadForm{fields: fields("deal_id", "missing"), filename: "a.txt", contentType: "text/plain", content: []byte("x")},
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "bad document type",
			token:          aliceToken,
			form:           uploadForm{fields: fields("document_type", "spreadsheet"), filename: "a.txt", contentType: "text/plain", content: []byte("x")},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "bad process flag",
			token:          aliceToken,
			form:           uploadForm{fields: fields("process", "maybe"), filename: "a.txt", contentType: "text/plain", content: []byte("x")},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "unsupported type",
			token:          aliceToken,
			form:           uploadForm{fields: fields(), filename: "logo.png", contentType: "image/png", content: []byte("\x89PNG")},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "too large",
			token:          aliceToken,
			form:           uploadForm{fields: fields(), filename: "big.txt", contentType: "text/plain", content: bytes.Repeat([]byte("a"), 1<<20+1)},
			expectedStatus: http.StatusRequestEntityTooLarge,
		},
		{
			name:           "someone else's deal",
			token:          bobToken,
			form:           uploadForm{fields: fields(), filename: "a.txt", contentType: "text/plain", content: []byte("x")},
			expectedStatus: http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := uploadRequest(t, env.router, tt.token, tt.form)
			if w.Code != tt.expectedStatus {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.expectedStatus, w.Body.String())
			}
			if w.Code != http.StatusCreated {
				return
			}
			doc := decode[model.Document](t, w)
			if doc.ContentType != tt.expectedContentType {
				t.Errorf("content_type = %q, want %q", doc.ContentType, tt.expectedContentType)
			}
			if doc.PageCount != tt.expectedPages {
				t.Errorf("page_count = %d, want %d", doc.PageCount, tt.expectedPages)
			}
			if doc.Status != model.DocumentStatusUploaded || doc.UploadedBy != alice.ID || doc.DealID != deal.ID {
				t.Errorf("unexpected document %+v", doc)
			}
			want := "deals/" + deal.ID + "/documents/" + doc.ID + "/" + doc.Filename
			if doc.FilePath != want {
				t.Errorf("file_path = %q, want %q", doc.FilePath, want)
			}
			if !env.files.has(doc.FilePath) {
				t.Error("object was not stored")
			}
		})
	}
}

func TestDocumentHandlerUploadSanitizesFilename(t *testing.T) {
	env := newTestEnv(t)
	alice, token := seedUser(t, env.store, "alice", model.RoleAnalyst)
	deal := env.seedDeal(t, alice, model.DealStatusDraft)

	w := uploadRequest(t, env.router, token, uploadForm{
		fields:      map[string]string{"deal_id": deal.ID, "document_type": "other"},
		filename:    "q3:results?.txt",
		contentType: "text/plain",
		content:     []byte("x"),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	doc := decode[model.Document](t, w)
	if doc.Filename != "q3_results_.txt" {
		t.Errorf("filename = %q", doc.Filename)
	}
	if doc.OriginalFilename != "q3:results?.txt" {
		t.Errorf("original_filename = %q", doc.OriginalFilename)
	}
}

func TestDocumentHandlerUploadInvalidPDF(t *testing.T) {
	env := newTestEnv(t)
	alice, token := seedUser(t, env.store, "alice", model.RoleAnalyst)
	deal := env.seedDeal(t, alice, model.DealStatusDraft)
	env.pages.err = errors.New("not a pdf")

	w := uploadRequest(t, env.router, token, uploadForm{
		fields:      map[string]string{"deal_id": deal.ID, "document_type": "other"},
		filename:    "broken.pdf",
		contentType: "application/pdf",
		content:     []byte("garbage"),
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if env.files.count() != 0 {
		t.Error("invalid pdf should not be stored")
	}
}

func TestDocumentHandlerUploadLimitPerDeal(t *testing.T) {
	env := newTestEnv(t)
	alice, token := seedUser(t, env.store, "alice", model.RoleAnalyst)
	deal := env.seedDeal(t, alice, model.DealStatusDraft)
	for i := 0; i < 5; i++ {
		env.seedDocument(t, deal, alice, model.DocumentStatusUploaded)
	}

	w := uploadRequest(t, env.router, token, uploadForm{
		fields:      map[string]string{"deal_id": deal.ID, "document_type": "other"},
		filename:    "six.txt",
		contentType: "text/plain",
		content:     []byte("x"),
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestDocumentHandlerUploadStorageFailure(t *testing.T) {
	env := newTestEnv(t)
	alice, token := seedUser(t, env.store, "alice", model.RoleAnalyst)
	deal := env.seedDeal(t, alice, model.DealStatusDraft)
	env.files.uploadErr = errors.New("bucket unavailable")

	w := uploadRequest(t, env.router, token, uploadForm{
		fields:      map[string]string{"deal_id": deal.ID, "document_type": "other"},
		filename:    "a.txt",
		contentType: "text/plain",
		content:     []byte("x"),
	})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if n, _ := env.store.CountDocuments(context.Background(), deal.ID); n != 0 {
		t.Errorf("documents = %d, want 0", n)
	}
}

func TestDocumentHandlerUploadAndProcess(t *testing.T) {
	env := newTestEnv(t)
	alice, token := seedUser(t, env.store, "alice", model.RoleAnalyst)
	deal := env.seedDeal(t, alice, model.DealStatusDueDiligence)

	w := uploadRequest(t, env.router, token, uploadForm{
		fields:      map[string]string{"deal_id": deal.ID, "document_type": "financial_statement", "process": "true"},
		filename:    "fy.txt",
		contentType: "text/plain",
		content:     []byte("ignored by the fake extractor"),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	id := decode[model.Document](t, w).ID
	env.bg.Wait()

	doc, err := env.store.GetDocument(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Status != model.DocumentStatusProcessed {
		t.Errorf("status = %q, want processed", doc.Status)
	}
	if doc.ExtractedText == "" || doc.RiskScore == nil || doc.ProcessingScore == nil {
		t.Errorf("results not stored: %+v", doc)
	}
}

func TestDocumentHandlerListScoping(t *testing.T) {
	env := newTestEnv(t)
	alice, aliceToken := seedUser(t, env.store, "alice", model.RoleAnalyst)
	bob, bobToken := seedUser(t, env.store, "bob", model.RoleAnalyst)
	_, managerToken := seedUser(t, env.store, "mgr", model.RoleManager)

	aliceDeal := env.seedDeal(t, alice, model.DealStatusDraft)
	bobDeal := env.seedDeal(t, bob, model.DealStatusDraft)
	env.seedDocument(t, aliceDeal, alice, model.DocumentStatusUploaded)
	env.seedDocument(t, aliceDeal, alice, model.DocumentStatusProcessed)
	env.seedDocument(t, bobDeal, bob, model.DocumentStatusUploaded)

	type listResponse struct {
		Documents []model.Document `json:"documents"`
	}

	tests := []struct {
		name           string
		token          string
		query          string
		expectedStatus int
		expectedCount  int
	}{
		{name: "own uploads", token: aliceToken, expectedStatus: http.StatusOK, expectedCount: 2},
		{name: "own deal", token: aliceToken, query: "?deal_id=" + aliceDeal.ID, expectedStatus: http.StatusOK, expectedCount: 2},
		{name: "status filter", token: aliceToken, query: "?status=processed", expectedStatus: http.StatusOK, expectedCount: 1},
		{name: "other deal", token: bobToken, query: "?deal_id=" + aliceDeal.ID, expectedStatus: http.StatusForbidden},
		{name: "unknown deal", token: bobToken, query: "?deal_id=missing", expectedStatus: http.StatusNotFound},
		{name: "manager sees all", token: managerToken, expectedStatus: http.StatusOK, expectedCount: 3},
		{name: "bad type", token: managerToken, query: "?document_type=memo", expectedStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(env.router, http.MethodGet, "/api/v1/documents"+tt.query, tt.token, nil)
			if w.Code != tt.expectedStatus {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.expectedStatus, w.Body.String())
			}
			if w.Code != http.StatusOK {
				return
			}
			if got := len(decode[listResponse](t, w).Documents); got != tt.expectedCount {
				t.Errorf("got %d documents, want %d", got, tt.expectedCount)
			}
		})
	}
}

func TestDocumentHandlerGetAccess(t *testing.T) {
	env := newTestEnv(t)
	alice, _ := seedUser(t, env.store, "alice", model.RoleAnalyst)
	carol, carolToken := seedUser(t, env.store, "carol", model.RoleAnalyst)
	_, bobToken := seedUser(t, env.store, "bob", model.RoleAnalyst)
	deal := env.seedDeal(t, alice, model.DealStatusDraft)

	// carol uploaded into alice's deal and keeps access to her own upload
	doc := env.seedDocument(t, deal, carol, model.DocumentStatusUploaded)

	if w := doJSON(env.router, http.MethodGet, "/api/v1/documents/"+doc.ID, carolToken, nil); w.Code != http.StatusOK {
		t.Errorf("uploader = %d, want 200", w.Code)
	}
	if w := doJSON(env.router, http.MethodGet, "/api/v1/documents/"+doc.ID, bobToken, nil); w.Code != http.StatusForbidden {
		t.Errorf("stranger = %d, want 403", w.Code)
	}
	if w := doJSON(env.router, http.MethodGet, "/api/v1/documents/missing", bobToken, nil); w.Code != http.StatusNotFound {
		t.Errorf("missing = %d, want 404", w.Code)
	}
}

func TestDocumentHandlerProcess(t *testing.T) {
	env := newTestEnv(t)
	alice, token := seedUser(t, env.store, "alice", model.RoleAnalyst)
	deal := env.seedDeal(t, alice, model.DealStatusDraft)
	uploaded := env.seedDocument(t, deal, alice, model.DocumentStatusUploaded)
	processed := env.seedDocument(t, deal, alice, model.DocumentStatusProcessed)

	w := doJSON(env.router, http.MethodPost, "/api/v1/documents/"+uploaded.ID+"/process", token, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	env.bg.Wait()
	if doc, _ := env.store.GetDocument(context.Background(), uploaded.ID); doc.Status != model.DocumentStatusProcessed {
		t.Errorf("status = %q, want processed", doc.Status)
	}

	w = doJSON(env.router, http.MethodPost, "/api/v1/documents/"+processed.ID+"/process", token, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("reprocess processed = %d, want 409", w.Code)
	}
}

func TestDocumentHandlerProcessFailureIsRetryable(t *testing.T) {
	env := newTestEnv(t)
	alice, token := seedUser(t, env.store, "alice", model.RoleAnalyst)
	deal := env.seedDeal(t, alice, model.DealStatusDraft)
	doc := env.seedDocument(t, deal, alice, model.DocumentStatusUploaded)
	env.extractor.text[doc.ID] = "   "

	path := "/api/v1/documents/" + doc.ID + "/process"
	if w := doJSON(env.router, http.MethodPost, path, token, nil); w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	env.bg.Wait()
	failed, _ := env.store.GetDocument(context.Background(), doc.ID)
	if failed.Status != model.DocumentStatusFailed || failed.ProcessingErrors == "" {
		t.Fatalf("document = %q %q, want failed with errors", failed.Status, failed.ProcessingErrors)
	}

	env.extractor.text[doc.ID] = "Now there is text."
	if w := doJSON(env.router, http.MethodPost, path, token, nil); w.Code != http.StatusAccepted {
		t.Fatalf("retry status = %d", w.Code)
	}
	env.bg.Wait()
	if retried, _ := env.store.GetDocument(context.Background(), doc.ID); retried.Status != model.DocumentStatusProcessed {
		t.Errorf("retried status = %q", retried.Status)
	}
}

func TestDocumentHandlerArchive(t *testing.T) {
	env := newTestEnv(t)
	alice, token := seedUser(t, env.store, "alice", model.RoleAnalyst)
	deal := env.seedDeal(t, alice, model.DealStatusDraft)
	processed := env.seedDocument(t, deal, alice, model.DocumentStatusProcessed)
	uploaded := env.seedDocument(t, deal, alice, model.DocumentStatusUploaded)

	w := doJSON(env.router, http.MethodPost, "/api/v1/documents/"+processed.ID+"/archive", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if doc := decode[model.Document](t, w); doc.Status != model.DocumentStatusArchived {
		t.Errorf("status = %q", doc.Status)
	}

	w = doJSON(env.router, http.MethodPost, "/api/v1/documents/"+uploaded.ID+"/archive", token, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("archive uploaded = %d, want 409", w.Code)
	}
	if !strings.Contains(w.Body.String(), "invalid status transition") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestDocumentHandlerDelete(t *testing.T) {
	env := newTestEnv(t)
	alice, aliceToken := seedUser(t, env.store, "alice", model.RoleAnalyst)
	_, managerToken := seedUser(t, env.store, "mgr", model.RoleManager)
	deal := env.seedDeal(t, alice, model.DealStatusDraft)
	doc := env.seedDocument(t, deal, alice, model.DocumentStatusUploaded)
	busy := env.seedDocument(t, deal, alice, model.DocumentStatusProcessing)

	if w := doJSON(env.router, http.MethodDelete, "/api/v1/documents/"+doc.ID, managerToken, nil); w.Code != http.StatusForbidden {
		t.Errorf("manager delete = %d, want 403", w.Code)
	}
	if w := doJSON(env.router, http.MethodDelete, "/api/v1/documents/"+busy.ID, aliceToken, nil); w.Code != http.StatusConflict {
		t.Errorf("delete while processing = %d, want 409", w.Code)
	}
	if w := doJSON(env.router, http.MethodDelete, "/api/v1/documents/"+doc.ID, aliceToken, nil); w.Code != http.StatusOK {
		t.Fatalf("owner delete = %d", w.Code)
	}
	if env.files.has(doc.FilePath) {
		t.Error("object should be deleted")
	}
	if _, err := env.store.GetDocument(context.Background(), doc.ID); err == nil {
		t.Error("record should be deleted")
	}
}
