package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/AnTengye/dealdesk/backend/config"
	"github.com/AnTengye/dealdesk/backend/middleware"
	"github.com/AnTengye/dealdesk/backend/model"
	"github.com/AnTengye/dealdesk/backend/pipeline"
	"github.com/AnTengye/dealdesk/backend/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testPassword = "Sup3r$ecret"

var testAuth = &config.AuthConfig{JWTSecret: "test-secret", TokenExpireHours: 1}

// fakeFiles is an in-memory FileStore
type fakeFiles struct {
	mu        sync.Mutex
	objects   map[string][]byte
	uploadErr error
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{objects: map[string][]byte{}}
}

func (f *fakeFiles) UploadFile(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeFiles) DeleteFile(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeFiles) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

func (f *fakeFiles) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

type fakePages struct {
	pages int
	err   error
}

func (f *fakePages) PageCount([]byte) (int, error) {
	return f.pages, f.err
}

// textExtractor returns canned text per document id, or a default
type textExtractor struct {
	text map[string]string
	def  string
}

func (e *textExtractor) ExtractText(_ context.Context, doc *model.Document) (string, error) {
	if t, ok := e.text[doc.ID]; ok {
		return t, nil
	}
	if e.def == "" {
		return "", errors.New("nothing to extract")
	}
	return e.def, nil
}

type testEnv struct {
	store     *store.MemoryStore
	files     *fakeFiles
	extractor *textExtractor
	pages     *fakePages
	processor *pipeline.Processor
	bg        *Background
	router    *gin.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:     store.NewMemoryStore(0),
		files:     newFakeFiles(),
		extractor: &textExtractor{text: map[string]string{}, def: "Revenue grew steadily and the outlook is stable."},
		pages:     &fakePages{pages: 3},
		bg:        &Background{},
	}
	env.processor = pipeline.NewProcessor(env.store, env.extractor, nil, nil, pipeline.Config{
		Compliance: config.DefaultCompliance,
	})

	upload := &config.UploadConfig{MaxFileSizeMB: 1, AllowedTypes: config.DefaultAllowedTypes}
	deals := NewDealHandler(env.store, env.files, env.processor, env.bg)
	docs := NewDocumentHandler(env.store, env.files, env.pages, env.processor, env.bg, upload, 5)
	dd := NewDueDiligenceHandler(env.store, env.processor)
	analytics := NewAnalyticsHandler(env.store)
	users := NewUserHandler(env.store)

	r := gin.New()
	api := r.Group("/api/v1", middleware.AuthMiddleware(testAuth))
	api.GET("/users", middleware.RequireRole(model.RoleAdmin, model.RoleManager), users.List)
	api.GET("/users/:id", users.Get)

	api.POST("/deals", deals.Create)
	api.GET("/deals", deals.List)
	api.GET("/deals/:id", deals.Get)
	api.PUT("/deals/:id", deals.Update)
	api.DELETE("/deals/:id", deals.Delete)
	api.POST("/deals/:id/start-processing", deals.StartProcessing)
	api.GET("/deals/:id/status", deals.Status)

	api.POST("/documents/upload", docs.Upload)
	api.GET("/documents", docs.List)
	api.GET("/documents/:id", docs.Get)
	api.POST("/documents/:id/process", docs.Process)
	api.POST("/documents/:id/archive", docs.Archive)
	api.DELETE("/documents/:id", docs.Delete)

	api.POST("/due-diligence/analyze", dd.Analyze)
	api.GET("/due-diligence/reports/:deal_id", dd.Report)
	api.GET("/due-diligence/risk-assessment/:deal_id", dd.RiskAssessment)

	api.GET("/analytics/dashboard", analytics.Dashboard)
	api.GET("/analytics/pipeline", analytics.Pipeline)

	env.router = r
	t.Cleanup(env.bg.Wait)
	return env
}

// seedUser stores an active user with testPassword and returns it with a token
func seedUser(t *testing.T, st store.UserStore, username string, role model.UserRole) (*model.User, string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	u := &model.User{
		ID:           uuid.New().String(),
		Email:        username + "@example.com",
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		Status:       model.UserStatusActive,
	}
	if err := st.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	token, _, err := middleware.GenerateToken(u, testAuth)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return u, token
}

func (env *testEnv) seedDeal(t *testing.T, owner *model.User, status model.DealStatus) *model.Deal {
	t.Helper()
	d := &model.Deal{
		ID:                 uuid.New().String(),
		Name:               "Project " + owner.Username,
		DealType:           model.DealTypeMNA,
		Status:             status,
		DealCurrency:       "USD",
		CreatedBy:          owner.ID,
		AIProcessingStatus: model.ProcessingPending,
	}
	if err := env.store.CreateDeal(context.Background(), d); err != nil {
		t.Fatalf("CreateDeal: %v", err)
	}
	return d
}

func (env *testEnv) seedDocument(t *testing.T, deal *model.Deal, uploader *model.User, status model.DocumentStatus) *model.Document {
	t.Helper()
	id := uuid.New().String()
	d := &model.Document{
		ID:               id,
		Filename:         "report.txt",
		OriginalFilename: "report.txt",
		FilePath:         "deals/" + deal.ID + "/documents/" + id + "/report.txt",
		FileSize:         42,
		ContentType:      "text/plain",
		DocumentType:     model.DocumentTypeFinancialStatement,
		Status:           status,
		DealID:           deal.ID,
		UploadedBy:       uploader.ID,
	}
	if err := env.store.CreateDocument(context.Background(), d); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	env.files.objects[d.FilePath] = []byte("data")
	return d
}

// doJSON sends body as JSON with the bearer token and records the response
func doJSON(r http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		buf = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}
