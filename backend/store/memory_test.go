package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/AnTengye/dealdesk/backend/model"
)

func newTestStore(maxDocuments int) *MemoryStore {
	s := NewMemoryStore(maxDocuments)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	s.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return s
}

func TestMemoryStoreUsers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(0)

	u := &model.User{ID: "u1", Email: "Jane@Example.com", Username: "jane", Role: model.RoleAnalyst}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if u.CreatedAt.IsZero() {
		t.Error("Expected CreatedAt to be set")
	}

	dupes := []*model.User{
		{ID: "u2", Email: "jane@example.com", Username: "other"},
		{ID: "u3", Email: "x@example.com", Username: "jane"},
	}
	for _, d := range dupes {
		if err := s.CreateUser(ctx, d); !errors.Is(err, ErrConflict) {
			t.Errorf("Expected ErrConflict for %s, got %v", d.ID, err)
		}
	}

	for _, login := range []string{"jane", "jane@example.com"} {
		got, err := s.GetUserByLogin(ctx, login)
		if err != nil || got.ID != "u1" {
			t.Errorf("GetUserByLogin(%q) = %v, %v", login, got, err)
		}
	}
	if _, err := s.GetUserByLogin(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	updated, err := s.UpdateUser(ctx, "u1", func(u *model.User) error {
		u.Status = model.UserStatusActive
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	if !updated.IsActive() {
		t.Error("Expected user to be active")
	}
}

func TestMemoryStoreDealCopies(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(0)

	d := &model.Deal{ID: "d1", Name: "Acme", Status: model.DealStatusDraft, DealTeam: []string{"a"}}
	if err := s.CreateDeal(ctx, d); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetDeal(ctx, "d1")
	got.Name = "mutated"
	got.DealTeam[0] = "mutated"

	again, _ := s.GetDeal(ctx, "d1")
	if again.Name != "Acme" || again.DealTeam[0] != "a" {
		t.Errorf("Store returned shared state: %+v", again)
	}
}

func TestMemoryStoreUpdateDealRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(0)
	_ = s.CreateDeal(ctx, &model.Deal{ID: "d1", Status: model.DealStatusCompleted})

	_, err := s.UpdateDeal(ctx, "d1", func(d *model.Deal) error {
		d.Name = "changed"
		return d.TransitionTo(model.DealStatusDraft, time.Now())
	})
	if !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("Expected ErrInvalidTransition, got %v", err)
	}

	d, _ := s.GetDeal(ctx, "d1")
	if d.Name != "" {
		t.Errorf("Expected no partial write, got name %q", d.Name)
	}

	if _, err := s.UpdateDeal(ctx, "missing", func(*model.Deal) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreListDeals(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(0)

	_ = s.CreateDeal(ctx, &model.Deal{ID: "1", CreatedBy: "u1", Status: model.DealStatusDraft, DealType: model.DealTypeMNA})
	_ = s.CreateDeal(ctx, &model.Deal{ID: "2", CreatedBy: "u1", Status: model.DealStatusInProgress, DealType: model.DealTypeIPO})
	_ = s.CreateDeal(ctx, &model.Deal{ID: "3", CreatedBy: "u2", Status: model.DealStatusDraft, DealType: model.DealTypeMNA, AIProcessingStatus: model.ProcessingRunning})

	tests := []struct {
		name   string
		filter DealFilter
		want   []string
	}{
		{"all newest first", DealFilter{}, []string{"3", "2", "1"}},
		{"by owner", DealFilter{CreatedBy: "u1"}, []string{"2", "1"}},
		{"by status", DealFilter{Status: model.DealStatusDraft}, []string{"3", "1"}},
		{"by type", DealFilter{DealType: model.DealTypeIPO}, []string{"2"}},
		{"by processing status", DealFilter{AIProcessingStatus: model.ProcessingRunning}, []string{"3"}},
		{"paged", DealFilter{Page: Page{Offset: 1, Limit: 1}}, []string{"2"}},
		{"offset past end", DealFilter{Page: Page{Offset: 10}}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deals, err := s.ListDeals(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(deals) != len(tt.want) {
				t.Fatalf("Expected %d deals, got %d", len(tt.want), len(deals))
			}
			for i, id := range tt.want {
				if deals[i].ID != id {
					t.Errorf("Position %d: expected %s, got %s", i, id, deals[i].ID)
				}
			}
		})
	}
}

func TestMemoryStoreDeleteDealCascades(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(0)

	_ = s.CreateDeal(ctx, &model.Deal{ID: "d1"})
	_ = s.CreateDeal(ctx, &model.Deal{ID: "d2"})
	_ = s.CreateDocument(ctx, &model.Document{ID: "a", DealID: "d1"})
	_ = s.CreateDocument(ctx, &model.Document{ID: "b", DealID: "d2"})

	if err := s.DeleteDeal(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetDocument(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected document of deleted deal to be gone, got %v", err)
	}
	if n, _ := s.CountDocuments(ctx, "d2"); n != 1 {
		t.Errorf("Expected other deal's document to remain, got %d", n)
	}
	if err := s.DeleteDeal(ctx, "d1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}
}

func TestMemoryStoreUpdateDocument(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(0)
	_ = s.CreateDocument(ctx, &model.Document{ID: "doc", DealID: "d1", Status: model.DocumentStatusUploaded})

	doc, err := s.UpdateDocument(ctx, "doc", func(d *model.Document) error {
		if err := d.TransitionTo(model.DocumentStatusProcessing, time.Now()); err != nil {
			return err
		}
		d.RiskFlags = append(d.RiskFlags, model.RiskFlag{Type: "keyword_detection", Severity: model.SeverityMedium})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if doc.Status != model.DocumentStatusProcessing || len(doc.RiskFlags) != 1 {
		t.Errorf("Unexpected document after update: %+v", doc)
	}

	doc.RiskFlags[0].Severity = model.SeverityHigh
	stored, _ := s.GetDocument(ctx, "doc")
	if stored.RiskFlags[0].Severity != model.SeverityMedium {
		t.Error("Expected stored flags to be isolated from returned copy")
	}
}

func TestMemoryStoreListDocuments(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(0)

	_ = s.CreateDocument(ctx, &model.Document{ID: "1", DealID: "d1", UploadedBy: "u1", DocumentType: model.DocumentTypeContract, Status: model.DocumentStatusUploaded})
	_ = s.CreateDocument(ctx, &model.Document{ID: "2", DealID: "d1", UploadedBy: "u2", DocumentType: model.DocumentTypeFinancialStatement, Status: model.DocumentStatusProcessed})
	_ = s.CreateDocument(ctx, &model.Document{ID: "3", DealID: "d2", UploadedBy: "u1", DocumentType: model.DocumentTypeContract, Status: model.DocumentStatusProcessed})

	tests := []struct {
		name   string
		filter DocumentFilter
		want   int
	}{
		{"all", DocumentFilter{}, 3},
		{"by deal", DocumentFilter{DealID: "d1"}, 2},
		{"by type", DocumentFilter{DocumentType: model.DocumentTypeContract}, 2},
		{"by status", DocumentFilter{Status: model.DocumentStatusProcessed}, 2},
		{"by uploader and deal", DocumentFilter{DealID: "d1", UploadedBy: "u1"}, 1},
		{"limit", DocumentFilter{Page: Page{Limit: 2}}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, err := s.ListDocuments(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(docs) != tt.want {
				t.Errorf("Expected %d documents, got %d", tt.want, len(docs))
			}
		})
	}
}

func TestMemoryStoreEviction(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(3)

	for i := 1; i <= 5; i++ {
		_ = s.CreateDocument(ctx, &model.Document{ID: fmt.Sprintf("doc-%d", i), DealID: "d1"})
	}

	if n, _ := s.CountDocuments(ctx, "d1"); n != 3 {
		t.Fatalf("Expected 3 documents after eviction, got %d", n)
	}
	for _, id := range []string{"doc-1", "doc-2"} {
		if _, err := s.GetDocument(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected %s evicted", id)
		}
	}
	for _, id := range []string{"doc-3", "doc-4", "doc-5"} {
		if _, err := s.GetDocument(ctx, id); err != nil {
			t.Errorf("Expected %s kept, got %v", id, err)
		}
	}
}

func TestMemoryStoreUnlimited(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(0)

	for i := 0; i < 50; i++ {
		_ = s.CreateDocument(ctx, &model.Document{ID: fmt.Sprintf("doc-%d", i), DealID: "d1"})
	}
	if n, _ := s.CountDocuments(ctx, "d1"); n != 50 {
		t.Errorf("Expected 50 documents, got %d", n)
	}
}

func TestMemoryStoreConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(0)
	_ = s.CreateDocument(ctx, &model.Document{ID: "doc"})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.UpdateDocument(ctx, "doc", func(d *model.Document) error {
				d.FileSize++
				return nil
			})
		}()
	}
	wg.Wait()

	doc, _ := s.GetDocument(ctx, "doc")
	if doc.FileSize != 20 {
		t.Errorf("Expected 20 serialized updates, got %d", doc.FileSize)
	}
}

func TestMemoryStoreAddDocumentCap(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(0)

	const uploads, limit = 20, 5
	var wg sync.WaitGroup
	errs := make([]error, uploads)
	for i := 0; i < uploads; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.AddDocument(ctx, &model.Document{ID: fmt.Sprintf("doc-%d", i), DealID: "d1"}, limit)
		}(i)
	}
	wg.Wait()

	added, rejected := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			added++
		case errors.Is(err, ErrLimitReached):
			rejected++
		default:
			t.Errorf("Unexpected error: %v", err)
		}
	}
	if added != limit || rejected != uploads-limit {
		t.Errorf("Expected %d added and %d rejected, got %d and %d", limit, uploads-limit, added, rejected)
	}
	if n, _ := s.CountDocuments(ctx, "d1"); n != limit {
		t.Errorf("Expected %d documents stored, got %d", limit, n)
	}

	if err := s.AddDocument(ctx, &model.Document{ID: "other", DealID: "d2"}, limit); err != nil {
		t.Errorf("Expected other deals unaffected, got %v", err)
	}
	if err := s.AddDocument(ctx, &model.Document{ID: "uncapped", DealID: "d1"}, 0); err != nil {
		t.Errorf("Expected no cap with limit 0, got %v", err)
	}
}
