package store

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AnTengye/dealdesk/backend/model"
)

// MemoryStore keeps everything in process memory. Documents are capped at
// maxDocuments; the oldest are evicted first.
type MemoryStore struct {
	mu           sync.RWMutex
	users        map[string]*model.User
	deals        map[string]*model.Deal
	documents    map[string]*model.Document
	maxDocuments int // 0 = unlimited
	now          func() time.Time
}

// NewMemoryStore returns an empty store
func NewMemoryStore(maxDocuments int) *MemoryStore {
	if maxDocuments < 0 {
		maxDocuments = 0
	}
	slog.Info("memory store initialized", "max_documents", maxDocuments)
	return &MemoryStore{
		users:        make(map[string]*model.User),
		deals:        make(map[string]*model.Deal),
		documents:    make(map[string]*model.Document),
		maxDocuments: maxDocuments,
		now:          time.Now,
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) touch(created *time.Time, updated *time.Time) {
	now := s.now()
	if created != nil && created.IsZero() {
		*created = now
	}
	*updated = now
}

// Users

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return ErrConflict
	}
	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, u.Email) || existing.Username == u.Username {
			return ErrConflict
		}
	}
	s.touch(&u.CreatedAt, &u.UpdatedAt)
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetUserByLogin(_ context.Context, login string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Username == login || strings.EqualFold(u.Email, login) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListUsers(_ context.Context, page Page) ([]*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*model.User, 0, len(s.users))
	for _, u := range s.users {
		cp := *u
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return newerFirst(result[i].CreatedAt, result[j].CreatedAt, result[i].ID, result[j].ID)
	})
	return paginate(result, page), nil
}

func (s *MemoryStore) UpdateUser(_ context.Context, id string, fn func(*model.User) error) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	if err := fn(&cp); err != nil {
		return nil, err
	}
	cp.ID = id
	s.touch(nil, &cp.UpdatedAt)
	s.users[id] = &cp
	out := cp
	return &out, nil
}

// Deals

func cloneDeal(d *model.Deal) *model.Deal {
	cp := *d
	if d.DealTeam != nil {
		cp.DealTeam = append(cp.DealTeam[:0:0], d.DealTeam...)
	}
	return &cp
}

func (s *MemoryStore) CreateDeal(_ context.Context, d *model.Deal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deals[d.ID]; ok {
		return ErrConflict
	}
	s.touch(&d.CreatedAt, &d.UpdatedAt)
	s.deals[d.ID] = cloneDeal(d)
	return nil
}

func (s *MemoryStore) GetDeal(_ context.Context, id string) (*model.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDeal(d), nil
}

func (s *MemoryStore) ListDeals(_ context.Context, f DealFilter) ([]*model.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.Deal
	for _, d := range s.deals {
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.DealType != "" && d.DealType != f.DealType {
			continue
		}
		if f.CreatedBy != "" && d.CreatedBy != f.CreatedBy {
			continue
		}
		if f.AIProcessingStatus != "" && d.AIProcessingStatus != f.AIProcessingStatus {
			continue
		}
		result = append(result, cloneDeal(d))
	}
	sort.Slice(result, func(i, j int) bool {
		return newerFirst(result[i].CreatedAt, result[j].CreatedAt, result[i].ID, result[j].ID)
	})
	return paginate(result, f.Page), nil
}

func (s *MemoryStore) UpdateDeal(_ context.Context, id string, fn func(*model.Deal) error) (*model.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := cloneDeal(d)
	if err := fn(cp); err != nil {
		return nil, err
	}
	cp.ID = id
	s.touch(nil, &cp.UpdatedAt)
	s.deals[id] = cp
	return cloneDeal(cp), nil
}

func (s *MemoryStore) DeleteDeal(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deals[id]; !ok {
		return ErrNotFound
	}
	for docID, doc := range s.documents {
		if doc.DealID == id {
			delete(s.documents, docID)
		}
	}
	delete(s.deals, id)
	return nil
}

// Documents

func cloneDocument(d *model.Document) *model.Document {
	cp := *d
	if d.RiskFlags != nil {
		cp.RiskFlags = append(cp.RiskFlags[:0:0], d.RiskFlags...)
	}
	if d.FinancialMetrics != nil {
		cp.FinancialMetrics = append(cp.FinancialMetrics[:0:0], d.FinancialMetrics...)
	}
	return &cp
}

func (s *MemoryStore) CreateDocument(_ context.Context, d *model.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertDocument(d)
}

func (s *MemoryStore) AddDocument(_ context.Context, d *model.Document, maxPerDeal int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if maxPerDeal > 0 && s.countDocuments(d.DealID) >= maxPerDeal {
		return ErrLimitReached
	}
	return s.insertDocument(d)
}

// insertDocument must be called with lock held
func (s *MemoryStore) insertDocument(d *model.Document) error {
	if _, ok := s.documents[d.ID]; ok {
		return ErrConflict
	}
	s.touch(&d.CreatedAt, &d.UpdatedAt)
	s.documents[d.ID] = cloneDocument(d)

	s.cleanupIfNeeded()
	return nil
}

func (s *MemoryStore) GetDocument(_ context.Context, id string) (*model.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.documents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDocument(d), nil
}

func (s *MemoryStore) ListDocuments(_ context.Context, f DocumentFilter) ([]*model.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.Document
	for _, d := range s.documents {
		if f.DealID != "" && d.DealID != f.DealID {
			continue
		}
		if f.DocumentType != "" && d.DocumentType != f.DocumentType {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.UploadedBy != "" && d.UploadedBy != f.UploadedBy {
			continue
		}
		result = append(result, cloneDocument(d))
	}
	sort.Slice(result, func(i, j int) bool {
		return newerFirst(result[i].CreatedAt, result[j].CreatedAt, result[i].ID, result[j].ID)
	})
	return paginate(result, f.Page), nil
}

func (s *MemoryStore) CountDocuments(_ context.Context, dealID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countDocuments(dealID), nil
}

func (s *MemoryStore) countDocuments(dealID string) int {
	n := 0
	for _, d := range s.documents {
		if d.DealID == dealID {
			n++
		}
	}
	return n
}

func (s *MemoryStore) UpdateDocument(_ context.Context, id string, fn func(*model.Document) error) (*model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.documents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := cloneDocument(d)
	if err := fn(cp); err != nil {
		return nil, err
	}
	cp.ID = id
	s.touch(nil, &cp.UpdatedAt)
	s.documents[id] = cp
	return cloneDocument(cp), nil
}

func (s *MemoryStore) DeleteDocument(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.documents[id]; !ok {
		return ErrNotFound
	}
	delete(s.documents, id)
	return nil
}

// cleanupIfNeeded removes the oldest documents once the cap is exceeded.
// Must be called with lock held.
func (s *MemoryStore) cleanupIfNeeded() {
	if s.maxDocuments <= 0 || len(s.documents) <= s.maxDocuments {
		return
	}

	docs := make([]*model.Document, 0, len(s.documents))
	for _, d := range s.documents {
		docs = append(docs, d)
	}
	sort.Slice(docs, func(i, j int) bool {
		return docs[i].CreatedAt.Before(docs[j].CreatedAt)
	})

	removeCount := len(docs) - s.maxDocuments
	for i := 0; i < removeCount; i++ {
		slog.Info("evicting old document",
			"document_id", docs[i].ID,
			"deal_id", docs[i].DealID,
			"created_at", docs[i].CreatedAt,
		)
		delete(s.documents, docs[i].ID)
	}
}

func newerFirst(a, b time.Time, idA, idB string) bool {
	if a.Equal(b) {
		return idA < idB
	}
	return a.After(b)
}

func paginate[T any](items []T, page Page) []T {
	if page.Offset > 0 {
		if page.Offset >= len(items) {
			return []T{}
		}
		items = items[page.Offset:]
	}
	if page.Limit > 0 && page.Limit < len(items) {
		items = items[:page.Limit]
	}
	if items == nil {
		return []T{}
	}
	return items
}
