package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/AnTengye/dealdesk/backend/model"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// GormStore persists to a relational database through gorm
type GormStore struct {
	db *gorm.DB
}

// OpenPostgres connects to postgres and migrates the schema
func OpenPostgres(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewGormStore(db)
}

// NewGormStore wraps an open connection and migrates the schema
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&model.User{}, &model.Deal{}, &model.Document{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrConflict
	}
	return err
}

func paged(q *gorm.DB, page Page) *gorm.DB {
	if page.Offset > 0 {
		q = q.Offset(page.Offset)
	}
	if page.Limit > 0 {
		q = q.Limit(page.Limit)
	}
	return q.Order("created_at DESC").Order("id")
}

// lockedUpdate loads the row under FOR UPDATE, applies fn and saves it in one transaction
func lockedUpdate[T any](ctx context.Context, db *gorm.DB, id string, fn func(*T) error) (*T, error) {
	var row T
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error; err != nil {
			return err
		}
		if err := fn(&row); err != nil {
			return err
		}
		return tx.Save(&row).Error
	})
	if err != nil {
		return nil, translate(err)
	}
	return &row, nil
}

// Users

func (s *GormStore) CreateUser(ctx context.Context, u *model.User) error {
	return translate(s.db.WithContext(ctx).Create(u).Error)
}

func (s *GormStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

func (s *GormStore) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	var u model.User
	err := s.db.WithContext(ctx).
		Where("username = ? OR LOWER(email) = LOWER(?)", login, login).
		First(&u).Error
	if err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

func (s *GormStore) ListUsers(ctx context.Context, page Page) ([]*model.User, error) {
	users := []*model.User{}
	if err := paged(s.db.WithContext(ctx), page).Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func (s *GormStore) UpdateUser(ctx context.Context, id string, fn func(*model.User) error) (*model.User, error) {
	return lockedUpdate(ctx, s.db, id, fn)
}

// Deals

func (s *GormStore) CreateDeal(ctx context.Context, d *model.Deal) error {
	return translate(s.db.WithContext(ctx).Create(d).Error)
}

func (s *GormStore) GetDeal(ctx context.Context, id string) (*model.Deal, error) {
	var d model.Deal
	if err := s.db.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &d, nil
}

func (s *GormStore) ListDeals(ctx context.Context, f DealFilter) ([]*model.Deal, error) {
	q := s.db.WithContext(ctx).Model(&model.Deal{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.DealType != "" {
		q = q.Where("deal_type = ?", f.DealType)
	}
	if f.CreatedBy != "" {
		q = q.Where("created_by = ?", f.CreatedBy)
	}
	if f.AIProcessingStatus != "" {
		q = q.Where("ai_processing_status = ?", f.AIProcessingStatus)
	}
	deals := []*model.Deal{}
	if err := paged(q, f.Page).Find(&deals).Error; err != nil {
		return nil, err
	}
	return deals, nil
}

func (s *GormStore) UpdateDeal(ctx context.Context, id string, fn func(*model.Deal) error) (*model.Deal, error) {
	return lockedUpdate(ctx, s.db, id, fn)
}

func (s *GormStore) DeleteDeal(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("deal_id = ?", id).Delete(&model.Document{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&model.Deal{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Documents

func (s *GormStore) CreateDocument(ctx context.Context, d *model.Document) error {
	return translate(s.db.WithContext(ctx).Create(d).Error)
}

// AddDocument holds the parent deal row under FOR UPDATE while counting, so
// concurrent uploads to one deal cannot pass the cap together.
func (s *GormStore) AddDocument(ctx context.Context, d *model.Document, maxPerDeal int) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if maxPerDeal > 0 {
			var deal model.Deal
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Select("id").First(&deal, "id = ?", d.DealID).Error; err != nil {
				return err
			}
			var n int64
			if err := tx.Model(&model.Document{}).Where("deal_id = ?", d.DealID).Count(&n).Error; err != nil {
				return err
			}
			if int(n) >= maxPerDeal {
				return ErrLimitReached
			}
		}
		return tx.Create(d).Error
	})
	return translate(err)
}

func (s *GormStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	var d model.Document
	if err := s.db.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &d, nil
}

func (s *GormStore) ListDocuments(ctx context.Context, f DocumentFilter) ([]*model.Document, error) {
	q := s.db.WithContext(ctx).Model(&model.Document{})
	if f.DealID != "" {
		q = q.Where("deal_id = ?", f.DealID)
	}
	if f.DocumentType != "" {
		q = q.Where("document_type = ?", f.DocumentType)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.UploadedBy != "" {
		q = q.Where("uploaded_by = ?", f.UploadedBy)
	}
	docs := []*model.Document{}
	if err := paged(q, f.Page).Find(&docs).Error; err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *GormStore) CountDocuments(ctx context.Context, dealID string) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.Document{}).Where("deal_id = ?", dealID).Count(&n).Error
	return int(n), err
}

func (s *GormStore) UpdateDocument(ctx context.Context, id string, fn func(*model.Document) error) (*model.Document, error) {
	return lockedUpdate(ctx, s.db, id, fn)
}

func (s *GormStore) DeleteDocument(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&model.Document{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

var (
	_ Store = (*GormStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
