package store

import (
	"context"
	"errors"

	"github.com/AnTengye/dealdesk/backend/model"
)

var (
	// ErrNotFound is returned when the requested record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a unique field is already taken
	ErrConflict = errors.New("record already exists")
	// ErrLimitReached is returned when a deal already holds its maximum number of documents
	ErrLimitReached = errors.New("document limit reached")
)

// Page bounds a list query. Limit 0 means no limit.
type Page struct {
	Offset int
	Limit  int
}

// DealFilter narrows ListDeals. Zero values match everything.
type DealFilter struct {
	Status    model.DealStatus
	DealType  model.DealType
	CreatedBy string
	// AIProcessingStatus matches the pipeline state, e.g. model.ProcessingRunning
	AIProcessingStatus string
	Page
}

// DocumentFilter narrows ListDocuments. Zero values match everything.
type DocumentFilter struct {
	DealID       string
	DocumentType model.DocumentType
	Status       model.DocumentStatus
	UploadedBy   string
	Page
}

// UserStore persists users
type UserStore interface {
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	// GetUserByLogin looks a user up by email or username
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	ListUsers(ctx context.Context, page Page) ([]*model.User, error)
	UpdateUser(ctx context.Context, id string, fn func(*model.User) error) (*model.User, error)
}

// DealStore persists deals
type DealStore interface {
	CreateDeal(ctx context.Context, d *model.Deal) error
	GetDeal(ctx context.Context, id string) (*model.Deal, error)
	ListDeals(ctx context.Context, f DealFilter) ([]*model.Deal, error)
	// UpdateDeal applies fn to the current row and saves it atomically.
	// If fn returns an error nothing is written.
	UpdateDeal(ctx context.Context, id string, fn func(*model.Deal) error) (*model.Deal, error)
	// DeleteDeal removes the deal together with its documents
	DeleteDeal(ctx context.Context, id string) error
}

// DocumentStore persists documents
type DocumentStore interface {
	CreateDocument(ctx context.Context, d *model.Document) error
	// AddDocument creates d unless its deal already holds maxPerDeal
	// documents, checking and inserting atomically. maxPerDeal <= 0 means no cap.
	AddDocument(ctx context.Context, d *model.Document, maxPerDeal int) error
	GetDocument(ctx context.Context, id string) (*model.Document, error)
	ListDocuments(ctx context.Context, f DocumentFilter) ([]*model.Document, error)
	CountDocuments(ctx context.Context, dealID string) (int, error)
	// UpdateDocument applies fn to the current row and saves it atomically.
	// If fn returns an error nothing is written.
	UpdateDocument(ctx context.Context, id string, fn func(*model.Document) error) (*model.Document, error)
	DeleteDocument(ctx context.Context, id string) error
}

// Store is the full persistence surface used by the server
type Store interface {
	UserStore
	DealStore
	DocumentStore
	Close() error
}
