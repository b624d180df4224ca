package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"printer-timelapse-backend/internal/model"
)

// Store defines the interface for all database operations.
type Store interface {
	SaveBatch(ctx context.Context, batch *model.TransferBatch) error
	ListBatches(ctx context.Context, limit int) ([]model.TransferBatch, error)
	GetBatch(ctx context.Context, id string) (*model.TransferBatch, error)
	LatestBatch(ctx context.Context) (*model.TransferBatch, error)

	UpsertSubscription(ctx context.Context, sub *model.PushSubscription) error
	GetSubscription(ctx context.Context, endpoint string) (*model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
	ListSubscriptions(ctx context.Context) ([]model.PushSubscription, error)

	DB() *gorm.DB
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) DB() *gorm.DB {
	return s.db
}

// SaveBatch writes a batch and its file rows in one transaction.
func (s *gormStore) SaveBatch(ctx context.Context, batch *model.TransferBatch) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(batch).Error; err != nil {
			return fmt.Errorf("failed to create batch %s: %w", batch.ID, err)
		}
		if len(batch.Files) == 0 {
			return nil
		}
		for i := range batch.Files {
			batch.Files[i].BatchID = batch.ID
		}
		if err := tx.Create(&batch.Files).Error; err != nil {
			return fmt.Errorf("failed to create file rows for batch %s: %w", batch.ID, err)
		}
		return nil
	})
}

// ListBatches returns the most recent batches first, without file rows.
func (s *gormStore) ListBatches(ctx context.Context, limit int) ([]model.TransferBatch, error) {
	var batches []model.TransferBatch
	if err := s.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&batches).Error; err != nil {
		return nil, err
	}
	return batches, nil
}

// GetBatch loads one batch with its files. A missing batch returns
// gorm.ErrRecordNotFound.
func (s *gormStore) GetBatch(ctx context.Context, id string) (*model.TransferBatch, error) {
	var batch model.TransferBatch
	if err := s.db.WithContext(ctx).
		Preload("Files", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		First(&batch, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &batch, nil
}

// LatestBatch returns the most recent batch, or gorm.ErrRecordNotFound.
func (s *gormStore) LatestBatch(ctx context.Context) (*model.TransferBatch, error) {
	var batch model.TransferBatch
	if err := s.db.WithContext(ctx).
		Order("started_at DESC").
		First(&batch).Error; err != nil {
		return nil, err
	}
	return &batch, nil
}

// UpsertSubscription creates a subscription or refreshes its keys.
func (s *gormStore) UpsertSubscription(ctx context.Context, sub *model.PushSubscription) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth"}),
	}).Create(sub).Error
}

func (s *gormStore) GetSubscription(ctx context.Context, endpoint string) (*model.PushSubscription, error) {
	var sub model.PushSubscription
	if err := s.db.WithContext(ctx).First(&sub, "endpoint = ?", endpoint).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *gormStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	return s.db.WithContext(ctx).Delete(&model.PushSubscription{Endpoint: endpoint}).Error
}

func (s *gormStore) ListSubscriptions(ctx context.Context) ([]model.PushSubscription, error) {
	var subs []model.PushSubscription
	if err := s.db.WithContext(ctx).Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}
