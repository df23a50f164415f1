package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ledgerflow/internal/models"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormRecordStore is the RecordMutator behind data actions.
type GormRecordStore struct {
	db *gorm.DB
}

func NewGormRecordStore(db *gorm.DB) *GormRecordStore {
	return &GormRecordStore{db: db}
}

// AutoMigrate 创建 automation_records 表及复合索引
func (s *GormRecordStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&models.AutomationRecord{}); err != nil {
		return fmt.Errorf("migrate automation_records: %w", err)
	}
	// 按实体列出记录时使用
	if err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_automation_records_entity_created ON automation_records(entity, created_at)").Error; err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	return nil
}

func (s *GormRecordStore) CreateRecord(ctx context.Context, entity string, fields map[string]interface{}) (string, error) {
	payload, err := encodePayload(fields)
	if err != nil {
		return "", err
	}
	now := time.Now()
	rec := &models.AutomationRecord{
		ID:        uuid.NewString(),
		Entity:    entity,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ruleID, ok := ctx.Value(ruleIDKey{}).(string); ok {
		rec.RuleID = ruleID
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return "", fmt.Errorf("create %s record: %w", entity, err)
	}
	return rec.ID, nil
}

// UpdateRecord merges fields into the stored payload. The row is read under
// FOR UPDATE so concurrent merges into the same record serialize.
func (s *GormRecordStore) UpdateRecord(ctx context.Context, entity, id string, fields map[string]interface{}) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec models.AutomationRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND entity = ?", id, entity).
			First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &NotFoundError{Kind: entity + " record", ID: id}
		}
		if err != nil {
			return err
		}

		current := map[string]interface{}{}
		if len(rec.Payload) > 0 {
			if err := json.Unmarshal(rec.Payload, &current); err != nil {
				return fmt.Errorf("decode %s record %s: %w", entity, id, err)
			}
		}
		for k, v := range fields {
			current[k] = v
		}
		payload, err := encodePayload(current)
		if err != nil {
			return err
		}

		return tx.Model(&models.AutomationRecord{}).
			Where("id = ? AND entity = ?", id, entity).
			Updates(map[string]interface{}{"payload": payload, "updated_at": time.Now()}).Error
	})
}

func (s *GormRecordStore) DeleteRecord(ctx context.Context, entity, id string) error {
	result := s.db.WithContext(ctx).Where("id = ? AND entity = ?", id, entity).Delete(&models.AutomationRecord{})
	if result.Error != nil {
		return fmt.Errorf("delete %s record: %w", entity, result.Error)
	}
	if result.RowsAffected == 0 {
		return &NotFoundError{Kind: entity + " record", ID: id}
	}
	return nil
}

// Get loads one record.
func (s *GormRecordStore) Get(ctx context.Context, entity, id string) (*models.AutomationRecord, error) {
	var rec models.AutomationRecord
	err := s.db.WithContext(ctx).Where("id = ? AND entity = ?", id, entity).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NotFoundError{Kind: entity + " record", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// list returns the newest records of an entity.
func (s *GormRecordStore) list(ctx context.Context, entity string, limit int) ([]models.AutomationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []models.AutomationRecord
	err := s.db.WithContext(ctx).
		Where("entity = ?", entity).
		Order("created_at DESC").
		Limit(limit).
		Find(&recs).Error
	return recs, err
}

func encodePayload(fields map[string]interface{}) (datatypes.JSON, error) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode record payload: %w", err)
	}
	return datatypes.JSON(raw), nil
}

type ruleIDKey struct{}

// withRuleID tags ctx with the rule whose actions are running.
func withRuleID(ctx context.Context, ruleID string) context.Context {
	return context.WithValue(ctx, ruleIDKey{}, ruleID)
}
