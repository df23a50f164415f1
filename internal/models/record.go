package models

import (
	"time"

	"gorm.io/datatypes"
)

// AutomationRecord 由 data 类型动作写入的业务记录
type AutomationRecord struct {
	ID        string         `gorm:"primaryKey;size:36" json:"id"`
	Entity    string         `gorm:"index;size:64;not null" json:"entity"`
	Payload   datatypes.JSON `json:"payload"`
	RuleID    string         `gorm:"index;size:36" json:"rule_id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (AutomationRecord) TableName() string {
	return "automation_records"
}
