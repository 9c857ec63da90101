package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditBalance represents the credit_balances table.
type CreditBalance struct {
	UserID     string    `gorm:"primaryKey"`
	Credits    int64     `gorm:"not null"`
	Plan       string    `gorm:"not null"`
	Mode       string    `gorm:"not null"`
	TotalSpent int64     `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (CreditBalance) TableName() string { return "credit_balances" }

// CreditEntry mirrors the append-only credit_entries table.
type CreditEntry struct {
	EntryID      string         `gorm:"type:uuid;primaryKey"`
	UserID       string         `gorm:"not null;index:idx_entries_user_created,priority:1"`
	Type         string         `gorm:"not null;index:idx_entries_user_type"`
	Amount       int64          `gorm:"not null"`
	BalanceAfter int64          `gorm:"not null"`
	Reason       string         `gorm:"not null"`
	OperationID  *string        `gorm:""`
	Metadata     datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt    time.Time      `gorm:"not null;index:idx_entries_user_created,priority:2"`
}

func (CreditEntry) TableName() string { return "credit_entries" }

func (entry *CreditEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// CreditSettlement guards finalize idempotency, one row per settled operation.
type CreditSettlement struct {
	UserID         string    `gorm:"primaryKey"`
	OperationID    string    `gorm:"primaryKey"`
	RefundedAmount int64     `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (CreditSettlement) TableName() string { return "credit_settlements" }
