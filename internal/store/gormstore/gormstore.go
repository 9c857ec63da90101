package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/complyon/creditledger/pkg/creditledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintBalancePrimary    = "credit_balances_pkey"
	constraintSettlementPrimary = "credit_settlements_pkey"
	defaultMetadataJSON         = "{}"
	pgUniqueViolationCode       = "23505"
	sqliteConstraintCode        = 19
	dialectPostgres             = "postgres"
	errorOperationStore         = "store"
	errorSubjectBalance         = "balance"
	errorSubjectEntry           = "entry"
	errorSubjectSettlement      = "settlement"
	errorCodeCreate             = "create"
	errorCodeDuplicate          = "duplicate"
	errorCodeGet                = "get"
	errorCodeInsert             = "insert"
	errorCodeInvalid            = "invalid"
	errorCodeList               = "list"
	errorCodeUpdate             = "update"
)

// Store implements creditledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore creditledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetBalanceRecord(ctx context.Context, userID string) (creditledger.BalanceRecord, error) {
	var model CreditBalance
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return creditledger.BalanceRecord{}, wrapStoreError(errorSubjectBalance, errorCodeGet, creditledger.ErrUserNotFound)
		}
		return creditledger.BalanceRecord{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return mapBalanceRecord(model), nil
}

func (store *Store) LockBalanceRecord(ctx context.Context, userID string) (creditledger.BalanceRecord, error) {
	var model CreditBalance
	query := store.db.WithContext(ctx)
	// SQLite serializes writers on its own and rejects FOR UPDATE.
	if store.db.Dialector.Name() == dialectPostgres {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := query.Where("user_id = ?", userID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return creditledger.BalanceRecord{}, wrapStoreError(errorSubjectBalance, errorCodeGet, creditledger.ErrUserNotFound)
		}
		return creditledger.BalanceRecord{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return mapBalanceRecord(model), nil
}

func (store *Store) CreateBalanceRecord(ctx context.Context, record creditledger.BalanceRecord) error {
	model := CreditBalance{
		UserID:     record.UserID,
		Credits:    record.Credits,
		Plan:       record.Plan.String(),
		Mode:       string(record.Mode),
		TotalSpent: record.TotalSpent,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintBalancePrimary) {
		return wrapStoreError(errorSubjectBalance, errorCodeDuplicate, creditledger.ErrUserExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) UpdateBalanceRecord(ctx context.Context, record creditledger.BalanceRecord) error {
	result := store.db.WithContext(ctx).
		Model(&CreditBalance{}).
		Where("user_id = ?", record.UserID).
		Updates(map[string]interface{}{
			"credits":     record.Credits,
			"total_spent": record.TotalSpent,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, creditledger.ErrUserNotFound)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entry creditledger.Entry) error {
	var operationID *string
	if entry.OperationID != "" {
		value := entry.OperationID
		operationID = &value
	}
	model := CreditEntry{
		EntryID:      entry.EntryID,
		UserID:       entry.UserID,
		Type:         entry.Type.String(),
		Amount:       entry.Amount,
		BalanceAfter: entry.BalanceAfter,
		Reason:       entry.Reason,
		OperationID:  operationID,
		Metadata:     datatypesJSON(entry.MetadataJSON),
		CreatedAt:    time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if entry.CreatedUnixUTC == 0 {
		model.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) InsertSettlement(ctx context.Context, userID string, operationID string, refundedAmount int64) error {
	model := CreditSettlement{
		UserID:         userID,
		OperationID:    operationID,
		RefundedAmount: refundedAmount,
		CreatedAt:      time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintSettlementPrimary) {
		return wrapStoreError(errorSubjectSettlement, errorCodeDuplicate, creditledger.ErrAlreadySettled)
	}
	if err != nil {
		return wrapStoreError(errorSubjectSettlement, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, userID string, entryType creditledger.EntryType, beforeUnixUTC int64, limit int) ([]creditledger.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	query := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID, before)
	if entryType != "" {
		query = query.Where("type = ?", entryType.String())
	}

	var rows []CreditEntry
	err := query.
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	entries := make([]creditledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapCreditEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return creditledger.WrapError(errorOperationStore, subject, code, err)
}

func mapBalanceRecord(model CreditBalance) creditledger.BalanceRecord {
	return creditledger.BalanceRecord{
		UserID:     model.UserID,
		Credits:    model.Credits,
		Plan:       creditledger.ParsePlan(model.Plan),
		Mode:       creditledger.ParseMode(model.Mode),
		TotalSpent: model.TotalSpent,
	}
}

func mapCreditEntry(row CreditEntry) (creditledger.Entry, error) {
	entryType, err := creditledger.ParseEntryType(row.Type)
	if err != nil {
		return creditledger.Entry{}, err
	}
	var operationID string
	if row.OperationID != nil {
		operationID = *row.OperationID
	}
	return creditledger.Entry{
		EntryID:        row.EntryID,
		UserID:         row.UserID,
		Type:           entryType,
		Amount:         row.Amount,
		BalanceAfter:   row.BalanceAfter,
		Reason:         row.Reason,
		OperationID:    operationID,
		MetadataJSON:   string(row.Metadata),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
