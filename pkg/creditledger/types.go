package creditledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// UserID identifies a balance owner.
type UserID struct {
	value string
}

// OperationID correlates a reservation with its later settlement.
type OperationID struct {
	value string
}

// ActorID identifies the admin performing a manual adjustment.
type ActorID struct {
	value string
}

// Amount is a strictly positive number of credits.
type Amount struct {
	value int64
}

// MetadataJSON stores arbitrary entry metadata.
type MetadataJSON struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewOperationID validates and normalizes an operation id.
func NewOperationID(raw string) (OperationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return OperationID{}, fmt.Errorf("%w: empty value", ErrInvalidOperationID)
	}
	return OperationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id OperationID) String() string {
	return id.value
}

// NewActorID validates and normalizes an actor id.
func NewActorID(raw string) (ActorID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ActorID{}, fmt.Errorf("%w: empty value", ErrInvalidActorID)
	}
	return ActorID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ActorID) String() string {
	return id.value
}

// MaxAmount bounds a single amount. The ceiling keeps the discount
// multiplication in Plan.DiscountedCost well inside int64 range; without it a
// huge requested amount wraps negative and passes the sufficiency check.
const MaxAmount int64 = 1_000_000_000_000

// NewAmount validates an amount and ensures it is strictly positive.
func NewAmount(raw int64) (Amount, error) {
	if raw <= 0 {
		return Amount{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if raw > MaxAmount {
		return Amount{}, fmt.Errorf("%w: must not exceed %d", ErrInvalidAmount, MaxAmount)
	}
	return Amount{value: raw}, nil
}

// Int64 returns the raw amount.
func (amount Amount) Int64() int64 {
	return amount.value
}

// NewMetadataJSON validates a metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// Mode controls whether deductions apply to a balance.
type Mode string

const (
	// ModeInternal bills the user's credit balance.
	ModeInternal Mode = "internal"
	// ModeExternal marks callers that supply their own upstream API key; exempt from deduction.
	ModeExternal Mode = "external"
)

// ParseMode normalizes a stored mode value; unknown values fall back to internal.
func ParseMode(raw string) Mode {
	if strings.EqualFold(strings.TrimSpace(raw), string(ModeExternal)) {
		return ModeExternal
	}
	return ModeInternal
}

// EntryType enumerates ledger entry kinds.
type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
	EntryRefund EntryType = "REFUND"
	EntryAdjust EntryType = "ADJUST"
)

// ParseEntryType validates a raw entry type.
func ParseEntryType(raw string) (EntryType, error) {
	switch EntryType(strings.ToUpper(strings.TrimSpace(raw))) {
	case EntryDebit:
		return EntryDebit, nil
	case EntryCredit:
		return EntryCredit, nil
	case EntryRefund:
		return EntryRefund, nil
	case EntryAdjust:
		return EntryAdjust, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
}

// String returns the stored representation.
func (entryType EntryType) String() string {
	return string(entryType)
}

// AdjustmentType enumerates manual adjustment directions.
type AdjustmentType string

const (
	AdjustmentAdd      AdjustmentType = "ADD"
	AdjustmentSubtract AdjustmentType = "SUBTRACT"
)

// ParseAdjustmentType validates a raw adjustment direction.
func ParseAdjustmentType(raw string) (AdjustmentType, error) {
	switch AdjustmentType(strings.ToUpper(strings.TrimSpace(raw))) {
	case AdjustmentAdd:
		return AdjustmentAdd, nil
	case AdjustmentSubtract:
		return AdjustmentSubtract, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAdjustmentType, raw)
}

// BalanceRecord is the mutable per-user balance row.
type BalanceRecord struct {
	UserID     string
	Credits    int64
	Plan       Plan
	Mode       Mode
	TotalSpent int64
}

// A single immutable line in the audit trail.
type Entry struct {
	EntryID        string
	UserID         string
	Type           EntryType
	Amount         int64
	BalanceAfter   int64
	Reason         string
	OperationID    string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// Store is the persistence contract used by Service. Every mutator runs inside
// WithTx; LockBalanceRecord must hold the row until the transaction ends so
// concurrent reservations serialize on the balance.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetBalanceRecord(ctx context.Context, userID string) (BalanceRecord, error)
	LockBalanceRecord(ctx context.Context, userID string) (BalanceRecord, error)
	CreateBalanceRecord(ctx context.Context, record BalanceRecord) error
	UpdateBalanceRecord(ctx context.Context, record BalanceRecord) error
	InsertEntry(ctx context.Context, entry Entry) error
	InsertSettlement(ctx context.Context, userID string, operationID string, refundedAmount int64) error
	ListEntries(ctx context.Context, userID string, entryType EntryType, beforeUnixUTC int64, limit int) ([]Entry, error)
}
