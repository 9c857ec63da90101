package creditledger

import (
	"context"
	"fmt"
)

// Adjust directly mutates a balance outside the reserve/finalize protocol for
// manual corrections, attributing the acting admin on the audit entry.
// Subtracting below zero fails rather than clamping.
func (service *Service) Adjust(ctx context.Context, userID UserID, amount Amount, adjustment AdjustmentType, reason string, actorID ActorID) error {
	if adjustment != AdjustmentAdd && adjustment != AdjustmentSubtract {
		return fmt.Errorf("%w: %q", ErrInvalidAdjustmentType, adjustment)
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		record, err := transactionStore.LockBalanceRecord(ctx, userID.String())
		if err != nil {
			return err
		}
		switch adjustment {
		case AdjustmentAdd:
			record.Credits += amount.Int64()
		case AdjustmentSubtract:
			if record.Credits < amount.Int64() {
				return InsufficientCreditsError{Required: amount.Int64(), Available: record.Credits}
			}
			record.Credits -= amount.Int64()
		}
		if err := transactionStore.UpdateBalanceRecord(ctx, record); err != nil {
			return err
		}
		entry := Entry{
			UserID:         record.UserID,
			Type:           EntryAdjust,
			Amount:         amount.Int64(),
			BalanceAfter:   record.Credits,
			Reason:         reason,
			MetadataJSON:   marshalMetadata(map[string]any{"actor_id": actorID.String(), "direction": string(adjustment)}),
			CreatedUnixUTC: service.nowFn(),
		}
		return transactionStore.InsertEntry(ctx, entry)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationAdjust,
		UserID:    userID,
		ActorID:   actorID,
		Amount:    amount.Int64(),
		Error:     operationError,
	})
	return operationError
}

// Grant credits a balance, used by the billing collaborator after a paid
// top-up clears.
func (service *Service) Grant(ctx context.Context, userID UserID, amount Amount, reason string, metadata MetadataJSON) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		record, err := transactionStore.LockBalanceRecord(ctx, userID.String())
		if err != nil {
			return err
		}
		record.Credits += amount.Int64()
		if err := transactionStore.UpdateBalanceRecord(ctx, record); err != nil {
			return err
		}
		entry := Entry{
			UserID:         record.UserID,
			Type:           EntryCredit,
			Amount:         amount.Int64(),
			BalanceAfter:   record.Credits,
			Reason:         reason,
			MetadataJSON:   metadata.String(),
			CreatedUnixUTC: service.nowFn(),
		}
		return transactionStore.InsertEntry(ctx, entry)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationGrant,
		UserID:    userID,
		Amount:    amount.Int64(),
		Error:     operationError,
	})
	return operationError
}

// CreateAccount seeds the balance record when the external identity
// collaborator provisions a user, optionally with a signup bonus.
func (service *Service) CreateAccount(ctx context.Context, userID UserID, plan Plan, mode Mode, signupBonus int64) error {
	if signupBonus < 0 {
		return fmt.Errorf("%w: signup bonus must be non-negative", ErrInvalidAmount)
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		record := BalanceRecord{
			UserID:  userID.String(),
			Credits: signupBonus,
			Plan:    plan,
			Mode:    mode,
		}
		if err := transactionStore.CreateBalanceRecord(ctx, record); err != nil {
			return err
		}
		if signupBonus == 0 {
			return nil
		}
		entry := Entry{
			UserID:         record.UserID,
			Type:           EntryCredit,
			Amount:         signupBonus,
			BalanceAfter:   signupBonus,
			Reason:         reasonSignupBonus,
			MetadataJSON:   marshalMetadata(map[string]any{"plan": plan.String()}),
			CreatedUnixUTC: service.nowFn(),
		}
		return transactionStore.InsertEntry(ctx, entry)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCreateAccount,
		UserID:    userID,
		Amount:    signupBonus,
		Error:     operationError,
	})
	return operationError
}

// ListEntries pages the audit trail newest-first, optionally filtered by type.
// An empty entryType means no filter.
func (service *Service) ListEntries(ctx context.Context, userID UserID, entryType EntryType, beforeUnixUTC int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return service.store.ListEntries(ctx, userID.String(), entryType, beforeUnixUTC, limit)
}
