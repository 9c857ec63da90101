package creditledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Service contains the domain logic over a Store. It is the only writer of
// balance records; request handlers call Reserve before a paid operation runs
// and Finalize once the true cost is known.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Reserve deducts the discounted cost estimate ahead of a paid operation and
// returns the amount actually held. External-mode users and unlimited tiers
// reserve nothing. The caller must remember the returned amount for Finalize.
func (service *Service) Reserve(ctx context.Context, userID UserID, requested Amount, operationID OperationID, reason string) (int64, error) {
	var reserved int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		record, err := transactionStore.LockBalanceRecord(ctx, userID.String())
		if err != nil {
			return err
		}
		if record.Mode == ModeExternal {
			return nil
		}
		if record.Plan.Unlimited() {
			return nil
		}
		cost := record.Plan.DiscountedCost(requested.Int64())
		if record.Credits < cost {
			return InsufficientCreditsError{Required: cost, Available: record.Credits}
		}
		record.Credits -= cost
		record.TotalSpent += cost
		if err := transactionStore.UpdateBalanceRecord(ctx, record); err != nil {
			return err
		}
		entry := Entry{
			UserID:         record.UserID,
			Type:           EntryDebit,
			Amount:         cost,
			BalanceAfter:   record.Credits,
			Reason:         reason,
			OperationID:    operationID.String(),
			MetadataJSON:   marshalMetadata(map[string]any{"plan": record.Plan.String(), "requested_amount": requested.Int64()}),
			CreatedUnixUTC: service.nowFn(),
		}
		if err := transactionStore.InsertEntry(ctx, entry); err != nil {
			return err
		}
		reserved = cost
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationReserve,
		UserID:      userID,
		OperationID: operationID,
		Amount:      reserved,
		Error:       operationError,
	})
	return reserved, operationError
}

// Finalize settles a reservation after the paid operation ran and returns the
// credits moved back to the balance. A failed operation refunds the full hold;
// a cheaper-than-estimated success refunds the difference. Settling the same
// operation twice is a no-op, and a missing user is ignored because the
// operation's side effects already happened.
func (service *Service) Finalize(ctx context.Context, userID UserID, reservedAmount int64, actualAmount int64, operationID OperationID, success bool) (int64, error) {
	if reservedAmount == 0 {
		return 0, nil
	}
	if reservedAmount < 0 || actualAmount < 0 {
		return 0, fmt.Errorf("%w: settlement amounts must be non-negative", ErrInvalidAmount)
	}
	var refunded int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		record, err := transactionStore.LockBalanceRecord(ctx, userID.String())
		if errors.Is(err, ErrUserNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var refund int64
		var reason string
		switch {
		case !success:
			refund = reservedAmount
			reason = reasonOperationFailed
		case reservedAmount > actualAmount:
			refund = reservedAmount - actualAmount
			reason = reasonUsageAdjustment
		}
		if err := transactionStore.InsertSettlement(ctx, record.UserID, operationID.String(), refund); err != nil {
			if errors.Is(err, ErrAlreadySettled) {
				return nil
			}
			return err
		}
		if refund == 0 {
			return nil
		}
		record.Credits += refund
		if err := transactionStore.UpdateBalanceRecord(ctx, record); err != nil {
			return err
		}
		entry := Entry{
			UserID:         record.UserID,
			Type:           EntryRefund,
			Amount:         refund,
			BalanceAfter:   record.Credits,
			Reason:         reason,
			OperationID:    operationID.String(),
			MetadataJSON:   marshalMetadata(map[string]any{"reserved_amount": reservedAmount, "actual_amount": actualAmount, "success": success}),
			CreatedUnixUTC: service.nowFn(),
		}
		if err := transactionStore.InsertEntry(ctx, entry); err != nil {
			return err
		}
		refunded = refund
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationFinalize,
		UserID:      userID,
		OperationID: operationID,
		Amount:      refunded,
		Error:       operationError,
	})
	return refunded, operationError
}

// Balance returns the spendable credits, defaulting to 0 for unknown users.
func (service *Service) Balance(ctx context.Context, userID UserID) (int64, error) {
	record, err := service.store.GetBalanceRecord(ctx, userID.String())
	if errors.Is(err, ErrUserNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return record.Credits, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func marshalMetadata(metadata map[string]any) string {
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}
