// Package oplog adapts the ledger's operation callbacks onto zap.
package oplog

import (
	"context"

	"github.com/complyon/creditledger/pkg/creditledger"
	"go.uber.org/zap"
)

// ZapLogger emits one structured log line per ledger operation.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger wires the adapter.
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: logger}
}

// LogOperation implements creditledger.OperationLogger.
func (adapter *ZapLogger) LogOperation(_ context.Context, entry creditledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("amount", entry.Amount),
		zap.String("status", entry.Status),
	}
	if entry.OperationID.String() != "" {
		fields = append(fields, zap.String("operation_id", entry.OperationID.String()))
	}
	if entry.ActorID.String() != "" {
		fields = append(fields, zap.String("actor_id", entry.ActorID.String()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		adapter.logger.Warn("ledger operation failed", fields...)
		return
	}
	adapter.logger.Info("ledger operation", fields...)
}
