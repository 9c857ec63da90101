package httpserver

import (
	"encoding/json"

	"github.com/complyon/creditledger/pkg/creditledger"
	"github.com/gin-gonic/gin"
)

type entryView struct {
	EntryID      string          `json:"entry_id"`
	Type         string          `json:"type"`
	Amount       int64           `json:"amount"`
	BalanceAfter int64           `json:"balance_after"`
	Reason       string          `json:"reason"`
	OperationID  string          `json:"operation_id,omitempty"`
	Metadata     json.RawMessage `json:"metadata"`
	CreatedAt    int64           `json:"created_at"`
}

func renderEntries(entries []creditledger.Entry) []entryView {
	views := make([]entryView, 0, len(entries))
	for _, entry := range entries {
		metadata := entry.MetadataJSON
		if metadata == "" {
			metadata = "{}"
		}
		views = append(views, entryView{
			EntryID:      entry.EntryID,
			Type:         entry.Type.String(),
			Amount:       entry.Amount,
			BalanceAfter: entry.BalanceAfter,
			Reason:       entry.Reason,
			OperationID:  entry.OperationID,
			Metadata:     json.RawMessage(metadata),
			CreatedAt:    entry.CreatedUnixUTC,
		})
	}
	return views
}

func errorResponse(code string, message string) gin.H {
	return gin.H{"error": code, "message": message}
}

func marshalMetadata(metadata map[string]any) string {
	if metadata == nil {
		return "{}"
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}
