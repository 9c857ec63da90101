package httpserver

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/complyon/creditledger/internal/metrics"
	"github.com/complyon/creditledger/pkg/creditledger"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	contextKeyAuthClaims = "auth_claims"

	outcomeReserved     = "reserved"
	outcomeExempt       = "exempt"
	outcomeInsufficient = "insufficient"
	outcomeError        = "error"
)

type handler struct {
	logger  *zap.Logger
	ledger  *creditledger.Service
	metrics *metrics.Collector
	cfg     Config
}

type reserveRequest struct {
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
	OperationID string `json:"operation_id"`
	Reason      string `json:"reason"`
}

type finalizeRequest struct {
	UserID         string `json:"user_id"`
	ReservedAmount int64  `json:"reserved_amount"`
	ActualAmount   int64  `json:"actual_amount"`
	OperationID    string `json:"operation_id"`
	Success        *bool  `json:"success"`
}

type createAccountRequest struct {
	UserID      string `json:"user_id"`
	Plan        string `json:"plan"`
	Mode        string `json:"mode"`
	SignupBonus int64  `json:"signup_bonus"`
}

type topUpRequest struct {
	UserID   string         `json:"user_id"`
	Amount   int64          `json:"amount"`
	Reason   string         `json:"reason"`
	Metadata map[string]any `json:"metadata"`
}

type adjustRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func (handler *handler) handleReserve(ctx *gin.Context) {
	var request reserveRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := creditledger.NewUserID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", err.Error()))
		return
	}
	amount, err := creditledger.NewAmount(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", err.Error()))
		return
	}
	operationID, err := creditledger.NewOperationID(request.OperationID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_operation_id", err.Error()))
		return
	}

	reserved, err := handler.ledger.Reserve(ctx.Request.Context(), userID, amount, operationID, request.Reason)
	if err != nil {
		var insufficient creditledger.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			handler.metrics.ObserveReservation(outcomeInsufficient)
			handler.metrics.ObserveInsufficientCredits()
			ctx.JSON(http.StatusPaymentRequired, gin.H{
				"error":     "insufficient_credits",
				"required":  insufficient.Required,
				"available": insufficient.Available,
			})
			return
		}
		if errors.Is(err, creditledger.ErrUserNotFound) {
			handler.metrics.ObserveReservation(outcomeError)
			ctx.JSON(http.StatusNotFound, errorResponse("user_not_found", "no balance record for user"))
			return
		}
		handler.metrics.ObserveReservation(outcomeError)
		handler.logger.Error("reserve failed", zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "reserve failed"))
		return
	}
	if reserved == 0 {
		handler.metrics.ObserveReservation(outcomeExempt)
	} else {
		handler.metrics.ObserveReservation(outcomeReserved)
	}
	ctx.JSON(http.StatusOK, gin.H{"reserved": reserved})
}

func (handler *handler) handleFinalize(ctx *gin.Context) {
	var request finalizeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if request.Success == nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "success flag is required"))
		return
	}
	userID, err := creditledger.NewUserID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", err.Error()))
		return
	}
	operationID, err := creditledger.NewOperationID(request.OperationID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_operation_id", err.Error()))
		return
	}

	refunded, err := handler.ledger.Finalize(ctx.Request.Context(), userID, request.ReservedAmount, request.ActualAmount, operationID, *request.Success)
	if err != nil {
		if errors.Is(err, creditledger.ErrInvalidAmount) {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", err.Error()))
			return
		}
		handler.logger.Error("finalize failed", zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "finalize failed"))
		return
	}
	if refunded > 0 {
		handler.metrics.ObserveRefund()
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "settled", "refunded": refunded})
}

func (handler *handler) handleBalance(ctx *gin.Context) {
	userID, err := creditledger.NewUserID(ctx.Param("user_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", err.Error()))
		return
	}
	credits, err := handler.ledger.Balance(ctx.Request.Context(), userID)
	if err != nil {
		handler.logger.Error("balance lookup failed", zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "balance lookup failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"user_id": userID.String(), "credits": credits})
}

func (handler *handler) handleEntries(ctx *gin.Context) {
	userID, err := creditledger.NewUserID(ctx.Param("user_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", err.Error()))
		return
	}
	var entryType creditledger.EntryType
	if rawType := ctx.Query("type"); rawType != "" {
		entryType, err = creditledger.ParseEntryType(rawType)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_entry_type", err.Error()))
			return
		}
	}
	before := parseInt64Query(ctx, "before")
	limit := int(parseInt64Query(ctx, "limit"))

	entries, err := handler.ledger.ListEntries(ctx.Request.Context(), userID, entryType, before, limit)
	if err != nil {
		handler.logger.Error("entry listing failed", zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "entry listing failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": renderEntries(entries)})
}

func (handler *handler) handleCreateAccount(ctx *gin.Context) {
	var request createAccountRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := creditledger.NewUserID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", err.Error()))
		return
	}
	if request.SignupBonus < 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "signup bonus must be non-negative"))
		return
	}

	plan := creditledger.ParsePlan(request.Plan)
	if plan == "" {
		plan = creditledger.PlanFree
	}
	err = handler.ledger.CreateAccount(ctx.Request.Context(), userID, plan, creditledger.ParseMode(request.Mode), request.SignupBonus)
	if err != nil {
		if errors.Is(err, creditledger.ErrUserExists) {
			ctx.JSON(http.StatusConflict, errorResponse("user_exists", "balance record already exists"))
			return
		}
		handler.logger.Error("account creation failed", zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "account creation failed"))
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"user_id": userID.String(), "credits": request.SignupBonus})
}

func (handler *handler) handleTopUp(ctx *gin.Context) {
	var request topUpRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := creditledger.NewUserID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", err.Error()))
		return
	}
	amount, err := creditledger.NewAmount(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", err.Error()))
		return
	}
	metadata, err := creditledger.NewMetadataJSON(marshalMetadata(request.Metadata))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_metadata", err.Error()))
		return
	}
	reason := request.Reason
	if reason == "" {
		reason = "Top Up"
	}

	err = handler.ledger.Grant(ctx.Request.Context(), userID, amount, reason, metadata)
	if err != nil {
		if errors.Is(err, creditledger.ErrUserNotFound) {
			ctx.JSON(http.StatusNotFound, errorResponse("user_not_found", "no balance record for user"))
			return
		}
		handler.logger.Error("top-up failed", zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "top-up failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "credited"})
}

func (handler *handler) handleAdjust(ctx *gin.Context) {
	var request adjustRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := creditledger.NewUserID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", err.Error()))
		return
	}
	amount, err := creditledger.NewAmount(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", err.Error()))
		return
	}
	adjustment, err := creditledger.ParseAdjustmentType(request.Type)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_adjustment_type", err.Error()))
		return
	}
	actorID, err := creditledger.NewActorID(serviceSubject(ctx))
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "token subject missing"))
		return
	}

	err = handler.ledger.Adjust(ctx.Request.Context(), userID, amount, adjustment, request.Reason, actorID)
	if err != nil {
		var insufficient creditledger.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			ctx.JSON(http.StatusPaymentRequired, gin.H{
				"error":     "insufficient_credits",
				"required":  insufficient.Required,
				"available": insufficient.Available,
			})
			return
		}
		if errors.Is(err, creditledger.ErrUserNotFound) {
			ctx.JSON(http.StatusNotFound, errorResponse("user_not_found", "no balance record for user"))
			return
		}
		handler.logger.Error("adjust failed", zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "adjust failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "adjusted"})
}

func (handler *handler) handleWallet(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	userID, err := creditledger.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session subject"))
		return
	}
	credits, err := handler.ledger.Balance(ctx.Request.Context(), userID)
	if err != nil {
		handler.logger.Error("wallet balance failed", zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "wallet unavailable"))
		return
	}
	entries, err := handler.ledger.ListEntries(ctx.Request.Context(), userID, "", 0, handler.cfg.WalletHistoryLimit)
	if err != nil {
		handler.logger.Error("wallet history failed", zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "wallet unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id": userID.String(),
		"credits": credits,
		"entries": renderEntries(entries),
	})
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	value, exists := ctx.Get(contextKeyAuthClaims)
	if !exists {
		return nil
	}
	claims, ok := value.(*sessionvalidator.Claims)
	if !ok {
		return nil
	}
	return claims
}

func parseInt64Query(ctx *gin.Context, key string) int64 {
	raw := ctx.Query(key)
	if raw == "" {
		return 0
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		return 0
	}
	return value
}
