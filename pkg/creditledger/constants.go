package creditledger

const (
	operationReserve       = "reserve"
	operationFinalize      = "finalize"
	operationAdjust        = "adjust"
	operationGrant         = "grant"
	operationCreateAccount = "create_account"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	reasonOperationFailed = "Operation Failed"
	reasonUsageAdjustment = "Usage Adjustment"
	reasonSignupBonus     = "Signup Bonus"

	// DefaultListLimit bounds history pages when the caller does not ask for a size.
	DefaultListLimit = 50
	// MaxListLimit is the hard ceiling for one history page.
	MaxListLimit = 200
)
