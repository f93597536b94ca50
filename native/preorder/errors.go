package preorder

import "errors"

// Reason codes surfaced to callers. Every failed transition maps to exactly one
// of these and leaves all state untouched.
var (
	ErrNilState        = errors.New("preorder engine: state not configured")
	ErrCampaignExists  = errors.New("preorder: campaign already initialised")
	ErrCampaignMissing = errors.New("preorder: campaign not found")

	ErrInvalidTerms     = errors.New("preorder: invalid campaign terms")
	ErrDeadlinePassed   = errors.New("preorder: deadline passed")
	ErrAlreadyDelivered = errors.New("preorder: product already delivered")
	ErrInvalidQuantity  = errors.New("preorder: quantity must be positive")
	ErrIncorrectPayment = errors.New("preorder: payment must equal unit price times quantity")
	ErrNotSeller        = errors.New("preorder: caller is not the seller")
	ErrNoPreorder       = errors.New("preorder: buyer has no preorder")
	ErrCommitmentSet    = errors.New("preorder: activation commitment already set")

	ErrNotDelivered             = errors.New("preorder: product not delivered")
	ErrAlreadyConfirmed         = errors.New("preorder: receipt already confirmed")
	ErrRefundedCannotConfirm    = errors.New("preorder: refunded buyer cannot confirm")
	ErrCodeNotSet               = errors.New("preorder: activation code not set")
	ErrInvalidCode              = errors.New("preorder: activation code mismatch")
	ErrDeadlineNotReached       = errors.New("preorder: deadline not reached")
	ErrDeliveredRefundsDisabled = errors.New("preorder: refunds disabled after delivery")
	ErrAlreadyRefunded          = errors.New("preorder: buyer already refunded")
	ErrAlreadyWithdrawn         = errors.New("preorder: funds already withdrawn")
	ErrConfirmationOrWait       = errors.New("preorder: requires buyer confirmation or confirmation period expiry")
	ErrNoFunds                  = errors.New("preorder: escrow balance is zero")
	ErrTransferFailed           = errors.New("preorder: value transfer failed")
)
