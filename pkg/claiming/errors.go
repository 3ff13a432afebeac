package claiming

import "errors"

// Named conditions surfaced to callers so they can branch behavior (retry
// later vs. abort) instead of matching on message text.
var (
	ErrDistributorNotFound = errors.New("distributor not found")

	// Authorization.
	ErrNotOwner        = errors.New("caller is not the owner")
	ErrNotAdminOrOwner = errors.New("caller is not an admin or the owner")

	// Admin registry state.
	ErrMaxAdmins     = errors.New("admin registry is full")
	ErrAdminNotFound = errors.New("admin not found")

	// Distributor state.
	ErrPaused                      = errors.New("distributor is paused")
	ErrChangingPauseValueToTheSame = errors.New("pause flag already has that value")
	ErrVestingAlreadyStarted       = errors.New("vesting has already started")

	// Claims.
	ErrAlreadyClaimed = errors.New("entitlement already fully claimed")
	ErrNothingToClaim = errors.New("nothing to claim yet")
	ErrInvalidProof   = errors.New("merkle proof does not match the current root")

	// Transfers.
	ErrInvalidAmountTransferred = errors.New("vault balance did not decrease by the transferred amount")
)
