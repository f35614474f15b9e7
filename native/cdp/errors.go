package cdp

import "errors"

var (
	// ErrAlreadyExists is returned when a pool or position is opened twice.
	ErrAlreadyExists = errors.New("cdp: already exists")
	// ErrInsufficientFunds is returned when a withdrawal exceeds locked collateral.
	ErrInsufficientFunds = errors.New("cdp: insufficient collateral")
	// ErrOverBorrowableAmount is returned when a borrow exceeds the ceiling.
	ErrOverBorrowableAmount = errors.New("cdp: amount exceeds borrowable ceiling")
	// ErrOverRepay is returned when a repayment exceeds outstanding debt.
	ErrOverRepay = errors.New("cdp: repayment exceeds debt")
	// ErrTransferFailed wraps any rejection from the custody collaborator.
	ErrTransferFailed = errors.New("cdp: transfer failed")
	// ErrStalePrice is returned by price feeds whose quote is too old.
	ErrStalePrice = errors.New("cdp: stale price")
	// ErrFeedNotFound is returned by price feeds with no quote for the asset.
	ErrFeedNotFound = errors.New("cdp: price feed not found")

	ErrPoolNotFound         = errors.New("cdp: pool not found")
	ErrPositionNotFound     = errors.New("cdp: position not found")
	ErrInvalidAmount        = errors.New("cdp: amount must be positive")
	ErrOverflow             = errors.New("cdp: amount overflows counter")
	ErrNilState             = errors.New("cdp: state not configured")
	ErrUndercollateralized  = errors.New("cdp: position would fall below minimum collateral ratio")
	ErrConservationViolated = errors.New("cdp: pool totals do not match positions")
)

var (
	ErrInvalidAsset = errors.New("cdp: invalid asset identifier")
	ErrInvalidOwner = errors.New("cdp: owner address required")
)
