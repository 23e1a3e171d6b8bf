package domain

import "errors"

var (
	ErrNotFound              = errors.New("not found")
	ErrAlreadyExists         = errors.New("already exists")
	ErrBondInactive          = errors.New("bond is not active")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientHoldings  = errors.New("insufficient holdings")
	ErrValidation            = errors.New("invalid request parameters")
	ErrTxConflict            = errors.New("storage transaction conflict")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrLockHeld              = errors.New("lock already held")
)
