package models

import "errors"

var (
	ErrConflictData      = errors.New("data conflicts with existing data")
	ErrDataNotFound      = errors.New("data not found")
	ErrInternalError     = errors.New("internal error")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrInvalidQuantity   = errors.New("invalid quantity")
	ErrInvalidPackage    = errors.New("invalid package")
	ErrProviderDisabled  = errors.New("provider is disabled")
	ErrNoProvider        = errors.New("order has no provider")
	ErrInvalidSignature  = errors.New("invalid webhook signature")
	ErrInvalidPayload    = errors.New("invalid webhook payload")
	ErrQueueFull         = errors.New("webhook queue is full")
	ErrQueueClosed       = errors.New("webhook queue is closed")
	ErrInvalidToken      = errors.New("invalid token")
	ErrNoCandidates      = errors.New("no eligible provider for package")
	ErrOrderBusy         = errors.New("order has a refund or cancellation in progress")
)
