package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrPreconditionFailed   = errors.New("precondition failed")
	ErrSubscriptionExists   = errors.New("subscription already exists")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrRenewalNotAllowed    = errors.New("subscription renewal not allowed")
	ErrStoreUnavailable     = errors.New("store unavailable")
)
