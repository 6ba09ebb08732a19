package repository

import "errors"

var (
	// ErrNotFound is returned when a row does not exist in the caller's org.
	ErrNotFound = errors.New("not found")
	// ErrNotClaimable means the rule is no longer due, is already sent, or is held by a live claim.
	ErrNotClaimable = errors.New("rule not claimable")
	// ErrClaimLost means the claim token no longer matches; another worker owns the rule.
	ErrClaimLost = errors.New("claim lost")
	// ErrStateConflict means a conditional update found the rule in an unexpected state.
	ErrStateConflict = errors.New("state conflict")
)
