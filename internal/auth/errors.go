package auth

import "errors"

// Error taxonomy shared by every governance component. Callers wrap these with
// fmt.Errorf("%w: detail", ...) and match with errors.Is.
var (
	// ErrInvalidInput rejects malformed requests before any state changes.
	ErrInvalidInput = errors.New("invalid input")
	// ErrConflict reports a duplicate active grant or impersonation.
	ErrConflict = errors.New("conflict")
	ErrNotFound = errors.New("not found")
	// ErrAlreadyTerminal is returned for revoke/end on an expired or revoked grant.
	ErrAlreadyTerminal = errors.New("already in a terminal state")
	ErrForbidden       = errors.New("forbidden")
	ErrUnauthorized    = errors.New("unauthorized")
	// ErrAuditWrite means the ledger could not record the action; the action must not proceed.
	ErrAuditWrite   = errors.New("audit write failed")
	ErrInvalidToken = errors.New("invalid token")
)
