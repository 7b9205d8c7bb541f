package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a project id matches no registered project.
	ErrNotFound = errors.New("project not found")

	// ErrProjectInactive is returned for deactivated projects regardless of balance.
	ErrProjectInactive = errors.New("project inactive")

	// ErrInsufficientBalance is returned by debits that would drive a balance
	// negative. The debit leaves state unchanged.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrRateLimited is returned when a request exceeds a throttle budget.
	ErrRateLimited = errors.New("rate limited")
)

// ValidationError reports a malformed request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PaymentVerificationError carries the facilitator's rejection reason. It is
// terminal per-request: the caller must resubmit a fresh proof.
type PaymentVerificationError struct {
	Reason string
}

func (e *PaymentVerificationError) Error() string {
	return "payment verification failed: " + e.Reason
}

// UpstreamStage identifies which signer-service stage failed.
type UpstreamStage string

const (
	UpstreamSigning   UpstreamStage = "signing"
	UpstreamBroadcast UpstreamStage = "broadcast"
)

// UpstreamError wraps a signer-service failure. Upstream errors are surfaced
// translated, never retried automatically, and never cause a debit.
type UpstreamError struct {
	Stage UpstreamStage
	Err   error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s error: %v", e.Stage, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
