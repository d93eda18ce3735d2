package ledger

import (
	"errors"
	"fmt"
)

// RevertError is a ledger-side rejection with a domain reason. The
// transaction never took effect; the reason string comes from the contract.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("ledger reverted: %s", e.Reason)
}

func IsRevert(err error) bool {
	var re *RevertError
	return errors.As(err, &re)
}

func AsRevert(err error) *RevertError {
	var re *RevertError
	if errors.As(err, &re) {
		return re
	}
	return nil
}

// TransientError is an infrastructure failure before anything was committed
// on the ledger. Safe to retry with backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient ledger failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IndeterminateError means the transaction was broadcast but its outcome is
// unknown: confirmation timed out or the caller gave up waiting. The
// transaction may still land; retrying blindly risks a double append.
type IndeterminateError struct {
	TxHash string
	Err    error
}

func (e *IndeterminateError) Error() string {
	return fmt.Sprintf("transaction %s submitted, outcome unknown: %v", e.TxHash, e.Err)
}

func (e *IndeterminateError) Unwrap() error {
	return e.Err
}

func IsIndeterminate(err error) bool {
	var ie *IndeterminateError
	return errors.As(err, &ie)
}

func AsIndeterminate(err error) *IndeterminateError {
	var ie *IndeterminateError
	if errors.As(err, &ie) {
		return ie
	}
	return nil
}
