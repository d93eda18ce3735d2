package audit

import (
	"errors"
	"fmt"
)

// ValidationError rejects bad input before any ledger interaction.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NotFoundError means the ledger does not know the tracking id. Permanent
// for that identifier unless a creation transaction later confirms it.
type NotFoundError struct {
	TrackingID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("shipment not found: %s", e.TrackingID)
}

func IsNotFound(err error) bool {
	var nfe *NotFoundError
	return errors.As(err, &nfe)
}

// NotLeaderError rejects a write on a replica that does not hold the
// signing identity. Callers should retry against the leader.
type NotLeaderError struct {
	Leader string
}

func (e *NotLeaderError) Error() string {
	if e.Leader == "" {
		return "not the leader: no leader elected"
	}
	return fmt.Sprintf("not the leader: writes must go to %s", e.Leader)
}

func IsNotLeader(err error) bool {
	var nle *NotLeaderError
	return errors.As(err, &nle)
}

// AlreadyExistsError means a creation transaction targeted a tracking id
// the ledger already knows.
type AlreadyExistsError struct {
	TrackingID string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("shipment already exists: %s", e.TrackingID)
}

func IsAlreadyExists(err error) bool {
	var aee *AlreadyExistsError
	return errors.As(err, &aee)
}
