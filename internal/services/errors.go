// Package services holds the sink-side business logic: accepting record
// submissions from devices exactly once per record id and serving them back.
// This file centralizes the service-level error values so handlers can map
// them to HTTP results consistently.
package services

import "errors"

var (
	// ErrInvalidSubmission is returned when a submission is malformed: the id
	// is not a UUID, the kind is empty, or the payload is not a JSON object.
	ErrInvalidSubmission = errors.New("invalid submission")

	// ErrOwnerMismatch is returned when the submission's owner differs from
	// the authenticated caller, or a replayed id belongs to someone else.
	ErrOwnerMismatch = errors.New("record belongs to another owner")

	// ErrRecordNotFound indicates that the requested record does not exist or
	// is not visible to the caller.
	ErrRecordNotFound = errors.New("record not found")
)
