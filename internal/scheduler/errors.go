/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"errors"
	"fmt"
)

// ErrorKind classifies bridge failures.
type ErrorKind string

const (
	KindInvalidRequest   ErrorKind = "invalid_request"
	KindInvalidJob       ErrorKind = "invalid_job"
	KindSchedulingFailed ErrorKind = "scheduling_failed"
	KindInvalidSchedule  ErrorKind = "invalid_schedule"
)

var (
	// ErrSchedulingFailed wraps optimizer failures.
	ErrSchedulingFailed = errors.New("scheduler failed")

	// ErrNotFound is returned for unknown recurrence ids.
	ErrNotFound = errors.New("recurrence not found")

	// ErrInvalidRecurrence wraps type and payload validation failures.
	ErrInvalidRecurrence = errors.New("invalid recurrence")
)

// BridgeError is a run failure. JobID names the offending occurrence when
// there is one.
type BridgeError struct {
	Kind    ErrorKind
	JobID   string
	Message string
	Err     error
}

func (e *BridgeError) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Message
}

func (e *BridgeError) Unwrap() error { return e.Err }

func invalidRequest(format string, args ...any) *BridgeError {
	return &BridgeError{Kind: KindInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

func invalidJob(jobID, format string, args ...any) *BridgeError {
	return &BridgeError{Kind: KindInvalidJob, JobID: jobID, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the bridge error kind of err, or "" for other errors.
func KindOf(err error) ErrorKind {
	var be *BridgeError
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}
