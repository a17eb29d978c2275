// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package backup

import (
	"fmt"

	"github.com/juju/errors"
)

const (
	// ProvisionError describes a provider API failure or an attach
	// conflict that could not be recovered.
	ProvisionError = errors.ConstError("provision error")

	// ProvisionTimeout describes an infrastructure transition that did
	// not complete within its polling budget.
	ProvisionTimeout = errors.ConstError("provision timeout")

	// ServiceStartError describes a database service that could not be
	// started on the node.
	ServiceStartError = errors.ConstError("service start error")

	// IntegrityError describes a crash recovery or readiness timeout, or a
	// stale data verdict.
	IntegrityError = errors.ConstError("integrity error")

	// UnexpectedError is everything else.
	UnexpectedError = errors.ConstError("unexpected error")
)

// Reason codes attached to failed attempts.
const (
	ReasonServiceStart  = "service start failed"
	ReasonRollback      = "rollback timed out"
	ReasonNotReady      = "database timed out coming online"
	ReasonStaleData     = "stale data"
	ReasonFreshness     = "freshness query failed"
	ReasonProvision     = "provisioning failed"
	ReasonPromote       = "promotion failed"
	ReasonUnexpected    = "unexpected error"
	ReasonLogsUnparsed  = "no timestamp found in log"
	ReasonLogsStale     = "stale logs"
	ReasonLogsSnapshot  = "log volume snapshot failed"
	ReasonLogsTailError = "log tail failed"
)

// Failure is an error carrying an explicit kind and a reason code. It
// satisfies errors.Is for both its kind and its cause.
type Failure struct {
	Kind   errors.ConstError
	Reason string
	Err    error
}

// NewFailure returns a Failure of the given kind.
func NewFailure(kind errors.ConstError, reason string, err error) *Failure {
	return &Failure{Kind: kind, Reason: reason, Err: err}
}

// Error implements error.
func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Kind, f.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", f.Kind, f.Reason, f.Err)
}

// Unwrap exposes both the kind and the cause.
func (f *Failure) Unwrap() []error {
	if f.Err == nil {
		return []error{f.Kind}
	}
	return []error{f.Kind, f.Err}
}

// KindOf returns the kind of err, defaulting to UnexpectedError.
func KindOf(err error) errors.ConstError {
	for _, kind := range []errors.ConstError{
		ProvisionTimeout,
		ProvisionError,
		ServiceStartError,
		IntegrityError,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return UnexpectedError
}
