// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package wait provides the single polling primitive used for every
// infrastructure transition and health check: wait for a predicate to hold,
// checking it at a fixed interval, until a deadline.
package wait

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"
)

var logger = loggo.GetLogger("backupverifier.wait")

// Policy bounds a wait. At least one of Timeout and Attempts must be set;
// when both are set whichever runs out first ends the wait.
type Policy struct {
	// Interval is the fixed delay between checks.
	Interval time.Duration `yaml:"interval"`

	// Timeout is the total time allowed, measured from the first check.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// Attempts is the maximum number of checks.
	Attempts int `yaml:"attempts,omitempty"`
}

// Validate ensures the policy can bound a wait.
func (p Policy) Validate() error {
	if p.Interval <= 0 {
		return errors.NotValidf("interval %v", p.Interval)
	}
	if p.Timeout < 0 {
		return errors.NotValidf("negative timeout %v", p.Timeout)
	}
	if p.Attempts < 0 {
		return errors.NotValidf("negative attempts %d", p.Attempts)
	}
	if p.Timeout == 0 && p.Attempts == 0 {
		return errors.NotValidf("unbounded wait")
	}
	return nil
}

// Budget returns the longest time a wait under p can take, ignoring the
// time spent in checks.
func (p Policy) Budget() time.Duration {
	if p.Attempts > 0 {
		byAttempts := time.Duration(p.Attempts-1) * p.Interval
		if p.Timeout == 0 || byAttempts < p.Timeout {
			return byAttempts
		}
	}
	return p.Timeout
}

// CheckFunc reports whether the awaited condition holds. A non-nil error
// ends the wait immediately.
type CheckFunc func(ctx context.Context) (bool, error)

// errNotYet is returned to retry.Call while the predicate is false.
var errNotYet = errors.ConstError("condition not met")

// For checks the condition immediately and then every p.Interval until it
// holds. When the budget of p runs out For returns an error satisfying
// errors.Is(err, errors.Timeout). If ctx is done the context error is
// returned annotated.
func For(ctx context.Context, clk clock.Clock, p Policy, what string, check CheckFunc) error {
	if err := p.Validate(); err != nil {
		return errors.Annotatef(err, "waiting for %s", what)
	}

	attempts := p.Attempts
	if attempts == 0 {
		attempts = -1
	}

	var fatal error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			if err := ctx.Err(); err != nil {
				fatal = err
				return err
			}
			done, err := check(ctx)
			if err != nil {
				fatal = err
				return err
			}
			if !done {
				return errNotYet
			}
			return nil
		},
		IsFatalError: func(err error) bool {
			return err != errNotYet
		},
		NotifyFunc: func(_ error, attempt int) {
			logger.Tracef("still waiting for %s (check %d)", what, attempt)
		},
		Attempts:    attempts,
		Delay:       p.Interval,
		MaxDuration: p.Timeout,
		Clock:       clk,
		Stop:        ctx.Done(),
	})
	switch {
	case err == nil:
		return nil
	case fatal != nil:
		return errors.Annotatef(fatal, "waiting for %s", what)
	case retry.IsRetryStopped(err):
		return errors.Annotatef(ctx.Err(), "waiting for %s", what)
	case retry.IsAttemptsExceeded(err), retry.IsDurationExceeded(err):
		return errors.Annotatef(errors.Timeoutf("%v", p.Budget()), "waiting for %s", what)
	}
	return errors.Trace(err)
}
