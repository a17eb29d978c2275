// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package backup holds the values that flow through a backup verification
// run: the infrastructure resources it creates, the attempts it makes, the
// states the recovery check moves through, and the outcome it reports.
//
// Nothing in here talks to a cloud or a remote host.
package backup
