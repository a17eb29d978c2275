// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package ec2

import (
	"strings"

	"github.com/aws/smithy-go"
	"github.com/juju/errors"
)

// EC2 API error codes the provider reacts to.
const (
	codeVolumeNotFound   = "InvalidVolume.NotFound"
	codeSnapshotNotFound = "InvalidSnapshot.NotFound"
	codeInstanceNotFound = "InvalidInstanceID.NotFound"
	codeIncorrectState   = "IncorrectState"
	codeVolumeInUse      = "VolumeInUse"
	codeInvalidParameter = "InvalidParameterValue"
)

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func isNotFound(err error) bool {
	switch apiErrorCode(err) {
	case codeVolumeNotFound, codeSnapshotNotFound, codeInstanceNotFound:
		return true
	}
	return false
}

// isAttachConflict reports whether an attach failed because the device
// name is already taken on the instance.
func isAttachConflict(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case codeInvalidParameter, codeVolumeInUse:
		return strings.Contains(apiErr.ErrorMessage(), "already in use")
	}
	return false
}

// isAlreadyDetached reports whether a detach failed because there was
// nothing to detach.
func isAlreadyDetached(err error) bool {
	return apiErrorCode(err) == codeIncorrectState || isNotFound(err)
}
