/*
   Copyright @ 2022 The flashtier Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package registration

import (
	"context"
	"errors"
	"fmt"

	"github.com/flashtier-io/flashtier/pkg/devicehandle"
	"github.com/flashtier-io/flashtier/pkg/registry"
	"github.com/flashtier-io/flashtier/pkg/superblock"
)

// FailureKind classifies a terminal registration failure. Transports
// surface kind and message verbatim; nothing is retried by the core.
type FailureKind string

const (
	KindDecodeError     FailureKind = "DecodeError"
	KindValidationError FailureKind = "ValidationError"
	KindDeviceError     FailureKind = "DeviceError"
	KindGroupMismatch   FailureKind = "GroupMismatch"
	KindDuplicateDevice FailureKind = "DuplicateDevice"
	KindAssemblyTimeout FailureKind = "AssemblyTimeout"
	KindAlreadyClaimed  FailureKind = "AlreadyClaimed"
	KindCanceled        FailureKind = "Canceled"
)

// Error is the failure half of a RegistrationResult.
type Error struct {
	Kind    FailureKind
	Message string
	err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.err
}

// ErrAssemblyTimeout is wrapped by AssemblyTimeout failures so callers can
// test for the retryable case with errors.Is.
var ErrAssemblyTimeout = errors.New("timed out waiting for the cache set to assemble")

// classify maps component errors onto the failure taxonomy.
func classify(err error) *Error {
	var re *Error
	if errors.As(err, &re) {
		return re
	}

	kind := KindDeviceError
	switch {
	case errors.Is(err, superblock.ErrTruncated),
		errors.Is(err, superblock.ErrBadMagic),
		errors.Is(err, superblock.ErrBadChecksum),
		errors.Is(err, superblock.ErrUnsupportedVersion):
		kind = KindDecodeError
	case errors.Is(err, superblock.ErrGeometryOverflow),
		errors.Is(err, superblock.ErrRoleMismatch):
		kind = KindValidationError
	case errors.Is(err, registry.ErrGroupMismatch),
		errors.Is(err, registry.ErrSetNotFound):
		kind = KindGroupMismatch
	case errors.Is(err, registry.ErrDuplicateDevice):
		kind = KindDuplicateDevice
	case errors.Is(err, devicehandle.ErrAlreadyClaimed):
		kind = KindAlreadyClaimed
	case errors.Is(err, ErrAssemblyTimeout):
		kind = KindAssemblyTimeout
	case errors.Is(err, errCanceled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		kind = KindCanceled
	}

	return &Error{Kind: kind, Message: err.Error(), err: err}
}

var errCanceled = errors.New("registration canceled by the caller")
