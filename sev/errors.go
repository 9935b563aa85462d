// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sev

import (
	"github.com/pkg/errors"
)

var (
	// ErrInputRead is returned when a kernel, initrd, or firmware file cannot be read in full.
	ErrInputRead = errors.New("input read error")
	// ErrLength is returned when an input has a size the measurement cannot represent, such as a
	// firmware image that is not a whole number of pages.
	ErrLength = errors.New("length error")
	// ErrUnsupportedConfiguration is returned for CPU generation, VMM type, or vCPU type values
	// that have no known launch defaults.
	ErrUnsupportedConfiguration = errors.New("unsupported configuration")
	// ErrVcpuCount is returned for a launch with fewer than one vCPU.
	ErrVcpuCount = errors.New("vcpu count error")
	// ErrFirmwareLayout is returned when the firmware lacks or malforms SEV metadata that the
	// requested launch needs.
	ErrFirmwareLayout = errors.New("firmware layout error")
	// ErrLengthInvariant signals that a computed digest or serialized structure has the wrong
	// width. It indicates a bug, not bad input.
	ErrLengthInvariant = errors.New("length invariant violated")
	// ErrChainOrder signals a launch digest fold performed out of order. It indicates a bug, not
	// bad input.
	ErrChainOrder = errors.New("launch digest steps out of order")
)

// IsInternal returns true iff err stems from a broken internal invariant rather than from the
// user's inputs.
func IsInternal(err error) bool {
	return errors.Is(err, ErrLengthInvariant) || errors.Is(err, ErrChainOrder)
}

// wrapf attaches a sentinel to a message. errors.Is finds the sentinel through the result.
func wrapf(sentinel error, format string, args ...any) error {
	return errors.Wrapf(sentinel, format, args...)
}
