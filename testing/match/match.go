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

// Package match checks errors from launch digest operations against test expectations.
package match

import (
	"errors"
	"strings"
)

// Error returns true iff err's message contains wantErr. An empty wantErr expects err to be nil.
func Error(err error, wantErr string) bool {
	if err == nil || wantErr == "" {
		return err == nil && wantErr == ""
	}
	return strings.Contains(err.Error(), wantErr)
}

// ErrorIs returns true iff err wraps the sentinel and its message contains wantMsg. A nil sentinel
// expects err to be nil, and an empty wantMsg checks only the sentinel.
func ErrorIs(err, sentinel error, wantMsg string) bool {
	if sentinel == nil {
		return err == nil
	}
	return errors.Is(err, sentinel) && strings.Contains(err.Error(), wantMsg)
}
