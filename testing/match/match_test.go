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

package match

import (
	"errors"
	"fmt"
	"testing"

	perrors "github.com/pkg/errors"
)

var errSentinel = errors.New("sentinel")

func TestError(t *testing.T) {
	tcs := []struct {
		name    string
		err     error
		wantErr string
		want    bool
	}{
		{name: "no error expected", want: true},
		{name: "unexpected error", err: errSentinel},
		{name: "missing error", wantErr: "sentinel"},
		{name: "substring", err: fmt.Errorf("reading: %w", errSentinel), wantErr: "reading", want: true},
		{name: "other message", err: errSentinel, wantErr: "reading"},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			if got := Error(tc.err, tc.wantErr); got != tc.want {
				t.Errorf("Error(%v, %q) = %v, want %v", tc.err, tc.wantErr, got, tc.want)
			}
		})
	}
}

func TestErrorIs(t *testing.T) {
	wrapped := perrors.Wrapf(errSentinel, "section at 0x%x", 0x1000)
	tcs := []struct {
		name     string
		err      error
		sentinel error
		wantMsg  string
		want     bool
	}{
		{name: "no error expected", want: true},
		{name: "unexpected error", err: wrapped},
		{name: "missing error", sentinel: errSentinel},
		{name: "sentinel only", err: wrapped, sentinel: errSentinel, want: true},
		{name: "sentinel and message", err: wrapped, sentinel: errSentinel, wantMsg: "at 0x1000", want: true},
		{name: "wrong message", err: wrapped, sentinel: errSentinel, wantMsg: "at 0x2000"},
		{name: "wrong sentinel", err: errors.New("section at 0x1000"), sentinel: errSentinel, wantMsg: "at 0x1000"},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			if got := ErrorIs(tc.err, tc.sentinel, tc.wantMsg); got != tc.want {
				t.Errorf("ErrorIs(%v, %v, %q) = %v, want %v", tc.err, tc.sentinel, tc.wantMsg, got, tc.want)
			}
		})
	}
}
