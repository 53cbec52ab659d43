// Copyright (c) 2026 TTBT Enterprises LLC
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

package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrNotLeader is returned when a mutation is proposed on a follower node.
	ErrNotLeader = errors.New("not leader")

	// ErrNothingToUndo is returned when no live checkpoint exists for the
	// match's open innings. This also forbids undoing across an innings
	// boundary once the next innings has been started.
	ErrNothingToUndo = errors.New("nothing to undo")

	// ErrForbidden and ErrUnauthenticated signal access failures from the
	// room-membership check.
	ErrForbidden       = errors.New("forbidden")
	ErrUnauthenticated = errors.New("unauthenticated")
)

// ValidationError reports a malformed or out-of-turn delivery with a
// field-level reason. It is a routine, user-correctable outcome.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func validationErrorf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// InvalidStateError reports an operation attempted while the match is in a
// lifecycle state that does not accept it.
type InvalidStateError struct {
	Status string
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state: cannot %s while match is %s", e.Op, e.Status)
}

// PersistenceError wraps a storage failure after validation passed.
// This is the only error class that may leave the in-memory and on-disk
// views divergent; callers must discard their working copy and re-read.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
