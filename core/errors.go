// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package core

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every component.
var (
	// ErrConfiguration indicates an invalid stage config or unknown backend type.
	// Fatal at construction time.
	ErrConfiguration = errors.New("configuration error")

	// ErrConnection indicates a backend could not be reached at construction time.
	ErrConnection = errors.New("connection error")

	// ErrTransport indicates a network or I/O failure during read, invoke, or write.
	ErrTransport = errors.New("transport error")

	// ErrNotFound indicates a missing source item.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates an embed provider/model mismatch or another
	// invalid parameter combination.
	ErrValidation = errors.New("validation error")

	// ErrEmptyKey indicates an empty source item key.
	ErrEmptyKey = errors.New("key cannot be empty")
)

// FileError records the state in which processing of a file failed.
type FileError struct {
	Key   string
	State FileState
	Err   error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: failed while %s: %v", e.Key, e.State, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// NewFileError wraps err with the file key and failing state.
func NewFileError(key string, state FileState, err error) *FileError {
	return &FileError{Key: key, State: state, Err: err}
}
