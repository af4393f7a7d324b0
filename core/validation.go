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
	"fmt"
	"strings"
)

// ValidateKey checks that a source item key is usable.
//
// Validation rules:
//   - Key must not be empty or whitespace
//   - Key must not end with "/" (directory markers are not items)
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: %w", ErrValidation, ErrEmptyKey)
	}
	if strings.HasSuffix(key, "/") {
		return fmt.Errorf("%w: key %q is a directory marker", ErrValidation, key)
	}
	return nil
}

// ValidateElements checks the minimum shape of service output.
//
// Validation rules:
//   - Every element must carry a metadata map
//
// NOT validated:
//   - text (may be empty for image or table elements)
//   - embedded (missing vectors are dropped by vector destinations)
func ValidateElements(elements []Element) error {
	for i, el := range elements {
		if el == nil {
			return fmt.Errorf("%w: element %d is nil", ErrValidation, i)
		}
		if _, ok := el[ElementMetadataField].(map[string]any); !ok {
			return fmt.Errorf("%w: element %d has no metadata map", ErrValidation, i)
		}
	}
	return nil
}
