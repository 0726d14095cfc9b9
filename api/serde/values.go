// Copyright 2025 Nguyen Nhat Nguyen
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

package serde

import (
	"fmt"
	"reflect"
)

// DecodeValue decodes data into a fresh value of type t. Empty data yields
// the zero value so that functions taking struct{} or pointer inputs can be
// called without a payload.
func DecodeValue(s BinarySerde, data []byte, t reflect.Type) (reflect.Value, error) {
	if len(data) == 0 {
		return reflect.Zero(t), nil
	}

	var target reflect.Value
	if t.Kind() == reflect.Pointer {
		target = reflect.New(t.Elem())
	} else {
		target = reflect.New(t)
	}
	if err := s.DeserializeBinary(data, target.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("failed to decode %v: %w", t, err)
	}
	if t.Kind() != reflect.Pointer {
		return target.Elem(), nil
	}
	return target, nil
}

// Convert moves value into valuePtr by round-tripping it through s.
// It is how loosely typed inputs (maps from a JSON body) reach the typed
// parameters of registered functions regardless of the wire format.
func Convert(s BinarySerde, value any, valuePtr any) error {
	data, err := s.SerializeBinary(value)
	if err != nil {
		return fmt.Errorf("failed to serialize value for conversion: %w", err)
	}
	if err := s.DeserializeBinary(data, valuePtr); err != nil {
		return fmt.Errorf("failed to deserialize value for conversion: %w", err)
	}
	return nil
}
