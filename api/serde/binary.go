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

import "fmt"

// BinarySerde encodes payloads that cross the log, the wire or a KV bucket.
type BinarySerde interface {
	SerializeBinary(value any) ([]byte, error)
	DeserializeBinary(data []byte, valuePtr any) error
}

// New returns the serde registered under name ("json" or "msgpack").
func New(name string) (BinarySerde, error) {
	switch name {
	case "", "json":
		return &JsonSerde{}, nil
	case "msgpack":
		return &MsgpackSerde{}, nil
	}
	return nil, fmt.Errorf("unknown serde %q", name)
}
