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

package serde_test

import (
	"reflect"
	"testing"
	"time"

	"github.com/ngnhng/sahale/api/serde"
)

type transcript struct {
	JobID    string    `json:"jobId"`
	Segments []string  `json:"segments"`
	Score    float64   `json:"score"`
	Count    int       `json:"count"`
	At       time.Time `json:"at"`
	Nested   *nested   `json:"nested,omitempty"`
}

type nested struct {
	Value string `json:"value"`
}

func serdes() []struct {
	name  string
	serde serde.BinarySerde
} {
	return []struct {
		name  string
		serde serde.BinarySerde
	}{
		{"JSON", &serde.JsonSerde{}},
		{"MessagePack", &serde.MsgpackSerde{}},
	}
}

func TestDecodeValue(t *testing.T) {
	original := transcript{
		JobID:    "job-1",
		Segments: []string{"a", "b"},
		Score:    0.5,
		Count:    3,
		At:       time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Nested:   &nested{Value: "x"},
	}

	for _, tc := range serdes() {
		t.Run(tc.name, func(t *testing.T) {
			data, err := tc.serde.SerializeBinary(original)
			if err != nil {
				t.Fatalf("serialize: %v", err)
			}

			v, err := serde.DecodeValue(tc.serde, data, reflect.TypeOf(transcript{}))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			got := v.Interface().(transcript)
			if !got.At.Equal(original.At) {
				t.Errorf("At mismatch: got %v, want %v", got.At, original.At)
			}
			got.At = original.At
			if !reflect.DeepEqual(got, original) {
				t.Errorf("got %+v, want %+v", got, original)
			}

			pv, err := serde.DecodeValue(tc.serde, data, reflect.TypeOf(&transcript{}))
			if err != nil {
				t.Fatalf("decode pointer: %v", err)
			}
			if pv.Interface().(*transcript).JobID != "job-1" {
				t.Errorf("pointer decode lost JobID")
			}
		})
	}
}

func TestDecodeValueEmptyIsZero(t *testing.T) {
	v, err := serde.DecodeValue(&serde.JsonSerde{}, nil, reflect.TypeOf(transcript{}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !v.IsZero() {
		t.Errorf("expected zero value, got %+v", v.Interface())
	}
}

// Maps decoded from a JSON request body must land in typed structs under
// either serde.
func TestConvertMapToStruct(t *testing.T) {
	input := map[string]any{"jobId": "job-9", "count": 2, "segments": []any{"x"}}

	for _, tc := range serdes() {
		t.Run(tc.name, func(t *testing.T) {
			var got transcript
			if err := serde.Convert(tc.serde, input, &got); err != nil {
				t.Fatalf("convert: %v", err)
			}
			if got.JobID != "job-9" || got.Count != 2 || len(got.Segments) != 1 {
				t.Errorf("unexpected conversion result: %+v", got)
			}
		})
	}
}

func TestNew(t *testing.T) {
	for _, name := range []string{"", "json", "msgpack"} {
		if _, err := serde.New(name); err != nil {
			t.Errorf("New(%q): %v", name, err)
		}
	}
	if _, err := serde.New("protobuf"); err == nil {
		t.Error("expected error for unknown serde")
	}
}
