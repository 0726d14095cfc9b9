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

// Package activity holds what activity authors need: the registration
// contract, error classification and per-attempt metadata.
//
// An activity is any function of the shape
//
//	func(ctx context.Context, input In) (Out, error)
//
// In and Out must be encodable by the configured serde.
package activity

import (
	"context"
	"time"
)

// Info describes the attempt currently executing.
type Info struct {
	RunID     string
	Activity  string
	Attempt   int
	StartedAt time.Time
}

type infoKey struct{}

// WithInfo attaches attempt metadata to ctx.
func WithInfo(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, infoKey{}, info)
}

// GetInfo returns the attempt metadata, if any.
func GetInfo(ctx context.Context) (Info, bool) {
	info, ok := ctx.Value(infoKey{}).(Info)
	return info, ok
}
