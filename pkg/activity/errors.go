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

package activity

import (
	"errors"

	"github.com/ngnhng/sahale/api"
)

// Error is a classified activity error. Handlers return it (usually through
// NonRetryable) to tell the invoker whether another attempt makes sense.
type Error struct {
	Message   string
	Retryable bool
	cause     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.cause }

// NonRetryable marks err as a business failure that must not be retried.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Message: err.Error(), Retryable: false, cause: err}
}

// Retryable marks err as transient. Plain errors are already treated this
// way; the helper exists for symmetry and explicitness.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Message: err.Error(), Retryable: true, cause: err}
}

// IsRetryable reports the classification of err. Unclassified errors are
// retryable.
func IsRetryable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	var f *api.Failure
	if errors.As(err, &f) {
		return f.Retryable
	}
	return true
}

// ToFailure converts a handler error into its durable form.
func ToFailure(name string, err error) *api.Failure {
	var f *api.Failure
	if errors.As(err, &f) {
		out := *f
		if out.Activity == "" {
			out.Activity = name
		}
		return &out
	}
	return &api.Failure{
		Kind:      api.FailureActivityFailed,
		Message:   err.Error(),
		Activity:  name,
		Retryable: IsRetryable(err),
	}
}
