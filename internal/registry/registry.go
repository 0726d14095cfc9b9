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

// Package registry maps names to activity and workflow implementations.
// A Registry is built once at process start and handed to the components
// that need it; there is no package-level instance.
package registry

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/ngnhng/sahale/api"
	"github.com/ngnhng/sahale/api/serde"
	"github.com/ngnhng/sahale/pkg/activity"
	"github.com/ngnhng/sahale/pkg/workflow"
)

var (
	contextType         = reflect.TypeOf((*context.Context)(nil)).Elem()
	workflowContextType = reflect.TypeOf((*workflow.Context)(nil)).Elem()
	errorType           = reflect.TypeOf((*error)(nil)).Elem()
)

// Activity is a registered activity contract. Fn is invalid for activities
// hosted in another process.
type Activity struct {
	Name    string
	Options activity.Options
	Fn      reflect.Value
	In      reflect.Type
}

// Remote reports whether the handler lives in a hosted unit.
func (a Activity) Remote() bool { return !a.Fn.IsValid() }

// Call decodes input, runs the handler in-process and encodes its result.
func (a Activity) Call(ctx context.Context, conv serde.BinarySerde, input []byte) ([]byte, error) {
	if a.Remote() {
		return nil, fmt.Errorf("activity %q has no local handler", a.Name)
	}
	in, err := serde.DecodeValue(conv, input, a.In)
	if err != nil {
		return nil, activity.NonRetryable(fmt.Errorf("activity %q: %w", a.Name, err))
	}

	out := a.Fn.Call([]reflect.Value{reflect.ValueOf(ctx), in})
	if errv := out[1]; !errv.IsNil() {
		return nil, errv.Interface().(error)
	}
	data, err := conv.SerializeBinary(out[0].Interface())
	if err != nil {
		return nil, activity.NonRetryable(fmt.Errorf("activity %q result: %w", a.Name, err))
	}
	return data, nil
}

// Workflow is a registered workflow definition.
type Workflow struct {
	Name string
	Fn   reflect.Value
	In   reflect.Type
}

type Registry struct {
	mu         sync.RWMutex
	activities map[string]Activity
	workflows  map[string]Workflow
}

func New() *Registry {
	return &Registry{
		activities: make(map[string]Activity),
		workflows:  make(map[string]Workflow),
	}
}

// Register associates name with fn, which must have the shape
// func(context.Context, In) (Out, error). Registering the same function with
// the same options again is a no-op.
func (r *Registry) Register(name string, fn any, opts activity.Options) error {
	if name == "" {
		return fmt.Errorf("activity name must not be empty")
	}
	fnv := reflect.ValueOf(fn)
	if err := checkSignature(fnv, contextType); err != nil {
		return fmt.Errorf("activity %q: %w", name, err)
	}
	return r.putActivity(Activity{Name: name, Options: opts, Fn: fnv, In: fnv.Type().In(1)})
}

// RegisterRemote declares the contract of an activity served by a hosted
// unit. Only its options are known locally.
func (r *Registry) RegisterRemote(name string, opts activity.Options) error {
	if name == "" {
		return fmt.Errorf("activity name must not be empty")
	}
	return r.putActivity(Activity{Name: name, Options: opts})
}

func (r *Registry) putActivity(a Activity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.activities[a.Name]; ok {
		if sameFunc(existing.Fn, a.Fn) && existing.Options.Equal(a.Options) {
			return nil
		}
		return fmt.Errorf("%w: %q", api.ErrDuplicateActivity, a.Name)
	}
	r.activities[a.Name] = a
	return nil
}

// Lookup returns the activity registered under name.
func (r *Registry) Lookup(name string) (Activity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.activities[name]
	if !ok {
		return Activity{}, fmt.Errorf("%w: %q", api.ErrUnknownActivity, name)
	}
	return a, nil
}

// Activities returns the registered activity names in sorted order.
func (r *Registry) Activities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.activities))
	for name := range r.activities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterWorkflow associates name with fn, which must have the shape
// func(workflow.Context, In) (Out, error).
func (r *Registry) RegisterWorkflow(name string, fn any) error {
	if name == "" {
		return fmt.Errorf("workflow name must not be empty")
	}
	fnv := reflect.ValueOf(fn)
	if err := checkSignature(fnv, workflowContextType); err != nil {
		return fmt.Errorf("workflow %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.workflows[name]; ok {
		if sameFunc(existing.Fn, fnv) {
			return nil
		}
		return fmt.Errorf("%w: %q", api.ErrDuplicateWorkflow, name)
	}
	r.workflows[name] = Workflow{Name: name, Fn: fnv, In: fnv.Type().In(1)}
	return nil
}

// Workflow returns the workflow registered under name.
func (r *Registry) Workflow(name string) (Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workflows[name]
	if !ok {
		return Workflow{}, fmt.Errorf("%w: %q", api.ErrUnknownWorkflow, name)
	}
	return w, nil
}

func checkSignature(fnv reflect.Value, first reflect.Type) error {
	if !fnv.IsValid() || fnv.Kind() != reflect.Func || fnv.IsNil() {
		return fmt.Errorf("handler must be a non-nil function")
	}
	t := fnv.Type()
	if t.NumIn() != 2 || t.In(0) != first {
		return fmt.Errorf("handler must accept (%v, input), got %v", first, t)
	}
	if t.NumOut() != 2 || t.Out(1) != errorType {
		return fmt.Errorf("handler must return (result, error), got %v", t)
	}
	return nil
}

func sameFunc(a, b reflect.Value) bool {
	if a.IsValid() != b.IsValid() {
		return false
	}
	if !a.IsValid() {
		return true
	}
	return a.Pointer() == b.Pointer() && a.Type() == b.Type()
}
