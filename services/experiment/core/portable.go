// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// -----------------------------------------------------------------------------
// Registry Errors
// -----------------------------------------------------------------------------

var (
	// ErrNotRegistered is returned when a form names a constructor that has
	// not been registered in the receiving process.
	ErrNotRegistered = errors.New("constructor not registered")

	// ErrAlreadyRegistered is returned when registering a duplicate name.
	ErrAlreadyRegistered = errors.New("constructor already registered")

	// ErrNilConstructor is returned when registering a nil constructor.
	ErrNilConstructor = errors.New("constructor must not be nil")
)

// -----------------------------------------------------------------------------
// Reduction Forms
// -----------------------------------------------------------------------------

// Kind tags the role a portable form reconstructs into.
type Kind string

const (
	KindLearner         Kind = "learner"
	KindEnvironment     Kind = "environment"
	KindLearnerTask     Kind = "learner_task"
	KindEnvironmentTask Kind = "environment_task"
	KindEvaluationTask  Kind = "evaluation_task"
)

// Form is the reduction form of an object: a registered constructor name plus
// its serialized arguments. Forms, not live object graphs, are what crosses
// the process boundary.
type Form struct {
	Kind Kind            `json:"kind"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Portable is implemented by learners, environments, and tasks that can be
// transferred to a worker process. The returned Form must reconstruct an
// equivalent object through a Registry in the receiving process.
type Portable interface {
	PortableForm() (Form, error)
}

// Constructor rebuilds an object from its serialized arguments.
type Constructor func(args json.RawMessage) (any, error)

// -----------------------------------------------------------------------------
// Registry
// -----------------------------------------------------------------------------

// Registry maps (kind, name) to constructors. Parent and worker processes
// share registrations by construction: both run the same binary, and
// registration happens in package init or before the run starts.
//
// Thread Safety: safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	constructors map[Kind]map[string]Constructor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[Kind]map[string]Constructor)}
}

// defaultRegistry backs the package-level Register/Build helpers.
var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry { return defaultRegistry }

// Register adds a constructor under (kind, name).
//
// Outputs:
//   - error: ErrNilConstructor if ctor is nil, ErrAlreadyRegistered on a
//     duplicate name within the kind.
func (r *Registry) Register(kind Kind, name string, ctor Constructor) error {
	if ctor == nil {
		return fmt.Errorf("%w: %s/%s", ErrNilConstructor, kind, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byName, ok := r.constructors[kind]
	if !ok {
		byName = make(map[string]Constructor)
		r.constructors[kind] = byName
	}
	if _, exists := byName[name]; exists {
		return fmt.Errorf("%w: %s/%s", ErrAlreadyRegistered, kind, name)
	}
	byName[name] = ctor
	return nil
}

// MustRegister registers a constructor and panics on error. Intended for
// package init blocks where a duplicate name is a programming error.
func (r *Registry) MustRegister(kind Kind, name string, ctor Constructor) {
	if err := r.Register(kind, name, ctor); err != nil {
		panic(err)
	}
}

// Build reconstructs an object from its reduction form.
func (r *Registry) Build(form Form) (any, error) {
	r.mu.RLock()
	ctor, ok := r.constructors[form.Kind][form.Name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotRegistered, form.Kind, form.Name)
	}
	obj, err := ctor(form.Args)
	if err != nil {
		return nil, fmt.Errorf("construct %s/%s: %w", form.Kind, form.Name, err)
	}
	return obj, nil
}

// Resolvable reports whether a form names a registered constructor.
func (r *Registry) Resolvable(form Form) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.constructors[form.Kind][form.Name]
	return ok
}

// -----------------------------------------------------------------------------
// Portability Checks
// -----------------------------------------------------------------------------

// portableDiagnostic is the actionable message attached to every
// serialization failure. It tells the user what the contract is instead of
// surfacing a generic crash.
const portableDiagnostic = "the object must be fully constructible from serializable state: " +
	"implement PortableForm() returning a registered constructor name plus " +
	"serializable arguments, or run the experiment with processes=1"

// ValidatePortable checks every work item's handles against the reduction
// contract before any work is dispatched. It returns the first
// ErrNotPortable found so a multiprocess run fails fast with zero records
// produced and the log untouched.
func ValidatePortable(reg *Registry, items []WorkItem) error {
	for _, item := range items {
		if _, err := ReduceItem(reg, item); err != nil {
			return fmt.Errorf("pair %s: %w", item.Pair, err)
		}
	}
	return nil
}

// ItemForms is a work item's payload in reduction form: everything a worker
// process needs to rebuild the item, minus the identity fields that transfer
// verbatim.
type ItemForms struct {
	Learner         Form
	Environment     Form
	LearnerTask     Form
	EnvironmentTask Form
	EvaluationTask  Form
}

// ReduceItem extracts the reduction forms of a work item's handles. Any
// handle that cannot be reduced yields ErrNotPortable with the actionable
// diagnostic.
func ReduceItem(reg *Registry, item WorkItem) (ItemForms, error) {
	var forms ItemForms
	var err error

	if forms.Learner, err = formOf(reg, KindLearner, item.Learner); err != nil {
		return ItemForms{}, err
	}
	if forms.Environment, err = formOf(reg, KindEnvironment, item.Environment); err != nil {
		return ItemForms{}, err
	}
	if forms.LearnerTask, err = formOf(reg, KindLearnerTask, item.Tasks.Learner); err != nil {
		return ItemForms{}, err
	}
	if forms.EnvironmentTask, err = formOf(reg, KindEnvironmentTask, item.Tasks.Environment); err != nil {
		return ItemForms{}, err
	}
	if forms.EvaluationTask, err = formOf(reg, KindEvaluationTask, item.Tasks.Evaluation); err != nil {
		return ItemForms{}, err
	}
	return forms, nil
}

// RebuildItem reconstructs a work item's handles from their reduction forms.
// The caller fills in the identity fields.
func RebuildItem(reg *Registry, forms ItemForms) (WorkItem, error) {
	var item WorkItem

	obj, err := reg.Build(forms.Learner)
	if err != nil {
		return WorkItem{}, err
	}
	lrn, ok := obj.(Learner)
	if !ok {
		return WorkItem{}, fmt.Errorf("%w: constructor %q built %T, not a Learner", ErrNotPortable, forms.Learner.Name, obj)
	}
	item.Learner = lrn

	obj, err = reg.Build(forms.Environment)
	if err != nil {
		return WorkItem{}, err
	}
	env, ok := obj.(Environment)
	if !ok {
		return WorkItem{}, fmt.Errorf("%w: constructor %q built %T, not an Environment", ErrNotPortable, forms.Environment.Name, obj)
	}
	item.Environment = env

	obj, err = reg.Build(forms.LearnerTask)
	if err != nil {
		return WorkItem{}, err
	}
	lrnTask, ok := obj.(LearnerTask)
	if !ok {
		return WorkItem{}, fmt.Errorf("%w: constructor %q built %T, not a LearnerTask", ErrNotPortable, forms.LearnerTask.Name, obj)
	}
	item.Tasks.Learner = lrnTask

	obj, err = reg.Build(forms.EnvironmentTask)
	if err != nil {
		return WorkItem{}, err
	}
	envTask, ok := obj.(EnvironmentTask)
	if !ok {
		return WorkItem{}, fmt.Errorf("%w: constructor %q built %T, not an EnvironmentTask", ErrNotPortable, forms.EnvironmentTask.Name, obj)
	}
	item.Tasks.Environment = envTask

	obj, err = reg.Build(forms.EvaluationTask)
	if err != nil {
		return WorkItem{}, err
	}
	evalTask, ok := obj.(EvaluationTask)
	if !ok {
		return WorkItem{}, fmt.Errorf("%w: constructor %q built %T, not an EvaluationTask", ErrNotPortable, forms.EvaluationTask.Name, obj)
	}
	item.Tasks.Evaluation = evalTask

	return item, nil
}

// formOf extracts the reduction form of an object, distinguishing the
// serialization failure class from ordinary runtime errors.
func formOf(reg *Registry, kind Kind, obj any) (Form, error) {
	p, ok := obj.(Portable)
	if !ok {
		return Form{}, fmt.Errorf("%w: %s %T does not implement PortableForm; %s",
			ErrNotPortable, kind, obj, portableDiagnostic)
	}
	form, err := p.PortableForm()
	if err != nil {
		return Form{}, fmt.Errorf("%w: %s %T: %v; %s", ErrNotPortable, kind, obj, err, portableDiagnostic)
	}
	form.Kind = kind
	if !reg.Resolvable(form) {
		return Form{}, fmt.Errorf("%w: %s constructor %q is not registered in this binary; %s",
			ErrNotPortable, kind, form.Name, portableDiagnostic)
	}
	return form, nil
}
