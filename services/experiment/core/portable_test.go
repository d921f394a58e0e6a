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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	ctor := func(json.RawMessage) (any, error) { return &fakeLearner{name: "a"}, nil }

	require.NoError(t, reg.Register(KindLearner, "a", ctor))

	t.Run("duplicate name within kind", func(t *testing.T) {
		err := reg.Register(KindLearner, "a", ctor)
		require.ErrorIs(t, err, ErrAlreadyRegistered)
	})

	t.Run("same name under another kind", func(t *testing.T) {
		require.NoError(t, reg.Register(KindEnvironment, "a", ctor))
	})

	t.Run("nil constructor", func(t *testing.T) {
		err := reg.Register(KindLearner, "b", nil)
		require.ErrorIs(t, err, ErrNilConstructor)
	})
}

func TestRegistry_MustRegisterPanicsOnDuplicate(t *testing.T) {
	reg := NewRegistry()
	ctor := func(json.RawMessage) (any, error) { return nil, nil }
	reg.MustRegister(KindLearner, "a", ctor)

	assert.Panics(t, func() { reg.MustRegister(KindLearner, "a", ctor) })
}

func TestRegistry_Build(t *testing.T) {
	reg := testRegistry()

	obj, err := reg.Build(Form{
		Kind: KindLearner,
		Name: "test/portable_learner",
		Args: json.RawMessage(`{"name":"rebuilt"}`),
	})
	require.NoError(t, err)

	lrn, ok := obj.(*portableLearner)
	require.True(t, ok)
	assert.Equal(t, "rebuilt", lrn.name)
}

func TestRegistry_BuildUnregistered(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Build(Form{Kind: KindLearner, Name: "missing"})
	require.ErrorIs(t, err, ErrNotRegistered)
}

func TestRegistry_Resolvable(t *testing.T) {
	reg := testRegistry()
	assert.True(t, reg.Resolvable(Form{Kind: KindLearner, Name: "test/portable_learner"}))
	assert.False(t, reg.Resolvable(Form{Kind: KindLearner, Name: "missing"}))
	assert.False(t, reg.Resolvable(Form{Kind: KindEnvironment, Name: "test/portable_learner"}))
}

func portableItem() WorkItem {
	return WorkItem{
		Pair:        PairID{Env: 0, Lrn: 0},
		Learner:     &portableLearner{fakeLearner{name: "p"}},
		Environment: &portableEnv{fakeEnv{interactions: twoActionInteractions(3)}},
		Tasks:       defaultTasks(),
	}
}

func TestReduceRebuildItem(t *testing.T) {
	reg := testRegistry()

	forms, err := ReduceItem(reg, portableItem())
	require.NoError(t, err)
	assert.Equal(t, "test/portable_learner", forms.Learner.Name)
	assert.Equal(t, KindLearner, forms.Learner.Kind)
	assert.Equal(t, "test/portable_env", forms.Environment.Name)

	rebuilt, err := RebuildItem(reg, forms)
	require.NoError(t, err)

	lrn, ok := rebuilt.Learner.(*portableLearner)
	require.True(t, ok)
	assert.Equal(t, "p", lrn.name)
	require.IsType(t, &portableEnv{}, rebuilt.Environment)
	assert.IsType(t, SimpleLearnerInfo{}, rebuilt.Tasks.Learner)
	assert.IsType(t, SimpleEnvironmentInfo{}, rebuilt.Tasks.Environment)

	eval, ok := rebuilt.Tasks.Evaluation.(OnPolicyEvaluation)
	require.True(t, ok)
	assert.Equal(t, int64(1), eval.Seed)
}

func TestReduceItem_NonPortableLearner(t *testing.T) {
	item := portableItem()
	item.Learner = &fakeLearner{name: "plain"}

	_, err := ReduceItem(testRegistry(), item)
	require.ErrorIs(t, err, ErrNotPortable)
	assert.Contains(t, err.Error(), "processes=1")
}

func TestReduceItem_UnregisteredConstructor(t *testing.T) {
	reg := NewRegistry()
	_, err := ReduceItem(reg, portableItem())
	require.ErrorIs(t, err, ErrNotPortable)
	assert.Contains(t, err.Error(), "not registered")
}

func TestValidatePortable(t *testing.T) {
	reg := testRegistry()
	good := portableItem()

	require.NoError(t, ValidatePortable(reg, []WorkItem{good}))

	bad := portableItem()
	bad.Pair = PairID{Env: 1, Lrn: 0}
	bad.Environment = &fakeEnv{name: "plain"}

	err := ValidatePortable(reg, []WorkItem{good, bad})
	require.ErrorIs(t, err, ErrNotPortable)
	assert.Contains(t, err.Error(), "pair 1:0")
}

func TestRebuildItem_WrongType(t *testing.T) {
	reg := testRegistry()
	forms, err := ReduceItem(reg, portableItem())
	require.NoError(t, err)

	// An environment constructor cannot serve the learner slot.
	forms.Learner = Form{Kind: KindEnvironment, Name: "test/portable_env"}
	_, err = RebuildItem(reg, forms)
	require.ErrorIs(t, err, ErrNotPortable)
}
