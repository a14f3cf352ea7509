// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tot

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianReason/services/reasoning"
)

func TestNewThoughtTree(t *testing.T) {
	tree := NewThoughtTree("why?")

	root := tree.Root()
	assert.Equal(t, RootID, root.ID)
	assert.Empty(t, root.ParentID)
	assert.Equal(t, 0, root.Depth)
	assert.Equal(t, NodeActive, root.State)
	assert.False(t, root.Scored)
	assert.Equal(t, 1, tree.Len())
	assert.NoError(t, tree.Validate())
}

func TestThoughtTree_AddChild(t *testing.T) {
	tree := NewThoughtTree("q")

	a, err := tree.AddChild(RootID, "a", "", 3)
	require.NoError(t, err)
	b, err := tree.AddChild(RootID, "b", "", 0)
	require.NoError(t, err)
	a1, err := tree.AddChild(a.ID, "a1", "42", 0)
	require.NoError(t, err)

	assert.Equal(t, "root.1", a.ID)
	assert.Equal(t, "root.2", b.ID)
	assert.Equal(t, "root.1.1", a1.ID)
	assert.Equal(t, 2, a1.Depth)
	assert.Equal(t, "42", a1.Answer)
	assert.Equal(t, []int{1, 2, 3}, []int{a.Seq, b.Seq, a1.Seq})
	assert.Equal(t, 3, a.TokensUsed)

	_, err = tree.AddChild("root.9", "x", "", 0)
	assert.ErrorIs(t, err, ErrNodeNotFound)

	require.NoError(t, tree.MarkPruned(b.ID))
	_, err = tree.AddChild(b.ID, "x", "", 0)
	assert.ErrorIs(t, err, ErrParentNotActive)

	assert.NoError(t, tree.Validate())
}

func TestThoughtTree_ScoreIsWriteOnce(t *testing.T) {
	tree := NewThoughtTree("q")
	n, _ := tree.AddChild(RootID, "a", "", 1)

	require.NoError(t, tree.SetScore(n.ID, reasoning.Evaluation{Value: 14, Rationale: "great", TokensUsed: 2}))
	got, _ := tree.Node(n.ID)
	assert.True(t, got.Scored)
	assert.Equal(t, reasoning.MaxScore, got.Score)
	assert.Equal(t, "great", got.Rationale)
	assert.Equal(t, 3, got.TokensUsed)

	assert.ErrorIs(t, tree.SetScore(n.ID, reasoning.Evaluation{Value: 1}), ErrScoreAlreadySet)
	assert.ErrorIs(t, tree.SetScore("nope", reasoning.Evaluation{}), ErrNodeNotFound)
}

func TestThoughtTree_StateTransitions(t *testing.T) {
	tree := NewThoughtTree("q")
	a, _ := tree.AddChild(RootID, "a", "", 0)
	b, _ := tree.AddChild(RootID, "b", "", 0)

	require.NoError(t, tree.MarkTerminal(a.ID))
	require.NoError(t, tree.MarkPruned(b.ID))

	assert.ErrorIs(t, tree.MarkPruned(a.ID), ErrInvalidTransition)
	assert.ErrorIs(t, tree.MarkTerminal(b.ID), ErrInvalidTransition)
	assert.ErrorIs(t, tree.MarkTerminal("missing"), ErrNodeNotFound)

	stats := tree.Stats()
	assert.Equal(t, TreeStats{Total: 3, Active: 1, Pruned: 1, Terminal: 1, MaxDepth: 1}, stats)
}

func TestThoughtTree_ChildrenPathLeaves(t *testing.T) {
	tree := NewThoughtTree("q")
	a, _ := tree.AddChild(RootID, "a", "", 0)
	b, _ := tree.AddChild(RootID, "b", "", 0)
	a1, _ := tree.AddChild(a.ID, "a1", "", 0)
	a2, _ := tree.AddChild(a.ID, "a2", "", 0)

	kids := tree.Children(a.ID)
	require.Len(t, kids, 2)
	assert.Equal(t, a1.ID, kids[0].ID)
	assert.Equal(t, a2.ID, kids[1].ID)
	assert.Empty(t, tree.Children(b.ID))

	path, err := tree.Path(a2.ID)
	require.NoError(t, err)
	ids := make([]string, len(path))
	for i, n := range path {
		ids[i] = n.ID
	}
	assert.Equal(t, []string{RootID, "root.1", "root.1.2"}, ids)

	_, err = tree.Path("root.7")
	assert.ErrorIs(t, err, ErrNodeNotFound)

	leaves := tree.Leaves()
	require.Len(t, leaves, 3)
	assert.Equal(t, []string{b.ID, a1.ID, a2.ID}, []string{leaves[0].ID, leaves[1].ID, leaves[2].ID})
}

func TestThoughtTree_ValidateRejectsActiveUnderPruned(t *testing.T) {
	tree := NewThoughtTree("q")
	a, _ := tree.AddChild(RootID, "a", "", 0)
	_, _ = tree.AddChild(a.ID, "a1", "", 0)
	require.NoError(t, tree.Validate())

	// AddChild refuses pruned parents, so force the state directly.
	tree.nodes[a.ID].State = NodePruned
	err := tree.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "active under pruned parent root.1")
}

func TestThoughtTree_AccessorsReturnCopies(t *testing.T) {
	tree := NewThoughtTree("q")
	a, _ := tree.AddChild(RootID, "a", "", 0)

	a.Thought = "mutated"
	a.State = NodePruned
	nodes := tree.Nodes()
	nodes[1].Thought = "mutated too"

	got, ok := tree.Node(a.ID)
	require.True(t, ok)
	assert.Equal(t, "a", got.Thought)
	assert.Equal(t, NodeActive, got.State)
}

func TestThoughtTree_ConcurrentReaders(t *testing.T) {
	tree := NewThoughtTree("q")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = tree.Stats()
				_ = tree.Format()
				_ = tree.Leaves()
			}
		}()
	}
	for i := 0; i < 50; i++ {
		_, err := tree.AddChild(RootID, "t", "", 0)
		require.NoError(t, err)
	}
	wg.Wait()
	assert.Equal(t, 51, tree.Len())
	assert.NoError(t, tree.Validate())
}

func TestThoughtTree_Format(t *testing.T) {
	tree := NewThoughtTree("What is 2+2?")
	a, _ := tree.AddChild(RootID, "add the numbers", "", 0)
	b, _ := tree.AddChild(RootID, "guess\nwildly", "", 0)
	require.NoError(t, tree.SetScore(a.ID, reasoning.Evaluation{Value: 8}))
	require.NoError(t, tree.MarkTerminal(a.ID))
	require.NoError(t, tree.MarkPruned(b.ID))

	out := tree.Format(RootID, a.ID)
	assert.Contains(t, out, "Question: What is 2+2?")
	assert.Contains(t, out, "Nodes: 3")
	assert.Contains(t, out, "└── [root] What is 2+2? (score: -) → ★")
	assert.Contains(t, out, "    ├── [root.1] add the numbers (score: 8.00) ✓ ★")
	assert.Contains(t, out, "    └── [root.2] guess wildly (score: -) ✗")
	assert.False(t, strings.Contains(out, "[root.2] guess wildly (score: -) ✗ ★"))
}

func TestThoughtTree_MarshalJSON(t *testing.T) {
	tree := NewThoughtTree("q")
	_, _ = tree.AddChild(RootID, "a", "", 0)

	data, err := json.Marshal(tree)
	require.NoError(t, err)

	var decoded struct {
		Question string        `json:"question"`
		RootID   string        `json:"root_id"`
		Stats    TreeStats     `json:"stats"`
		Nodes    []ThoughtNode `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "q", decoded.Question)
	assert.Equal(t, RootID, decoded.RootID)
	assert.Equal(t, 2, decoded.Stats.Total)
	require.Len(t, decoded.Nodes, 2)
	assert.Equal(t, "root.1", decoded.Nodes[1].ID)
	assert.Equal(t, RootID, decoded.Nodes[1].ParentID)
}
