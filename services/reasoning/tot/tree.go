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
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianReason/services/reasoning"
)

// RootID is the id of every tree's root node.
const RootID = "root"

// NodeState is the lifecycle state of a thought node.
type NodeState string

const (
	// NodeActive nodes may still be expanded.
	NodeActive NodeState = "active"
	// NodePruned nodes scored too low or fell outside the beam.
	NodePruned NodeState = "pruned"
	// NodeTerminal nodes sit at the depth limit.
	NodeTerminal NodeState = "terminal"
)

func (s NodeState) String() string {
	return string(s)
}

var (
	ErrNodeNotFound      = errors.New("node not found")
	ErrParentNotActive   = errors.New("parent node is not active")
	ErrInvalidTransition = errors.New("invalid node state transition")
	ErrScoreAlreadySet   = errors.New("node score already set")
)

// ThoughtNode is one thought in the tree. Values handed out by the tree are
// copies.
type ThoughtNode struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	Depth    int    `json:"depth"`
	Thought  string `json:"thought"`

	// Answer is set when the thought declared a final answer.
	Answer string `json:"answer,omitempty"`

	Score     float64   `json:"score"`
	Scored    bool      `json:"scored"`
	Rationale string    `json:"rationale,omitempty"`
	State     NodeState `json:"state"`

	// Seq is the creation order; the root is 0.
	Seq        int `json:"seq"`
	TokensUsed int `json:"tokens_used"`
}

// TreeStats counts nodes by state.
type TreeStats struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Pruned   int `json:"pruned"`
	Terminal int `json:"terminal"`
	MaxDepth int `json:"max_depth"`
}

// ThoughtTree is an arena of thought nodes keyed by id.
//
// Children are found by scanning parent ids in creation order. Every
// parent exists before its children, so the tree is acyclic by
// construction.
//
// Thread Safety: Safe for concurrent use.
type ThoughtTree struct {
	mu       sync.RWMutex
	question string
	nodes    map[string]*ThoughtNode
	order    []string
	children map[string]int
}

// NewThoughtTree creates a tree whose active root holds the question.
func NewThoughtTree(question string) *ThoughtTree {
	root := &ThoughtNode{ID: RootID, Thought: question, State: NodeActive}
	return &ThoughtTree{
		question: question,
		nodes:    map[string]*ThoughtNode{RootID: root},
		order:    []string{RootID},
		children: make(map[string]int),
	}
}

// Question returns the question at the root.
func (t *ThoughtTree) Question() string {
	return t.question
}

// Len returns the number of nodes including the root.
func (t *ThoughtTree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

// Root returns a copy of the root node.
func (t *ThoughtTree) Root() ThoughtNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return *t.nodes[RootID]
}

// Node returns a copy of the node with id.
func (t *ThoughtTree) Node(id string) (ThoughtNode, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return ThoughtNode{}, false
	}
	return *n, true
}

// AddChild inserts a new active, unscored child under parentID.
//
// Child ids extend the parent id with a 1-based counter, so the third child
// of "root.2" is "root.2.3".
//
// Outputs:
//   - ThoughtNode: Copy of the inserted node.
//   - error: ErrNodeNotFound if the parent is missing, ErrParentNotActive if
//     the parent was pruned or is terminal.
func (t *ThoughtTree) AddChild(parentID, thought, answer string, tokens int) (ThoughtNode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent, ok := t.nodes[parentID]
	if !ok {
		return ThoughtNode{}, fmt.Errorf("%w: %s", ErrNodeNotFound, parentID)
	}
	if parent.State != NodeActive {
		return ThoughtNode{}, fmt.Errorf("%w: %s is %s", ErrParentNotActive, parentID, parent.State)
	}

	t.children[parentID]++
	n := &ThoughtNode{
		ID:         fmt.Sprintf("%s.%d", parentID, t.children[parentID]),
		ParentID:   parentID,
		Depth:      parent.Depth + 1,
		Thought:    thought,
		Answer:     answer,
		State:      NodeActive,
		Seq:        len(t.order),
		TokensUsed: tokens,
	}
	t.nodes[n.ID] = n
	t.order = append(t.order, n.ID)
	return *n, nil
}

// SetScore records the evaluation of a node. A score is written once and
// clamped to the evaluator range.
func (t *ThoughtTree) SetScore(id string, ev reasoning.Evaluation) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if n.Scored {
		return fmt.Errorf("%w: %s", ErrScoreAlreadySet, id)
	}
	n.Score = reasoning.ClampScore(ev.Value)
	n.Rationale = ev.Rationale
	n.TokensUsed += ev.TokensUsed
	n.Scored = true
	return nil
}

// MarkPruned moves an active node to pruned.
func (t *ThoughtTree) MarkPruned(id string) error {
	return t.transition(id, NodePruned)
}

// MarkTerminal moves an active node to terminal.
func (t *ThoughtTree) MarkTerminal(id string) error {
	return t.transition(id, NodeTerminal)
}

func (t *ThoughtTree) transition(id string, to NodeState) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if n.State != NodeActive {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, n.State, to)
	}
	n.State = to
	return nil
}

// Children returns copies of the children of id in creation order.
func (t *ThoughtTree) Children(id string) []ThoughtNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.childrenLocked(id)
}

func (t *ThoughtTree) childrenLocked(id string) []ThoughtNode {
	var out []ThoughtNode
	for _, nid := range t.order {
		if n := t.nodes[nid]; n.ParentID == id && nid != RootID {
			out = append(out, *n)
		}
	}
	return out
}

// Path returns copies of the nodes from the root to id, inclusive.
func (t *ThoughtTree) Path(id string) ([]ThoughtNode, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pathLocked(id)
}

func (t *ThoughtTree) pathLocked(id string) ([]ThoughtNode, error) {
	n, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	path := make([]ThoughtNode, n.Depth+1)
	for i := n.Depth; i >= 0; i-- {
		path[i] = *n
		if n.ID == RootID {
			break
		}
		n = t.nodes[n.ParentID]
	}
	return path, nil
}

// Nodes returns copies of every node in creation order.
func (t *ThoughtTree) Nodes() []ThoughtNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ThoughtNode, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.nodes[id])
	}
	return out
}

// Leaves returns copies of the non-root nodes without children, in
// creation order.
func (t *ThoughtTree) Leaves() []ThoughtNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []ThoughtNode
	for _, id := range t.order {
		if id != RootID && t.children[id] == 0 {
			out = append(out, *t.nodes[id])
		}
	}
	return out
}

// Stats counts nodes by state.
func (t *ThoughtTree) Stats() TreeStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var s TreeStats
	for _, id := range t.order {
		n := t.nodes[id]
		s.Total++
		switch n.State {
		case NodeActive:
			s.Active++
		case NodePruned:
			s.Pruned++
		case NodeTerminal:
			s.Terminal++
		}
		if n.Depth > s.MaxDepth {
			s.MaxDepth = n.Depth
		}
	}
	return s
}

// Validate checks the structural invariants: every non-root parent exists
// and was created first, depths increase by one, states are known, scores
// lie in range and no pruned node has an active child.
func (t *ThoughtTree) Validate() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var issues []error
	for i, id := range t.order {
		n := t.nodes[id]
		if n.Seq != i {
			issues = append(issues, fmt.Errorf("node %s: seq %d at position %d", id, n.Seq, i))
		}
		switch n.State {
		case NodeActive, NodePruned, NodeTerminal:
		default:
			issues = append(issues, fmt.Errorf("node %s: unknown state %q", id, n.State))
		}
		if n.Scored && (n.Score < reasoning.MinScore || n.Score > reasoning.MaxScore) {
			issues = append(issues, fmt.Errorf("node %s: score %v out of range", id, n.Score))
		}
		if id == RootID {
			if n.ParentID != "" || n.Depth != 0 {
				issues = append(issues, fmt.Errorf("root has parent %q and depth %d", n.ParentID, n.Depth))
			}
			continue
		}
		parent, ok := t.nodes[n.ParentID]
		if !ok {
			issues = append(issues, fmt.Errorf("node %s: missing parent %s", id, n.ParentID))
			continue
		}
		if parent.Seq >= n.Seq {
			issues = append(issues, fmt.Errorf("node %s: parent %s created later", id, parent.ID))
		}
		if n.Depth != parent.Depth+1 {
			issues = append(issues, fmt.Errorf("node %s: depth %d under parent depth %d", id, n.Depth, parent.Depth))
		}
		if parent.State == NodePruned && n.State == NodeActive {
			issues = append(issues, fmt.Errorf("node %s: active under pruned parent %s", id, parent.ID))
		}
	}
	return errors.Join(issues...)
}

// Format renders the tree as indented ASCII. Nodes on highlight are
// starred.
func (t *ThoughtTree) Format(highlight ...string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	marked := make(map[string]bool, len(highlight))
	for _, id := range highlight {
		marked[id] = true
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\n", t.question)
	fmt.Fprintf(&sb, "Nodes: %d\n\n", len(t.order))
	t.formatNode(&sb, t.nodes[RootID], "", true, marked)
	return sb.String()
}

func (t *ThoughtTree) formatNode(sb *strings.Builder, n *ThoughtNode, prefix string, isLast bool, marked map[string]bool) {
	branch := "├── "
	if isLast {
		branch = "└── "
	}

	stateIcon := "→"
	switch n.State {
	case NodeTerminal:
		stateIcon = "✓"
	case NodePruned:
		stateIcon = "✗"
	}
	star := ""
	if marked[n.ID] {
		star = " ★"
	}

	score := "-"
	if n.Scored {
		score = fmt.Sprintf("%.2f", n.Score)
	}
	fmt.Fprintf(sb, "%s%s[%s] %s (score: %s) %s%s\n",
		prefix, branch, n.ID, truncate(oneLine(n.Thought), 60), score, stateIcon, star)

	childPrefix := prefix
	if isLast {
		childPrefix += "    "
	} else {
		childPrefix += "│   "
	}
	children := t.childrenLocked(n.ID)
	for i := range children {
		child := t.nodes[children[i].ID]
		t.formatNode(sb, child, childPrefix, i == len(children)-1, marked)
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// MarshalJSON implements json.Marshaler.
func (t *ThoughtTree) MarshalJSON() ([]byte, error) {
	type treeJSON struct {
		Question string        `json:"question"`
		RootID   string        `json:"root_id"`
		Stats    TreeStats     `json:"stats"`
		Nodes    []ThoughtNode `json:"nodes"`
	}
	return json.Marshal(treeJSON{
		Question: t.question,
		RootID:   RootID,
		Stats:    t.Stats(),
		Nodes:    t.Nodes(),
	})
}
