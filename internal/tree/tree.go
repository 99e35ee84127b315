// Package tree is the shared, mutable B+tree that cursors navigate. It
// stores slots only; record data lives in the record log and record locks in
// the lock manager.
//
// The tree has one latch. Every method other than New, Latch*, Unlatch* and
// Len requires the caller to hold the latch: shared for reads, exclusive for
// Insert and Remove. Latches are short-term and are never held while waiting
// for a record lock.
package tree

import (
	"bytes"
	"sync"

	"github.com/alexhholmes/cedar/internal/algo"
	"github.com/alexhholmes/cedar/internal/base"
)

// Comparator orders stored keys.
type Comparator func(a, b []byte) int

// path represents one level in the navigation path from root to leaf.
// For branch nodes: idx is which child we descended to.
// For leaf nodes: idx is which slot we're currently at.
type path struct {
	node *base.Node
	idx  int
}

// Tree is a B+tree of slots.
type Tree struct {
	latch sync.RWMutex
	root  *base.Node
	cmp   Comparator
	size  int
}

// New creates an empty tree. A nil comparator means bytes.Compare.
func New(cmp Comparator) *Tree {
	if cmp == nil {
		cmp = bytes.Compare
	}
	return &Tree{root: base.NewLeaf(), cmp: cmp}
}

func (t *Tree) LatchShared()   { t.latch.RLock() }
func (t *Tree) UnlatchShared() { t.latch.RUnlock() }
func (t *Tree) Latch()         { t.latch.Lock() }
func (t *Tree) Unlatch()       { t.latch.Unlock() }

// Compare exposes the tree's key order.
func (t *Tree) Compare(a, b []byte) int { return t.cmp(a, b) }

// SearchFor returns the search function for an exact key.
func (t *Tree) SearchFor(key []byte) algo.SearchFunc {
	return func(k []byte) int { return t.cmp(key, k) }
}

// Len returns the number of slots, deleted ones included.
func (t *Tree) Len() int {
	t.latch.RLock()
	defer t.latch.RUnlock()
	return t.size
}

// descend walks from the root to the leaf that covers the search target.
// The leaf frame's idx is left at zero.
func (t *Tree) descend(cmp algo.SearchFunc) []path {
	stack := make([]path, 0, 8)
	node := t.root
	for !node.IsLeaf() {
		i := algo.FindChildIndex(node, cmp)
		stack = append(stack, path{node: node, idx: i})
		node = node.Children[i]
	}
	return append(stack, path{node: node})
}

// settleForward moves a path whose leaf index may be past the end onto the
// next existing slot. Returns nil at the end of the tree.
func settleForward(stack []path) ([]path, *base.Slot) {
	for {
		leaf := &stack[len(stack)-1]
		if leaf.idx < len(leaf.node.Slots) {
			return stack, leaf.node.Slots[leaf.idx]
		}

		// Pop up the stack to find a parent with more Children
		for {
			if len(stack) == 1 {
				return stack, nil
			}
			stack = stack[:len(stack)-1]
			parent := &stack[len(stack)-1]
			parent.idx++
			if parent.idx < len(parent.node.Children) {
				break
			}
		}

		// Descend to leftmost leaf of next subtree
		node := stack[len(stack)-1].node.Children[stack[len(stack)-1].idx]
		for !node.IsLeaf() {
			stack = append(stack, path{node: node, idx: 0})
			node = node.Children[0]
		}
		stack = append(stack, path{node: node, idx: 0})
	}
}

// settleBackward is the mirror of settleForward for negative leaf indexes.
func settleBackward(stack []path) ([]path, *base.Slot) {
	for {
		leaf := &stack[len(stack)-1]
		if leaf.idx >= 0 && leaf.idx < len(leaf.node.Slots) {
			return stack, leaf.node.Slots[leaf.idx]
		}

		// Pop up the stack to find a parent with more Children to the left
		for {
			if len(stack) == 1 {
				return stack, nil
			}
			stack = stack[:len(stack)-1]
			parent := &stack[len(stack)-1]
			parent.idx--
			if parent.idx >= 0 {
				break
			}
		}

		// Descend to rightmost leaf of previous subtree
		node := stack[len(stack)-1].node.Children[stack[len(stack)-1].idx]
		for !node.IsLeaf() {
			last := len(node.Children) - 1
			stack = append(stack, path{node: node, idx: last})
			node = node.Children[last]
		}
		stack = append(stack, path{node: node, idx: len(node.Slots) - 1})
	}
}

// First returns the smallest slot, deleted or not.
func (t *Tree) First() *base.Slot {
	stack := t.descend(func([]byte) int { return -1 })
	_, s := settleForward(stack)
	return s
}

// Last returns the largest slot, deleted or not.
func (t *Tree) Last() *base.Slot {
	stack := t.descend(func([]byte) int { return 1 })
	stack[len(stack)-1].idx = len(stack[len(stack)-1].node.Slots) - 1
	_, s := settleBackward(stack)
	return s
}

// SearchExact returns the slot whose key compares equal to the target.
func (t *Tree) SearchExact(cmp algo.SearchFunc) *base.Slot {
	stack := t.descend(cmp)
	leaf := stack[len(stack)-1].node
	if i := algo.FindSlot(leaf, cmp); i >= 0 {
		return leaf.Slots[i]
	}
	return nil
}

// SearchRange returns the largest slot <= target and whether it compares
// equal. A nil slot means every slot is greater than the target.
func (t *Tree) SearchRange(cmp algo.SearchFunc) (*base.Slot, bool) {
	stack := t.descend(cmp)
	leaf := &stack[len(stack)-1]
	leaf.idx = algo.UpperBound(leaf.node, cmp) - 1
	_, s := settleBackward(stack)
	if s == nil {
		return nil, false
	}
	return s, cmp(s.Key) == 0
}

// Next returns the first slot whose key is greater than key.
func (t *Tree) Next(key []byte) *base.Slot {
	cmp := t.SearchFor(key)
	stack := t.descend(cmp)
	leaf := &stack[len(stack)-1]
	leaf.idx = algo.UpperBound(leaf.node, cmp)
	_, s := settleForward(stack)
	return s
}

// Prev returns the last slot whose key is less than key.
func (t *Tree) Prev(key []byte) *base.Slot {
	cmp := t.SearchFor(key)
	stack := t.descend(cmp)
	leaf := &stack[len(stack)-1]
	leaf.idx = algo.LowerBound(leaf.node, cmp) - 1
	_, s := settleBackward(stack)
	return s
}

// Step returns the neighbour of key in the given direction.
func (t *Tree) Step(key []byte, forward bool) *base.Slot {
	if forward {
		return t.Next(key)
	}
	return t.Prev(key)
}

// Insert links s into the tree unless a slot with an equal key exists, in
// which case that slot is returned and the tree is unchanged. Requires the
// exclusive latch.
func (t *Tree) Insert(s *base.Slot) *base.Slot {
	cmp := t.SearchFor(s.Key)
	if existing := t.SearchExact(cmp); existing != nil {
		return existing
	}

	right, sep := t.insert(t.root, s, cmp)
	if right != nil {
		t.root = algo.NewBranchRoot(t.root, right, sep)
	}
	s.Flags &^= base.Removed
	t.size++
	return nil
}

func (t *Tree) insert(node *base.Node, s *base.Slot, cmp algo.SearchFunc) (*base.Node, []byte) {
	if node.IsLeaf() {
		pos := algo.LowerBound(node, cmp)
		hint := algo.HintFor(node, pos)
		algo.ApplyLeafInsert(node, pos, s)
		if len(node.Slots) <= base.MaxKeysPerNode {
			return nil, nil
		}
		sp := algo.CalculateSplitPoint(node, hint)
		return algo.SplitNode(node, sp), sp.SeparatorKey
	}

	i := algo.FindChildIndex(node, cmp)
	right, sep := t.insert(node.Children[i], s, cmp)
	if right == nil {
		return nil, nil
	}
	hint := algo.HintFor(node, i+1)
	algo.ApplyChildSplit(node, i, right, sep)
	if len(node.Children) <= base.MaxKeysPerNode+1 {
		return nil, nil
	}
	sp := algo.CalculateSplitPoint(node, hint)
	return algo.SplitNode(node, sp), sp.SeparatorKey
}

// Remove unlinks s from the tree and marks it Removed. Empty leaves are
// dropped from their parents; the tree is not rebalanced otherwise. Requires
// the exclusive latch.
func (t *Tree) Remove(s *base.Slot) bool {
	cmp := t.SearchFor(s.Key)
	stack := t.descend(cmp)
	leaf := stack[len(stack)-1].node
	i := algo.FindSlot(leaf, cmp)
	if i < 0 || leaf.Slots[i] != s {
		return false
	}

	algo.ApplyLeafDelete(leaf, i)
	s.Flags |= base.Removed
	t.size--

	// Drop empty nodes bottom-up, never the root
	for level := len(stack) - 1; level > 0; level-- {
		node := stack[level].node
		if node.NumEntries() > 0 {
			break
		}
		parent := stack[level-1]
		algo.ApplyRemoveChild(parent.node, parent.idx)
		node.Release()
	}

	// Collapse single-child roots
	for !t.root.IsLeaf() && len(t.root.Children) == 1 {
		old := t.root
		t.root = old.Children[0]
		old.Children = old.Children[:0]
		old.Release()
	}
	if !t.root.IsLeaf() && len(t.root.Children) == 0 {
		t.root.Release()
		t.root = base.NewLeaf()
	}
	return true
}

// Size returns the number of slots, deleted ones included. Requires the
// latch.
func (t *Tree) Size() int {
	return t.size
}

// Estimate returns the approximate fractional position, in [0, 1], of the
// first slot >= the search target. Accuracy degrades when sibling subtrees
// differ in size.
func (t *Tree) Estimate(cmp algo.SearchFunc) float64 {
	stack := t.descend(cmp)
	leaf := &stack[len(stack)-1]
	leaf.idx = algo.LowerBound(leaf.node, cmp)

	pos, scale := 0.0, 1.0
	for _, p := range stack {
		n := p.node.NumEntries()
		if n == 0 {
			break
		}
		pos += scale * float64(p.idx) / float64(n)
		scale /= float64(n)
	}
	if pos > 1 {
		pos = 1
	}
	return pos
}

// Skip walks up to max slots accepted by valid, starting strictly after the
// search target in the given direction and stopping early when inRange
// rejects a key. It returns the last accepted slot and how many were
// accepted. Slots rejected by valid are stepped over without counting.
func (t *Tree) Skip(cmp algo.SearchFunc, forward bool, max int, inRange func([]byte) bool, valid func(*base.Slot) bool) (*base.Slot, int) {
	stack := t.descend(cmp)
	leaf := &stack[len(stack)-1]

	var (
		s       *base.Slot
		landing *base.Slot
		count   int
	)
	if forward {
		leaf.idx = algo.UpperBound(leaf.node, cmp)
		stack, s = settleForward(stack)
	} else {
		leaf.idx = algo.LowerBound(leaf.node, cmp) - 1
		stack, s = settleBackward(stack)
	}

	for s != nil && count < max {
		if inRange != nil && !inRange(s.Key) {
			break
		}
		if valid == nil || valid(s) {
			landing = s
			count++
		}
		top := &stack[len(stack)-1]
		if forward {
			top.idx++
			stack, s = settleForward(stack)
		} else {
			top.idx--
			stack, s = settleBackward(stack)
		}
	}
	return landing, count
}
