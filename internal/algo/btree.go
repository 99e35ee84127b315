// Package algo contains algorithms used for traversing and editing a b+ tree.
package algo

import (
	"sort"

	"github.com/alexhholmes/cedar/internal/base"
)

const searchThreshold = 32

// SearchFunc compares a fixed search target against a stored key and
// returns <0, 0, >0 like cmp(target, key). It must be monotone with respect to
// tree order.
type SearchFunc func(key []byte) int

// FindChildIndex returns the index of child pointer to follow for the target
func FindChildIndex(node *base.Node, cmp SearchFunc) int {
	keys := node.Keys
	if len(keys) < searchThreshold {
		i := 0
		for i < len(keys) && cmp(keys[i]) >= 0 {
			i++
		}
		return i
	}

	return sort.Search(len(keys), func(i int) bool {
		return cmp(keys[i]) < 0
	})
}

// LowerBound returns the index of the first slot >= target in a leaf
func LowerBound(leaf *base.Node, cmp SearchFunc) int {
	slots := leaf.Slots
	if len(slots) < searchThreshold {
		pos := 0
		for pos < len(slots) && cmp(slots[pos].Key) > 0 {
			pos++
		}
		return pos
	}

	return sort.Search(len(slots), func(i int) bool {
		return cmp(slots[i].Key) <= 0
	})
}

// UpperBound returns the index of the first slot > target in a leaf
func UpperBound(leaf *base.Node, cmp SearchFunc) int {
	slots := leaf.Slots
	if len(slots) < searchThreshold {
		pos := 0
		for pos < len(slots) && cmp(slots[pos].Key) >= 0 {
			pos++
		}
		return pos
	}

	return sort.Search(len(slots), func(i int) bool {
		return cmp(slots[i].Key) < 0
	})
}

// FindSlot returns the index of the slot equal to target, or -1
func FindSlot(leaf *base.Node, cmp SearchFunc) int {
	idx := LowerBound(leaf, cmp)
	if idx < len(leaf.Slots) && cmp(leaf.Slots[idx].Key) == 0 {
		return idx
	}
	return -1
}

// SplitHint guides how to bias the split point
type SplitHint int

const (
	SplitBalanced  SplitHint = iota // Default: 50/50
	SplitLeftBias                   // Left heavy: 90/10 (descending inserts)
	SplitRightBias                  // Right heavy: 10/90 (ascending inserts)
)

// SplitPoint contains split calculation results
type SplitPoint struct {
	// Mid is the first entry moved to the right node. For a branch, Keys[Mid-1]
	// is pushed up as the separator.
	Mid          int
	SeparatorKey []byte
}

// HintFor picks a split bias from where the pending insert lands.
func HintFor(n *base.Node, insertPos int) SplitHint {
	switch {
	case insertPos >= n.NumEntries():
		return SplitRightBias
	case insertPos == 0:
		return SplitLeftBias
	default:
		return SplitBalanced
	}
}

// CalculateSplitPoint determines the split position of a full node
func CalculateSplitPoint(n *base.Node, hint SplitHint) SplitPoint {
	entries := n.NumEntries()
	if entries < 2 {
		panic("cannot split node with fewer than two entries")
	}

	var mid int
	switch hint {
	case SplitRightBias:
		// Keep left node nearly full (90%), right node minimal (10%)
		mid = int(float64(entries) * 0.9)
	case SplitLeftBias:
		// Keep right node nearly full (90%), left node minimal (10%)
		mid = int(float64(entries) * 0.1)
	default:
		mid = entries / 2
	}
	if mid < 1 {
		mid = 1
	}
	if mid > entries-1 {
		mid = entries - 1
	}

	var sep []byte
	if n.Leaf {
		sep = n.Slots[mid].Key
	} else {
		sep = n.Keys[mid-1]
	}
	return SplitPoint{Mid: mid, SeparatorKey: sep}
}
