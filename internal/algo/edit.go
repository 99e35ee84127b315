package algo

import (
	"github.com/alexhholmes/cedar/internal/base"
)

// ApplyLeafInsert inserts a slot at position
// Assumes node has space
func ApplyLeafInsert(node *base.Node, pos int, slot *base.Slot) {
	node.Slots = InsertAt(node.Slots, pos, slot)
}

// ApplyLeafDelete removes the slot at position
func ApplyLeafDelete(node *base.Node, idx int) {
	node.Slots = RemoveAt(node.Slots, idx)
}

// ApplyChildSplit updates parent after splitting the child at childIdx into
// itself and right.
func ApplyChildSplit(parent *base.Node, childIdx int, right *base.Node, sep []byte) {
	parent.Keys = InsertAt(parent.Keys, childIdx, sep)
	parent.Children = InsertAt(parent.Children, childIdx+1, right)
}

// ApplyRemoveChild unlinks the child at childIdx together with the
// separator that bounds it.
func ApplyRemoveChild(parent *base.Node, childIdx int) {
	parent.Children = RemoveAt(parent.Children, childIdx)
	if len(parent.Keys) == 0 {
		return
	}
	if childIdx == 0 {
		parent.Keys = RemoveAt(parent.Keys, 0)
	} else {
		parent.Keys = RemoveAt(parent.Keys, childIdx-1)
	}
}

// SplitNode moves everything from sp.Mid on into a new right sibling and
// returns it. The left node keeps fresh backing arrays so that the two halves
// never alias.
func SplitNode(node *base.Node, sp SplitPoint) *base.Node {
	if node.Leaf {
		right := base.NewLeaf()
		right.Slots = append(right.Slots, node.Slots[sp.Mid:]...)
		left := make([]*base.Slot, sp.Mid, base.MaxKeysPerNode)
		copy(left, node.Slots[:sp.Mid])
		node.Slots = left
		return right
	}

	right := base.NewBranch()
	right.Keys = append(right.Keys, node.Keys[sp.Mid:]...)
	right.Children = append(right.Children, node.Children[sp.Mid:]...)

	leftKeys := make([][]byte, sp.Mid-1, base.MaxKeysPerNode)
	copy(leftKeys, node.Keys[:sp.Mid-1])
	leftChildren := make([]*base.Node, sp.Mid, base.MaxKeysPerNode+1)
	copy(leftChildren, node.Children[:sp.Mid])
	node.Keys = leftKeys
	node.Children = leftChildren
	return right
}

// NewBranchRoot creates a new branch root node from two children after split
func NewBranchRoot(left, right *base.Node, sep []byte) *base.Node {
	root := base.NewBranch()
	root.Keys = append(root.Keys, sep)
	root.Children = append(root.Children, left, right)
	return root
}

// InsertAt inserts value at index in slice
func InsertAt[T any](slice []T, index int, value T) []T {
	var zero T
	slice = append(slice, zero)
	copy(slice[index+1:], slice[index:])
	slice[index] = value
	return slice
}

// RemoveAt removes element at index from slice
func RemoveAt[T any](slice []T, index int) []T {
	copy(slice[index:], slice[index+1:])
	var zero T
	slice[len(slice)-1] = zero
	return slice[:len(slice)-1]
}
