package base

import "sync"

const (
	MaxKeysPerNode = 64
	// MinKeysPerNode is the minimum Keys for non-root nodes
	MinKeysPerNode = MaxKeysPerNode / 4
)

var Pool = sync.Pool{
	New: func() any {
		return &Node{
			Keys:     make([][]byte, 0, MaxKeysPerNode),
			Slots:    make([]*Slot, 0, MaxKeysPerNode),
			Children: make([]*Node, 0, MaxKeysPerNode+1),
		}
	},
}

// Node is an in-memory B+tree node. Leaves hold slots, branches hold
// separator Keys and Children. Nodes are only touched under the tree latch.
type Node struct {
	Leaf bool

	// Branch: len(Children) == len(Keys)+1, Keys[i] is the smallest key
	// reachable through Children[i+1].
	Keys     [][]byte
	Children []*Node

	// Leaf: sorted by slot key.
	Slots []*Slot
}

// NewLeaf returns an empty leaf from the pool.
func NewLeaf() *Node {
	n := Pool.Get().(*Node)
	n.Reset()
	n.Leaf = true
	return n
}

// NewBranch returns an empty branch from the pool.
func NewBranch() *Node {
	n := Pool.Get().(*Node)
	n.Reset()
	return n
}

// NumEntries is the fan-out of the node: slots for a leaf, children for a
// branch.
func (n *Node) NumEntries() int {
	if n.Leaf {
		return len(n.Slots)
	}
	return len(n.Children)
}

// IsLeaf returns true if this is a leaf Node
func (n *Node) IsLeaf() bool {
	return n.Leaf
}

// IsFull reports whether the node must be split before another entry.
func (n *Node) IsFull() bool {
	if n.Leaf {
		return len(n.Slots) >= MaxKeysPerNode
	}
	return len(n.Children) >= MaxKeysPerNode+1
}

// IsUnderflow checks if Node has too few entries (doesn't apply to root)
func (n *Node) IsUnderflow() bool {
	return n.NumEntries() < MinKeysPerNode
}

// FirstKey is the smallest key stored under n.
func (n *Node) FirstKey() []byte {
	for !n.Leaf {
		n = n.Children[0]
	}
	if len(n.Slots) == 0 {
		return nil
	}
	return n.Slots[0].Key
}

func (n *Node) Reset() {
	n.Leaf = false
	n.Keys = n.Keys[:0]
	n.Children = n.Children[:0]
	n.Slots = n.Slots[:0]
}

// Release clears references and returns n to the pool.
func (n *Node) Release() {
	for i := range n.Children {
		n.Children[i] = nil
	}
	for i := range n.Slots {
		n.Slots[i] = nil
	}
	n.Reset()
	Pool.Put(n)
}
