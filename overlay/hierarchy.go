/*
hierarchy.go - Hierarchy construction, validation, traversal

PURPOSE:
  Builds the in-memory view of a structure's node tree: node map,
  parent -> children adjacency, leaf set, and depth-descending order used by
  every bottom-up pass. Validates tree shape at load.

INVARIANTS ENFORCED AT BUILD:
  - Exactly one root per structure
  - No cycles (every node reaches the root via parent links)
  - depth(child) = depth(parent) + 1
  - is_leaf holds iff the node has no children

The HierarchyBridge (precomputed ancestor -> leaf pairs) is an optimisation
for ancestor queries; every algorithm in this package is correct without it.

SEE ALSO:
  - rollup.go: Natural rollup walks DepthDescending()
  - resolver.go: Most-Specific-Wins needs descendant queries
*/
package overlay

import (
	"fmt"
	"sort"
)

// Hierarchy is the validated in-memory tree for one structure.
type Hierarchy struct {
	StructureID StructureID
	Root        *HierarchyNode

	nodes    map[NodeID]*HierarchyNode
	children map[NodeID][]NodeID
	leaves   []NodeID
}

// BuildHierarchy validates the node set and assembles the tree view.
func BuildHierarchy(structureID StructureID, nodes []HierarchyNode) (*Hierarchy, error) {
	if len(nodes) == 0 {
		return nil, ErrHierarchyNotFound
	}

	h := &Hierarchy{
		StructureID: structureID,
		nodes:       make(map[NodeID]*HierarchyNode, len(nodes)),
		children:    make(map[NodeID][]NodeID),
	}

	for i := range nodes {
		n := &nodes[i]
		if n.StructureID != structureID {
			return nil, &ValidationError{NodeID: n.NodeID, Field: "structure_id",
				Reason: fmt.Sprintf("node belongs to structure %s, expected %s", n.StructureID, structureID)}
		}
		if _, dup := h.nodes[n.NodeID]; dup {
			return nil, &ValidationError{NodeID: n.NodeID, Field: "node_id", Reason: "duplicate node id"}
		}
		h.nodes[n.NodeID] = n
	}

	for _, n := range h.nodes {
		if n.ParentNodeID == "" {
			if h.Root != nil {
				return nil, &ValidationError{NodeID: n.NodeID, Field: "parent_node_id",
					Reason: "multiple roots: " + string(h.Root.NodeID) + " and " + string(n.NodeID)}
			}
			h.Root = n
			continue
		}
		parent, ok := h.nodes[n.ParentNodeID]
		if !ok {
			return nil, &ValidationError{NodeID: n.NodeID, Field: "parent_node_id",
				Reason: "parent " + string(n.ParentNodeID) + " not in hierarchy"}
		}
		if n.Depth != parent.Depth+1 {
			return nil, &ValidationError{NodeID: n.NodeID, Field: "depth",
				Reason: fmt.Sprintf("depth %d does not follow parent depth %d", n.Depth, parent.Depth)}
		}
		h.children[n.ParentNodeID] = append(h.children[n.ParentNodeID], n.NodeID)
	}

	if h.Root == nil {
		return nil, &ValidationError{Field: "parent_node_id", Reason: "no root node in structure " + string(structureID)}
	}

	// Reachability doubles as cycle detection: parent links that loop never
	// reach the root, so the walk from the root misses them.
	reached := 0
	stack := []NodeID{h.Root.NodeID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		reached++
		stack = append(stack, h.children[id]...)
	}
	if reached != len(h.nodes) {
		return nil, &ValidationError{Field: "parent_node_id",
			Reason: fmt.Sprintf("hierarchy is not a tree: %d of %d nodes reachable from root", reached, len(h.nodes))}
	}

	for id, n := range h.nodes {
		hasChildren := len(h.children[id]) > 0
		if n.IsLeaf == hasChildren {
			return nil, &ValidationError{NodeID: id, Field: "is_leaf",
				Reason: fmt.Sprintf("is_leaf=%v but node has %d children", n.IsLeaf, len(h.children[id]))}
		}
		if !hasChildren {
			h.leaves = append(h.leaves, id)
		}
	}
	sort.Slice(h.leaves, func(i, j int) bool { return h.leaves[i] < h.leaves[j] })

	// Deterministic child order for reproducible runs.
	for id := range h.children {
		cs := h.children[id]
		sort.Slice(cs, func(i, j int) bool { return cs[i] < cs[j] })
	}

	return h, nil
}

// Node returns the node for an id, nil if absent.
func (h *Hierarchy) Node(id NodeID) *HierarchyNode {
	return h.nodes[id]
}

// Contains reports whether the id belongs to this hierarchy.
func (h *Hierarchy) Contains(id NodeID) bool {
	_, ok := h.nodes[id]
	return ok
}

// Children returns the ordered child ids of a node.
func (h *Hierarchy) Children(id NodeID) []NodeID {
	return h.children[id]
}

// Leaves returns the ordered leaf ids.
func (h *Hierarchy) Leaves() []NodeID {
	return h.leaves
}

// Len returns the node count.
func (h *Hierarchy) Len() int {
	return len(h.nodes)
}

// NodeIDs returns every node id in deterministic order.
func (h *Hierarchy) NodeIDs() []NodeID {
	out := make([]NodeID, 0, len(h.nodes))
	for id := range h.nodes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DepthDescending returns all node ids ordered deepest-first. Every bottom-up
// pass (natural rollup, waterfall) walks this order so children are always
// finalised before their parent.
func (h *Hierarchy) DepthDescending() []NodeID {
	out := h.NodeIDs()
	sort.SliceStable(out, func(i, j int) bool {
		return h.nodes[out[i]].Depth > h.nodes[out[j]].Depth
	})
	return out
}

// Ancestors returns the chain from a node's parent up to the root.
func (h *Hierarchy) Ancestors(id NodeID) []NodeID {
	var out []NodeID
	n := h.nodes[id]
	for n != nil && n.ParentNodeID != "" {
		out = append(out, n.ParentNodeID)
		n = h.nodes[n.ParentNodeID]
	}
	return out
}

// Descendants returns every node strictly below the given node.
func (h *Hierarchy) Descendants(id NodeID) []NodeID {
	var out []NodeID
	stack := append([]NodeID(nil), h.children[id]...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, cur)
		stack = append(stack, h.children[cur]...)
	}
	return out
}

// =============================================================================
// HIERARCHY BRIDGE - Precomputed ancestor -> leaf pairs
// =============================================================================

// Bridge maps every node to the leaf set of its subtree. A leaf maps to
// itself. Optimisation only: Descendants() answers the same question.
type Bridge map[NodeID][]NodeID

// BuildBridge precomputes ancestor -> leaf pairs bottom-up.
func (h *Hierarchy) BuildBridge() Bridge {
	b := make(Bridge, len(h.nodes))
	for _, id := range h.DepthDescending() {
		if len(h.children[id]) == 0 {
			b[id] = []NodeID{id}
			continue
		}
		var leaves []NodeID
		for _, c := range h.children[id] {
			leaves = append(leaves, b[c]...)
		}
		b[id] = leaves
	}
	return b
}
