package overlay

import (
	"errors"
	"testing"
)

func hNode(id, parent NodeID, depth int, leaf bool) HierarchyNode {
	return HierarchyNode{
		NodeID:       id,
		ParentNodeID: parent,
		NodeName:     string(id),
		Depth:        depth,
		IsLeaf:       leaf,
		StructureID:  "s",
	}
}

// threeLevel is R -> {P, L3}; P -> {L1, L2}.
func threeLevel() []HierarchyNode {
	return []HierarchyNode{
		hNode("R", "", 0, false),
		hNode("P", "R", 1, false),
		hNode("L3", "R", 1, true),
		hNode("L1", "P", 2, true),
		hNode("L2", "P", 2, true),
	}
}

func TestBuildHierarchy_ValidTree(t *testing.T) {
	h, err := BuildHierarchy("s", threeLevel())
	if err != nil {
		t.Fatal(err)
	}
	if h.Root.NodeID != "R" {
		t.Errorf("root = %s, want R", h.Root.NodeID)
	}
	if h.Len() != 5 {
		t.Errorf("len = %d, want 5", h.Len())
	}
	leaves := h.Leaves()
	if len(leaves) != 3 || leaves[0] != "L1" || leaves[1] != "L2" || leaves[2] != "L3" {
		t.Errorf("leaves = %v, want [L1 L2 L3]", leaves)
	}
}

func TestBuildHierarchy_DepthDescending_ChildrenBeforeParents(t *testing.T) {
	h, err := BuildHierarchy("s", threeLevel())
	if err != nil {
		t.Fatal(err)
	}
	pos := make(map[NodeID]int)
	for i, id := range h.DepthDescending() {
		pos[id] = i
	}
	for child, parent := range map[NodeID]NodeID{"L1": "P", "L2": "P", "P": "R", "L3": "R"} {
		if pos[child] > pos[parent] {
			t.Errorf("%s ordered after its parent %s", child, parent)
		}
	}
}

func TestBuildHierarchy_AncestorsAndDescendants(t *testing.T) {
	h, err := BuildHierarchy("s", threeLevel())
	if err != nil {
		t.Fatal(err)
	}
	anc := h.Ancestors("L1")
	if len(anc) != 2 || anc[0] != "P" || anc[1] != "R" {
		t.Errorf("ancestors(L1) = %v, want [P R]", anc)
	}
	desc := h.Descendants("P")
	if len(desc) != 2 {
		t.Errorf("descendants(P) = %v, want L1 and L2", desc)
	}
	if len(h.Descendants("L1")) != 0 {
		t.Error("a leaf has no descendants")
	}
}

func TestBuildHierarchy_RejectsMultipleRoots(t *testing.T) {
	_, err := BuildHierarchy("s", []HierarchyNode{
		hNode("R1", "", 0, true),
		hNode("R2", "", 0, true),
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestBuildHierarchy_RejectsMissingParent(t *testing.T) {
	_, err := BuildHierarchy("s", []HierarchyNode{
		hNode("R", "", 0, false),
		hNode("L", "GHOST", 1, true),
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestBuildHierarchy_RejectsDepthGap(t *testing.T) {
	_, err := BuildHierarchy("s", []HierarchyNode{
		hNode("R", "", 0, false),
		hNode("L", "R", 3, true),
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestBuildHierarchy_RejectsLeafFlagMismatch(t *testing.T) {
	nodes := []HierarchyNode{
		hNode("R", "", 0, true), // flagged leaf but has a child
		hNode("L", "R", 1, true),
	}
	if _, err := BuildHierarchy("s", nodes); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestBuildHierarchy_RejectsParentCycle(t *testing.T) {
	// A and B point at each other below the root; neither reaches R.
	_, err := BuildHierarchy("s", []HierarchyNode{
		hNode("R", "", 0, true),
		{NodeID: "A", ParentNodeID: "B", Depth: 1, IsLeaf: true, StructureID: "s"},
		{NodeID: "B", ParentNodeID: "A", Depth: 1, IsLeaf: true, StructureID: "s"},
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestBuildHierarchy_RejectsEmptyAndForeignNodes(t *testing.T) {
	if _, err := BuildHierarchy("s", nil); !errors.Is(err, ErrHierarchyNotFound) {
		t.Fatalf("empty node set: got %v", err)
	}
	foreign := hNode("R", "", 0, true)
	foreign.StructureID = "other"
	if _, err := BuildHierarchy("s", []HierarchyNode{foreign}); !errors.Is(err, ErrValidation) {
		t.Fatal("node from another structure accepted")
	}
}

func TestBuildBridge_MapsEveryNodeToSubtreeLeaves(t *testing.T) {
	h, err := BuildHierarchy("s", threeLevel())
	if err != nil {
		t.Fatal(err)
	}
	b := h.BuildBridge()
	if got := b["R"]; len(got) != 3 {
		t.Errorf("bridge[R] = %v, want all three leaves", got)
	}
	if got := b["P"]; len(got) != 2 {
		t.Errorf("bridge[P] = %v, want [L1 L2]", got)
	}
	if got := b["L1"]; len(got) != 1 || got[0] != "L1" {
		t.Errorf("bridge[L1] = %v, want itself", got)
	}
}
