package ktaudit

import (
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNodeLevel(t *testing.T) {
	cases := []struct {
		nodeID uint64
		want   int
	}{
		{0, 0}, {2, 0}, {4, 0}, {1024, 0},
		{1, 1}, {5, 1}, {9, 1},
		{3, 2}, {11, 2},
		{7, 3}, {23, 3},
		{15, 4},
	}
	for _, c := range cases {
		if got := nodeLevel(c.nodeID); got != c.want {
			t.Errorf("nodeLevel(%d) = %d, want %d", c.nodeID, got, c.want)
		}
	}
}

func TestChildNodeIDs(t *testing.T) {
	// A tree with six leaves: max leaf node ID 10.
	//
	//	        7
	//	    3       9
	//	  1   5    /  \
	//	 0 2 4 6  8   10
	const maxLeaf = 10

	if got := rootNodeID(maxLeaf); got != 7 {
		t.Errorf("rootNodeID = %d, want 7", got)
	}
	if got := leftChildID(7); got != 3 {
		t.Errorf("leftChildID(7) = %d, want 3", got)
	}
	if got := rightChildID(7, maxLeaf); got != 9 {
		t.Errorf("rightChildID(7) = %d, want 9", got)
	}
	if got := rightChildID(9, maxLeaf); got != 10 {
		t.Errorf("rightChildID(9) = %d, want 10", got)
	}
	if got := rightChildID(1, maxLeaf); got != 2 {
		t.Errorf("rightChildID(1) = %d, want 2", got)
	}
}

// TestParentAgreesWithTraversal checks parentNodeID against a structural
// walk from the root for every node in trees of several sizes.
func TestParentAgreesWithTraversal(t *testing.T) {
	for numEntries := uint64(1); numEntries <= 32; numEntries++ {
		maxLeaf := maxLeafNodeID(numEntries)
		root := rootNodeID(maxLeaf)

		// parents[child] = parent derived by walking down from the root.
		parents := make(map[uint64]uint64)
		var walk func(nodeID uint64)
		walk = func(nodeID uint64) {
			if isLeafNode(nodeID) {
				return
			}
			left, right := leftChildID(nodeID), rightChildID(nodeID, maxLeaf)
			parents[left], parents[right] = nodeID, nodeID
			walk(left)
			walk(right)
		}
		walk(root)

		for nodeID := uint64(0); nodeID <= maxLeaf; nodeID++ {
			if nodeID == root {
				continue
			}
			want, ok := parents[nodeID]
			if !ok {
				continue // node not present in a tree of this size
			}
			if got := parentNodeID(nodeID, maxLeaf); got != want {
				t.Fatalf("parentNodeID(%d, %d) = %d, want %d", nodeID, maxLeaf, got, want)
			}
		}
	}
}

// TestAddLeafMatchesFullSubtreeRootIDs appends n leaves and checks that the
// retained node IDs equal the computed full-subtree root set.
func TestAddLeafMatchesFullSubtreeRootIDs(t *testing.T) {
	tree := NewCondensedLogTree()
	var commitment, prefixRoot [32]byte

	for n := uint64(1); n <= 64; n++ {
		commitment[0] = byte(n)
		tree.AddLeaf(commitment, prefixRoot, n-1)

		var gotIDs []uint64
		for _, node := range tree.Nodes() {
			gotIDs = append(gotIDs, node.ID)
		}
		wantIDs := fullSubtreeRootIDs(maxLeafNodeID(n))
		if diff := cmp.Diff(wantIDs, gotIDs); diff != "" {
			t.Fatalf("node IDs after %d appends differ (-want +got):\n%s", n, diff)
		}
	}
}

func TestRootHashEmptyTree(t *testing.T) {
	tree := NewCondensedLogTree()
	if _, err := tree.RootHash(); !errors.Is(err, ErrEmptyLogTree) {
		t.Fatalf("RootHash on empty tree = %v, want ErrEmptyLogTree", err)
	}
}

func TestRootHashSingleLeaf(t *testing.T) {
	var commitment, prefixRoot [32]byte
	commitment[0] = 0x42

	tree := NewCondensedLogTree()
	tree.AddLeaf(commitment, prefixRoot, 0)

	root, err := tree.RootHash()
	if err != nil {
		t.Fatalf("RootHash failed: %v", err)
	}
	want := sha256.Sum256(append(prefixRoot[:], commitment[:]...))
	if root != want {
		t.Errorf("root = %x, want %x", root, want)
	}
}

// TestRootHashTwoLeaves checks the parent combination of two leaves, which
// uses the leaf domain tag on both children.
func TestRootHashTwoLeaves(t *testing.T) {
	var c1, c2, prefixRoot [32]byte
	c1[0], c2[0] = 1, 2

	tree := NewCondensedLogTree()
	tree.AddLeaf(c1, prefixRoot, 0)
	tree.AddLeaf(c2, prefixRoot, 1)

	nodes := tree.Nodes()
	if len(nodes) != 1 || nodes[0].ID != 1 {
		t.Fatalf("nodes = %v, want single node with ID 1", nodes)
	}

	l1 := sha256.Sum256(append(prefixRoot[:], c1[:]...))
	l2 := sha256.Sum256(append(prefixRoot[:], c2[:]...))
	h := sha256.New()
	h.Write([]byte{0x00})
	h.Write(l1[:])
	h.Write([]byte{0x00})
	h.Write(l2[:])
	var want [32]byte
	copy(want[:], h.Sum(nil))

	root, err := tree.RootHash()
	if err != nil {
		t.Fatalf("RootHash failed: %v", err)
	}
	if root != want {
		t.Errorf("root = %x, want %x", root, want)
	}
}

// TestRootHashAgainstReplay reconstructs the root from the retained nodes
// and compares it with a dense recomputation over every leaf hash.
func TestRootHashAgainstReplay(t *testing.T) {
	var prefixRoot [32]byte
	prefixRoot[0] = 0x07

	tree := NewCondensedLogTree()
	var leafHashes [][32]byte

	for n := uint64(0); n < 20; n++ {
		var commitment [32]byte
		commitment[0] = byte(n + 1)
		tree.AddLeaf(commitment, prefixRoot, n)
		leafHashes = append(leafHashes, calculateLogLeafHash(prefixRoot, commitment))

		root, err := tree.RootHash()
		if err != nil {
			t.Fatalf("RootHash after %d leaves failed: %v", n+1, err)
		}
		if want := denseLogRoot(leafHashes); root != want {
			t.Fatalf("root after %d leaves = %x, want %x", n+1, root, want)
		}
	}
}

// denseLogRoot computes the log tree root from all leaf hashes by direct
// recursion over the node ID space.
func denseLogRoot(leafHashes [][32]byte) [32]byte {
	maxLeaf := uint64(len(leafHashes)-1) * 2

	var hashAt func(nodeID uint64) ([32]byte, bool)
	hashAt = func(nodeID uint64) ([32]byte, bool) {
		if isLeafNode(nodeID) {
			return leafHashes[nodeID/2], true
		}
		left, _ := hashAt(leftChildID(nodeID))
		right, rightIsLeaf := hashAt(rightChildID(nodeID, maxLeaf))
		leftTag, rightTag := byte(0x01), byte(0x01)
		if nodeLevel(nodeID) == 1 {
			leftTag = 0x00
		}
		if rightIsLeaf {
			rightTag = 0x00
		}
		h := sha256.New()
		h.Write([]byte{leftTag})
		h.Write(left[:])
		h.Write([]byte{rightTag})
		h.Write(right[:])
		var out [32]byte
		copy(out[:], h.Sum(nil))
		return out, false
	}

	root, _ := hashAt(rootNodeID(maxLeaf))
	return root
}

func TestRestoreCondensedLogTree(t *testing.T) {
	var prefixRoot [32]byte
	tree := NewCondensedLogTree()
	for n := uint64(0); n < 5; n++ {
		var commitment [32]byte
		commitment[0] = byte(n)
		tree.AddLeaf(commitment, prefixRoot, n)
	}

	// Restore from a shuffled snapshot; the nodes must be re-sorted.
	nodes := tree.Nodes()
	nodes[0], nodes[len(nodes)-1] = nodes[len(nodes)-1], nodes[0]

	restored, err := RestoreCondensedLogTree(nodes, 5)
	if err != nil {
		t.Fatalf("RestoreCondensedLogTree failed: %v", err)
	}
	if diff := cmp.Diff(tree.Nodes(), restored.Nodes()); diff != "" {
		t.Errorf("restored nodes differ (-want +got):\n%s", diff)
	}

	wantRoot, err := tree.RootHash()
	if err != nil {
		t.Fatal(err)
	}
	gotRoot, err := restored.RootHash()
	if err != nil {
		t.Fatal(err)
	}
	if gotRoot != wantRoot {
		t.Errorf("restored root = %x, want %x", gotRoot, wantRoot)
	}
}

func TestRestoreCondensedLogTreeRejectsInconsistentNodes(t *testing.T) {
	var prefixRoot, commitment [32]byte
	tree := NewCondensedLogTree()
	for n := uint64(0); n < 5; n++ {
		tree.AddLeaf(commitment, prefixRoot, n)
	}

	nodes := tree.Nodes()

	if _, err := RestoreCondensedLogTree(nodes, 6); err == nil {
		t.Error("restore accepted nodes for the wrong entry count")
	}
	if _, err := RestoreCondensedLogTree(nodes[:len(nodes)-1], 5); err == nil {
		t.Error("restore accepted a truncated node set")
	}

	bad := append([]LogTreeNode(nil), nodes...)
	bad[0].ID++
	if _, err := RestoreCondensedLogTree(bad, 5); err == nil {
		t.Error("restore accepted a node with a wrong ID")
	}

	if _, err := RestoreCondensedLogTree(nodes, 0); err == nil {
		t.Error("restore accepted stored nodes for an empty tree")
	}
	if restored, err := RestoreCondensedLogTree(nil, 0); err != nil || len(restored.Nodes()) != 0 {
		t.Errorf("restore of an empty tree = %v, %v", restored, err)
	}
}

func TestLogTreeVectorSequence(t *testing.T) {
	vectors := loadTestVectors(t)
	updates := vectorUpdates(t, vectors)
	prefixRoots, logRoots, nodeIDs := expectedRoots(t, vectors)

	tree := NewCondensedLogTree()
	for i, update := range updates {
		tree.AddLeaf(update.Commitment, prefixRoots[i], uint64(i))

		root, err := tree.RootHash()
		if err != nil {
			t.Fatalf("RootHash after update %d failed: %v", i, err)
		}
		if root != logRoots[i] {
			t.Errorf("log root after update %d = %x, want %x", i, root, logRoots[i])
		}

		var gotIDs []uint64
		for _, node := range tree.Nodes() {
			gotIDs = append(gotIDs, node.ID)
		}
		if diff := cmp.Diff(nodeIDs[i], gotIDs); diff != "" {
			t.Errorf("node IDs after update %d differ (-want +got):\n%s", i, diff)
		}
	}
}
