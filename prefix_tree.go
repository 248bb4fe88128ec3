package ktaudit

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Prefix tree hash domain indicators.
const (
	leafNodeDomainIndicator         = 0x00
	intermediateNodeDomainIndicator = 0x01
	standInNodeDomainIndicator      = 0x02
)

// Prefix tree level bounds. Unlike the log tree, the prefix tree counts the
// root as level 0 and the leaves as level 256.
const (
	rootLevel = 0
	leafLevel = 256
)

// InvalidProofError reports an update whose proof is inconsistent with the
// auditor's view of the prefix tree. Once raised, the auditor stops signing
// tree heads until an operator intervenes.
type InvalidProofError struct {
	Reason string
}

func (e *InvalidProofError) Error() string {
	return "invalid proof: " + e.Reason
}

// CondensedPrefixTree tracks the key transparency service's 256-level binary
// Merkle prefix tree, condensed down to the current root hash. The tree is
// navigated with a commitment index, a 256-bit VRF output of the original
// search key. For each update the auditor first verifies that the update
// starts from the same prefix tree root hash it holds, then computes the new
// root hash.
//
// The tree is sparse: only paths touched by real updates have defined node
// hashes, and every untouched sibling is a deterministic stand-in hash
// derived from a per-update seed and the level index.
type CondensedPrefixTree struct {
	rootHash *[32]byte
}

// NewCondensedPrefixTree returns an empty condensed prefix tree with no root
// hash, as held by an auditor that has processed no updates.
func NewCondensedPrefixTree() *CondensedPrefixTree {
	return &CondensedPrefixTree{}
}

// RestoreCondensedPrefixTree returns a condensed prefix tree holding a
// previously persisted root hash.
func RestoreCondensedPrefixTree(rootHash [32]byte) *CondensedPrefixTree {
	return &CondensedPrefixTree{rootHash: &rootHash}
}

// RootHash returns the current prefix tree root hash. The second return
// value is false until the first real update has been applied.
func (t *CondensedPrefixTree) RootHash() ([32]byte, bool) {
	if t.rootHash == nil {
		return [32]byte{}, false
	}
	return *t.rootHash, true
}

// ApplyUpdate first verifies that the update uses the auditor's current
// prefix tree root hash as its starting point, then calculates the new root
// hash and replaces the auditor's view of it. numLogEntries is the total
// number of updates processed so far by the auditor.
func (t *CondensedPrefixTree) ApplyUpdate(update Update, numLogEntries uint64) error {
	if err := t.verifyStartingRootHash(update, numLogEntries); err != nil {
		return err
	}

	var newRoot [32]byte
	if update.Real {
		newRoot = newRootHashForRealUpdate(update, numLogEntries)
	} else {
		root, err := newRootHashForFakeUpdate(update)
		if err != nil {
			return err
		}
		newRoot = root
	}

	t.rootHash = &newRoot
	return nil
}

// verifyStartingRootHash checks that the auditor and the key transparency
// service agree on the prefix tree root hash the update starts from.
func (t *CondensedPrefixTree) verifyStartingRootHash(update Update, numLogEntries uint64) error {
	if _, ok := update.Proof.(NewTreeProof); ok {
		if numLogEntries != 0 || t.rootHash != nil {
			return &InvalidProofError{Reason: "auditor must have zero log entries and no root hash for a new tree proof"}
		}
		if !update.Real {
			return &InvalidProofError{Reason: "newTree proof cannot be given for a fake update"}
		}
		return nil
	}

	if t.rootHash == nil {
		if numLogEntries == 0 {
			return &InvalidProofError{Reason: "first proof must be newTree"}
		}
		return &InvalidProofError{Reason: "no root hash present for proof"}
	}

	var rootHashFromProof [32]byte
	switch proof := update.Proof.(type) {
	case DifferentKeyProof:
		// The old seed proves a particular stand-in hash was present at the
		// bottom of the copath before the update; it is used only for that
		// starting hash. The ascent past the copath uses the update's seed.
		startingHash := calculateStandInHash(proof.OldSeed, len(proof.Copath))
		rootHashFromProof = calculateRootHash(startingHash, update.Seed, update.CommitmentIndex, proof.Copath, len(proof.Copath))
	case SameKeyProof:
		if !update.Real {
			return &InvalidProofError{Reason: "sameKey proof cannot be given for a fake update"}
		}
		startingHash := calculateLeafHash(update.CommitmentIndex, proof.Counter, proof.FirstLogPosition)
		rootHashFromProof = calculateRootHash(startingHash, update.Seed, update.CommitmentIndex, proof.Copath, leafLevel)
	default:
		panic(fmt.Sprintf("unexpected proof type %T", update.Proof))
	}

	if rootHashFromProof != *t.rootHash {
		return &InvalidProofError{Reason: fmt.Sprintf(
			"starting prefix tree root hash for update %d does not match the one provided by the key transparency service: expected %x, got %x",
			numLogEntries, *t.rootHash, rootHashFromProof)}
	}
	return nil
}

// newRootHashForRealUpdate calculates the prefix tree root hash after
// applying a real update: a new leaf hash is folded up to the root through
// the provided copath and stand-in hashes derived from the update's seed.
func newRootHashForRealUpdate(update Update, numLogEntries uint64) [32]byte {
	var leafHash [32]byte
	var copath [][32]byte

	switch proof := update.Proof.(type) {
	case NewTreeProof:
		leafHash = calculateLeafHash(update.CommitmentIndex, 0, numLogEntries)
	case DifferentKeyProof:
		leafHash = calculateLeafHash(update.CommitmentIndex, 0, numLogEntries)
		copath = proof.Copath
	case SameKeyProof:
		leafHash = calculateLeafHash(update.CommitmentIndex, proof.Counter+1, proof.FirstLogPosition)
		copath = proof.Copath
	default:
		panic(fmt.Sprintf("unexpected proof type %T", update.Proof))
	}

	return calculateRootHash(leafHash, update.Seed, update.CommitmentIndex, copath, leafLevel)
}

// newRootHashForFakeUpdate calculates the prefix tree root hash after a fake
// update, which replaces the stand-in hash at the bottom of the copath with
// one derived from the update's seed.
func newRootHashForFakeUpdate(update Update) ([32]byte, error) {
	proof, ok := update.Proof.(DifferentKeyProof)
	if !ok {
		return [32]byte{}, &InvalidProofError{Reason: fmt.Sprintf("%T cannot be given for a fake update", update.Proof)}
	}

	standInHash := calculateStandInHash(update.Seed, len(proof.Copath))
	return calculateRootHash(standInHash, update.Seed, update.CommitmentIndex, proof.Copath, len(proof.Copath)), nil
}

// calculateRootHash folds startingHash at startingLevel up to the root. In
// the dense part of the tree (levels covered by the copath) the sibling is
// the corresponding copath value; in the sparse part it is a stand-in hash
// derived from the seed. The commitment index selects which side of each
// parent the working hash sits on.
func calculateRootHash(startingHash [32]byte, seed [SeedSize]byte, commitmentIndex [IndexSize]byte, copath [][32]byte, startingLevel int) [32]byte {
	if len(copath) > leafLevel || startingLevel <= rootLevel || startingLevel > leafLevel {
		panic("prefix tree: invalid copath size or starting level")
	}

	hash := startingHash
	for level := startingLevel; level > rootLevel; level-- {
		var siblingHash [32]byte
		if level <= len(copath) {
			siblingHash = copath[level-1]
		} else {
			siblingHash = calculateStandInHash(seed, level)
		}

		if isBitSet(commitmentIndex, level) {
			hash = calculateParentHash(siblingHash, hash)
		} else {
			hash = calculateParentHash(hash, siblingHash)
		}
	}
	return hash
}

// isBitSet reports whether the commitment index bit selecting the child at
// the given level is 1. Bits are counted MSB-first: level 1 reads the most
// significant bit of the first byte.
func isBitSet(commitmentIndex [IndexSize]byte, level int) bool {
	bitIndex := level - 1
	nthByte := commitmentIndex[bitIndex/8]
	return (nthByte>>(7-bitIndex%8))&1 == 1
}

func calculateLeafHash(commitmentIndex [IndexSize]byte, updateCount uint32, logTreePosition uint64) [32]byte {
	var countAndPosition [12]byte
	binary.BigEndian.PutUint32(countAndPosition[:4], updateCount)
	binary.BigEndian.PutUint64(countAndPosition[4:], logTreePosition)

	h := sha256.New()
	h.Write([]byte{leafNodeDomainIndicator})
	h.Write(commitmentIndex[:])
	h.Write(countAndPosition[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func calculateParentHash(left, right [32]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{intermediateNodeDomainIndicator})
	h.Write(left[:])
	h.Write(right[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func calculateStandInHash(seed [SeedSize]byte, level int) [32]byte {
	if level <= rootLevel || level > leafLevel {
		panic("prefix tree: stand-in level must be in [1, 256]")
	}

	h := sha256.New()
	h.Write([]byte{standInNodeDomainIndicator})
	h.Write(seed[:])
	// The level is stored off by one so that it fits in a byte; stand-in
	// hashes are never calculated for the root level.
	h.Write([]byte{byte(level - 1)})

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
