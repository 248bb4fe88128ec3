package ktaudit

// IndexSize is the size in bytes of a commitment index (a 256-bit VRF output).
const IndexSize = 32

// SeedSize is the size in bytes of a stand-in hash seed.
const SeedSize = 16

// CommitmentSize is the size in bytes of an update commitment.
const CommitmentSize = 32

// Update is one entry of the key transparency log, together with the data the
// auditor needs to verify that it extends the auditor's current view of the
// prefix tree.
type Update struct {
	// Real reports whether the update is real or fake. The service inserts
	// fake updates so that observers cannot correlate traffic with changes
	// to the tree.
	Real bool
	// CommitmentIndex is the VRF output of the search key that was updated.
	// It navigates the prefix tree and feeds the prefix tree leaf hash. For
	// a fake update it is a randomly generated value.
	CommitmentIndex [IndexSize]byte
	// Seed produces stand-in hashes in the sparse part of the prefix tree
	// for this update.
	Seed [SeedSize]byte
	// Commitment is a cryptographic hash of the update, used for the log
	// tree leaf hash. For a fake update it is a randomly generated value.
	Commitment [CommitmentSize]byte
	// Proof is one of NewTreeProof, DifferentKeyProof or SameKeyProof.
	Proof Proof
}

// Proof is the evidence accompanying an update. The set of variants is
// closed: NewTreeProof, DifferentKeyProof and SameKeyProof.
type Proof interface {
	proofVariant()
}

// NewTreeProof accompanies the very first update of a brand-new log. It
// carries no data; the auditor accepts it only when it has processed zero
// updates and holds no prefix tree root.
type NewTreeProof struct{}

// DifferentKeyProof accompanies an update to a key whose prefix tree path
// diverges from previously updated keys. OldSeed proves that a particular
// stand-in hash was present at the bottom of the copath before the update.
type DifferentKeyProof struct {
	OldSeed [SeedSize]byte
	Copath  [][32]byte
}

// SameKeyProof accompanies a repeat update to a previously updated key.
// Counter and FirstLogPosition locate the existing leaf for that key.
type SameKeyProof struct {
	Counter          uint32
	FirstLogPosition uint64
	Copath           [][32]byte
}

func (NewTreeProof) proofVariant()      {}
func (DifferentKeyProof) proofVariant() {}
func (SameKeyProof) proofVariant()      {}
