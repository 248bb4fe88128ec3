package ktaudit

import (
	"encoding/binary"
	"os"
	"testing"
)

// loadTestVectors reads testdata/audit_vectors.bin, a sequence of
// name/payload records pinning the inputs and expected values of the
// end-to-end replay scenarios (see testdata/gen_vectors.py).
func loadTestVectors(t *testing.T) map[string][]byte {
	t.Helper()

	data, err := os.ReadFile("testdata/audit_vectors.bin")
	if err != nil {
		t.Fatalf("read test vectors: %v", err)
	}

	vectors := make(map[string][]byte)
	for len(data) > 0 {
		if len(data) < 2 {
			t.Fatal("truncated vector name length")
		}
		nameLen := int(binary.BigEndian.Uint16(data))
		data = data[2:]
		if len(data) < nameLen+4 {
			t.Fatal("truncated vector name")
		}
		name := string(data[:nameLen])
		data = data[nameLen:]
		payloadLen := int(binary.BigEndian.Uint32(data))
		data = data[4:]
		if len(data) < payloadLen {
			t.Fatalf("truncated vector payload for %q", name)
		}
		vectors[name] = data[:payloadLen]
		data = data[payloadLen:]
	}
	return vectors
}

func vector32(t *testing.T, vectors map[string][]byte, name string) [32]byte {
	t.Helper()
	var out [32]byte
	payload, ok := vectors[name]
	if !ok {
		t.Fatalf("missing vector %q", name)
	}
	if len(payload) != len(out) {
		t.Fatalf("vector %q has %d bytes, want %d", name, len(payload), len(out))
	}
	copy(out[:], payload)
	return out
}

func vector16(t *testing.T, vectors map[string][]byte, name string) [16]byte {
	t.Helper()
	var out [16]byte
	payload, ok := vectors[name]
	if !ok {
		t.Fatalf("missing vector %q", name)
	}
	if len(payload) != len(out) {
		t.Fatalf("vector %q has %d bytes, want %d", name, len(payload), len(out))
	}
	copy(out[:], payload)
	return out
}

func vectorCopath(t *testing.T, vectors map[string][]byte, name string) [][32]byte {
	t.Helper()
	payload, ok := vectors[name]
	if !ok {
		t.Fatalf("missing vector %q", name)
	}
	if len(payload)%32 != 0 {
		t.Fatalf("vector %q has %d bytes, not a multiple of 32", name, len(payload))
	}
	copath := make([][32]byte, len(payload)/32)
	for i := range copath {
		copy(copath[i][:], payload[i*32:])
	}
	return copath
}

func vectorNodeIDs(t *testing.T, vectors map[string][]byte, name string) []uint64 {
	t.Helper()
	payload, ok := vectors[name]
	if !ok {
		t.Fatalf("missing vector %q", name)
	}
	if len(payload)%8 != 0 {
		t.Fatalf("vector %q has %d bytes, not a multiple of 8", name, len(payload))
	}
	ids := make([]uint64, len(payload)/8)
	for i := range ids {
		ids[i] = binary.BigEndian.Uint64(payload[i*8:])
	}
	return ids
}

// vectorUpdates reconstructs the four-update replay sequence pinned in the
// test vectors: a new tree, a real update to a different key, a fake
// update, and a sameKey replay of the first key.
func vectorUpdates(t *testing.T, vectors map[string][]byte) []Update {
	t.Helper()
	return []Update{
		{
			Real:            true,
			CommitmentIndex: vector32(t, vectors, "s1.index"),
			Seed:            vector16(t, vectors, "s1.seed"),
			Commitment:      vector32(t, vectors, "s1.commitment"),
			Proof:           NewTreeProof{},
		},
		{
			Real:            true,
			CommitmentIndex: vector32(t, vectors, "s2.index"),
			Seed:            vector16(t, vectors, "s2.seed"),
			Commitment:      vector32(t, vectors, "s2.commitment"),
			Proof: DifferentKeyProof{
				OldSeed: vector16(t, vectors, "s2.old_seed"),
				Copath:  vectorCopath(t, vectors, "s2.copath"),
			},
		},
		{
			Real:            false,
			CommitmentIndex: vector32(t, vectors, "s3.index"),
			Seed:            vector16(t, vectors, "s3.seed"),
			Commitment:      vector32(t, vectors, "s3.commitment"),
			Proof: DifferentKeyProof{
				OldSeed: vector16(t, vectors, "s3.old_seed"),
				Copath:  vectorCopath(t, vectors, "s3.copath"),
			},
		},
		{
			Real:            true,
			CommitmentIndex: vector32(t, vectors, "s1.index"),
			Seed:            vector16(t, vectors, "s4.seed"),
			Commitment:      vector32(t, vectors, "s4.commitment"),
			Proof: SameKeyProof{
				Counter:          0,
				FirstLogPosition: 0,
				Copath:           vectorCopath(t, vectors, "s4.copath"),
			},
		},
	}
}

// expectedRoots returns the pinned prefix and log tree roots after each of
// the four vector updates.
func expectedRoots(t *testing.T, vectors map[string][]byte) (prefixRoots, logRoots [][32]byte, nodeIDs [][]uint64) {
	t.Helper()
	for _, scenario := range []string{"s1", "s2", "s3", "s4"} {
		prefixRoots = append(prefixRoots, vector32(t, vectors, scenario+".prefix_root"))
		logRoots = append(logRoots, vector32(t, vectors, scenario+".log_root"))
		nodeIDs = append(nodeIDs, vectorNodeIDs(t, vectors, scenario+".node_ids"))
	}
	return prefixRoots, logRoots, nodeIDs
}
