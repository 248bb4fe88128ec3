package ktaudit

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire formats for the key transparency auditor service, hand-coded over the
// protobuf wire format. Field numbers:
//
//	AuditRequest        { start = 1; limit = 2 }
//	AuditResponse       { updates = 1 (repeated AuditorUpdate); more = 2 }
//	AuditorUpdate       { real = 1; index = 2; seed = 3; commitment = 4;
//	                      oneof proof { new_tree = 5; different_key = 6; same_key = 7 } }
//	NewTreeProof        {}
//	DifferentKeyProof   { copath = 1 (repeated bytes); old_seed = 2 }
//	SameKeyProof        { copath = 1 (repeated bytes); counter = 2; position = 3 }
//	AuditorTreeHead     { tree_size = 1; timestamp = 2; signature = 3 }
//
// All hash, index and seed fields are validated to their exact byte lengths
// at decode time; a copath may hold at most 256 entries.

// maxCopathLength is the deepest possible copath in a 256-level prefix tree.
const maxCopathLength = 256

func marshalAuditRequest(start, limit uint64) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, start)
	buf = protowire.AppendTag(buf, 2, protowire.VarintType)
	buf = protowire.AppendVarint(buf, limit)
	return buf
}

func unmarshalAuditRequest(data []byte) (start, limit uint64, err error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return 0, 0, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			start, n = protowire.ConsumeVarint(data)
		case num == 2 && typ == protowire.VarintType:
			limit, n = protowire.ConsumeVarint(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return 0, 0, protowire.ParseError(n)
		}
		data = data[n:]
	}
	return start, limit, nil
}

func marshalAuditResponse(updates []Update, more bool) []byte {
	var buf []byte
	for _, update := range updates {
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendBytes(buf, marshalUpdate(update))
	}
	if more {
		buf = protowire.AppendTag(buf, 2, protowire.VarintType)
		buf = protowire.AppendVarint(buf, protowire.EncodeBool(more))
	}
	return buf
}

func unmarshalAuditResponse(data []byte) (updates []Update, more bool, err error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, false, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			var field []byte
			field, n = protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, false, protowire.ParseError(n)
			}
			update, err := unmarshalUpdate(field)
			if err != nil {
				return nil, false, fmt.Errorf("update %d: %w", len(updates), err)
			}
			updates = append(updates, update)
		case num == 2 && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(data)
			more = protowire.DecodeBool(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return nil, false, protowire.ParseError(n)
		}
		data = data[n:]
	}
	return updates, more, nil
}

func marshalUpdate(update Update) []byte {
	var buf []byte
	if update.Real {
		buf = protowire.AppendTag(buf, 1, protowire.VarintType)
		buf = protowire.AppendVarint(buf, protowire.EncodeBool(update.Real))
	}
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendBytes(buf, update.CommitmentIndex[:])
	buf = protowire.AppendTag(buf, 3, protowire.BytesType)
	buf = protowire.AppendBytes(buf, update.Seed[:])
	buf = protowire.AppendTag(buf, 4, protowire.BytesType)
	buf = protowire.AppendBytes(buf, update.Commitment[:])

	switch proof := update.Proof.(type) {
	case NewTreeProof:
		buf = protowire.AppendTag(buf, 5, protowire.BytesType)
		buf = protowire.AppendBytes(buf, nil)
	case DifferentKeyProof:
		buf = protowire.AppendTag(buf, 6, protowire.BytesType)
		buf = protowire.AppendBytes(buf, marshalDifferentKeyProof(proof))
	case SameKeyProof:
		buf = protowire.AppendTag(buf, 7, protowire.BytesType)
		buf = protowire.AppendBytes(buf, marshalSameKeyProof(proof))
	default:
		panic(fmt.Sprintf("unexpected proof type %T", update.Proof))
	}
	return buf
}

func unmarshalUpdate(data []byte) (Update, error) {
	var update Update
	var proofCount int

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Update{}, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(data)
			update.Real = protowire.DecodeBool(v)
		case num == 2 && typ == protowire.BytesType:
			var field []byte
			field, n = protowire.ConsumeBytes(data)
			if n >= 0 {
				if len(field) != IndexSize {
					return Update{}, fmt.Errorf("invalid commitment index size: expected %d, got %d", IndexSize, len(field))
				}
				copy(update.CommitmentIndex[:], field)
			}
		case num == 3 && typ == protowire.BytesType:
			var field []byte
			field, n = protowire.ConsumeBytes(data)
			if n >= 0 {
				if len(field) != SeedSize {
					return Update{}, fmt.Errorf("invalid seed size: expected %d, got %d", SeedSize, len(field))
				}
				copy(update.Seed[:], field)
			}
		case num == 4 && typ == protowire.BytesType:
			var field []byte
			field, n = protowire.ConsumeBytes(data)
			if n >= 0 {
				if len(field) != CommitmentSize {
					return Update{}, fmt.Errorf("invalid commitment size: expected %d, got %d", CommitmentSize, len(field))
				}
				copy(update.Commitment[:], field)
			}
		case num == 5 && typ == protowire.BytesType:
			_, n = protowire.ConsumeBytes(data)
			if n >= 0 {
				update.Proof = NewTreeProof{}
				proofCount++
			}
		case num == 6 && typ == protowire.BytesType:
			var field []byte
			field, n = protowire.ConsumeBytes(data)
			if n >= 0 {
				proof, err := unmarshalDifferentKeyProof(field)
				if err != nil {
					return Update{}, err
				}
				update.Proof = proof
				proofCount++
			}
		case num == 7 && typ == protowire.BytesType:
			var field []byte
			field, n = protowire.ConsumeBytes(data)
			if n >= 0 {
				proof, err := unmarshalSameKeyProof(field)
				if err != nil {
					return Update{}, err
				}
				update.Proof = proof
				proofCount++
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return Update{}, protowire.ParseError(n)
		}
		data = data[n:]
	}

	if proofCount == 0 {
		return Update{}, fmt.Errorf("update has no proof")
	}
	return update, nil
}

func marshalDifferentKeyProof(proof DifferentKeyProof) []byte {
	var buf []byte
	for _, hash := range proof.Copath {
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendBytes(buf, hash[:])
	}
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendBytes(buf, proof.OldSeed[:])
	return buf
}

func unmarshalDifferentKeyProof(data []byte) (DifferentKeyProof, error) {
	var proof DifferentKeyProof
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return DifferentKeyProof{}, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			var field []byte
			field, n = protowire.ConsumeBytes(data)
			if n >= 0 {
				hash, err := copathEntry(field, len(proof.Copath))
				if err != nil {
					return DifferentKeyProof{}, err
				}
				proof.Copath = append(proof.Copath, hash)
			}
		case num == 2 && typ == protowire.BytesType:
			var field []byte
			field, n = protowire.ConsumeBytes(data)
			if n >= 0 {
				if len(field) != SeedSize {
					return DifferentKeyProof{}, fmt.Errorf("invalid old seed size: expected %d, got %d", SeedSize, len(field))
				}
				copy(proof.OldSeed[:], field)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return DifferentKeyProof{}, protowire.ParseError(n)
		}
		data = data[n:]
	}
	return proof, nil
}

func marshalSameKeyProof(proof SameKeyProof) []byte {
	var buf []byte
	for _, hash := range proof.Copath {
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendBytes(buf, hash[:])
	}
	buf = protowire.AppendTag(buf, 2, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(proof.Counter))
	buf = protowire.AppendTag(buf, 3, protowire.VarintType)
	buf = protowire.AppendVarint(buf, proof.FirstLogPosition)
	return buf
}

func unmarshalSameKeyProof(data []byte) (SameKeyProof, error) {
	var proof SameKeyProof
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return SameKeyProof{}, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			var field []byte
			field, n = protowire.ConsumeBytes(data)
			if n >= 0 {
				hash, err := copathEntry(field, len(proof.Copath))
				if err != nil {
					return SameKeyProof{}, err
				}
				proof.Copath = append(proof.Copath, hash)
			}
		case num == 2 && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(data)
			proof.Counter = uint32(v)
		case num == 3 && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(data)
			proof.FirstLogPosition = v
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return SameKeyProof{}, protowire.ParseError(n)
		}
		data = data[n:]
	}
	return proof, nil
}

// copathEntry validates one copath hash and the running copath length.
func copathEntry(field []byte, have int) ([32]byte, error) {
	var hash [32]byte
	if have >= maxCopathLength {
		return hash, fmt.Errorf("copath exceeds %d entries", maxCopathLength)
	}
	if len(field) != len(hash) {
		return hash, fmt.Errorf("invalid copath hash size: expected %d, got %d", len(hash), len(field))
	}
	copy(hash[:], field)
	return hash, nil
}

func marshalAuditorTreeHead(head TreeHead) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, head.TreeSize)
	buf = protowire.AppendTag(buf, 2, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(head.TimestampMs))
	buf = protowire.AppendTag(buf, 3, protowire.BytesType)
	buf = protowire.AppendBytes(buf, head.Signature)
	return buf
}

func unmarshalAuditorTreeHead(data []byte) (TreeHead, error) {
	var head TreeHead
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return TreeHead{}, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(data)
			head.TreeSize = v
		case num == 2 && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(data)
			head.TimestampMs = int64(v)
		case num == 3 && typ == protowire.BytesType:
			var field []byte
			field, n = protowire.ConsumeBytes(data)
			if n >= 0 {
				head.Signature = append([]byte(nil), field...)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return TreeHead{}, protowire.ParseError(n)
		}
		data = data[n:]
	}
	return head, nil
}
