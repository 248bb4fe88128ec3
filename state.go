package ktaudit

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Persisted state wire formats. Field numbers:
//
//	AuditorState             { total_updates_processed = 1;
//	                           current_prefix_tree_root_hash = 2;
//	                           log_tree_nodes = 3 (repeated LogTreeNode) }
//	LogTreeNode              { id = 1; hash = 2 }
//	AuditorStateAndSignature { serialized_auditor_state = 1; signature = 2 }
//
// The signature is Ed25519 by the auditor's private key over the serialized
// state bytes exactly as stored, so the state decodes only after the
// signature has been verified against those bytes.

// ErrInvalidAuditorSignature is returned when the persisted state's
// self-signature does not verify under the auditor's public key.
var ErrInvalidAuditorSignature = errors.New("auditor state signature did not match")

// AuditorState is the auditor's replayable view of both trees, persisted
// after each successful attestation.
type AuditorState struct {
	TotalUpdatesProcessed uint64
	PrefixTreeRootHash    [32]byte
	LogTreeNodes          []LogTreeNode
}

// Marshal serializes the auditor state.
func (s AuditorState) Marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, s.TotalUpdatesProcessed)
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendBytes(buf, s.PrefixTreeRootHash[:])
	for _, node := range s.LogTreeNodes {
		buf = protowire.AppendTag(buf, 3, protowire.BytesType)
		buf = protowire.AppendBytes(buf, marshalLogTreeNode(node))
	}
	return buf
}

// UnmarshalAuditorState deserializes a persisted auditor state.
func UnmarshalAuditorState(data []byte) (AuditorState, error) {
	var state AuditorState
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return AuditorState{}, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(data)
			state.TotalUpdatesProcessed = v
		case num == 2 && typ == protowire.BytesType:
			var field []byte
			field, n = protowire.ConsumeBytes(data)
			if n >= 0 {
				if len(field) != len(state.PrefixTreeRootHash) {
					return AuditorState{}, fmt.Errorf("invalid prefix tree root hash size: expected %d, got %d",
						len(state.PrefixTreeRootHash), len(field))
				}
				copy(state.PrefixTreeRootHash[:], field)
			}
		case num == 3 && typ == protowire.BytesType:
			var field []byte
			field, n = protowire.ConsumeBytes(data)
			if n >= 0 {
				node, err := unmarshalLogTreeNode(field)
				if err != nil {
					return AuditorState{}, fmt.Errorf("log tree node %d: %w", len(state.LogTreeNodes), err)
				}
				state.LogTreeNodes = append(state.LogTreeNodes, node)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return AuditorState{}, protowire.ParseError(n)
		}
		data = data[n:]
	}
	return state, nil
}

func marshalLogTreeNode(node LogTreeNode) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, node.ID)
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendBytes(buf, node.Hash[:])
	return buf
}

func unmarshalLogTreeNode(data []byte) (LogTreeNode, error) {
	var node LogTreeNode
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return LogTreeNode{}, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(data)
			node.ID = v
		case num == 2 && typ == protowire.BytesType:
			var field []byte
			field, n = protowire.ConsumeBytes(data)
			if n >= 0 {
				if len(field) != len(node.Hash) {
					return LogTreeNode{}, fmt.Errorf("invalid node hash size: expected %d, got %d", len(node.Hash), len(field))
				}
				copy(node.Hash[:], field)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return LogTreeNode{}, protowire.ParseError(n)
		}
		data = data[n:]
	}
	return node, nil
}

// marshalStateAndSignature wraps serialized state bytes and their signature
// into the single persisted blob.
func marshalStateAndSignature(serializedState, signature []byte) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendBytes(buf, serializedState)
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendBytes(buf, signature)
	return buf
}

// unmarshalStateAndSignature splits the persisted blob into the serialized
// state bytes and the signature over them.
func unmarshalStateAndSignature(data []byte) (serializedState, signature []byte, err error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, nil, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			var field []byte
			field, n = protowire.ConsumeBytes(data)
			if n >= 0 {
				serializedState = append([]byte(nil), field...)
			}
		case num == 2 && typ == protowire.BytesType:
			var field []byte
			field, n = protowire.ConsumeBytes(data)
			if n >= 0 {
				signature = append([]byte(nil), field...)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return nil, nil, protowire.ParseError(n)
		}
		data = data[n:]
	}

	if signature != nil && len(signature) != ed25519.SignatureSize {
		return nil, nil, fmt.Errorf("invalid signature size: expected %d, got %d", ed25519.SignatureSize, len(signature))
	}
	return serializedState, signature, nil
}
