package ktaudit

import (
	"crypto/ed25519"
	"encoding/binary"
)

// Signed tree head layout constants. The payload is a fixed 153-byte
// big-endian buffer binding the log tree root to the log size, the signing
// time, and the long-term key configuration of the deployment.
const (
	treeHeadByteLength     = 153
	thirdPartyAuditingMode = 0x03
	ed25519KeyLength       = 32
)

var cipherSuiteIdentifier = [2]byte{0x00, 0x00}

// TreeHead is a signed attestation over the auditor's view of the log tree,
// emitted to the key transparency service.
type TreeHead struct {
	// TreeSize is the number of updates in the auditor's view of the log
	// tree at signing time.
	TreeSize uint64
	// TimestampMs is the signing time in milliseconds since the Unix epoch.
	TimestampMs int64
	// Signature is an Ed25519 signature by the auditor over the tree head
	// payload.
	Signature []byte
}

// treeHeadPayload serializes the fixed-layout buffer that the auditor signs.
// Each public key is the raw 32-byte Ed25519 key material, the value found
// in the trailing 32 bytes of the key's X.509 encoding.
func treeHeadPayload(ktSigningKey, ktVRFKey, auditorKey ed25519.PublicKey, treeSize uint64, timestampMs int64, logTreeRootHash [32]byte) []byte {
	buf := make([]byte, 0, treeHeadByteLength)
	buf = append(buf, cipherSuiteIdentifier[:]...)
	buf = append(buf, thirdPartyAuditingMode)

	for _, key := range []ed25519.PublicKey{ktSigningKey, ktVRFKey, auditorKey} {
		if len(key) != ed25519KeyLength {
			panic("tree head: public keys must be 32 bytes")
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(key)))
		buf = append(buf, key...)
	}

	buf = binary.BigEndian.AppendUint64(buf, treeSize)
	buf = binary.BigEndian.AppendUint64(buf, uint64(timestampMs))
	buf = append(buf, logTreeRootHash[:]...)
	return buf
}

// signTreeHead produces the auditor's Ed25519 signature over the tree head
// payload for the given log state and timestamp.
func signTreeHead(ktSigningKey, ktVRFKey, auditorKey ed25519.PublicKey, treeSize uint64, timestampMs int64, logTreeRootHash [32]byte, auditorPrivateKey ed25519.PrivateKey) []byte {
	payload := treeHeadPayload(ktSigningKey, ktVRFKey, auditorKey, treeSize, timestampMs, logTreeRootHash)
	return ed25519.Sign(auditorPrivateKey, payload)
}
