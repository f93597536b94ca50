package preorder

import (
	"crypto/subtle"
	"encoding/binary"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// The activation scheme is a two-step commitment. The seller hashes the
// plaintext code client-side (CommitCode) and only ever submits that hash; the
// engine salts it with the campaign salt before storing (SaltedCommitment).
// The salt defeats precomputed dictionary matching across campaigns.

// CommitCode returns the deterministic one-way hash of a plaintext activation
// code, independent of any salt.
func CommitCode(code string) [32]byte {
	return ethcrypto.Keccak256Hash([]byte(code))
}

// SaltedCommitment hashes a code hash together with the campaign salt. It is
// applied both when the seller registers a commitment and when a buyer's
// submission is checked.
func SaltedCommitment(codeHash [32]byte, salt [32]byte) [32]byte {
	return ethcrypto.Keccak256Hash(codeHash[:], salt[:])
}

// VerifyCode recomputes the salted commitment for a submitted plaintext code
// and compares it against the stored commitment. The comparison is constant
// time so a network-facing deployment does not leak partial matches.
func VerifyCode(code string, salt [32]byte, stored [32]byte) bool {
	recomputed := SaltedCommitment(CommitCode(code), salt)
	return subtle.ConstantTimeCompare(recomputed[:], stored[:]) == 1
}

// DeriveSalt produces the fixed per-campaign salt from the seller identity and
// the campaign creation time.
func DeriveSalt(seller [20]byte, createdAt int64) [32]byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(createdAt))
	return ethcrypto.Keccak256Hash(seller[:], ts[:])
}
