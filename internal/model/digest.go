package model

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// EntityDigest hashes an entity identifier for federation exchange. Peers
// corroborate on digests; raw entity identifiers never leave the node.
func EntityDigest(entity string) string {
	sum := blake2b.Sum256([]byte(entity))
	return hex.EncodeToString(sum[:16])
}
