// Package content implements ledger.ContentStore: an in-memory store for
// tests and dev, and an IPFS client that pins through a pinning API and
// reads through public gateways.
package content

import (
	"encoding/hex"
	"strings"

	"github.com/warp/harvest-ledger/ledger"
)

const memoryPrefix = "sha256-"

const (
	base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"
	base32Alphabet = "abcdefghijklmnopqrstuvwxyz234567"
)

// IsAddress reports whether ref looks like a content address rather than a
// batch id: a CIDv0 ("Qm" + 44 base58), a base32 CIDv1 ("b..."), or an
// in-memory "sha256-<hex>" address.
func IsAddress(ref string) bool {
	switch {
	case strings.HasPrefix(ref, memoryPrefix):
		digest := strings.TrimPrefix(ref, memoryPrefix)
		_, err := hex.DecodeString(digest)
		return len(digest) == 64 && err == nil
	case len(ref) == 46 && strings.HasPrefix(ref, "Qm"):
		return onlyRunes(ref, base58Alphabet)
	case len(ref) >= 50 && strings.HasPrefix(ref, "b"):
		return onlyRunes(ref[1:], base32Alphabet)
	}
	return false
}

func onlyRunes(s, alphabet string) bool {
	for _, r := range s {
		if !strings.ContainsRune(alphabet, r) {
			return false
		}
	}
	return true
}

// MemoryAddress is the address Memory assigns to b.
func MemoryAddress(b []byte) string {
	return memoryPrefix + ledger.Digest(b)
}
