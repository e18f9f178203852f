// Package integrity provides tamper-evident hashing and Merkle tree construction
// for tier results and the champion proof. All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"
	"strconv"

	"github.com/google/uuid"
)

const hashPrefix = "v1:"

// fieldHasher writes length-prefixed fields into a SHA-256 digest.
// Each field is a 4-byte big-endian length followed by its bytes, so free
// text containing separators cannot collide with a different field split.
type fieldHasher struct {
	buf [4]byte
	h   hash.Hash
}

func newFieldHasher() *fieldHasher {
	return &fieldHasher{h: sha256.New()}
}

func (f *fieldHasher) field(s string) {
	binary.BigEndian.PutUint32(f.buf[:], uint32(len(s))) //nolint:gosec // idea text is bounded at 1000 characters
	_, _ = f.h.Write(f.buf[:])
	_, _ = f.h.Write([]byte(s))
}

func (f *fieldHasher) hex() string {
	return hashPrefix + hex.EncodeToString(f.h.Sum(nil))
}

// IdeaTextHash hashes an idea's identity and text. The champion proof carries
// this value so a reader can confirm the winning text was not edited.
func IdeaTextHash(id uuid.UUID, text string) string {
	f := newFieldHasher()
	f.field(id.String())
	f.field(text)
	return f.hex()
}

// VerifyIdeaText reports whether stored matches the hash of id and text.
func VerifyIdeaText(stored string, id uuid.UUID, text string) bool {
	return stored == IdeaTextHash(id, text)
}

// TierResultHash hashes one tier's outcome: the tier number, the advancing
// ideas in the given order, and every idea's XP total in idea-id order.
func TierResultHash(tier int, advancing []uuid.UUID, xp map[uuid.UUID]int) string {
	f := newFieldHasher()
	f.field(strconv.Itoa(tier))
	f.field(strconv.Itoa(len(advancing)))
	for _, id := range advancing {
		f.field(id.String())
	}
	keys := make([]string, 0, len(xp))
	byKey := make(map[string]int, len(xp))
	for id, pts := range xp {
		k := id.String()
		keys = append(keys, k)
		byKey[k] = pts
	}
	sort.Strings(keys)
	for _, k := range keys {
		f.field(k)
		f.field(strconv.Itoa(byKey[k]))
	}
	return f.hex()
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string.
// The 0x01 prefix separates internal nodes from leaves (RFC 6962).
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns the root.
// Tier result hashes are passed in tier order.
// If leaves is empty, returns an empty string.
// If leaves has one element, the root is that element.
// Odd-length levels hash the last node with itself.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}

	return level[0]
}
