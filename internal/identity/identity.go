package identity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// DocumentID derives the stable document key for a record. It hashes only
// the record's natural identity, never its payload, so price updates map to
// the same id. Each input is length-prefixed before hashing so that
// ("a","bc") and ("ab","c") cannot collide.
func DocumentID(sourceID, naturalKey string) string {
	h := sha256.New()

	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(sourceID)))
	h.Write(lenBuf[:])
	h.Write([]byte(sourceID))

	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(naturalKey)))
	h.Write(lenBuf[:])
	h.Write([]byte(naturalKey))

	return hex.EncodeToString(h.Sum(nil))
}
