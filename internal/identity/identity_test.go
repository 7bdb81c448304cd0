package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDocumentIDDeterministic(t *testing.T) {
	first := DocumentID("mls-austin", "A1")
	second := DocumentID("mls-austin", "A1")

	assert.Equal(t, first, second)
	assert.Len(t, first, 64)
}

func TestDocumentIDIgnoresNothingButIdentity(t *testing.T) {
	// Same identity must hash identically no matter when or how often.
	ids := map[string]bool{}
	for i := 0; i < 100; i++ {
		ids[DocumentID("mls-austin", "A1")] = true
	}
	assert.Len(t, ids, 1)
}

func TestDocumentIDDistinguishesSources(t *testing.T) {
	assert.NotEqual(t, DocumentID("mls-austin", "A1"), DocumentID("mls-dallas", "A1"))
	assert.NotEqual(t, DocumentID("mls-austin", "A1"), DocumentID("mls-austin", "A2"))
}

func TestDocumentIDBoundaryAmbiguity(t *testing.T) {
	// Concatenation without length prefixes would make these collide.
	assert.NotEqual(t, DocumentID("a", "bc"), DocumentID("ab", "c"))
	assert.NotEqual(t, DocumentID("", "ab"), DocumentID("ab", ""))
}

func TestDocumentIDKnownValue(t *testing.T) {
	// Pinned so that other language implementations can verify the same
	// encoding: 8-byte big-endian length prefix per field, sha256, hex.
	assert.Equal(t,
		"72a468ff73e646360d5523cf1bac5c1e38f2481748df65c57973fc7440c4a2c7",
		DocumentID("mls-austin", "A1"))
}
