package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashChain_EqualPrefixesShareLeadingHashes(t *testing.T) {
	a := []int{1, 2, 3, 4, 5, 6, 7, 8, 9}
	b := []int{1, 2, 3, 4, 5, 6, 0, 0}

	ca := HashChain(a, 3)
	cb := HashChain(b, 3)

	assert.Len(t, ca, 3)
	assert.Len(t, cb, 2)
	assert.Equal(t, ca[:2], cb[:2])
}

func TestHashChain_SameBlockDifferentParentDiffers(t *testing.T) {
	// GIVEN two sequences whose second block is identical but first block differs
	a := HashChain([]int{1, 1, 7, 7}, 2)
	b := HashChain([]int{2, 2, 7, 7}, 2)

	// THEN the second block hashes differ because the chain includes the parent
	assert.NotEqual(t, a[1], b[1])
}

func TestHashBlock_DelimiterAvoidsCollisions(t *testing.T) {
	assert.NotEqual(t, HashBlock("", []int{1, 23}), HashBlock("", []int{12, 3}))
}

func TestHashChain_PartialBlockIgnored(t *testing.T) {
	assert.Empty(t, HashChain([]int{1, 2, 3}, 4))
	assert.Nil(t, HashChain([]int{1}, 0))
}
