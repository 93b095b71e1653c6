// Package hash computes the prefix-chained block hashes used by the KV cache.
//
// A block's hash covers its own tokens and the hash of the block before it,
// so equal hashes imply equal token prefixes, not just equal block contents.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// HashBlock returns a SHA256 hash of the "|"-joined tokens chained onto
// the parent's hash. The root block uses an empty parent.
func HashBlock(parent string, tokens []int) string {
	h := sha256.New()

	var sb strings.Builder
	sb.WriteString(parent)
	sb.WriteString("#")
	for i, token := range tokens {
		if i > 0 {
			sb.WriteString("|")
		}
		sb.WriteString(strconv.Itoa(token))
	}

	h.Write([]byte(sb.String()))
	return hex.EncodeToString(h.Sum(nil))
}

// HashChain returns the chained hashes of every full block of tokens.
// A trailing partial block is not hashed.
func HashChain(tokens []int, blockSize int) []string {
	if blockSize <= 0 {
		return nil
	}
	n := len(tokens) / blockSize
	chain := make([]string, 0, n)
	parent := ""
	for i := 0; i < n; i++ {
		parent = HashBlock(parent, tokens[i*blockSize:(i+1)*blockSize])
		chain = append(chain, parent)
	}
	return chain
}
