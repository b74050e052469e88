package plugins

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// hashTokens returns the sha256 hex digest of the token ids joined by "|".
func hashTokens(tokens []int) string {
	h := sha256.New()

	var tokenStrings strings.Builder
	for i, token := range tokens {
		if i > 0 {
			tokenStrings.WriteString("|")
		}
		tokenStrings.WriteString(strconv.Itoa(token))
	}

	h.Write([]byte(tokenStrings.String()))
	return hex.EncodeToString(h.Sum(nil))
}

// cacheKey is the reuse cache key for a sequence prefix.
func cacheKey(seqID string, tokens []int) string {
	return "kvopt:" + seqID + ":" + hashTokens(tokens)
}
