package meter

import (
	"encoding/hex"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint identifies a logical operation: the account, the operation
// kind and the identifying fields, compared case-insensitively with
// whitespace trimmed and collapsed. Field order does not matter. Keys that
// normalize to the same key contribute every value, sorted.
func Fingerprint(accountID string, req *Request) string {
	pairs := make([]field, 0, len(req.Fields))
	for k, v := range req.Fields {
		nk := normalize(k)
		nv := normalize(v)
		if nk == "" || nv == "" {
			continue
		}
		pairs = append(pairs, field{key: nk, value: nv})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].key != pairs[j].key {
			return pairs[i].key < pairs[j].key
		}
		return pairs[i].value < pairs[j].value
	})

	var b strings.Builder
	b.WriteString(strings.TrimSpace(accountID))
	b.WriteByte(0)
	b.WriteString(normalize(req.Kind))
	for _, f := range pairs {
		b.WriteByte(0)
		b.WriteString(f.key)
		b.WriteByte('=')
		b.WriteString(f.value)
	}

	sum := blake2b.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

type field struct {
	key   string
	value string
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
