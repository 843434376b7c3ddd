// Package hash computes deduplication digests over ingested records.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// stableFields is the subset of record fields considered semantically
// identifying. Volatile fields (timestamps, scrape metadata) are excluded so
// that re-crawling the same item hashes to the same digest.
var stableFields = []string{"url", "link", "id", "sku", "title", "name"}

// Content returns a hex digest over the stable subset of the record's
// fields. When none of the stable fields are present, the whole payload is
// canonicalized (keys sorted) and hashed instead, so every record still gets
// a deterministic digest.
func Content(payload []byte) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}

	var b strings.Builder
	found := false
	for _, key := range stableFields {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		found = true
		b.WriteString(key)
		b.WriteByte('=')
		b.Write(raw)
		b.WriteByte(';')
	}
	if found {
		return digest([]byte(b.String())), nil
	}

	canonical, err := canonicalize(fields)
	if err != nil {
		return "", err
	}
	return digest(canonical), nil
}

// canonicalize renders the payload with sorted keys so that JSON key order
// does not change the digest.
func canonicalize(fields map[string]json.RawMessage) ([]byte, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.Write(fields[k])
		b.WriteByte(';')
	}
	return []byte(b.String()), nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
