// Package fingerprint produces deterministic content hashes for source payloads and natural keys.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// ListingVolatileFields are listing payload fields that change without the listing itself
// changing (confirmation stamps, view and image counters).
var ListingVolatileFields = map[string]bool{
	"articleConfirmYmd":    true,
	"sameAddrCnt":          true,
	"sameAddrDirectCnt":    true,
	"siteImageCount":       true,
	"isInterest":           true,
	"isLocationShow":       true,
	"cpPcArticleUrl":       true,
	"representativeImgUrl": true,
}

// Of hashes the canonical form of data.
func Of(data map[string]any) string {
	return OfWithExclusions(data, nil)
}

// OfWithExclusions hashes data with the given dot-notation paths left out. Excluding a path also
// excludes everything below it.
func OfWithExclusions(data map[string]any, exclude map[string]bool) string {
	var b strings.Builder
	writeCanonical(&b, data, exclude, "")
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// OfJSON hashes a raw JSON object with the given exclusions.
func OfJSON(raw json.RawMessage, exclude map[string]bool) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}
	return OfWithExclusions(m, exclude), nil
}

// Listing hashes a listing payload, ignoring volatile fields.
func Listing(raw json.RawMessage) (string, error) {
	return OfJSON(raw, ListingVolatileFields)
}

// NaturalKey hashes an ordered tuple of key parts. Parts are trimmed and length-prefixed so
// ("ab", "c") and ("a", "bc") never collide.
func NaturalKey(parts ...any) string {
	var b strings.Builder
	for _, p := range parts {
		s := strings.TrimSpace(partString(p))
		b.WriteString(strconv.Itoa(len(s)))
		b.WriteByte(':')
		b.WriteString(s)
		b.WriteByte('|')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func partString(p any) string {
	switch v := p.(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		raw, _ := json.Marshal(v)
		return string(raw)
	}
}

func writeCanonical(b *strings.Builder, data any, exclude map[string]bool, path string) {
	switch v := data.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteByte('{')
		first := true
		for _, k := range keys {
			fieldPath := k
			if path != "" {
				fieldPath = path + "." + k
			}
			if excluded(fieldPath, exclude) {
				continue
			}
			if !first {
				b.WriteByte(',')
			}
			first = false
			key, _ := json.Marshal(k)
			b.Write(key)
			b.WriteByte(':')
			writeCanonical(b, v[k], exclude, fieldPath)
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item, exclude, path)
		}
		b.WriteByte(']')
	default:
		raw, _ := json.Marshal(v)
		b.Write(raw)
	}
}

func excluded(path string, exclude map[string]bool) bool {
	if len(exclude) == 0 {
		return false
	}
	if exclude[path] {
		return true
	}
	for prefix := range exclude {
		if strings.HasPrefix(path, prefix+".") {
			return true
		}
	}
	return false
}
