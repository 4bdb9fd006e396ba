// Package normalizers provides name normalization used to match complexes across datasets
package normalizers

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Normalizer is a function that normalizes a string value
type Normalizer func(string) string

var registry = make(map[string]Normalizer)

func init() {
	Register("lowercase", Lowercase)
	Register("strip_brackets", StripBrackets)
	Register("alphanumeric", Alphanumeric)
	Register("strip_generic_suffix", StripGenericSuffix)
	Register("strip_phase", StripPhase)
	Register("ncomplex", ComplexName)
}

// Register adds a normalizer to the registry
func Register(name string, fn Normalizer) {
	registry[name] = fn
}

// Apply applies a named normalizer to a value; unknown names leave the value unchanged
func Apply(value, normalizer string) string {
	fn, ok := registry[normalizer]
	if !ok {
		return value
	}
	return fn(value)
}

// ApplyChain applies multiple normalizers in sequence
func ApplyChain(value string, normalizers ...string) string {
	result := value
	for _, name := range normalizers {
		result = Apply(result, name)
	}
	return result
}

func Lowercase(s string) string {
	return strings.ToLower(s)
}

func Alphanumeric(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

var bracketRe = regexp.MustCompile(`\([^)]*\)|\[[^\]]*\]|（[^）]*）`)

// StripBrackets drops parenthesised qualifiers such as "(주상복합)" or "[1동]".
func StripBrackets(s string) string {
	return strings.TrimSpace(bracketRe.ReplaceAllString(s, " "))
}

// generic building-type words carried by one dataset but not the other
var genericSuffixes = []string{"아파트", "apt", "apartment"}

// StripGenericSuffix drops one trailing building-type word unless it is the whole name.
func StripGenericSuffix(s string) string {
	for _, suffix := range genericSuffixes {
		if strings.HasSuffix(s, suffix) && len(s) > len(suffix) {
			return strings.TrimSuffix(s, suffix)
		}
	}
	return s
}

// complexNameChain builds the canonical comparison form of a complex name.
var complexNameChain = []string{"strip_brackets", "lowercase", "alphanumeric", "strip_generic_suffix"}

// ComplexName is the canonical comparison form of a complex name: brackets dropped, lowercased,
// only letters and digits kept, generic building-type suffix removed.
func ComplexName(s string) string {
	return ApplyChain(s, complexNameChain...)
}

var phaseRe = regexp.MustCompile(`(제?\d+|[일이삼사오육칠팔구십]+)(차|단지|블록|bl)$`)

// StripPhase removes a trailing phase ordinal ("2차", "제3단지", "1bl") from a normalized name.
// A name made only of the ordinal is returned unchanged.
func StripPhase(s string) string {
	stripped := phaseRe.ReplaceAllString(s, "")
	if stripped == "" {
		return s
	}
	return stripped
}

// Tokens splits a name into lowercased tokens at whitespace, punctuation and script changes
// (hangul, latin, digits), with brackets dropped. Phase ordinals become a single canonical
// token: "2차", "제2차" and "이차" all yield "2차".
func Tokens(s string) []string {
	return ordinals(splitTokens(s))
}

func splitTokens(s string) []string {
	s = strings.ToLower(StripBrackets(s))
	var tokens []string
	var cur strings.Builder
	prev := classNone
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		c := classify(r)
		if c == classNone {
			flush()
			prev = c
			continue
		}
		if c != prev {
			flush()
		}
		cur.WriteRune(r)
		prev = c
	}
	flush()
	return tokens
}

var (
	ordinalSuffixes = []string{"단지", "블록", "차"}
	// a hangul token ending in a spelled-out ordinal: prefix, optional 제, numeral, suffix
	hangulOrdinalRe = regexp.MustCompile(`^(.*?)제?([일이삼사오육칠팔구십]+)(차|단지|블록)$`)
)

// ordinals merges digit + suffix pairs into one token, drops the "제" prefix and spells hangul
// numerals as digits.
func ordinals(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); i++ {
		t := tokens[i]
		if isDigits(t) && i+1 < len(tokens) {
			if suffix, rest, ok := ordinalPrefix(tokens[i+1]); ok {
				n := strings.TrimLeft(t, "0")
				if n == "" {
					n = t
				}
				out = append(out, n+suffix)
				if rest != "" {
					out = append(out, rest)
				}
				i++
				continue
			}
		}
		if strings.HasSuffix(t, "제") && i+2 < len(tokens) && isDigits(tokens[i+1]) {
			if _, _, ok := ordinalPrefix(tokens[i+2]); ok {
				if t = strings.TrimSuffix(t, "제"); t != "" {
					out = append(out, t)
				}
				continue
			}
		}
		if m := hangulOrdinalRe.FindStringSubmatch(t); m != nil {
			if n, ok := hangulNumber(m[2]); ok {
				if m[1] != "" {
					out = append(out, m[1])
				}
				out = append(out, strconv.Itoa(n)+m[3])
				continue
			}
		}
		out = append(out, t)
	}
	return out
}

// ordinalPrefix splits an ordinal suffix off the front of a token.
func ordinalPrefix(t string) (suffix, rest string, ok bool) {
	for _, suffix := range ordinalSuffixes {
		if strings.HasPrefix(t, suffix) {
			return suffix, strings.TrimPrefix(t, suffix), true
		}
	}
	return "", "", false
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

var hangulDigits = map[rune]int{'일': 1, '이': 2, '삼': 3, '사': 4, '오': 5, '육': 6, '칠': 7, '팔': 8, '구': 9}

// hangulNumber reads a sino-korean numeral below 100 ("이" = 2, "십이" = 12, "이십" = 20).
func hangulNumber(s string) (int, bool) {
	total, unit, tens := 0, 0, false
	for _, r := range s {
		if r == '십' {
			if tens {
				return 0, false
			}
			tens = true
			total = max(unit, 1) * 10
			unit = 0
			continue
		}
		d, ok := hangulDigits[r]
		if !ok || unit != 0 {
			return 0, false
		}
		unit = d
	}
	total += unit
	return total, total > 0
}

type charClass int

const (
	classNone charClass = iota
	classHangul
	classLatin
	classDigit
	classOther
)

func classify(r rune) charClass {
	switch {
	case unicode.Is(unicode.Hangul, r):
		return classHangul
	case unicode.IsDigit(r):
		return classDigit
	case r < unicode.MaxASCII && unicode.IsLetter(r):
		return classLatin
	case unicode.IsLetter(r):
		return classOther
	default:
		return classNone
	}
}

// Jaccard is the token-set similarity |A∩B| / |A∪B|; two empty sets score 0.
func Jaccard(a, b []string) float64 {
	setA := make(map[string]struct{}, len(a))
	for _, t := range a {
		setA[t] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, t := range b {
		setB[t] = struct{}{}
	}
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}
	inter := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}
