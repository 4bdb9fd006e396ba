// Package bargain holds the keyword lexicon and the bargain type classification.
package bargain

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/Ramsey-B/fern/pkg/models"
)

// DefaultKeywords are matched longest first so the reported keyword is the most specific one.
var DefaultKeywords = []string{
	"초급매",
	"급급매",
	"급매물",
	"급처분",
	"급처",
	"급매",
	"급전",
	"손절",
	"마이너스피",
	"시세이하",
	"시세보다저렴",
	"최저가",
	"가격조정",
	"가격인하",
	"네고가능",
}

// DefaultNegations suppress a match when they appear right after the keyword.
var DefaultNegations = []string{
	"아님",
	"아닙니다",
	"아니",
	"없음",
	"사절",
	"불가",
}

type Lexicon struct {
	keywords  []string
	negations []string
}

// NewLexicon builds a lexicon; empty arguments fall back to the defaults.
func NewLexicon(keywords, negations []string) *Lexicon {
	if len(keywords) == 0 {
		keywords = DefaultKeywords
	}
	if negations == nil {
		negations = DefaultNegations
	}
	kw := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = squash(k); k != "" {
			kw = append(kw, k)
		}
	}
	sort.SliceStable(kw, func(i, j int) bool {
		return utf8.RuneCountInString(kw[i]) > utf8.RuneCountInString(kw[j])
	})
	return &Lexicon{keywords: kw, negations: negations}
}

// Match returns the first keyword found in the description that is not negated.
func (l *Lexicon) Match(description string) (string, bool) {
	text := squash(description)
	if text == "" {
		return "", false
	}
	for _, kw := range l.keywords {
		offset := 0
		for {
			idx := strings.Index(text[offset:], kw)
			if idx < 0 {
				break
			}
			end := offset + idx + len(kw)
			if !l.negated(text[end:]) {
				return kw, true
			}
			offset = end
		}
	}
	return "", false
}

func (l *Lexicon) negated(rest string) bool {
	for _, n := range l.negations {
		if strings.HasPrefix(rest, n) {
			return true
		}
	}
	return false
}

// Classify combines the score outcome and the keyword outcome into a bargain type.
func Classify(score, threshold int, keywordHit bool) string {
	priceHit := score >= threshold
	switch {
	case priceHit && keywordHit:
		return models.BargainTypeBoth
	case priceHit:
		return models.BargainTypePrice
	case keywordHit:
		return models.BargainTypeKeyword
	default:
		return models.BargainTypeNone
	}
}

// squash drops whitespace and punctuation so "급 매!" still matches.
func squash(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
