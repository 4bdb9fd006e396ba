package source

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// ManWon is the 10,000 won unit the source quotes prices in.
	ManWon int64 = 10_000
	eok    int64 = 10_000 * ManWon
)

// ParsePrice converts a quoted price such as "3억 5,000" or "9,500" (man-won) into won.
func ParsePrice(text string) (int64, error) {
	s := strings.ReplaceAll(strings.TrimSpace(text), ",", "")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return 0, nil
	}

	var total int64
	if idx := strings.Index(s, "억"); idx >= 0 {
		head := s[:idx]
		if head != "" {
			n, err := strconv.ParseInt(head, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid price %q: %w", text, err)
			}
			total += n * eok
		}
		s = s[idx+len("억"):]
	}
	s = strings.TrimSuffix(s, "만")
	s = strings.TrimSuffix(s, "원")
	if s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid price %q: %w", text, err)
		}
		total += n * ManWon
	}
	return total, nil
}
