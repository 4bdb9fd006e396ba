package resolver

import "sort"

// Vote tallies, per transaction sample, the distinct candidate names it matched. A name wins with
// a unique plurality of at least two votes, or with a single vote when it is the only name any
// sample matched.
func Vote(samples [][]string) (string, bool) {
	tally := map[string]int{}
	for _, names := range samples {
		seen := map[string]struct{}{}
		for _, n := range names {
			if _, dup := seen[n]; dup || n == "" {
				continue
			}
			seen[n] = struct{}{}
			tally[n]++
		}
	}
	if len(tally) == 0 {
		return "", false
	}

	names := make([]string, 0, len(tally))
	for n := range tally {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		if tally[names[i]] != tally[names[j]] {
			return tally[names[i]] > tally[names[j]]
		}
		return names[i] < names[j]
	})

	top := names[0]
	if len(names) == 1 {
		return top, true
	}
	if tally[top] >= 2 && tally[top] > tally[names[1]] {
		return top, true
	}
	return "", false
}
