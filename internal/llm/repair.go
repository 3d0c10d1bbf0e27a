package llm

import "strings"

const maxRepairDistance = 2

// RepairID maps a malformed event reference to the nearest known reference
// within a small edit distance. Ambiguous repairs (two known refs equally
// close) are refused rather than guessed.
func RepairID(ref string, known []string) (string, bool) {
	ref = strings.ToLower(strings.TrimSpace(ref))
	if ref == "" {
		return "", false
	}

	best := ""
	bestDist := maxRepairDistance + 1
	ambiguous := false
	for _, k := range known {
		d := boundedEditDistance(ref, strings.ToLower(k), maxRepairDistance)
		if d < 0 {
			continue
		}
		switch {
		case d < bestDist:
			best, bestDist = k, d
			ambiguous = false
		case d == bestDist:
			ambiguous = true
		}
	}
	if best == "" || ambiguous {
		return "", false
	}
	return best, true
}

// boundedEditDistance returns the Levenshtein distance between a and b, or -1
// as soon as it provably exceeds bound. The band cutoff keeps it cheap for
// the long-but-unrelated strings a model sometimes emits.
func boundedEditDistance(a, b string, bound int) int {
	if a == b {
		return 0
	}
	la, lb := len(a), len(b)
	if la-lb > bound || lb-la > bound {
		return -1
	}

	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}

	for i := 1; i <= la; i++ {
		curr[0] = i
		rowMin := curr[0]
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
			if curr[j] < rowMin {
				rowMin = curr[j]
			}
		}
		if rowMin > bound {
			return -1
		}
		prev, curr = curr, prev
	}
	if prev[lb] > bound {
		return -1
	}
	return prev[lb]
}
