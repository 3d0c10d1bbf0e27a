// Package router assigns classified headlines to period buckets.
//
// Routing is relative to a home centroid: a headline with no other geo-class
// centroid is domestic; otherwise its first other geo centroid is the
// counterpart, and counterparts are split into individual bilateral buckets
// (top N by count over the batch) versus a single other-international bucket.
package router

import (
	"sort"
	"strings"
)

// FirstOtherGeo returns the first geo-class centroid in matched order that is
// not home, or "" when the headline is domestic relative to home.
func FirstOtherGeo(matched []string, home string, geo map[string]struct{}) string {
	for _, c := range matched {
		if c == home {
			continue
		}
		if _, ok := geo[c]; ok {
			return c
		}
	}
	return ""
}

// TopCounterparts picks the n most frequent counterparts from a tally. Ties
// break toward the lexically smaller centroid so the cut is deterministic and
// re-running the router on an unchanged batch reproduces the same membership.
func TopCounterparts(tally map[string]int, n int) map[string]struct{} {
	if n <= 0 || len(tally) == 0 {
		return map[string]struct{}{}
	}

	type entry struct {
		centroid string
		count    int
	}
	entries := make([]entry, 0, len(tally))
	for c, count := range tally {
		entries = append(entries, entry{centroid: c, count: count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].centroid < entries[j].centroid
	})

	if n > len(entries) {
		n = len(entries)
	}
	top := make(map[string]struct{}, n)
	for _, e := range entries[:n] {
		top[e.centroid] = struct{}{}
	}
	return top
}

// Classify resolves the routing classification for one headline relative to
// home, given the bilateral membership decided by the batch tally.
func Classify(matched []string, home string, geo map[string]struct{}, bilateral map[string]struct{}) (classification, bucketKey string) {
	counterpart := FirstOtherGeo(matched, home, geo)
	if counterpart == "" {
		return "domestic", ""
	}
	if _, ok := bilateral[counterpart]; ok {
		return "bilateral", counterpart
	}
	return "other_international", ""
}

// TopAliases ranks a bucket's alias tally and returns up to cap aliases,
// most frequent first, ties toward the lexically smaller alias.
func TopAliases(tally map[string]int, cap int) []string {
	if cap <= 0 || len(tally) == 0 {
		return nil
	}

	type entry struct {
		alias string
		count int
	}
	entries := make([]entry, 0, len(tally))
	for a, count := range tally {
		if strings.TrimSpace(a) == "" {
			continue
		}
		entries = append(entries, entry{alias: a, count: count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].alias < entries[j].alias
	})

	if cap > len(entries) {
		cap = len(entries)
	}
	out := make([]string, 0, cap)
	for _, e := range entries[:cap] {
		out = append(out, e.alias)
	}
	return out
}

// PickSubAlias chooses a headline's sub-group from its own matched aliases:
// the one ranked highest in the bucket's top-alias list, or "" (untagged)
// when none of its aliases made the cut.
func PickSubAlias(own []string, topRanked []string) string {
	if len(own) == 0 || len(topRanked) == 0 {
		return ""
	}
	rank := make(map[string]int, len(topRanked))
	for i, a := range topRanked {
		rank[a] = i
	}

	best := ""
	bestRank := len(topRanked)
	for _, a := range own {
		r, ok := rank[a]
		if !ok {
			continue
		}
		if r < bestRank {
			best = a
			bestRank = r
		}
	}
	return best
}

// DominantForeign decides whether one foreign geo centroid is clearly
// dominant among an event's member headlines: it must appear in at least
// three fifths of members and strictly beat every other foreign centroid.
func DominantForeign(tally map[string]int, members int) (string, bool) {
	if members <= 0 || len(tally) == 0 {
		return "", false
	}

	best, second := "", 0
	bestCount := 0
	for c, count := range tally {
		switch {
		case count > bestCount:
			second = bestCount
			best, bestCount = c, count
		case count > second:
			second = count
		}
	}
	if bestCount*5 < members*3 {
		return "", false
	}
	if bestCount == second {
		return "", false
	}
	return best, true
}
