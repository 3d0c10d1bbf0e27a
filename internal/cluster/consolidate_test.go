package cluster

import (
	"testing"

	"github.com/design4music/sni-platform-sub000/internal/llm"
)

func TestUnaccountedCatchall(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		proposal llm.Proposal
		total    int
		want     []int
	}{
		{
			name:     "empty proposal leaves every index",
			proposal: llm.Proposal{},
			total:    3,
			want:     []int{0, 1, 2},
		},
		{
			name: "fully accounted leaves none",
			proposal: llm.Proposal{
				Groups: []llm.Group{
					{TopicLabel: "a", MemberCatchallIndices: []int{0, 2}},
				},
				UnmatchedCatchall: []int{1},
			},
			total: 3,
			want:  nil,
		},
		{
			name: "indices in neither list fall through",
			proposal: llm.Proposal{
				Groups: []llm.Group{
					{TopicLabel: "a", MemberCatchallIndices: []int{0}},
					{TopicLabel: "b", MemberCatchallIndices: []int{2}},
				},
				UnmatchedCatchall: []int{4},
			},
			total: 6,
			want:  []int{1, 3, 5},
		},
		{
			name: "event-only groups account for nothing",
			proposal: llm.Proposal{
				Groups: []llm.Group{
					{TopicLabel: "a", MemberEventIDs: []int64{11, 12}},
				},
			},
			total: 2,
			want:  []int{0, 1},
		},
		{
			name:     "no catchall input",
			proposal: llm.Proposal{UnmatchedCatchall: []int{}},
			total:    0,
			want:     nil,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := unaccountedCatchall(tc.proposal, tc.total)
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("got %v, want %v", got, tc.want)
				}
			}

			// Every input index must end up in exactly one place: a group,
			// the unmatched list, or the singleton fallback.
			seen := make(map[int]int, tc.total)
			for _, g := range tc.proposal.Groups {
				for _, idx := range g.MemberCatchallIndices {
					seen[idx]++
				}
			}
			for _, idx := range tc.proposal.UnmatchedCatchall {
				seen[idx]++
			}
			for _, idx := range got {
				seen[idx]++
			}
			for idx := 0; idx < tc.total; idx++ {
				if seen[idx] != 1 {
					t.Fatalf("index %d accounted %d times, want exactly once", idx, seen[idx])
				}
			}
		})
	}
}
