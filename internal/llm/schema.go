package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const refinementSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["groups", "unmatched_catchall_indices"],
  "additionalProperties": false,
  "properties": {
    "groups": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["topic_label", "member_event_ids", "member_catchall_indices"],
        "additionalProperties": false,
        "properties": {
          "topic_label": {"type": "string", "minLength": 1},
          "member_event_ids": {
            "type": "array",
            "items": {"type": "string"}
          },
          "member_catchall_indices": {
            "type": "array",
            "items": {"type": "integer", "minimum": 0}
          }
        }
      }
    },
    "unmatched_catchall_indices": {
      "type": "array",
      "items": {"type": "integer", "minimum": 0}
    }
  }
}`

var refinementSchema = jsonschema.MustCompileString("refinement.json", refinementSchemaJSON)

// ErrOverMerge marks a proposal that would collapse too many distinct topics
// into one group. Callers reject the whole response and keep prior state.
var ErrOverMerge = errors.New("refinement proposed an over-aggressive merge")

// EventRef is the wire form of an event id shown to the model.
func EventRef(eventID int64) string {
	return fmt.Sprintf("event-%d", eventID)
}

type rawProposal struct {
	Groups []struct {
		TopicLabel            string   `json:"topic_label"`
		MemberEventIDs        []string `json:"member_event_ids"`
		MemberCatchallIndices []int    `json:"member_catchall_indices"`
	} `json:"groups"`
	UnmatchedCatchallIndices []int `json:"unmatched_catchall_indices"`
}

// decodeProposal validates the model output against the embedded schema and
// resolves event references back to real ids, repairing near-miss spellings.
// References that cannot be repaired are dropped here; the events they might
// have named simply stay unmerged.
func decodeProposal(raw string, req Request) (Proposal, error) {
	raw = strings.TrimSpace(raw)

	var generic any
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return Proposal{}, fmt.Errorf("response is not JSON: %w", err)
	}
	if err := refinementSchema.Validate(generic); err != nil {
		return Proposal{}, fmt.Errorf("response violates schema: %w", err)
	}

	var parsed rawProposal
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return Proposal{}, fmt.Errorf("decode proposal: %w", err)
	}

	known := make(map[string]int64, len(req.Topics))
	refs := make([]string, 0, len(req.Topics))
	for _, t := range req.Topics {
		known[t.ID] = t.EventID
		refs = append(refs, t.ID)
	}

	proposal := Proposal{UnmatchedCatchall: parsed.UnmatchedCatchallIndices}
	for _, g := range parsed.Groups {
		group := Group{
			TopicLabel:            g.TopicLabel,
			MemberCatchallIndices: g.MemberCatchallIndices,
		}
		for _, ref := range g.MemberEventIDs {
			id, ok := known[ref]
			if !ok {
				repaired, found := RepairID(ref, refs)
				if !found {
					continue
				}
				id = known[repaired]
			}
			group.MemberEventIDs = append(group.MemberEventIDs, id)
		}
		proposal.Groups = append(proposal.Groups, group)
	}
	return proposal, nil
}

// Validate enforces the refinement contract: each referenced event id appears
// in exactly one group, every catchall index is in range and referenced at
// most once, and no single group swallows overMergeCap or more topics.
// Supplied ids and catchall indices missing from the response are legal; the
// caller gives those their own singleton treatment.
func (p Proposal) Validate(suppliedEventIDs []int64, catchallCount, overMergeCap int) error {
	supplied := make(map[int64]struct{}, len(suppliedEventIDs))
	for _, id := range suppliedEventIDs {
		supplied[id] = struct{}{}
	}

	seenEvents := make(map[int64]struct{})
	seenIndices := make(map[int]struct{})
	for _, g := range p.Groups {
		if overMergeCap > 0 && len(g.MemberEventIDs) >= overMergeCap {
			return fmt.Errorf("%w: %d topics in one group", ErrOverMerge, len(g.MemberEventIDs))
		}
		for _, id := range g.MemberEventIDs {
			if _, ok := supplied[id]; !ok {
				return fmt.Errorf("group references unknown event %d", id)
			}
			if _, dup := seenEvents[id]; dup {
				return fmt.Errorf("event %d referenced by more than one group", id)
			}
			seenEvents[id] = struct{}{}
		}
		for _, idx := range g.MemberCatchallIndices {
			if idx < 0 || idx >= catchallCount {
				return fmt.Errorf("catchall index %d out of range [0,%d)", idx, catchallCount)
			}
			if _, dup := seenIndices[idx]; dup {
				return fmt.Errorf("catchall index %d referenced more than once", idx)
			}
			seenIndices[idx] = struct{}{}
		}
	}
	for _, idx := range p.UnmatchedCatchall {
		if idx < 0 || idx >= catchallCount {
			return fmt.Errorf("unmatched catchall index %d out of range [0,%d)", idx, catchallCount)
		}
		if _, dup := seenIndices[idx]; dup {
			return fmt.Errorf("catchall index %d both grouped and unmatched", idx)
		}
		seenIndices[idx] = struct{}{}
	}
	return nil
}
