// Package reactions aggregates raw (reactor, kind) toggle events into
// per-message reaction summaries.
package reactions

import (
	"sort"

	"circle/internal/models"
)

type pair struct {
	reactorID string
	kind      string
}

// Set holds the raw reactions currently toggled on for one message.
// The zero value is ready to use.
type Set struct {
	pairs map[pair]struct{}
}

// Toggle flips the membership of (reactorID, kind) and reports whether the
// pair is present afterwards.
func (s *Set) Toggle(reactorID, kind string) bool {
	if s.pairs == nil {
		s.pairs = make(map[pair]struct{})
	}
	p := pair{reactorID: reactorID, kind: kind}
	if _, ok := s.pairs[p]; ok {
		delete(s.pairs, p)
		return false
	}
	s.pairs[p] = struct{}{}
	return true
}

// Len returns the number of distinct (reactor, kind) pairs toggled on.
func (s *Set) Len() int {
	return len(s.pairs)
}

// Summarize groups the set by kind. It is recomputed from scratch on every
// call. Summaries are ordered by count descending, then kind, so the result
// does not depend on the order events were applied in.
func (s *Set) Summarize(localUserID string) []models.ReactionSummary {
	if len(s.pairs) == 0 {
		return nil
	}

	byKind := make(map[string]*models.ReactionSummary)
	for p := range s.pairs {
		sum, ok := byKind[p.kind]
		if !ok {
			sum = &models.ReactionSummary{Kind: p.kind}
			byKind[p.kind] = sum
		}
		sum.Count++
		if p.reactorID == localUserID {
			sum.ReactedByLocalUser = true
		}
	}

	result := make([]models.ReactionSummary, 0, len(byKind))
	for _, sum := range byKind {
		result = append(result, *sum)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].Kind < result[j].Kind
	})
	return result
}

// Aggregate applies events in order to an empty set and summarizes it.
func Aggregate(events []models.RawReaction, localUserID string) []models.ReactionSummary {
	var s Set
	for _, e := range events {
		s.Toggle(e.ReactorID, e.Kind)
	}
	return s.Summarize(localUserID)
}
