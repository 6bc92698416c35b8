package reactions

import (
	"math/rand"
	"testing"

	"circle/internal/models"

	"github.com/google/go-cmp/cmp"
)

func TestToggle_Twice(t *testing.T) {
	var s Set
	s.Toggle("bob", "❤️")
	before := s.Summarize("alice")

	if !s.Toggle("alice", "👍") {
		t.Fatal("first toggle should add the pair")
	}
	if s.Toggle("alice", "👍") {
		t.Fatal("second toggle should remove the pair")
	}

	if diff := cmp.Diff(before, s.Summarize("alice")); diff != "" {
		t.Errorf("toggling twice changed the summary (-before +after):\n%s", diff)
	}
}

func TestSummarize_LocalFlag(t *testing.T) {
	events := []models.RawReaction{
		{ReactorID: "alice", Kind: "👍"},
		{ReactorID: "bob", Kind: "👍"},
		{ReactorID: "bob", Kind: "🙏"},
	}

	asAlice := Aggregate(events, "alice")
	want := []models.ReactionSummary{
		{Kind: "👍", Count: 2, ReactedByLocalUser: true},
		{Kind: "🙏", Count: 1, ReactedByLocalUser: false},
	}
	if diff := cmp.Diff(want, asAlice); diff != "" {
		t.Errorf("summary as alice (-want +got):\n%s", diff)
	}

	asCarol := Aggregate(events, "carol")
	for _, s := range asCarol {
		if s.ReactedByLocalUser {
			t.Errorf("carol never reacted but %q is flagged", s.Kind)
		}
	}
}

func TestSummarize_Empty(t *testing.T) {
	var s Set
	if got := s.Summarize("alice"); got != nil {
		t.Errorf("expected nil summary, got %v", got)
	}
	if got := Aggregate([]models.RawReaction{{ReactorID: "a", Kind: "x"}, {ReactorID: "a", Kind: "x"}}, "a"); len(got) != 0 {
		t.Errorf("expected empty summary after a toggled pair, got %v", got)
	}
}

func TestSummarize_CountMatchesPairs(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	reactors := []string{"alice", "bob", "carol", "dave"}
	kinds := []string{"👍", "❤️", "🙏", "😢"}

	var s Set
	for i := 0; i < 500; i++ {
		s.Toggle(reactors[rng.Intn(len(reactors))], kinds[rng.Intn(len(kinds))])

		total := 0
		for _, sum := range s.Summarize("alice") {
			if sum.Count < 1 {
				t.Fatalf("step %d: summary %q has count %d", i, sum.Kind, sum.Count)
			}
			total += sum.Count
		}
		if total != s.Len() {
			t.Fatalf("step %d: counts sum to %d, set holds %d pairs", i, total, s.Len())
		}
	}
}

func TestAggregate_OrderIndependent(t *testing.T) {
	events := []models.RawReaction{
		{ReactorID: "alice", Kind: "👍"},
		{ReactorID: "bob", Kind: "👍"},
		{ReactorID: "carol", Kind: "❤️"},
		{ReactorID: "alice", Kind: "❤️"},
		{ReactorID: "bob", Kind: "👍"},
		{ReactorID: "dave", Kind: "🙏"},
	}
	want := Aggregate(events, "alice")

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		shuffled := append([]models.RawReaction(nil), events...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		if diff := cmp.Diff(want, Aggregate(shuffled, "alice")); diff != "" {
			t.Fatalf("shuffle %d changed the summary (-want +got):\n%s", i, diff)
		}
	}
}

func TestAggregate_DuplicatePairDelivery(t *testing.T) {
	events := []models.RawReaction{
		{ReactorID: "alice", Kind: "👍"},
		{ReactorID: "bob", Kind: "❤️"},
	}
	want := Aggregate(events, "bob")

	retransmitted := append(append([]models.RawReaction(nil), events...),
		models.RawReaction{ReactorID: "bob", Kind: "❤️"},
		models.RawReaction{ReactorID: "bob", Kind: "❤️"},
	)
	if diff := cmp.Diff(want, Aggregate(retransmitted, "bob")); diff != "" {
		t.Errorf("even retransmission changed the summary (-want +got):\n%s", diff)
	}
}
