package search

import (
	"math"
	"testing"

	"videoSearch/core"
)

func makeTimeline(words ...[3]any) *core.Timeline {
	tl := &core.Timeline{ItemID: "item"}
	for _, w := range words {
		tl.Tokens = append(tl.Tokens, core.TimelineToken{
			Text:  w[0].(string),
			Start: w[1].(float64),
			End:   w[2].(float64),
		})
	}
	return tl
}

func TestResolveExactMatch(t *testing.T) {
	tl := makeTimeline(
		[3]any{"the", 0.0, 0.2},
		[3]any{"quick", 0.2, 0.5},
		[3]any{"brown", 0.5, 0.8},
		[3]any{"fox", 0.8, 1.1},
	)

	span, err := NewAligner().Resolve("quick brown fox", tl)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if span.Start != 0.2 || span.End != 1.1 {
		t.Errorf("expected span (0.2, 1.1), got (%v, %v)", span.Start, span.End)
	}
	if math.Abs(span.Confidence-1.0) > 1e-9 {
		t.Errorf("expected confidence 1.0 for exact match, got %v", span.Confidence)
	}
}

func TestResolveTolerantOfSmallDifferences(t *testing.T) {
	tl := makeTimeline(
		[3]any{"we", 0.0, 0.2},
		[3]any{"Discussed", 0.2, 0.6},
		[3]any{"the", 0.6, 0.7},
		[3]any{"quarterly", 0.7, 1.2},
		[3]any{"results,", 1.2, 1.8},
		[3]any{"today", 1.8, 2.2},
	)

	// One substituted token out of four should still align.
	span, err := NewAligner().Resolve("discussed the annual results", tl)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if span.Start != 0.2 || span.End != 1.8 {
		t.Errorf("expected span (0.2, 1.8), got (%v, %v)", span.Start, span.End)
	}
	if span.Confidence >= 1.0 {
		t.Errorf("confidence should drop below 1.0 with a substitution, got %v", span.Confidence)
	}
}

func TestResolveRejectsUnrelatedSnippet(t *testing.T) {
	tl := makeTimeline(
		[3]any{"the", 0.0, 0.2},
		[3]any{"quick", 0.2, 0.5},
		[3]any{"brown", 0.5, 0.8},
		[3]any{"fox", 0.8, 1.1},
	)

	_, err := NewAligner().Resolve("nuclear fusion reactor design", tl)
	if err != ErrNoAlignment {
		t.Fatalf("expected ErrNoAlignment, got %v", err)
	}
}

func TestResolveEmptyInputs(t *testing.T) {
	tl := makeTimeline([3]any{"hello", 0.0, 0.5})
	if _, err := NewAligner().Resolve("", tl); err != ErrNoAlignment {
		t.Errorf("empty snippet: expected ErrNoAlignment, got %v", err)
	}
	if _, err := NewAligner().Resolve("hello", &core.Timeline{}); err != ErrNoAlignment {
		t.Errorf("empty timeline: expected ErrNoAlignment, got %v", err)
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	tl := makeTimeline(
		[3]any{"alpha", 0.0, 0.4},
		[3]any{"beta", 0.4, 0.8},
		[3]any{"gamma", 0.8, 1.2},
		[3]any{"alpha", 1.2, 1.6},
		[3]any{"beta", 1.6, 2.0},
	)

	a := NewAligner()
	first, err := a.Resolve("alpha beta", tl)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := a.Resolve("alpha beta", tl)
		if err != nil {
			t.Fatalf("Resolve() failed on repeat %d: %v", i, err)
		}
		if again != first {
			t.Fatalf("non-deterministic result: %+v vs %+v", again, first)
		}
	}
}

func TestTokenEditDistance(t *testing.T) {
	cases := []struct {
		a, b []string
		want int
	}{
		{[]string{"a", "b", "c"}, []string{"a", "b", "c"}, 0},
		{[]string{"a", "b", "c"}, []string{"a", "x", "c"}, 1},
		{[]string{"a", "b"}, []string{"a", "b", "c"}, 1},
		{[]string{}, []string{"a", "b"}, 2},
	}
	for _, c := range cases {
		if got := tokenEditDistance(c.a, c.b); got != c.want {
			t.Errorf("tokenEditDistance(%v, %v) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}
