package pipeline

import (
	"fmt"
	"strings"
	"testing"

	"videoSearch/core"
)

func wordTimeline(n int) *core.Timeline {
	tl := &core.Timeline{ItemID: "item"}
	for i := 0; i < n; i++ {
		tl.Tokens = append(tl.Tokens, core.TimelineToken{
			Text:  fmt.Sprintf("w%d", i),
			Start: float64(i),
			End:   float64(i) + 0.5,
		})
	}
	return tl
}

func TestChunkTimelineSpansAndOverlap(t *testing.T) {
	units := ChunkTimeline(wordTimeline(25), 10, 1)
	if len(units) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(units))
	}

	first := units[0]
	if first.Start != 0 || first.End != 9.5 {
		t.Errorf("first chunk span (%v, %v), expected (0, 9.5)", first.Start, first.End)
	}
	if !strings.HasPrefix(first.Text, "w0 ") || !strings.HasSuffix(first.Text, " w9") {
		t.Errorf("unexpected first chunk text: %q", first.Text)
	}

	// The overlap region re-appears at the head of the next chunk.
	if !strings.HasPrefix(units[1].Text, "w9 ") {
		t.Errorf("second chunk should start with the overlapped word, got %q", units[1].Text)
	}

	for i, u := range units {
		if u.UnitIndex != i {
			t.Errorf("chunk %d has unit index %d", i, u.UnitIndex)
		}
		if u.End <= u.Start {
			t.Errorf("chunk %d has empty span (%v, %v)", i, u.Start, u.End)
		}
	}
}

func TestChunkTimelineShortTranscript(t *testing.T) {
	units := ChunkTimeline(wordTimeline(3), 10, 1)
	if len(units) != 1 {
		t.Fatalf("expected a single chunk, got %d", len(units))
	}
	if units[0].Text != "w0 w1 w2" {
		t.Errorf("unexpected chunk text: %q", units[0].Text)
	}
}

func TestChunkTimelineEmpty(t *testing.T) {
	if units := ChunkTimeline(nil, 10, 1); units != nil {
		t.Errorf("nil timeline should yield no chunks, got %v", units)
	}
	if units := ChunkTimeline(&core.Timeline{}, 10, 1); units != nil {
		t.Errorf("empty timeline should yield no chunks, got %v", units)
	}
}

func TestChunkTimelineMakesProgressWithDenseTokens(t *testing.T) {
	// Many tokens sharing a start time must not loop forever.
	tl := &core.Timeline{ItemID: "item"}
	for i := 0; i < 50; i++ {
		tl.Tokens = append(tl.Tokens, core.TimelineToken{Text: "x", Start: 0, End: 0.1})
	}
	units := ChunkTimeline(tl, 10, 9.9)
	if len(units) == 0 {
		t.Fatal("expected at least one chunk")
	}
}
