package pipeline

import (
	"strings"

	"videoSearch/core"
)

const (
	// chunkDuration is the target span of one transcript chunk in seconds.
	chunkDuration = 10.0
	// chunkOverlap carries the tail of each chunk into the next one so a
	// phrase straddling a boundary is still findable.
	chunkOverlap = 1.0
)

// ChunkTimeline splits a word timeline into overlapping fixed-duration
// chunks. Each chunk's span comes from its first and last token, so the
// coarse index times always map back onto the timeline.
func ChunkTimeline(tl *core.Timeline, duration, overlap float64) []core.UnitInput {
	if tl == nil || len(tl.Tokens) == 0 {
		return nil
	}
	if duration <= 0 {
		duration = chunkDuration
	}
	if overlap < 0 || overlap >= duration {
		overlap = 0
	}

	var units []core.UnitInput
	tokens := tl.Tokens
	i := 0
	for i < len(tokens) {
		chunkStart := tokens[i].Start
		chunkEnd := chunkStart + duration

		j := i
		for j < len(tokens) && tokens[j].Start < chunkEnd {
			j++
		}
		span := tokens[i:j]
		words := make([]string, 0, len(span))
		for _, t := range span {
			words = append(words, t.Text)
		}
		units = append(units, core.UnitInput{
			UnitIndex: len(units),
			Text:      strings.Join(words, " "),
			Start:     span[0].Start,
			End:       span[len(span)-1].End,
		})

		if j >= len(tokens) {
			break
		}
		// Advance to the first token past (chunkEnd - overlap) but always
		// make forward progress.
		next := i + 1
		for next < len(tokens) && tokens[next].Start < chunkEnd-overlap {
			next++
		}
		if next <= i {
			next = i + 1
		}
		i = next
	}
	return units
}
