package search

import (
	"errors"
	"math"
	"strings"

	"videoSearch/core"
)

// ErrNoAlignment is returned when no timeline span matches the snippet
// closely enough to trust.
var ErrNoAlignment = errors.New("no acceptable alignment for snippet")

const (
	// defaultWindowScale bounds candidate spans at 1.5x the snippet length.
	defaultWindowScale = 1.5
	// defaultRejectThreshold is the max normalized edit distance accepted.
	defaultRejectThreshold = 0.5
)

// Aligner maps a retrieved snippet back onto the word timeline it was
// indexed from. The mapping is deterministic: same snippet, same
// timeline, same span.
type Aligner struct {
	WindowScale     float64
	RejectThreshold float64
}

func NewAligner() *Aligner {
	return &Aligner{WindowScale: defaultWindowScale, RejectThreshold: defaultRejectThreshold}
}

// Span is a resolved timeline region.
type Span struct {
	Start      float64
	End        float64
	Confidence float64
}

// Resolve slides windows of every length from the snippet length up to
// WindowScale times it across the timeline, scoring each by token-level
// edit distance normalized by window length. The best window wins; ties
// go to the span with higher mean token confidence. A best distance above
// RejectThreshold yields ErrNoAlignment.
func (a *Aligner) Resolve(snippet string, tl *core.Timeline) (Span, error) {
	snipTokens := normalizeTokens(strings.Fields(snippet))
	if len(snipTokens) == 0 || tl == nil || len(tl.Tokens) == 0 {
		return Span{}, ErrNoAlignment
	}

	timeline := tl.Tokens
	tlTokens := make([]string, len(timeline))
	for i, t := range timeline {
		tlTokens[i] = normalizeToken(t.Text)
	}

	n := len(snipTokens)
	maxWin := int(math.Ceil(float64(n) * a.WindowScale))
	if maxWin > len(tlTokens) {
		maxWin = len(tlTokens)
	}
	minWin := n
	if minWin > len(tlTokens) {
		minWin = len(tlTokens)
	}

	bestDist := math.Inf(1)
	bestConf := -1.0
	bestStart, bestEnd := -1, -1

	for w := minWin; w <= maxWin; w++ {
		for start := 0; start+w <= len(tlTokens); start++ {
			dist := float64(tokenEditDistance(snipTokens, tlTokens[start:start+w]))
			norm := dist / float64(maxInt(w, n))
			if norm > bestDist {
				continue
			}
			conf := meanConfidence(timeline[start : start+w])
			if norm < bestDist || conf > bestConf {
				bestDist = norm
				bestConf = conf
				bestStart = start
				bestEnd = start + w - 1
			}
		}
	}

	if bestStart < 0 || bestDist > a.RejectThreshold {
		return Span{}, ErrNoAlignment
	}
	return Span{
		Start:      timeline[bestStart].Start,
		End:        timeline[bestEnd].End,
		Confidence: (1 - bestDist) * bestConf,
	}, nil
}

// tokenEditDistance is Levenshtein over token slices.
func tokenEditDistance(a, b []string) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = minInt(prev[j]+1, minInt(cur[j-1]+1, prev[j-1]+cost))
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func meanConfidence(tokens []core.TimelineToken) float64 {
	if len(tokens) == 0 {
		return 0
	}
	var sum float64
	for _, t := range tokens {
		c := t.Confidence
		if c == 0 {
			c = 1
		}
		sum += c
	}
	return sum / float64(len(tokens))
}

func normalizeTokens(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		if t := normalizeToken(w); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func normalizeToken(w string) string {
	return strings.Trim(strings.ToLower(w), ".,!?;:\"'()[]")
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
