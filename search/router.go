package search

import (
	"strings"

	"videoSearch/core"
)

// BackendCall is one routed query against one backend.
type BackendCall struct {
	Kind core.BackendKind
	Crit string // the query text the backend receives
}

// Classifier decides which backends a natural-language query should hit.
type Classifier interface {
	Route(query string) []core.BackendKind
}

// KeywordClassifier routes on intent keywords. A query can hit several
// backends; a query that matches nothing defaults to spoken content,
// since most questions are about what was said.
type KeywordClassifier struct{}

var spokenKeywords = []string{
	"say", "said", "says", "saying", "talk", "talked", "talking",
	"mention", "mentioned", "mentions", "discuss", "discussed",
	"speak", "spoke", "spoken", "quote", "quoted", "tell", "told",
	"conversation", "dialogue", "audio", "word", "words",
}

var visualKeywords = []string{
	"show", "shows", "shown", "showing", "scene", "scenes", "look", "looks",
	"appear", "appears", "visual", "visually", "wearing", "outdoor",
	"indoor", "screen", "slide", "slides", "frame", "frames",
	"happening", "see", "seen", "background", "visible",
}

var similarityPhrases = []string{
	"looks like", "look like", "similar to", "resembles", "resembling",
	"same as", "matching image", "like this image", "like this frame",
}

var similarityKeywords = []string{
	"similar", "resemble", "logo",
}

func (KeywordClassifier) Route(query string) []core.BackendKind {
	q := strings.ToLower(query)
	tokens := map[string]bool{}
	for _, t := range strings.Fields(q) {
		tokens[strings.Trim(t, ".,!?;:\"'")] = true
	}

	var kinds []core.BackendKind
	if hasAny(tokens, spokenKeywords) {
		kinds = append(kinds, core.BackendSpeech)
	}
	if hasAny(tokens, visualKeywords) {
		kinds = append(kinds, core.BackendCaption)
	}
	if hasAny(tokens, similarityKeywords) || hasPhrase(q, similarityPhrases) {
		kinds = append(kinds, core.BackendImageSim)
	}
	if len(kinds) == 0 {
		kinds = append(kinds, core.BackendSpeech)
	}
	return kinds
}

func hasAny(tokens map[string]bool, keywords []string) bool {
	for _, k := range keywords {
		if tokens[k] {
			return true
		}
	}
	return false
}

func hasPhrase(q string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(q, p) {
			return true
		}
	}
	return false
}
