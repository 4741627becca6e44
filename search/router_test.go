package search

import (
	"testing"

	"videoSearch/core"
)

func TestRouteSpokenQuery(t *testing.T) {
	kinds := KeywordClassifier{}.Route("what did they say about AI")
	if len(kinds) != 1 || kinds[0] != core.BackendSpeech {
		t.Errorf("expected [spoken-content], got %v", kinds)
	}
}

func TestRouteVisualQuery(t *testing.T) {
	kinds := KeywordClassifier{}.Route("show me outdoor scenes")
	if len(kinds) != 1 || kinds[0] != core.BackendCaption {
		t.Errorf("expected [visual-description], got %v", kinds)
	}
}

func TestRouteCombinedQuery(t *testing.T) {
	kinds := KeywordClassifier{}.Route("what did they say about AI and show the slides")
	if len(kinds) != 2 {
		t.Fatalf("expected two backends, got %v", kinds)
	}
	has := map[core.BackendKind]bool{}
	for _, k := range kinds {
		has[k] = true
	}
	if !has[core.BackendSpeech] || !has[core.BackendCaption] {
		t.Errorf("expected spoken-content and visual-description, got %v", kinds)
	}
}

func TestRouteSimilarityQuery(t *testing.T) {
	kinds := KeywordClassifier{}.Route("find moments similar to a red logo")
	has := map[core.BackendKind]bool{}
	for _, k := range kinds {
		has[k] = true
	}
	if !has[core.BackendImageSim] {
		t.Errorf("expected visual-similarity to be routed, got %v", kinds)
	}
}

func TestRouteDefaultsToSpoken(t *testing.T) {
	kinds := KeywordClassifier{}.Route("quarterly budget review")
	if len(kinds) != 1 || kinds[0] != core.BackendSpeech {
		t.Errorf("expected default [spoken-content], got %v", kinds)
	}
}
