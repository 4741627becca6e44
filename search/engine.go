package search

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"videoSearch/core"
	"videoSearch/storage"
)

const defaultTopK = 5

// Response carries merged results plus the backends that could not answer
// in time. Partial answers beat no answer.
type Response struct {
	Query       string              `json:"query"`
	Results     []core.SearchResult `json:"results"`
	Unavailable []core.BackendKind  `json:"unavailable,omitempty"`
}

// Engine routes a query to the relevant backends, runs them concurrently
// under a per-backend time budget, resolves speech snippets onto their
// timelines, and merges everything into one ranked list.
type Engine struct {
	classifier Classifier
	backends   map[core.BackendKind]storage.SearchBackend
	artifacts  storage.ArtifactStore
	aligner    *Aligner
	timeout    time.Duration
	log        *logrus.Logger
}

func NewEngine(classifier Classifier, backends []storage.SearchBackend,
	artifacts storage.ArtifactStore, timeout time.Duration, log *logrus.Logger) *Engine {
	byKind := map[core.BackendKind]storage.SearchBackend{}
	for _, b := range backends {
		byKind[b.Kind()] = b
	}
	return &Engine{
		classifier: classifier,
		backends:   byKind,
		artifacts:  artifacts,
		aligner:    NewAligner(),
		timeout:    timeout,
		log:        log,
	}
}

func (e *Engine) Search(ctx context.Context, query, itemFilter string, topK int) (*Response, error) {
	if topK <= 0 {
		topK = defaultTopK
	}
	kinds := e.classifier.Route(query)
	e.log.WithField("query", query).WithField("backends", kinds).Debug("query routed")

	type backendResult struct {
		kind core.BackendKind
		hits []storage.BackendHit
		err  error
	}

	var wg sync.WaitGroup
	results := make([]backendResult, len(kinds))
	for i, kind := range kinds {
		backend, ok := e.backends[kind]
		if !ok {
			results[i] = backendResult{kind: kind, err: errors.New("backend not configured")}
			continue
		}
		wg.Add(1)
		go func(i int, kind core.BackendKind, backend storage.SearchBackend) {
			defer wg.Done()
			bctx, cancel := context.WithTimeout(ctx, e.timeout)
			defer cancel()
			hits, err := backend.Query(bctx, query, itemFilter, topK)
			results[i] = backendResult{kind: kind, hits: hits, err: err}
		}(i, kind, backend)
	}
	wg.Wait()

	resp := &Response{Query: query}
	timelines := map[string]*core.Timeline{}
	for _, r := range results {
		if r.err != nil {
			e.log.WithField("backend", r.kind).WithError(r.err).Warn("backend unavailable")
			resp.Unavailable = append(resp.Unavailable, r.kind)
			continue
		}
		for _, hit := range r.hits {
			resp.Results = append(resp.Results, e.reconcile(r.kind, hit, timelines))
		}
	}

	mergeRank(resp.Results)
	if len(resp.Results) > topK {
		resp.Results = resp.Results[:topK]
	}
	return resp, nil
}

// reconcile turns a raw backend hit into a result. Speech snippets are
// aligned against the item's timeline for word-accurate times; alignment
// failure falls back to the backend's coarse span with Resolved false.
// Frame-based hits already carry exact frame times.
func (e *Engine) reconcile(kind core.BackendKind, hit storage.BackendHit, timelines map[string]*core.Timeline) core.SearchResult {
	res := core.SearchResult{
		ItemID:  hit.ItemID,
		Backend: kind,
		Snippet: hit.Snippet,
		Start:   hit.Start,
		End:     hit.End,
		Score:   hit.Score,
	}
	if kind != core.BackendSpeech {
		return res
	}

	tl, ok := timelines[hit.ItemID]
	if !ok {
		loaded, err := storage.GetTimeline(e.artifacts, hit.ItemID)
		if err != nil {
			e.log.WithField("item_id", hit.ItemID).WithError(err).Warn("timeline unavailable, keeping coarse times")
			timelines[hit.ItemID] = nil
			return res
		}
		tl = loaded
		timelines[hit.ItemID] = tl
	}
	if tl == nil {
		return res
	}

	span, err := e.aligner.Resolve(hit.Snippet, tl)
	if err != nil {
		e.log.WithField("item_id", hit.ItemID).Debug("snippet alignment rejected, keeping coarse times")
		return res
	}
	res.Start = span.Start
	res.End = span.End
	res.Resolved = true
	return res
}

// mergeRank orders by score descending; equal scores by earlier start.
func mergeRank(results []core.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Start < results[j].Start
	})
}
