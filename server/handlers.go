package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"videoSearch/core"
	"videoSearch/pipeline"
	"videoSearch/search"
	"videoSearch/storage"
)

// Server 对外HTTP接口
type Server struct {
	coord     *pipeline.Coordinator
	engine    *search.Engine
	records   storage.RecordStore
	artifacts storage.ArtifactStore
	log       *logrus.Logger
}

func New(coord *pipeline.Coordinator, engine *search.Engine, records storage.RecordStore,
	artifacts storage.ArtifactStore, log *logrus.Logger) *Server {
	return &Server{coord: coord, engine: engine, records: records, artifacts: artifacts, log: log}
}

// Routes registers all endpoints on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/submit", s.SubmitHandler)
	mux.HandleFunc("/advance", s.AdvanceHandler)
	mux.HandleFunc("/status", s.StatusHandler)
	mux.HandleFunc("/search", s.SearchHandler)
	mux.HandleFunc("/videos", s.VideosHandler)
	mux.HandleFunc("/transcript", s.TranscriptHandler)
	mux.HandleFunc("/health", s.HealthHandler)
}

// SubmitHandler accepts a media reference and starts the pipeline for it.
func (s *Server) SubmitHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		core.WriteJSON(w, http.StatusMethodNotAllowed, map[string]any{
			"error": "Only POST method is supported",
		})
		return
	}
	var req struct {
		SourceRef string `json:"source_ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SourceRef == "" {
		core.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"error": "source_ref is required",
		})
		return
	}
	itemID, err := s.coord.Submit(r.Context(), req.SourceRef)
	if err != nil {
		s.log.WithError(err).Error("submit failed")
		core.WriteJSON(w, http.StatusInternalServerError, map[string]any{
			"error": err.Error(),
		})
		return
	}
	core.WriteJSON(w, http.StatusAccepted, map[string]any{
		"item_id": itemID,
	})
}

// AdvanceHandler forces a status recomputation. The pipeline advances
// itself as stages report; this exists for operators and tests.
func (s *Server) AdvanceHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		core.WriteJSON(w, http.StatusMethodNotAllowed, map[string]any{
			"error": "Only POST method is supported",
		})
		return
	}
	itemID := r.URL.Query().Get("item_id")
	if itemID == "" {
		core.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"error": "item_id is required",
		})
		return
	}
	status, err := s.coord.Advance(r.Context(), itemID)
	if err != nil {
		s.writeLookupError(w, itemID, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, map[string]any{
		"item_id": itemID,
		"status":  status,
	})
}

// StatusHandler returns the full item record.
func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	itemID := r.URL.Query().Get("item_id")
	if itemID == "" {
		core.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"error": "item_id is required",
		})
		return
	}
	rec, err := s.coord.GetStatus(r.Context(), itemID)
	if err != nil {
		s.writeLookupError(w, itemID, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, rec)
}

// SearchHandler runs a routed query across the search backends.
func (s *Server) SearchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		core.WriteJSON(w, http.StatusMethodNotAllowed, map[string]any{
			"error": "Only POST method is supported",
		})
		return
	}
	var req struct {
		Query  string `json:"query"`
		ItemID string `json:"item_id"`
		TopK   int    `json:"top_k"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		core.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"error": "query is required",
		})
		return
	}
	resp, err := s.engine.Search(r.Context(), req.Query, req.ItemID, req.TopK)
	if err != nil {
		s.log.WithError(err).Error("search failed")
		core.WriteJSON(w, http.StatusInternalServerError, map[string]any{
			"error": err.Error(),
		})
		return
	}
	core.WriteJSON(w, http.StatusOK, resp)
}

// VideosHandler lists all known items with their statuses.
func (s *Server) VideosHandler(w http.ResponseWriter, r *http.Request) {
	recs, err := s.records.ListItems(r.Context(), 0)
	if err != nil {
		core.WriteJSON(w, http.StatusInternalServerError, map[string]any{
			"error": err.Error(),
		})
		return
	}
	core.WriteJSON(w, http.StatusOK, map[string]any{
		"count": len(recs),
		"items": recs,
	})
}

// TranscriptHandler returns the word timeline of a transcribed item.
func (s *Server) TranscriptHandler(w http.ResponseWriter, r *http.Request) {
	itemID := r.URL.Query().Get("item_id")
	if itemID == "" {
		core.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"error": "item_id is required",
		})
		return
	}
	tl, err := storage.GetTimeline(s.artifacts, itemID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			core.WriteJSON(w, http.StatusNotFound, map[string]any{
				"error": "no transcript for item: " + itemID,
			})
			return
		}
		core.WriteJSON(w, http.StatusInternalServerError, map[string]any{
			"error": err.Error(),
		})
		return
	}
	core.WriteJSON(w, http.StatusOK, tl)
}

// HealthHandler 健康检查
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	core.WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) writeLookupError(w http.ResponseWriter, itemID string, err error) {
	if errors.Is(err, core.ErrNotFound) {
		core.WriteJSON(w, http.StatusNotFound, map[string]any{
			"error": "item not found: " + itemID,
		})
		return
	}
	s.log.WithField("item_id", itemID).WithError(err).Error("item lookup failed")
	core.WriteJSON(w, http.StatusInternalServerError, map[string]any{
		"error": err.Error(),
	})
}
