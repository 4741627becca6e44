package pipeline

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"videoSearch/core"
	"videoSearch/providers"
	"videoSearch/storage"
)

// frameCaption is the per-frame artifact written by the frames stage.
type frameCaption struct {
	FrameIndex int     `json:"frame_index"`
	Timestamp  float64 `json:"timestamp"`
	Caption    string  `json:"caption"`
}

// StageSet executes stage units: captioning and embedding frames, and
// indexing transcript chunks. One failing unit only fails itself.
type StageSet struct {
	artifacts    storage.ArtifactStore
	captioner    providers.CaptionProvider
	embedder     providers.EmbeddingProvider
	speechIndex  storage.TextIndex
	captionIndex storage.TextIndex
	frameIndex   storage.FrameIndexer
	log          *logrus.Logger
}

func NewStageSet(artifacts storage.ArtifactStore, captioner providers.CaptionProvider,
	embedder providers.EmbeddingProvider, speechIndex, captionIndex storage.TextIndex,
	frameIndex storage.FrameIndexer, log *logrus.Logger) *StageSet {
	return &StageSet{
		artifacts:    artifacts,
		captioner:    captioner,
		embedder:     embedder,
		speechIndex:  speechIndex,
		captionIndex: captionIndex,
		frameIndex:   frameIndex,
		log:          log,
	}
}

func (s *StageSet) RunUnit(ctx context.Context, itemID, stage string, unit core.UnitInput) error {
	switch stage {
	case core.StageFrames:
		return s.runFrameUnit(ctx, itemID, unit)
	case core.StageChunk:
		return s.runChunkUnit(ctx, itemID, unit)
	default:
		return fmt.Errorf("unknown stage %q", stage)
	}
}

// runFrameUnit captions one frame, indexes the caption for visual
// description search, and stores the image embedding for similarity
// search. All writes are keyed by frame index, so a retried unit
// overwrites rather than duplicates.
func (s *StageSet) runFrameUnit(ctx context.Context, itemID string, unit core.UnitInput) error {
	img, err := loadFrameBytes(unit.Ref)
	if err != nil {
		return core.NewStageError(core.StageFrames, false, "read frame %d: %v", unit.UnitIndex, err)
	}

	caption, err := s.captioner.Describe(ctx, img)
	if err != nil {
		return core.NewStageError(core.StageFrames, true, "caption frame %d: %v", unit.UnitIndex, err)
	}
	fc := frameCaption{FrameIndex: unit.UnitIndex, Timestamp: unit.Timestamp, Caption: caption}
	if err := storage.PutJSON(s.artifacts, storage.CaptionKey(itemID, unit.UnitIndex), fc); err != nil {
		return core.NewStageError(core.StageFrames, true, "store caption %d: %v", unit.UnitIndex, err)
	}

	_, err = s.captionIndex.Upsert(ctx, itemID, []storage.IndexEntry{{
		EntryID: fmt.Sprintf("caption-%04d", unit.UnitIndex),
		Text:    caption,
		Start:   unit.Timestamp,
		End:     unit.Timestamp,
	}})
	if err != nil {
		return core.NewStageError(core.StageFrames, true, "index caption %d: %v", unit.UnitIndex, err)
	}

	vec, err := s.embedder.EmbedImage(ctx, img)
	if err != nil {
		return core.NewStageError(core.StageFrames, true, "embed frame %d: %v", unit.UnitIndex, err)
	}
	if err := storage.PutJSON(s.artifacts, storage.EmbeddingKey(itemID, unit.UnitIndex), vec); err != nil {
		return core.NewStageError(core.StageFrames, true, "store embedding %d: %v", unit.UnitIndex, err)
	}
	if s.frameIndex != nil {
		_, err = s.frameIndex.UpsertFrames(ctx, itemID, []storage.FrameVector{{
			FrameIndex: unit.UnitIndex,
			Timestamp:  unit.Timestamp,
			FrameRef:   unit.Ref,
			Vector:     vec,
		}})
		if err != nil {
			return core.NewStageError(core.StageFrames, true, "index frame vector %d: %v", unit.UnitIndex, err)
		}
	}
	return nil
}

// runChunkUnit indexes one transcript chunk for spoken-content search.
func (s *StageSet) runChunkUnit(ctx context.Context, itemID string, unit core.UnitInput) error {
	_, err := s.speechIndex.Upsert(ctx, itemID, []storage.IndexEntry{{
		EntryID: fmt.Sprintf("chunk-%04d", unit.UnitIndex),
		Text:    unit.Text,
		Start:   unit.Start,
		End:     unit.End,
	}})
	if err != nil {
		return core.NewStageError(core.StageChunk, true, "index chunk %d: %v", unit.UnitIndex, err)
	}
	return nil
}

// loadFrameBytes reads the extracted frame from disk. Synthetic refs from
// the mock extractor carry no pixels; their bytes are the ref itself.
func loadFrameBytes(ref string) ([]byte, error) {
	if strings.HasPrefix(ref, "mock://") {
		return []byte(ref), nil
	}
	return os.ReadFile(ref)
}
