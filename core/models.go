package core

import (
	"os"
	"time"
)

// ========== 条目状态 ==========

type ItemStatus string

const (
	StatusCreated       ItemStatus = "created"
	StatusStagesRunning ItemStatus = "stages_running"
	StatusCompleted     ItemStatus = "completed"
	StatusFailed        ItemStatus = "failed"
)

// Terminal reports whether the status is absorbing.
func (s ItemStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type StageState string

const (
	StagePending StageState = "pending"
	StageRunning StageState = "running"
	StageDone    StageState = "done"
	StageFailed  StageState = "failed"
)

// Settled reports whether a stage has reached a final state.
func (s StageState) Settled() bool {
	return s == StageDone || s == StageFailed
}

// ========== 流水线阶段 ==========

// Stage names. An item is completed when every required stage is done.
const (
	StageTranscribe = "transcribe" // async speech-to-text job
	StageFrames     = "frames"     // frame captioning + image embedding
	StageChunk      = "chunk"      // timeline chunking + speech indexing
)

// RequiredStages lists the stages an item must finish to be completed.
func RequiredStages() []string {
	return []string{StageTranscribe, StageFrames, StageChunk}
}

// ========== 基础数据结构 ==========

// ItemRecord is the durable per-item processing record. All mutation goes
// through RecordStore.UpdateItem, which is guarded by Version.
type ItemRecord struct {
	ItemID        string                `json:"item_id"`
	SourceRef     string                `json:"source_ref"`
	Status        ItemStatus            `json:"status"`
	StageStatus   map[string]StageState `json:"stage_status"`
	StageAttempts map[string]int        `json:"stage_attempts,omitempty"`
	Warnings      []string              `json:"warnings,omitempty"`
	Error         *StageError           `json:"error,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
	Version       int64                 `json:"version"`
}

// Clone returns a deep copy so callers can mutate without racing readers.
func (r *ItemRecord) Clone() *ItemRecord {
	cp := *r
	cp.StageStatus = make(map[string]StageState, len(r.StageStatus))
	for k, v := range r.StageStatus {
		cp.StageStatus[k] = v
	}
	cp.StageAttempts = make(map[string]int, len(r.StageAttempts))
	for k, v := range r.StageAttempts {
		cp.StageAttempts[k] = v
	}
	cp.Warnings = append([]string(nil), r.Warnings...)
	if r.Error != nil {
		e := *r.Error
		cp.Error = &e
	}
	return &cp
}

type UnitStatus string

const (
	UnitPending UnitStatus = "pending"
	UnitDone    UnitStatus = "done"
	UnitFailed  UnitStatus = "failed"
)

// Unit is the smallest independently retriable piece of a stage,
// e.g. one extracted frame. Sibling units are independent.
type Unit struct {
	ParentItemID string     `json:"parent_item_id"`
	Stage        string     `json:"stage"`
	UnitIndex    int        `json:"unit_index"`
	Status       UnitStatus `json:"status"`
	Error        string     `json:"error,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// UnitInput carries the payload a unit operates on.
type UnitInput struct {
	UnitIndex int     `json:"unit_index"`
	Ref       string  `json:"ref"`            // artifact key or provider ref
	Timestamp float64 `json:"timestamp_sec"`  // source position, e.g. frame time
	Text      string  `json:"text,omitempty"` // for text units (chunks)
	Start     float64 `json:"start,omitempty"`
	End       float64 `json:"end,omitempty"`
}

// ========== 时间轴 ==========

// TimelineToken is one word of the transcript with its time span.
type TimelineToken struct {
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

// Timeline is the word-level transcript of one item. It is written once by
// the transcription stage and read-only afterwards.
type Timeline struct {
	ItemID string          `json:"item_id"`
	Tokens []TimelineToken `json:"tokens"`
}

// ========== 查询结果 ==========

type BackendKind string

const (
	BackendSpeech   BackendKind = "spoken-content"
	BackendCaption  BackendKind = "visual-description"
	BackendImageSim BackendKind = "visual-similarity"
)

// SearchResult is a query-time result, never persisted. Start/End are the
// resolved times; Resolved is false when alignment failed and the backend's
// own coarse timestamps were kept.
type SearchResult struct {
	ItemID   string      `json:"item_id"`
	Backend  BackendKind `json:"backend"`
	Snippet  string      `json:"snippet"`
	Start    float64     `json:"start"`
	End      float64     `json:"end"`
	Score    float64     `json:"score"`
	Resolved bool        `json:"resolved"`
}

// ========== 工具函数 ==========

// DataRoot is where per-item artifacts live when the filesystem artifact
// store is used.
func DataRoot() string {
	if root := os.Getenv("DATA_ROOT"); root != "" {
		return root
	}
	return "data"
}
