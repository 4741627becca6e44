package providers

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"videoSearch/core"
)

// FrameExtractor pulls still frames out of source media, one unit per
// frame, at a fixed interval.
type FrameExtractor interface {
	Extract(ctx context.Context, itemID, sourceRef string, intervalSec int) ([]core.UnitInput, error)
}

// FFmpegFrameExtractor shells out to ffmpeg and leaves JPEG frames under
// the item's data directory. Frame timestamps follow from the interval.
type FFmpegFrameExtractor struct{}

func (FFmpegFrameExtractor) Extract(ctx context.Context, itemID, sourceRef string, intervalSec int) ([]core.UnitInput, error) {
	if intervalSec <= 0 {
		intervalSec = 5
	}
	framesDir := filepath.Join(core.DataRoot(), itemID, "frames")
	if err := os.MkdirAll(framesDir, 0755); err != nil {
		return nil, fmt.Errorf("create frames dir: %w", err)
	}

	pattern := filepath.Join(framesDir, "%04d.jpg")
	args := []string{
		"-y", "-i", sourceRef,
		"-vf", fmt.Sprintf("fps=1/%d", intervalSec),
		"-q:v", "2",
		pattern,
	}
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ffmpeg frame extraction failed: %v: %s", err, tail(out))
	}

	entries, err := os.ReadDir(framesDir)
	if err != nil {
		return nil, fmt.Errorf("read frames dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".jpg" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	units := make([]core.UnitInput, 0, len(names))
	for i, name := range names {
		units = append(units, core.UnitInput{
			UnitIndex: i,
			Ref:       filepath.Join(framesDir, name),
			Timestamp: float64(i * intervalSec),
		})
	}
	return units, nil
}

func tail(out []byte) string {
	const n = 400
	if len(out) <= n {
		return string(out)
	}
	return string(out[len(out)-n:])
}
