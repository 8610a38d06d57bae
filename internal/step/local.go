package step

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/lo"

	"github.com/clipforge/clipforge/internal/job"
)

// ScoredScene is one span between scene cuts.
type ScoredScene struct {
	Index int     `json:"index"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	// Score is the scene length relative to the mean scene length.
	Score float64 `json:"score"`
}

type ScoresOutput struct {
	Scenes []ScoredScene `json:"scenes"`
	Best   *ScoredScene  `json:"best,omitempty"`
}

// ScoreScenes turns the detected cuts into scored scenes.
func ScoreScenes(ctx context.Context, in Input, progress ProgressFunc) (json.RawMessage, error) {
	var detected ScenesOutput
	if err := in.PriorInto(job.StepDetectScenes, &detected); err != nil {
		return nil, &Error{Step: in.Step, Message: err.Error(), Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	scenes := scoreScenes(detected.Cuts, detected.DurationSeconds)
	out := ScoresOutput{Scenes: scenes}
	if len(scenes) > 0 {
		best := lo.MaxBy(scenes, func(a, b ScoredScene) bool { return a.Score > b.Score })
		out.Best = &best
	}
	if progress != nil {
		progress(100)
	}
	return json.Marshal(out)
}

func scoreScenes(cuts []float64, duration float64) []ScoredScene {
	bounds := append([]float64{0}, lo.Filter(cuts, func(c float64, _ int) bool { return c > 0 })...)
	if duration > bounds[len(bounds)-1] {
		bounds = append(bounds, duration)
	}
	if len(bounds) < 2 {
		return []ScoredScene{}
	}

	scenes := make([]ScoredScene, 0, len(bounds)-1)
	for i := 1; i < len(bounds); i++ {
		scenes = append(scenes, ScoredScene{Index: i - 1, Start: bounds[i-1], End: bounds[i]})
	}
	mean := lo.SumBy(scenes, func(s ScoredScene) float64 { return s.End - s.Start }) / float64(len(scenes))
	for i := range scenes {
		if mean > 0 {
			scenes[i].Score = math.Round((scenes[i].End-scenes[i].Start)/mean*1000) / 1000
		}
	}
	return scenes
}

// Manifest is the export summary written next to the rendered media.
type Manifest struct {
	JobID       string                     `json:"job_id"`
	InputPath   string                     `json:"input_path"`
	GeneratedAt time.Time                  `json:"generated_at"`
	Steps       map[string]json.RawMessage `json:"steps"`
}

type ManifestOutput struct {
	ManifestPath string `json:"manifest_path"`
}

// WriteManifest writes manifest.json describing every earlier step's output. The file is
// replaced atomically so a repeated attempt never leaves a partial manifest behind.
func WriteManifest(ctx context.Context, in Input, progress ProgressFunc) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := ensureDir(in, in.outputDir())
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(Manifest{
		JobID:       in.JobID,
		InputPath:   in.Payload.InputPath,
		GeneratedAt: time.Now().UTC(),
		Steps:       in.Prior,
	}, "", "  ")
	if err != nil {
		return nil, &Error{Step: in.Step, Message: "cannot encode manifest", Err: err}
	}

	path := filepath.Join(dir, "manifest.json")
	tmp, err := os.CreateTemp(dir, ".manifest-*.json")
	if err != nil {
		return nil, &Error{Step: in.Step, Message: "cannot create manifest", Err: err}
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return nil, &Error{Step: in.Step, Message: "cannot write manifest", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return nil, &Error{Step: in.Step, Message: "cannot write manifest", Err: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, &Error{Step: in.Step, Message: fmt.Sprintf("cannot move manifest into place: %s", path), Err: err}
	}
	if progress != nil {
		progress(100)
	}
	return json.Marshal(ManifestOutput{ManifestPath: path})
}
