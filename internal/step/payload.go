package step

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

const (
	DefaultSceneThreshold = 0.3
	DefaultExportPreset   = "web"
)

// Payload is the job input understood by the media collaborators.
type Payload struct {
	InputPath      string  `json:"input_path"`
	OutputDir      string  `json:"output_dir,omitempty"`
	Language       string  `json:"language,omitempty"`
	SceneThreshold float64 `json:"scene_threshold,omitempty"`
	ExportPreset   string  `json:"export_preset,omitempty"`
}

// ParsePayload decodes a job payload and fills in defaults. Unknown fields are ignored.
func ParsePayload(raw json.RawMessage) (Payload, error) {
	var p Payload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return Payload{}, fmt.Errorf("decode payload: %w", err)
		}
	}
	p.InputPath = strings.TrimSpace(p.InputPath)
	if p.SceneThreshold <= 0 || p.SceneThreshold >= 1 {
		p.SceneThreshold = DefaultSceneThreshold
	}
	if p.ExportPreset == "" {
		p.ExportPreset = DefaultExportPreset
	}
	return p, nil
}

// outputDir resolves where a step writes artifacts that outlive the job's scratch space.
func (in Input) outputDir() string {
	if in.Payload.OutputDir != "" {
		return in.Payload.OutputDir
	}
	return filepath.Join(in.WorkDir, "out")
}

// mediaBase is the input file name without its extension, used to name artifacts.
func mediaBase(inputPath string) string {
	base := filepath.Base(inputPath)
	name := strings.TrimSpace(strings.TrimSuffix(base, filepath.Ext(base)))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "media"
	}
	return name
}
