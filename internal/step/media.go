package step

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/clipforge/clipforge/internal/job"
)

// Tools locates the external binaries the media steps invoke.
type Tools struct {
	FFmpeg  string
	FFprobe string
	Whisper string
	// WhisperModel is a model file, or a directory holding .bin/.gguf models.
	WhisperModel string
}

// Media implements the steps that shell out to ffmpeg, ffprobe and whisper.cpp.
type Media struct {
	tools  Tools
	runner Runner
}

func NewMedia(tools Tools, runner Runner) *Media {
	return &Media{tools: tools, runner: runner}
}

// Register binds every media and in-process step to r.
func (m *Media) Register(r *Registry) {
	r.Register(job.StepProbe, Func(m.Probe))
	r.Register(job.StepTranscodeProxy, Func(m.TranscodeProxy))
	r.Register(job.StepExtractAudio, Func(m.ExtractAudio))
	r.Register(job.StepGenerateThumbnails, Func(m.GenerateThumbnails))
	r.Register(job.StepTranscribe, Func(m.Transcribe))
	r.Register(job.StepDetectScenes, Func(m.DetectScenes))
	r.Register(job.StepScoreScenes, Func(ScoreScenes))
	r.Register(job.StepRender, Func(m.Render))
	r.Register(job.StepWriteManifest, Func(WriteManifest))
}

type ProbeOutput struct {
	DurationSeconds float64 `json:"duration_seconds"`
	FormatName      string  `json:"format_name,omitempty"`
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
	HasVideo        bool    `json:"has_video"`
	HasAudio        bool    `json:"has_audio"`
}

type FileOutput struct {
	Path string `json:"path"`
}

type AudioOutput struct {
	AudioPath string `json:"audio_path"`
}

type ThumbnailsOutput struct {
	Dir   string   `json:"dir"`
	Files []string `json:"files"`
	Count int      `json:"count"`
}

type TranscriptOutput struct {
	TextPath   string `json:"text_path"`
	Transcript string `json:"transcript"`
	Language   string `json:"language,omitempty"`
}

type ScenesOutput struct {
	Threshold       float64   `json:"threshold"`
	DurationSeconds float64   `json:"duration_seconds"`
	Cuts            []float64 `json:"cuts"`
}

type RenderOutput struct {
	Path   string `json:"path"`
	Preset string `json:"preset"`
}

func (m *Media) Probe(ctx context.Context, in Input, _ ProgressFunc) (json.RawMessage, error) {
	if err := requireInput(in); err != nil {
		return nil, err
	}
	out, err := m.probe(ctx, in)
	if err != nil {
		return nil, err
	}
	if !out.HasVideo && !out.HasAudio {
		return nil, &Error{Step: in.Step, Message: "input has no audio or video streams"}
	}
	return json.Marshal(out)
}

func (m *Media) probe(ctx context.Context, in Input) (ProbeOutput, error) {
	var stdout strings.Builder
	args := []string{"-v", "error", "-print_format", "json", "-show_format", "-show_streams", in.Payload.InputPath}
	if _, err := m.run(ctx, in, "ffprobe failed", Command{
		Name: m.tools.FFprobe,
		Args: args,
		OnStdout: func(line string) {
			stdout.WriteString(line)
			stdout.WriteByte('\n')
		},
	}); err != nil {
		return ProbeOutput{}, err
	}

	var raw struct {
		Format struct {
			Duration   string `json:"duration"`
			FormatName string `json:"format_name"`
		} `json:"format"`
		Streams []struct {
			CodecType string `json:"codec_type"`
			Width     int    `json:"width"`
			Height    int    `json:"height"`
		} `json:"streams"`
	}
	if err := json.Unmarshal([]byte(stdout.String()), &raw); err != nil {
		return ProbeOutput{}, &Error{Step: in.Step, Message: "cannot parse ffprobe output", Err: err}
	}

	out := ProbeOutput{FormatName: raw.Format.FormatName}
	out.DurationSeconds, _ = strconv.ParseFloat(raw.Format.Duration, 64)
	for _, s := range raw.Streams {
		switch s.CodecType {
		case "video":
			if !out.HasVideo {
				out.Width, out.Height = s.Width, s.Height
			}
			out.HasVideo = true
		case "audio":
			out.HasAudio = true
		}
	}
	return out, nil
}

// duration returns the media length from the probe step's output, probing directly when
// the pipeline has no probe step. Zero means unknown.
func (m *Media) duration(ctx context.Context, in Input) float64 {
	var p ProbeOutput
	if err := in.PriorInto(job.StepProbe, &p); err == nil {
		return p.DurationSeconds
	}
	p, err := m.probe(ctx, in)
	if err != nil {
		return 0
	}
	return p.DurationSeconds
}

func (m *Media) TranscodeProxy(ctx context.Context, in Input, progress ProgressFunc) (json.RawMessage, error) {
	if err := requireInput(in); err != nil {
		return nil, err
	}
	dir, err := ensureDir(in, in.outputDir())
	if err != nil {
		return nil, err
	}
	out := filepath.Join(dir, mediaBase(in.Payload.InputPath)+"_proxy.mp4")
	args := ffmpegArgs(in.Payload.InputPath,
		"-vf", "scale=-2:540",
		"-c:v", "libx264", "-preset", "veryfast", "-crf", "28",
		"-c:a", "aac", "-b:a", "128k",
		"-movflags", "+faststart",
		out,
	)
	if err := m.encode(ctx, in, "proxy transcode failed", args, out, progress); err != nil {
		return nil, err
	}
	return json.Marshal(FileOutput{Path: out})
}

func (m *Media) ExtractAudio(ctx context.Context, in Input, progress ProgressFunc) (json.RawMessage, error) {
	if err := requireInput(in); err != nil {
		return nil, err
	}
	dir, err := ensureDir(in, in.WorkDir)
	if err != nil {
		return nil, err
	}
	out := filepath.Join(dir, mediaBase(in.Payload.InputPath)+"_16k_mono.wav")
	args := ffmpegArgs(in.Payload.InputPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		out,
	)
	if err := m.encode(ctx, in, "ffmpeg audio conversion failed", args, out, progress); err != nil {
		return nil, err
	}
	return json.Marshal(AudioOutput{AudioPath: out})
}

func (m *Media) GenerateThumbnails(ctx context.Context, in Input, progress ProgressFunc) (json.RawMessage, error) {
	if err := requireInput(in); err != nil {
		return nil, err
	}
	dir, err := ensureDir(in, filepath.Join(in.outputDir(), "thumbnails"))
	if err != nil {
		return nil, err
	}
	args := ffmpegArgs(in.Payload.InputPath,
		"-vf", "fps=1/10,scale=320:-2",
		"-q:v", "4",
		filepath.Join(dir, "thumb_%04d.jpg"),
	)
	if err := m.encode(ctx, in, "thumbnail extraction failed", args, "", progress); err != nil {
		return nil, err
	}
	files, err := filepath.Glob(filepath.Join(dir, "thumb_*.jpg"))
	if err != nil {
		return nil, &Error{Step: in.Step, Message: "cannot list thumbnails", Err: err}
	}
	slices.Sort(files)
	if len(files) == 0 {
		return nil, &Error{Step: in.Step, Message: "ffmpeg completed but produced no thumbnails"}
	}
	return json.Marshal(ThumbnailsOutput{Dir: dir, Files: files, Count: len(files)})
}

func (m *Media) Transcribe(ctx context.Context, in Input, progress ProgressFunc) (json.RawMessage, error) {
	var audio AudioOutput
	if err := in.PriorInto(job.StepExtractAudio, &audio); err != nil {
		return nil, &Error{Step: in.Step, Message: err.Error(), Err: err}
	}
	model, err := resolveModelPath(m.tools.WhisperModel)
	if err != nil {
		return nil, &Error{Step: in.Step, Message: err.Error(), Err: err}
	}
	dir, err := ensureDir(in, in.outputDir())
	if err != nil {
		return nil, err
	}

	textBase := filepath.Join(dir, mediaBase(in.Payload.InputPath))
	args := []string{"-m", model, "-f", audio.AudioPath, "-of", textBase, "-otxt", "-pp"}
	lang := normalizeLanguage(in.Payload.Language)
	if lang != "" {
		args = append(args, "-l", lang)
	}

	report := whisperProgress(monotonic(progress))
	if _, err := m.run(ctx, in, "whisper.cpp transcription failed", Command{
		Name:     m.tools.Whisper,
		Args:     args,
		OnStdout: report,
		OnStderr: report,
	}); err != nil {
		return nil, err
	}

	textPath := textBase + ".txt"
	content, err := os.ReadFile(textPath)
	if err != nil {
		return nil, &Error{Step: in.Step, Message: "whisper.cpp completed but transcript .txt file is missing", Err: err}
	}
	return json.Marshal(TranscriptOutput{
		TextPath:   textPath,
		Transcript: strings.TrimSpace(string(content)),
		Language:   lang,
	})
}

func (m *Media) DetectScenes(ctx context.Context, in Input, progress ProgressFunc) (json.RawMessage, error) {
	if err := requireInput(in); err != nil {
		return nil, err
	}
	duration := m.duration(ctx, in)
	threshold := in.Payload.SceneThreshold

	cuts := []float64{}
	args := []string{
		"-hide_banner", "-nostdin", "-nostats",
		"-i", in.Payload.InputPath,
		"-vf", fmt.Sprintf("select='gt(scene,%.3f)',showinfo", threshold),
		"-an", "-f", "null",
		"-progress", "pipe:1",
		"-",
	}
	if _, err := m.run(ctx, in, "scene detection failed", Command{
		Name:     m.tools.FFmpeg,
		Args:     args,
		OnStdout: ffmpegProgress(duration, monotonic(progress)),
		OnStderr: func(line string) {
			if ts, ok := parseShowinfoPTS(line); ok {
				cuts = append(cuts, ts)
			}
		},
	}); err != nil {
		return nil, err
	}
	slices.Sort(cuts)
	return json.Marshal(ScenesOutput{Threshold: threshold, DurationSeconds: duration, Cuts: slices.Compact(cuts)})
}

type renderPreset struct {
	scale   string
	crf     string
	speed   string
	bitrate string
}

var renderPresets = map[string]renderPreset{
	"web":     {scale: "scale=-2:1080", crf: "23", speed: "medium", bitrate: "160k"},
	"mobile":  {scale: "scale=-2:720", crf: "28", speed: "fast", bitrate: "128k"},
	"archive": {crf: "18", speed: "slow", bitrate: "256k"},
}

func (m *Media) Render(ctx context.Context, in Input, progress ProgressFunc) (json.RawMessage, error) {
	if err := requireInput(in); err != nil {
		return nil, err
	}
	name := in.Payload.ExportPreset
	preset, ok := renderPresets[name]
	if !ok {
		return nil, &Error{Step: in.Step, Message: fmt.Sprintf("unknown export preset %q", name)}
	}
	dir, err := ensureDir(in, in.outputDir())
	if err != nil {
		return nil, err
	}
	duration := m.duration(ctx, in)

	out := filepath.Join(dir, fmt.Sprintf("%s_%s.mp4", mediaBase(in.Payload.InputPath), name))
	var opts []string
	if preset.scale != "" {
		opts = append(opts, "-vf", preset.scale)
	}
	opts = append(opts,
		"-c:v", "libx264", "-preset", preset.speed, "-crf", preset.crf,
		"-c:a", "aac", "-b:a", preset.bitrate,
		"-movflags", "+faststart",
		out,
	)
	log, err := m.run(ctx, in, "export render failed", Command{
		Name:     m.tools.FFmpeg,
		Args:     ffmpegArgs(in.Payload.InputPath, opts...),
		OnStdout: ffmpegProgress(duration, monotonic(progress)),
	})
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(out); err != nil {
		return nil, &Error{Step: in.Step, Message: "ffmpeg completed but output file is missing", CommandLog: log, Err: err}
	}
	return json.Marshal(RenderOutput{Path: out, Preset: name})
}

// encode runs an ffmpeg invocation that reports progress on stdout and, when out is set,
// checks the file exists afterwards.
func (m *Media) encode(ctx context.Context, in Input, msg string, args []string, out string, progress ProgressFunc) error {
	duration := m.duration(ctx, in)
	log, err := m.run(ctx, in, msg, Command{
		Name:     m.tools.FFmpeg,
		Args:     args,
		OnStdout: ffmpegProgress(duration, monotonic(progress)),
	})
	if err != nil {
		return err
	}
	if out == "" {
		return nil
	}
	if _, err := os.Stat(out); err != nil {
		return &Error{Step: in.Step, Message: "ffmpeg completed but output file is missing", CommandLog: log, Err: err}
	}
	return nil
}

// run executes c and wraps a failure in *Error. Cancellation is returned as the context's
// own error so callers can tell it apart from a tool failure.
func (m *Media) run(ctx context.Context, in Input, msg string, c Command) (CommandLog, error) {
	log, err := m.runner.Run(ctx, c)
	if err != nil {
		if ctx.Err() != nil {
			return log, ctx.Err()
		}
		return log, &Error{Step: in.Step, Message: msg, CommandLog: log, Err: err}
	}
	return log, nil
}

// ffmpegArgs builds a non-interactive, overwrite-enabled invocation reading input and
// reporting machine-readable progress on stdout.
func ffmpegArgs(input string, rest ...string) []string {
	args := []string{"-hide_banner", "-nostdin", "-nostats", "-y", "-i", input, "-progress", "pipe:1"}
	return append(args, rest...)
}

func requireInput(in Input) error {
	if in.Payload.InputPath == "" {
		return &Error{Step: in.Step, Message: "input_path is required"}
	}
	if _, err := os.Stat(in.Payload.InputPath); err != nil {
		return &Error{Step: in.Step, Message: fmt.Sprintf("cannot access input media: %s", in.Payload.InputPath), Err: err}
	}
	return nil
}

func ensureDir(in Input, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &Error{Step: in.Step, Message: fmt.Sprintf("cannot create directory: %s", dir), Err: err}
	}
	return dir, nil
}

// normalizeLanguage maps "auto" and empty language to no CLI override.
func normalizeLanguage(raw string) string {
	lang := strings.TrimSpace(raw)
	if lang == "" || strings.EqualFold(lang, "auto") {
		return ""
	}
	return lang
}

// resolveModelPath returns a model file from a file or directory path.
func resolveModelPath(rawPath string) (string, error) {
	modelPath := strings.TrimSpace(rawPath)
	if modelPath == "" {
		return "", fmt.Errorf("whisper model path is required")
	}
	info, err := os.Stat(modelPath)
	if err != nil {
		return "", fmt.Errorf("cannot access model path: %s", modelPath)
	}
	if !info.IsDir() {
		return modelPath, nil
	}

	entries, err := os.ReadDir(modelPath)
	if err != nil {
		return "", fmt.Errorf("cannot read model directory: %s", modelPath)
	}
	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".bin" || ext == ".gguf") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no .bin or .gguf model files found in: %s", modelPath)
	}
	slices.Sort(names)
	return filepath.Join(modelPath, names[0]), nil
}
