package step

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
)

var (
	whisperProgressRe = regexp.MustCompile(`progress\s*=\s*(\d+(?:\.\d+)?)%`)
	showinfoPTSRe     = regexp.MustCompile(`pts_time:\s*([0-9]+(?:\.[0-9]+)?)`)
)

// ffmpegProgress parses the key=value stream ffmpeg writes with -progress pipe:1 and
// reports elapsed output time as a share of duration. Without a known duration only
// the final progress=end line is reported.
func ffmpegProgress(durationSeconds float64, report ProgressFunc) func(line string) {
	return func(line string) {
		if report == nil {
			return
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return
		}
		switch strings.TrimSpace(key) {
		// out_time_ms carries microseconds as well; ffmpeg kept the name for compatibility.
		case "out_time_us", "out_time_ms":
			if durationSeconds <= 0 {
				return
			}
			us, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err != nil || us < 0 {
				return
			}
			report(min(float64(us)/1e6/durationSeconds*100, 100))
		case "progress":
			if strings.TrimSpace(value) == "end" {
				report(100)
			}
		}
	}
}

// whisperProgress parses whisper.cpp's "progress = N%" lines printed with -pp.
func whisperProgress(report ProgressFunc) func(line string) {
	return func(line string) {
		if report == nil {
			return
		}
		m := whisperProgressRe.FindStringSubmatch(line)
		if m == nil {
			return
		}
		if pct, err := strconv.ParseFloat(m[1], 64); err == nil {
			report(min(max(pct, 0), 100))
		}
	}
}

// parseShowinfoPTS extracts the frame timestamp from an ffmpeg showinfo log line.
func parseShowinfoPTS(line string) (float64, bool) {
	if !strings.Contains(line, "Parsed_showinfo") {
		return 0, false
	}
	m := showinfoPTSRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// monotonic wraps report so values never go down, as the store requires within a step.
func monotonic(report ProgressFunc) ProgressFunc {
	if report == nil {
		return func(float64) {}
	}
	var (
		mu   sync.Mutex
		last float64
	)
	return func(p float64) {
		mu.Lock()
		defer mu.Unlock()
		if p > last {
			last = p
			report(p)
		}
	}
}
