package ffmpeg

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Progress contains progress information from FFmpeg
type Progress struct {
	Frame   int64
	FPS     float64
	Size    string
	Time    time.Duration
	Bitrate string
	Speed   float64
	Percent float64
}

var (
	frameRegex   = regexp.MustCompile(`frame=\s*(\d+)`)
	fpsRegex     = regexp.MustCompile(`fps=\s*([\d.]+)`)
	sizeRegex    = regexp.MustCompile(`size=\s*(\w+)`)
	timeRegex    = regexp.MustCompile(`time=(\d{2}):(\d{2}):(\d{2}(?:\.\d+)?)`)
	bitrateRegex = regexp.MustCompile(`bitrate=\s*([\d.]+\w*/s)`)
	speedRegex   = regexp.MustCompile(`speed=\s*([\d.]+)x`)
)

// ParseProgressLine parses one ffmpeg status line. Lines without a time
// field are not status lines.
func ParseProgressLine(line string) (Progress, bool) {
	matches := timeRegex.FindStringSubmatch(line)
	if matches == nil {
		return Progress{}, false
	}

	var p Progress
	hours, _ := strconv.Atoi(matches[1])
	minutes, _ := strconv.Atoi(matches[2])
	seconds, _ := strconv.ParseFloat(matches[3], 64)
	p.Time = time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute +
		time.Duration(seconds*float64(time.Second))

	if m := frameRegex.FindStringSubmatch(line); m != nil {
		p.Frame, _ = strconv.ParseInt(m[1], 10, 64)
	}
	if m := fpsRegex.FindStringSubmatch(line); m != nil {
		p.FPS, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := sizeRegex.FindStringSubmatch(line); m != nil {
		p.Size = m[1]
	}
	if m := bitrateRegex.FindStringSubmatch(line); m != nil {
		p.Bitrate = m[1]
	}
	if m := speedRegex.FindStringSubmatch(line); m != nil {
		p.Speed, _ = strconv.ParseFloat(m[1], 64)
	}
	return p, true
}

// scanStatusLines splits on '\n' and on the bare '\r' ffmpeg uses to
// redraw its status line.
func scanStatusLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, bytes.TrimSpace(data[:i]), nil
	}
	if atEOF {
		return len(data), bytes.TrimSpace(data), nil
	}
	return 0, nil, nil
}

// lineTail keeps the last n non-empty lines
type lineTail struct {
	n     int
	lines []string
}

func newLineTail(n int) *lineTail {
	return &lineTail{n: n}
}

func (t *lineTail) add(line string) {
	if line == "" {
		return
	}
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *lineTail) String() string {
	return strings.Join(t.lines, " | ")
}
