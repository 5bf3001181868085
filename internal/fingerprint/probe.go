package fingerprint

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ProbeOutput represents the JSON output from ffprobe
type ProbeOutput struct {
	Format  ProbeFormat   `json:"format"`
	Streams []ProbeStream `json:"streams"`
}

// ProbeFormat is the container section of ffprobe output
type ProbeFormat struct {
	Filename   string            `json:"filename"`
	FormatName string            `json:"format_name"`
	StartTime  string            `json:"start_time"`
	Duration   string            `json:"duration"`
	Size       string            `json:"size"`
	BitRate    string            `json:"bit_rate"`
	Tags       map[string]string `json:"tags"`
}

// ProbeStream is one stream of ffprobe output
type ProbeStream struct {
	Index        int               `json:"index"`
	CodecName    string            `json:"codec_name"`
	CodecType    string            `json:"codec_type"`
	CodecTag     string            `json:"codec_tag"`
	PixFmt       string            `json:"pix_fmt"`
	Width        int               `json:"width"`
	Height       int               `json:"height"`
	AvgFrameRate string            `json:"avg_frame_rate"`
	RFrameRate   string            `json:"r_frame_rate"`
	StartPts     int64             `json:"start_pts"`
	StartTime    string            `json:"start_time"`
	Duration     string            `json:"duration"`
	NbFrames     string            `json:"nb_frames"`
	Tags         map[string]string `json:"tags"`
}

func probeArgs(path string) []string {
	return []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}
}

func parseProbe(data []byte) (*ProbeOutput, error) {
	var out ProbeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	return &out, nil
}

// VideoStream returns the first video stream
func (p *ProbeOutput) VideoStream() *ProbeStream {
	for i := range p.Streams {
		if p.Streams[i].CodecType == "video" {
			return &p.Streams[i]
		}
	}
	return nil
}

// Duration returns the container duration, falling back to the video
// stream's own duration.
func (p *ProbeOutput) Duration() (float64, bool) {
	if d, err := strconv.ParseFloat(p.Format.Duration, 64); err == nil && d > 0 {
		return d, true
	}
	if vs := p.VideoStream(); vs != nil {
		if d, err := strconv.ParseFloat(vs.Duration, 64); err == nil && d > 0 {
			return d, true
		}
	}
	return 0, false
}

// FrameRate parses avg_frame_rate ("30000/1001") with r_frame_rate as fallback
func (s *ProbeStream) FrameRate() *float64 {
	for _, raw := range []string{s.AvgFrameRate, s.RFrameRate} {
		if fps, ok := parseRational(raw); ok {
			return &fps
		}
	}
	return nil
}

// FrameCount returns nb_frames when ffprobe reports it
func (s *ProbeStream) FrameCount() *int64 {
	n, err := strconv.ParseInt(s.NbFrames, 10, 64)
	if err != nil || n <= 0 {
		return nil
	}
	return &n
}

func parseRational(raw string) (float64, bool) {
	num, den, found := strings.Cut(raw, "/")
	if !found {
		v, err := strconv.ParseFloat(raw, 64)
		return v, err == nil && v > 0
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 || n <= 0 {
		return 0, false
	}
	return n / d, true
}

func tag(tags map[string]string, key string) string {
	if tags == nil {
		return ""
	}
	return tags[key]
}
