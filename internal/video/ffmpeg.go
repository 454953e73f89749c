package video

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// FFmpegWrapper wraps the ffmpeg executable
type FFmpegWrapper struct {
	ffmpegPath string
}

// NewFFmpegWrapper locates ffmpeg. An empty path searches the usual locations.
func NewFFmpegWrapper(path string) (*FFmpegWrapper, error) {
	candidates := []string{"ffmpeg", "/usr/bin/ffmpeg", "/usr/local/bin/ffmpeg"}
	if path != "" {
		candidates = []string{path}
	}

	for _, p := range candidates {
		if err := exec.Command(p, "-version").Run(); err == nil {
			return &FFmpegWrapper{ffmpegPath: p}, nil
		}
	}
	return nil, fmt.Errorf("ffmpeg not found in PATH or common locations")
}

// Path returns the resolved ffmpeg executable
func (f *FFmpegWrapper) Path() string {
	return f.ffmpegPath
}

// BuildCommand builds an ffmpeg command bound to ctx
func (f *FFmpegWrapper) BuildCommand(ctx context.Context, args []string) *exec.Cmd {
	return exec.CommandContext(ctx, f.ffmpegPath, args...)
}

// GetVersion returns the first line of ffmpeg -version
func (f *FFmpegWrapper) GetVersion() (string, error) {
	output, err := exec.Command(f.ffmpegPath, "-version").Output()
	if err != nil {
		return "", fmt.Errorf("failed to get ffmpeg version: %w", err)
	}
	lines := strings.Split(string(output), "\n")
	if len(lines) > 0 {
		return strings.TrimSpace(lines[0]), nil
	}
	return "unknown", nil
}

// MJPEGArgs returns the arguments that make ffmpeg write a continuous MJPEG
// stream of input to stdout
func MJPEGArgs(input string, fps, quality int) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if strings.HasPrefix(input, "/dev/video") {
		args = append(args, "-f", "v4l2")
	}
	if strings.HasPrefix(input, "rtsp://") {
		args = append(args, "-rtsp_transport", "tcp")
	}
	args = append(args, "-i", input)
	if fps > 0 {
		args = append(args, "-r", fmt.Sprintf("%d", fps))
	}
	// ffmpeg's mjpeg qscale runs 2 (best) to 31 (worst)
	q := 2 + (100-clampQuality(quality))*29/100
	args = append(args,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", fmt.Sprintf("%d", q),
		"-",
	)
	return args
}

func clampQuality(q int) int {
	if q <= 0 || q > 100 {
		return DefaultJPEGQuality
	}
	return q
}

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// JPEGScanner splits a concatenated JPEG stream into individual images
type JPEGScanner struct {
	scanner *bufio.Scanner
}

// NewJPEGScanner reads JPEG images from r. maxSize bounds a single image.
func NewJPEGScanner(r io.Reader, maxSize int) *JPEGScanner {
	if maxSize <= 0 {
		maxSize = 8 << 20
	}
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 256<<10), maxSize)
	s.Split(splitJPEG)
	return &JPEGScanner{scanner: s}
}

// Next returns the next complete JPEG image or the read error. io.EOF is
// returned when the stream ends.
func (j *JPEGScanner) Next() ([]byte, error) {
	if j.scanner.Scan() {
		return append([]byte(nil), j.scanner.Bytes()...), nil
	}
	if err := j.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// splitJPEG is a bufio.SplitFunc that yields SOI..EOI byte ranges. Bytes
// before the first SOI are discarded.
func splitJPEG(data []byte, atEOF bool) (int, []byte, error) {
	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// keep a trailing 0xFF that may begin the next marker
		if len(data) > 0 && data[len(data)-1] == 0xFF {
			return len(data) - 1, nil, nil
		}
		return len(data), nil, nil
	}
	end := bytes.Index(data[start+2:], jpegEOI)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	stop := start + 2 + end + 2
	return stop, data[start:stop], nil
}
