package utils

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (graph engine logs)
// This ensures we don't lose critical crash information if an engine dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// Logs returns whatever the process wrote to stderr so far.
func (s *SafeCommand) Logs() string {
	if s == nil || s.Stderr == nil {
		return ""
	}
	return s.Stderr.String()
}

// ShowError prints a formatted error box and dumps engine logs if a SafeCommand is provided.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 FACEMESH ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if logs := s.Logs(); logs != "" {
		fmt.Fprintf(os.Stderr, "\nENGINE CRASH LOGS:\n%s\n", logs)
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// Die is the unified exit strategy for the CLI.
func Die(context string, err error, s *SafeCommand) {
	ShowError(context, err, s)
	os.Exit(1)
}

// --- 2. Video Decoding ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

type ffprobeOutput struct {
	Streams []struct {
		Width         int    `json:"width"`
		Height        int    `json:"height"`
		NbFrames      string `json:"nb_frames"`
		NbReadPackets string `json:"nb_read_packets"`
		RFrameRate    string `json:"r_frame_rate"`
	} `json:"streams"`
}

func probe(ctx context.Context, path string, args ...string) (*ffprobeOutput, error) {
	full := append([]string{"-v", "error", "-select_streams", "v:0"}, args...)
	full = append(full, "-of", "json", path)
	out, err := exec.CommandContext(ctx, "ffprobe", full...).Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}
	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}
	if len(res.Streams) == 0 {
		return nil, fmt.Errorf("no video stream in %s", path)
	}
	return &res, nil
}

// GetTotalFrames uses ffprobe to count frames for the progress bar
// It returns 0 if the count fails, allowing the caller to fallback to a spinner.
func GetTotalFrames(ctx context.Context, path string) int {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  ffprobe not found. Cannot provide a progress bar estimation because of this.\n")
		return 0
	}

	// Fast path: container metadata. Might be "N/A" for VFR.
	if res, err := probe(ctx, path, "-show_entries", "stream=nb_frames"); err == nil {
		if count, err := strconv.Atoi(res.Streams[0].NbFrames); err == nil && count > 0 {
			return count
		}
	}

	fmt.Fprintf(os.Stderr, "⏳ Metadata missing. Counting frames (this may take a moment)...\n")
	res, err := probe(ctx, path, "-count_packets", "-show_entries", "stream=nb_read_packets")
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 0
	}
	count, err := strconv.Atoi(res.Streams[0].NbReadPackets)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ffprobe integer parse error: %v\n", err)
		return 0
	}
	return count
}

// GetVideoDimensions returns the width and height of the first video stream.
func GetVideoDimensions(ctx context.Context, path string) (int, int, error) {
	res, err := probe(ctx, path, "-show_entries", "stream=width,height")
	if err != nil {
		return 0, 0, err
	}
	return res.Streams[0].Width, res.Streams[0].Height, nil
}

// GetVideoFPS reads the stream frame rate ("30000/1001") as a float.
func GetVideoFPS(ctx context.Context, path string) (float64, error) {
	res, err := probe(ctx, path, "-show_entries", "stream=r_frame_rate")
	if err != nil {
		return 0, err
	}
	return ParseFrameRate(res.Streams[0].RFrameRate)
}

// ParseFrameRate parses ffprobe's rational frame rate notation.
func ParseFrameRate(s string) (float64, error) {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frame rate %q: %w", s, err)
	}
	if !found {
		return n, nil
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0, fmt.Errorf("invalid frame rate %q", s)
	}
	return n / d, nil
}

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// NewFFmpegCmd creates a standard decoder pipe
// It configures FFmpeg to output raw MJPEG frames to Stdout for ingestion.
func NewFFmpegCmd(ctx context.Context, inputPath string) *exec.Cmd {
	return exec.CommandContext(ctx, "ffmpeg", "-hide_banner", "-loglevel", "error", "-i", inputPath, "-f", "image2pipe", "-vcodec", "mjpeg", "-")
}

// GenerateVideoID creates a deterministic hash for the video file
// based on its path, size, and modification time.
func GenerateVideoID(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	input := fmt.Sprintf("%s-%d-%d", path, info.Size(), info.ModTime().UnixNano())
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:]), nil
}
