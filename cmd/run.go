package cmd

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/andresmejia3/facemesh/internal/facemesh"
	"github.com/andresmejia3/facemesh/internal/store"
	"github.com/andresmejia3/facemesh/internal/types"
	"github.com/andresmejia3/facemesh/internal/utils"
	"github.com/andresmejia3/facemesh/internal/worker"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

const megabyte = 1024 * 1024

// Options holds the configuration for the run command
type Options struct {
	InputPath     string
	Graph         string
	NthFrame      int
	NumEngines    int
	EngineCmd     string
	WorkerTimeout string
	Record        bool
	MaskThreshold float64
}

var runOpts Options

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a video through the face geometry or selfie segmentation graph",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runGraph(cmd.Context(), runOpts)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runOpts.InputPath, "input", "i", "", "Path to video")
	runCmd.Flags().StringVarP(&runOpts.Graph, "graph", "g", "face-geometry", "Graph to run: face-geometry, selfie-segmentation")
	runCmd.Flags().IntVarP(&runOpts.NthFrame, "nth-frame", "n", 1, "Process every nth frame")
	runCmd.Flags().IntVarP(&runOpts.NumEngines, "engines", "e", 1, "Number of parallel graph engines")
	runCmd.Flags().StringVar(&runOpts.EngineCmd, "engine-cmd", strings.Join(worker.DefaultCommand, " "), "Command that starts a graph engine")
	runCmd.Flags().StringVar(&runOpts.WorkerTimeout, "worker-timeout", "30s", "Timeout for an engine to process a single frame")
	runCmd.Flags().BoolVarP(&runOpts.Record, "record", "r", false, "Record results to the database")
	runCmd.Flags().Float64Var(&runOpts.MaskThreshold, "mask-threshold", 0.5, "Confidence at which a mask pixel counts as foreground")

	runCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(runCmd)
}

// runGraph orchestrates a run: recorder setup, graph startup, FFmpeg streaming and progress tracking.
func runGraph(ctx context.Context, opts Options) error {
	// Kill FFmpeg and the engines if we return early.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := validateRunFlags(&opts); err != nil {
		return err
	}
	graph, _ := types.ParseGraphType(opts.Graph)
	timeout, _ := time.ParseDuration(opts.WorkerTimeout)

	videoID, err := utils.GenerateVideoID(opts.InputPath)
	if err != nil {
		utils.ShowError("Failed to generate video ID", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "📼 Processing Video ID: %s\n", videoID[:12])

	fps, err := utils.GetVideoFPS(ctx, opts.InputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Could not read frame rate (%v). Timestamps will count frames.\n", err)
		fps = 0
	}
	width, height, err := utils.GetVideoDimensions(ctx, opts.InputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Could not read video dimensions: %v\n", err)
	}

	reporter := &runReporter{ctx: ctx, maskThreshold: float32(opts.MaskThreshold)}
	if opts.Record {
		rec, err := openDB(ctx)
		if err != nil {
			utils.ShowError("Failed to open recorder", err, nil)
			return err
		}
		session, err := rec.CreateSession(ctx, videoID, opts.InputPath, graph)
		if err != nil {
			utils.ShowError("Failed to create session", err, nil)
			return err
		}
		reporter.rec, reporter.session = rec, session
		fmt.Fprintf(os.Stderr, "🗂️  Recording to session %s\n", session)
	}

	fm, err := facemesh.New(graph, reporter,
		facemesh.WithEngines(opts.NumEngines),
		facemesh.WithQueueSize(opts.NumEngines*2),
		facemesh.WithEngineConfig(worker.Config{
			Command:     strings.Fields(opts.EngineCmd),
			ReadTimeout: timeout,
		}),
	)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d %s Engines...\n", opts.NumEngines, graph)
	if err := fm.StartGraph(ctx); err != nil {
		utils.ShowError("Graph startup failed", err, nil)
		return err
	}

	total := utils.GetTotalFrames(ctx, opts.InputPath)
	if total <= 0 {
		total = -1
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🔍 Running Graph"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	ffmpeg := utils.NewFFmpegCmd(ctx, opts.InputPath)
	var stderrBuf bytes.Buffer
	ffmpeg.Stderr = &stderrBuf

	ffmpegOut, err := ffmpeg.StdoutPipe()
	if err != nil {
		fm.Close()
		utils.ShowError("Failed to create FFmpeg stdout pipe", err, nil)
		return err
	}
	if err := ffmpeg.Start(); err != nil {
		fm.Close()
		utils.ShowError("Failed to start FFmpeg", err, nil)
		return err
	}

	scanner := bufio.NewScanner(ffmpegOut)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	totalFrames, sentFrames := 0, 0
	var submitErr error
	for scanner.Scan() {
		index := totalFrames
		totalFrames++
		bar.Add(1)

		if index%opts.NthFrame != 0 {
			continue
		}

		fm.SetTimestamp(frameTimestamp(index, fps))
		frame := types.Frame{Data: scanner.Bytes(), Width: width, Height: height, Format: types.FormatJPEG}
		if err := fm.ProcessVideoFrame(ctx, frame); err != nil {
			submitErr = err
			break
		}
		sentFrames++
	}

	if submitErr == nil {
		submitErr = scanner.Err()
	}
	if submitErr != nil {
		// Stop FFmpeg so Wait doesn't block on a full pipe.
		cancel()
	}
	ffmpegErr := ffmpeg.Wait()
	closeErr := fm.Close()
	bar.Finish()

	switch {
	case submitErr != nil:
		utils.ShowError("Frame submission failed", submitErr, nil)
		return submitErr
	case ffmpegErr != nil:
		if stderrBuf.Len() > 0 {
			fmt.Fprintf(os.Stderr, "\nFFmpeg Logs:\n%s\n", stderrBuf.String())
		}
		utils.ShowError("FFmpeg execution failed", ffmpegErr, nil)
		return ffmpegErr
	case closeErr != nil:
		utils.ShowError("Engine shutdown failed", closeErr, nil)
		return closeErr
	}

	reporter.printSummary(graph, fm.Stats(), sentFrames, totalFrames)
	if reporter.recordErr != nil {
		utils.ShowError("Some results could not be recorded", reporter.recordErr, nil)
		return reporter.recordErr
	}
	return nil
}

// frameTimestamp converts a frame index to microseconds of video time.
// Without a frame rate the index itself is used; both are strictly increasing.
func frameTimestamp(index int, fps float64) uint64 {
	if fps <= 0 {
		return uint64(index)
	}
	return uint64(float64(index) * 1e6 / fps)
}

// runReporter receives graph callbacks, keeps totals and optionally records them.
// The facade calls it from a single goroutine.
type runReporter struct {
	ctx           context.Context
	rec           store.Recorder
	session       uuid.UUID
	maskThreshold float32

	frames      int
	faces       int
	maxFaces    int
	failures    int
	coverageSum float64
	recordErr   error

	// posed counts faces whose mesh centroid went into centroidSum.
	posed       int
	centroidSum [3]float64
	poseErrs    int
}

func (r *runReporter) DidReceiveMultiFaceGeometry(ts uint64, faces []types.FaceGeometry) {
	for _, g := range faces {
		c, ok, err := g.Centroid()
		if err != nil {
			r.poseErrs++
			continue
		}
		if !ok {
			continue
		}
		r.posed++
		for i := range c {
			r.centroidSum[i] += c[i]
		}
	}
}

// meanCentroid returns the average camera-space face position.
func (r *runReporter) meanCentroid() ([3]float64, bool) {
	if r.posed == 0 {
		return [3]float64{}, false
	}
	n := float64(r.posed)
	return [3]float64{r.centroidSum[0] / n, r.centroidSum[1] / n, r.centroidSum[2] / n}, true
}

func (r *runReporter) DidReceiveFaceRects(ts uint64, rects []types.NormalizedRect) {
	r.frames++
	r.faces += len(rects)
	r.maxFaces = max(r.maxFaces, len(rects))
	if r.rec != nil && r.recordErr == nil {
		r.recordErr = r.rec.RecordFaces(r.ctx, r.session, ts, rects)
	}
}

func (r *runReporter) DidReceiveSegmentationMask(ts uint64, mask types.SegmentationMask) {
	r.frames++
	r.coverageSum += mask.Coverage(r.maskThreshold)
	if r.rec != nil && r.recordErr == nil {
		r.recordErr = r.rec.RecordMask(r.ctx, r.session, ts, mask, r.maskThreshold)
	}
}

func (r *runReporter) DidFailFrame(ts uint64, err error) {
	r.failures++
	fmt.Fprintf(os.Stderr, "\n⚠️  Frame at %s failed: %v\n", fmtTimestamp(ts), err)
}

func (r *runReporter) printSummary(graph types.GraphType, stats facemesh.Stats, sent, total int) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "📊 RUN SUMMARY (%s)\n", graph)
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🎞️  Frames Submitted:  %d of %d\n", sent, total)
	fmt.Fprintf(os.Stderr, "✅ Frames Delivered:  %d\n", stats.Delivered)
	if r.failures > 0 {
		fmt.Fprintf(os.Stderr, "❌ Frames Failed:     %d\n", r.failures)
	}
	switch graph {
	case types.GraphFaceGeometry:
		fmt.Fprintf(os.Stderr, "👁️  Total Faces:       %d (max %d in one frame)\n", r.faces, r.maxFaces)
		if c, ok := r.meanCentroid(); ok {
			fmt.Fprintf(os.Stderr, "📐 Avg Face Position: (%.1f, %.1f, %.1f)\n", c[0], c[1], c[2])
		}
		if r.poseErrs > 0 {
			fmt.Fprintf(os.Stderr, "⚠️  Unusable Poses:    %d\n", r.poseErrs)
		}
	case types.GraphSelfieSegmentation:
		avg := 0.0
		if r.frames > 0 {
			avg = r.coverageSum / float64(r.frames)
		}
		fmt.Fprintf(os.Stderr, "🧍 Avg Foreground:    %.1f%%\n", avg*100)
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// validateRunFlags ensures all CLI arguments are valid before starting heavy processes.
func validateRunFlags(opts *Options) error {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("input file does not exist: %w", err)
		}
		return fmt.Errorf("unable to access input file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("input path is a directory, expected a video file")
	}
	if _, err := types.ParseGraphType(opts.Graph); err != nil {
		return err
	}
	if opts.NthFrame < 1 {
		return fmt.Errorf("invalid nth-frame interval: must be >= 1, got %d", opts.NthFrame)
	}
	if opts.NumEngines < 1 {
		opts.NumEngines = 1
	}
	if len(strings.Fields(opts.EngineCmd)) == 0 {
		return fmt.Errorf("engine command is empty")
	}
	if _, err := time.ParseDuration(opts.WorkerTimeout); err != nil {
		return fmt.Errorf("invalid worker-timeout format (use '30s', '500ms'): %w", err)
	}
	if opts.MaskThreshold < 0 || opts.MaskThreshold > 1.0 {
		return fmt.Errorf("invalid mask threshold: must be between 0.0 and 1.0, got %f", opts.MaskThreshold)
	}
	return nil
}

// fmtTimestamp renders a microsecond timestamp as HH:MM:SS.mmm.
func fmtTimestamp(us uint64) string {
	duration := time.Duration(us) * time.Microsecond
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	ms := int(duration.Milliseconds()) % 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}
