package cmd

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andresmejia3/facemesh/internal/store"
	"github.com/andresmejia3/facemesh/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameTimestamp(t *testing.T) {
	tests := []struct {
		name  string
		index int
		fps   float64
		want  uint64
	}{
		{"first frame", 0, 30, 0},
		{"one second at 30fps", 30, 30, 1_000_000},
		{"ntsc", 30000, 30000.0 / 1001.0, 1_001_000_000},
		{"unknown fps counts frames", 42, 0, 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := frameTimestamp(tt.index, tt.fps)
			// float rounding may shave a microsecond
			assert.InDelta(t, tt.want, got, 1)
		})
	}

	// Consecutive frames must never share a timestamp.
	for i := 1; i < 1000; i++ {
		require.Greater(t, frameTimestamp(i, 59.94), frameTimestamp(i-1, 59.94))
	}
}

func TestFmtTimestamp(t *testing.T) {
	assert.Equal(t, "00:00:00.000", fmtTimestamp(0))
	assert.Equal(t, "00:01:01.500", fmtTimestamp(61_500_000))
	assert.Equal(t, "01:00:00.000", fmtTimestamp(3600_000_000))
}

func TestValidateRunFlags(t *testing.T) {
	dir := t.TempDir()
	video := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(video, []byte("fake video"), 0644))

	valid := func() Options {
		return Options{
			InputPath:     video,
			Graph:         "face-geometry",
			NthFrame:      1,
			NumEngines:    0,
			EngineCmd:     "python3 -u python/graph.py",
			WorkerTimeout: "30s",
			MaskThreshold: 0.5,
		}
	}

	opts := valid()
	require.NoError(t, validateRunFlags(&opts))
	assert.Equal(t, 1, opts.NumEngines, "engines should be clamped to 1")

	tests := []struct {
		name   string
		mutate func(o *Options)
		want   string
	}{
		{"missing file", func(o *Options) { o.InputPath = filepath.Join(dir, "nope.mp4") }, "does not exist"},
		{"directory", func(o *Options) { o.InputPath = dir }, "directory"},
		{"bad graph", func(o *Options) { o.Graph = "hands" }, "unknown graph type"},
		{"nth frame", func(o *Options) { o.NthFrame = 0 }, "nth-frame"},
		{"empty engine", func(o *Options) { o.EngineCmd = "  " }, "engine command"},
		{"timeout", func(o *Options) { o.WorkerTimeout = "soon" }, "worker-timeout"},
		{"threshold", func(o *Options) { o.MaskThreshold = 1.5 }, "mask threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := valid()
			tt.mutate(&o)
			err := validateRunFlags(&o)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestResolveDBURL(t *testing.T) {
	t.Setenv("FACEMESH_DB", "")
	t.Setenv("POSTGRES_HOST", "")
	assert.Equal(t, "sqlite://facemesh.db", resolveDBURL(""))
	assert.Equal(t, "sqlite:///tmp/x.db", resolveDBURL("sqlite:///tmp/x.db"))

	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "u")
	t.Setenv("POSTGRES_PASSWORD", "p")
	t.Setenv("POSTGRES_DB", "facemesh")
	assert.Equal(t, "postgres://u:p@db:5432/facemesh", resolveDBURL(""))

	t.Setenv("FACEMESH_DB", "sqlite://env.db")
	assert.Equal(t, "sqlite://env.db", resolveDBURL(""))
}

func TestSetupLogging(t *testing.T) {
	for _, level := range []string{"debug", "info", "error", "severe"} {
		assert.NoError(t, setupLogging(level))
	}
	assert.Error(t, setupLogging("chatty"))
	require.NoError(t, setupLogging("error"))
}

func TestConfirm(t *testing.T) {
	assert.True(t, confirm(bufio.NewReader(strings.NewReader("Y\n")), "?"))
	assert.True(t, confirm(bufio.NewReader(strings.NewReader("yes\n")), "?"))
	assert.False(t, confirm(bufio.NewReader(strings.NewReader("\n")), "?"))
	assert.False(t, confirm(bufio.NewReader(strings.NewReader("")), "?"))
}

func TestRunReporterRecords(t *testing.T) {
	ctx := context.Background()
	rec, err := store.NewSQLite(ctx, filepath.Join(t.TempDir(), "run.db"))
	require.NoError(t, err)
	defer rec.Close(ctx)

	session, err := rec.CreateSession(ctx, "vid", "/tmp/clip.mp4", types.GraphFaceGeometry)
	require.NoError(t, err)

	r := &runReporter{ctx: ctx, rec: rec, session: session, maskThreshold: 0.5}
	r.DidReceiveFaceRects(0, []types.NormalizedRect{{XCenter: 0.5}, {XCenter: 0.2}})
	r.DidReceiveFaceRects(33_333, nil)
	r.DidFailFrame(66_666, errors.New("engine hiccup"))
	r.DidReceiveFaceRects(99_999, []types.NormalizedRect{{XCenter: 0.4}})

	require.NoError(t, r.recordErr)
	assert.Equal(t, 3, r.frames)
	assert.Equal(t, 3, r.faces)
	assert.Equal(t, 2, r.maxFaces)
	assert.Equal(t, 1, r.failures)

	sessions, err := rec.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 3, sessions[0].Frames, "frames without faces still count")
	assert.Equal(t, 3, sessions[0].Faces)
}

func TestRunReporterMaskCoverage(t *testing.T) {
	r := &runReporter{ctx: context.Background(), maskThreshold: 0.5}
	r.DidReceiveSegmentationMask(0, types.SegmentationMask{Width: 2, Height: 1, Data: []float32{1, 0}})
	r.DidReceiveSegmentationMask(1, types.SegmentationMask{Width: 2, Height: 1, Data: []float32{1, 1}})

	assert.Equal(t, 2, r.frames)
	assert.InDelta(t, 1.5, r.coverageSum, 1e-9)
	assert.NoError(t, r.recordErr)
}

func TestRunReporterPose(t *testing.T) {
	translate := func(x, y, z float32) types.Matrix {
		return types.Matrix{Rows: 4, Cols: 4, Data: []float32{
			1, 0, 0, 0,
			0, 1, 0, 0,
			0, 0, 1, 0,
			x, y, z, 1,
		}}
	}
	mesh := types.Mesh{VertexBuffer: []float32{
		-1, 0, 0, 0, 0,
		1, 0, 0, 1, 0,
	}}

	r := &runReporter{ctx: context.Background()}
	_, ok := r.meanCentroid()
	assert.False(t, ok)

	r.DidReceiveMultiFaceGeometry(0, []types.FaceGeometry{
		{Mesh: mesh, PoseTransformMatrix: translate(0, 0, -40)},
		{Mesh: mesh, PoseTransformMatrix: translate(4, 2, -60)},
	})
	r.DidReceiveMultiFaceGeometry(1, []types.FaceGeometry{
		{Mesh: mesh, PoseTransformMatrix: types.Matrix{Rows: 3, Cols: 3, Data: make([]float32, 9)}},
		{Mesh: types.Mesh{}, PoseTransformMatrix: translate(0, 0, 0)},
	})

	c, ok := r.meanCentroid()
	require.True(t, ok)
	assert.Equal(t, 2, r.posed)
	assert.Equal(t, 1, r.poseErrs)
	assert.InDelta(t, 2.0, c[0], 1e-6)
	assert.InDelta(t, 1.0, c[1], 1e-6)
	assert.InDelta(t, -50.0, c[2], 1e-6)
}
