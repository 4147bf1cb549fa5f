package store

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/andresmejia3/facemesh/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// exerciseRecorder runs the same scenario against any backend.
func exerciseRecorder(t *testing.T, ctx context.Context, r Recorder) {
	t.Helper()

	faceSession, err := r.CreateSession(ctx, "vid_123", "/tmp/video.mp4", types.GraphFaceGeometry)
	require.NoError(t, err)

	rects := []types.NormalizedRect{
		{XCenter: 0.5, YCenter: 0.5, Width: 0.2, Height: 0.3},
		{XCenter: 0.1, YCenter: 0.2, Width: 0.05, Height: 0.05, Rotation: 0.3},
	}
	require.NoError(t, r.RecordFaces(ctx, faceSession, 0, rects))
	require.NoError(t, r.RecordFaces(ctx, faceSession, 1, nil)) // no faces: frame row only
	require.NoError(t, r.RecordFaces(ctx, faceSession, 2, rects[:1]))

	maskSession, err := r.CreateSession(ctx, "vid_123", "/tmp/video.mp4", types.GraphSelfieSegmentation)
	require.NoError(t, err)
	mask := types.SegmentationMask{Width: 2, Height: 2, Data: []float32{0, 1, 1, 1}}
	require.NoError(t, r.RecordMask(ctx, maskSession, 5, mask, 0.5))

	// Timestamps past int64 would wrap in the database column.
	assert.ErrorIs(t, r.RecordFaces(ctx, faceSession, math.MaxUint64, rects), ErrTimestampRange)
	assert.ErrorIs(t, r.RecordMask(ctx, maskSession, uint64(math.MaxInt64)+1, mask, 0.5), ErrTimestampRange)

	sessions, err := r.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	byID := map[string]Session{}
	for _, s := range sessions {
		byID[s.ID.String()] = s
	}

	fs := byID[faceSession.String()]
	assert.Equal(t, "face-geometry", fs.Graph)
	assert.Equal(t, "vid_123", fs.VideoID)
	assert.Equal(t, 3, fs.Frames)
	assert.Equal(t, 3, fs.Faces)
	assert.WithinDuration(t, time.Now(), fs.StartedAt, time.Hour)

	ms := byID[maskSession.String()]
	assert.Equal(t, "selfie-segmentation", ms.Graph)
	assert.Equal(t, 1, ms.Frames)
	assert.Equal(t, 0, ms.Faces)

	require.NoError(t, r.Reset(ctx))
}

func TestSQLiteRecorder(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "facemesh.db")

	r, err := Open(ctx, "sqlite://"+path)
	require.NoError(t, err)
	defer r.Close(ctx)

	exerciseRecorder(t, ctx, r)

	// Reset dropped the tables; reopening recreates them.
	r2, err := NewSQLite(ctx, path)
	require.NoError(t, err)
	defer r2.Close(ctx)
	sessions, err := r2.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestOpen_UnsupportedScheme(t *testing.T) {
	_, err := Open(context.Background(), "mysql://localhost/facemesh")
	assert.Error(t, err)
}

// TestPostgresIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestPostgresIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// Explicitly check for Docker availability and fail hard if missing
	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("facemesh_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	r, err := Open(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer r.Close(ctx)

	exerciseRecorder(t, ctx, r)
}
