package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/andresmejia3/facemesh/internal/types"
	"github.com/google/uuid"
)

// ErrTimestampRange is returned for frame timestamps that do not fit the
// signed 64-bit column both backends store them in.
var ErrTimestampRange = errors.New("store: frame timestamp exceeds int64 range")

func dbTimestamp(ts uint64) (int64, error) {
	if ts > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %d", ErrTimestampRange, ts)
	}
	return int64(ts), nil
}

// Session is one run of a video through a graph.
type Session struct {
	ID        uuid.UUID
	VideoID   string
	Path      string
	Graph     string
	StartedAt time.Time
	// Frames counts every recorded frame, including frames with no faces.
	Frames int
	Faces  int
}

// Recorder persists per-frame graph results.
// Implementations are not safe for concurrent use; the facade delivers
// callbacks on a single goroutine.
type Recorder interface {
	CreateSession(ctx context.Context, videoID, path string, graph types.GraphType) (uuid.UUID, error)
	RecordFaces(ctx context.Context, session uuid.UUID, timestamp uint64, rects []types.NormalizedRect) error
	RecordMask(ctx context.Context, session uuid.UUID, timestamp uint64, mask types.SegmentationMask, threshold float32) error
	ListSessions(ctx context.Context) ([]Session, error)
	Reset(ctx context.Context) error
	Close(ctx context.Context)
}

// Open picks a backend from the URL scheme:
// postgres:// and postgresql:// use Postgres, sqlite:// and file: use SQLite.
func Open(ctx context.Context, url string) (Recorder, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return NewPostgres(ctx, url)
	case strings.HasPrefix(url, "sqlite://"):
		return NewSQLite(ctx, strings.TrimPrefix(url, "sqlite://"))
	case strings.HasPrefix(url, "file:"):
		return NewSQLite(ctx, url)
	}
	return nil, fmt.Errorf("unsupported database URL %q (want postgres://, sqlite:// or file:)", url)
}
