package store

import (
	"context"
	"fmt"

	"github.com/andresmejia3/facemesh/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Postgres records results over a single pgx connection.
type Postgres struct {
	conn *pgx.Conn
}

// NewPostgres establishes a connection to the database and ensures the schema is initialized.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	if err := initPostgresSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Postgres{conn: conn}, nil
}

// initPostgresSchema creates the tables if they don't exist (Auto-Migration).
func initPostgresSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS sessions (
			id UUID PRIMARY KEY,
			video_id TEXT NOT NULL,
			path TEXT NOT NULL,
			graph TEXT NOT NULL,
			started_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS frames (
			session_id UUID REFERENCES sessions(id) ON DELETE CASCADE,
			frame_ts BIGINT NOT NULL,
			face_count INT NOT NULL,
			PRIMARY KEY (session_id, frame_ts)
		);
		CREATE TABLE IF NOT EXISTS face_observations (
			id BIGSERIAL PRIMARY KEY,
			session_id UUID REFERENCES sessions(id) ON DELETE CASCADE,
			frame_ts BIGINT NOT NULL,
			face_index INT NOT NULL,
			x_center REAL NOT NULL,
			y_center REAL NOT NULL,
			width REAL NOT NULL,
			height REAL NOT NULL,
			rotation REAL NOT NULL
		);
		CREATE TABLE IF NOT EXISTS mask_observations (
			id BIGSERIAL PRIMARY KEY,
			session_id UUID REFERENCES sessions(id) ON DELETE CASCADE,
			frame_ts BIGINT NOT NULL,
			width INT NOT NULL,
			height INT NOT NULL,
			coverage DOUBLE PRECISION NOT NULL
		);
		CREATE INDEX IF NOT EXISTS face_observations_session_idx ON face_observations (session_id, frame_ts);
		CREATE INDEX IF NOT EXISTS mask_observations_session_idx ON mask_observations (session_id, frame_ts);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Postgres) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

func (s *Postgres) CreateSession(ctx context.Context, videoID, path string, graph types.GraphType) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.conn.Exec(ctx, `
		INSERT INTO sessions (id, video_id, path, graph, started_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, id, videoID, path, graph.String())
	return id, err
}

// RecordFaces stores a frame row plus one row per face, in one batch.
func (s *Postgres) RecordFaces(ctx context.Context, session uuid.UUID, timestamp uint64, rects []types.NormalizedRect) error {
	ts, err := dbTimestamp(timestamp)
	if err != nil {
		return err
	}
	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO frames (session_id, frame_ts, face_count) VALUES ($1, $2, $3)
	`, session, ts, len(rects))
	for i, r := range rects {
		batch.Queue(`
			INSERT INTO face_observations (session_id, frame_ts, face_index, x_center, y_center, width, height, rotation)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, session, ts, i, r.XCenter, r.YCenter, r.Width, r.Height, r.Rotation)
	}
	return s.conn.SendBatch(ctx, batch).Close()
}

func (s *Postgres) RecordMask(ctx context.Context, session uuid.UUID, timestamp uint64, mask types.SegmentationMask, threshold float32) error {
	ts, err := dbTimestamp(timestamp)
	if err != nil {
		return err
	}
	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO frames (session_id, frame_ts, face_count) VALUES ($1, $2, 0)
	`, session, ts)
	batch.Queue(`
		INSERT INTO mask_observations (session_id, frame_ts, width, height, coverage)
		VALUES ($1, $2, $3, $4, $5)
	`, session, ts, mask.Width, mask.Height, mask.Coverage(threshold))
	return s.conn.SendBatch(ctx, batch).Close()
}

func (s *Postgres) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.conn.Query(ctx, sessionListQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.VideoID, &sess.Path, &sess.Graph, &sess.StartedAt, &sess.Frames, &sess.Faces); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Reset drops all application tables to clear the database state.
func (s *Postgres) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS face_observations CASCADE;
		DROP TABLE IF EXISTS mask_observations CASCADE;
		DROP TABLE IF EXISTS frames CASCADE;
		DROP TABLE IF EXISTS sessions CASCADE;
	`)
	return err
}

// sessionListQuery is shared by both backends; it uses no placeholders.
const sessionListQuery = `
	SELECT s.id, s.video_id, s.path, s.graph, s.started_at,
		(SELECT COUNT(*) FROM frames fr WHERE fr.session_id = s.id),
		(SELECT COUNT(*) FROM face_observations f WHERE f.session_id = s.id)
	FROM sessions s
	ORDER BY s.started_at DESC
`
