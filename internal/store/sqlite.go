package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/andresmejia3/facemesh/internal/types"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLite records results into a local database file.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path and initializes the schema.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; the facade already serializes callbacks.
	db.SetMaxOpenConns(1)

	if err := initSQLiteSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func initSQLiteSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			video_id TEXT NOT NULL,
			path TEXT NOT NULL,
			graph TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS frames (
			session_id TEXT REFERENCES sessions(id) ON DELETE CASCADE,
			frame_ts INTEGER NOT NULL,
			face_count INTEGER NOT NULL,
			PRIMARY KEY (session_id, frame_ts)
		)`,
		`CREATE TABLE IF NOT EXISTS face_observations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT REFERENCES sessions(id) ON DELETE CASCADE,
			frame_ts INTEGER NOT NULL,
			face_index INTEGER NOT NULL,
			x_center REAL NOT NULL,
			y_center REAL NOT NULL,
			width REAL NOT NULL,
			height REAL NOT NULL,
			rotation REAL NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS mask_observations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT REFERENCES sessions(id) ON DELETE CASCADE,
			frame_ts INTEGER NOT NULL,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			coverage REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS face_observations_session_idx ON face_observations (session_id, frame_ts)`,
		`CREATE INDEX IF NOT EXISTS mask_observations_session_idx ON mask_observations (session_id, frame_ts)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) Close(ctx context.Context) {
	s.db.Close()
}

func (s *SQLite) CreateSession(ctx context.Context, videoID, path string, graph types.GraphType) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, video_id, path, graph, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, id.String(), videoID, path, graph.String(), time.Now().UTC())
	return id, err
}

func (s *SQLite) RecordFaces(ctx context.Context, session uuid.UUID, timestamp uint64, rects []types.NormalizedRect) error {
	ts, err := dbTimestamp(timestamp)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO frames (session_id, frame_ts, face_count) VALUES (?, ?, ?)
	`, session.String(), ts, len(rects)); err != nil {
		return err
	}
	for i, r := range rects {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO face_observations (session_id, frame_ts, face_index, x_center, y_center, width, height, rotation)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, session.String(), ts, i, r.XCenter, r.YCenter, r.Width, r.Height, r.Rotation)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLite) RecordMask(ctx context.Context, session uuid.UUID, timestamp uint64, mask types.SegmentationMask, threshold float32) error {
	ts, err := dbTimestamp(timestamp)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO frames (session_id, frame_ts, face_count) VALUES (?, ?, 0)
	`, session.String(), ts); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO mask_observations (session_id, frame_ts, width, height, coverage)
		VALUES (?, ?, ?, ?, ?)
	`, session.String(), ts, mask.Width, mask.Height, mask.Coverage(threshold)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, sessionListQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var id string
		if err := rows.Scan(&id, &sess.VideoID, &sess.Path, &sess.Graph, &sess.StartedAt, &sess.Frames, &sess.Faces); err != nil {
			return nil, err
		}
		if sess.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("corrupt session id %q: %w", id, err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLite) Reset(ctx context.Context) error {
	for _, table := range []string{"face_observations", "mask_observations", "frames", "sessions"} {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return err
		}
	}
	return nil
}
