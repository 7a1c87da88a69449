// Package storage persists finished karaoke turns in SQLite.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/dkeye/karaoke/internal/app/karaoke"
	"github.com/dkeye/karaoke/internal/domain"
)

var schema = []string{`CREATE TABLE IF NOT EXISTS results (
	room        TEXT    NOT NULL,
	turn        INTEGER NOT NULL,
	singer      TEXT    NOT NULL,
	average     REAL    NOT NULL,
	count       INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	PRIMARY KEY (room, turn, finished_at)
)`,
	`CREATE INDEX IF NOT EXISTS results_room_finished ON results (room, finished_at DESC)`,
}

type Store struct {
	db *sql.DB
}

var _ karaoke.ResultSink = (*Store)(nil)

// Open opens or creates the database at path. ":memory:" works for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// one writer; sqlite serializes anyway
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	log.Info().Str("module", "storage").Str("path", path).Msg("results store ready")
	return &Store{db: db}, nil
}

func (s *Store) SaveResult(ctx context.Context, r karaoke.Result) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO results (room, turn, singer, average, count, finished_at) VALUES (?, ?, ?, ?, ?, ?)`,
		string(r.Room), int64(r.Turn), string(r.Singer), r.Average, r.Count, r.FinishedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save result %s/%d: %w", r.Room, r.Turn, err)
	}
	return nil
}

// Recent returns up to limit results of room, newest first.
func (s *Store) Recent(ctx context.Context, room domain.RoomID, limit int) ([]karaoke.Result, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT room, turn, singer, average, count, finished_at FROM results
		 WHERE room = ? ORDER BY finished_at DESC, turn DESC LIMIT ?`,
		string(room), limit)
	if err != nil {
		return nil, fmt.Errorf("query results %s: %w", room, err)
	}
	defer rows.Close()

	out := make([]karaoke.Result, 0, limit)
	for rows.Next() {
		var (
			r        karaoke.Result
			roomID   string
			turn     int64
			singer   string
			finished int64
		)
		if err := rows.Scan(&roomID, &turn, &singer, &r.Average, &r.Count, &finished); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Room = domain.RoomID(roomID)
		r.Turn = uint64(turn)
		r.Singer = domain.UserID(singer)
		r.FinishedAt = time.UnixMilli(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
