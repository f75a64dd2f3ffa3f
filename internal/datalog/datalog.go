// Package datalog records fused poses, corrections, detections and worker
// events to sqlite so that runs can be inspected after the fact.
package datalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/posefusion/internal/geom"
	"github.com/banshee-data/posefusion/internal/monitoring"
	"github.com/banshee-data/posefusion/internal/tracker"
)

var logs = monitoring.NewStreams("[datalog] ")

// ErrUnknownRun is returned when ending a run that was never started.
var ErrUnknownRun = errors.New("unknown run")

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

// DB is a datalog database.
type DB struct {
	*sql.DB
}

// Open opens (creating if needed) the database at path and migrates it to
// the latest schema. ":memory:" gives a private in-memory database.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if path == ":memory:" {
		// Each connection would otherwise get its own empty database.
		sqlDB.SetMaxOpenConns(1)
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	db := &DB{sqlDB}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// StartRun opens a new run and returns its id.
func (db *DB) StartRun(ctx context.Context, startedAt time.Time, config string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := db.ExecContext(ctx,
		`INSERT INTO runs (run_id, started_at, config) VALUES (?, ?, ?)`,
		id.String(), startedAt.UnixNano(), config)
	if err != nil {
		return uuid.Nil, fmt.Errorf("start run: %w", err)
	}
	logs.Opsf("recording run %s", id)
	return id, nil
}

// EndRun stamps the run's end time.
func (db *DB) EndRun(ctx context.Context, run uuid.UUID, endedAt time.Time) error {
	res, err := db.ExecContext(ctx, `UPDATE runs SET ended_at = ? WHERE run_id = ?`, endedAt.UnixNano(), run.String())
	if err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("end run %s: %w", run, ErrUnknownRun)
	}
	return nil
}

// PoseSource says which worker stream a recorded pose came from.
type PoseSource string

const (
	SourceVIO  PoseSource = "vio"
	SourceTags PoseSource = "tags"
)

// RecordPose stores one field→robot pose produced from worker's data.
func (db *DB) RecordPose(ctx context.Context, run uuid.UUID, worker string, session uuid.UUID, source PoseSource, tsNanos int64, pose geom.Transform) error {
	t, q := pose.Translation, pose.Rotation
	_, err := db.ExecContext(ctx,
		`INSERT INTO poses (run_id, worker, session_id, source, ts_ns, x, y, z, qw, qx, qy, qz)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.String(), worker, session.String(), string(source), tsNanos, t.X, t.Y, t.Z, q.Real, q.Imag, q.Jmag, q.Kmag)
	if err != nil {
		return fmt.Errorf("record pose: %w", err)
	}
	return nil
}

// RecordCorrection stores the odometry→robot correction in effect at
// tsNanos.
func (db *DB) RecordCorrection(ctx context.Context, run uuid.UUID, tsNanos int64, odomToRobot geom.Transform) error {
	t, q := odomToRobot.Translation, odomToRobot.Rotation
	_, err := db.ExecContext(ctx,
		`INSERT INTO corrections (run_id, ts_ns, x, y, z, qw, qx, qy, qz) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.String(), tsNanos, t.X, t.Y, t.Z, q.Real, q.Imag, q.Jmag, q.Kmag)
	if err != nil {
		return fmt.Errorf("record correction: %w", err)
	}
	return nil
}

// RecordDetections stores one frame of camera-relative detections in a
// single transaction.
func (db *DB) RecordDetections(ctx context.Context, run uuid.UUID, worker string, tsNanos int64, dets []tracker.Detection) error {
	if len(dets) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record detections: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO detections (run_id, worker, ts_ns, label, confidence, x, y, z) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("record detections: %w", err)
	}
	defer stmt.Close()
	for _, d := range dets {
		if _, err := stmt.ExecContext(ctx, run.String(), worker, tsNanos, d.Label, d.Confidence,
			d.Position.X, d.Position.Y, d.Position.Z); err != nil {
			return fmt.Errorf("record detection %s: %w", d.Label, err)
		}
	}
	return tx.Commit()
}

// RecordWorkerEvent stores a worker state transition.
func (db *DB) RecordWorkerEvent(ctx context.Context, run uuid.UUID, worker string, tsNanos int64, state string, restarts int, detail string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO worker_events (run_id, worker, ts_ns, state, restarts, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		run.String(), worker, tsNanos, state, restarts, detail)
	if err != nil {
		return fmt.Errorf("record worker event: %w", err)
	}
	return nil
}

// RunSummary counts what one run recorded.
type RunSummary struct {
	ID           uuid.UUID
	StartedAt    time.Time
	EndedAt      time.Time // zero while the run is open
	Poses        int
	TagPoses     int // subset of Poses fused from tag observations
	Corrections  int
	Detections   int
	WorkerEvents int
	Workers      []string
}

// Summary lists every run, newest first.
func (db *DB) Summary(ctx context.Context) ([]RunSummary, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT r.run_id, r.started_at, r.ended_at,
		       (SELECT COUNT(*) FROM poses p WHERE p.run_id = r.run_id),
		       (SELECT COUNT(*) FROM poses p WHERE p.run_id = r.run_id AND p.source = 'tags'),
		       (SELECT COUNT(*) FROM corrections c WHERE c.run_id = r.run_id),
		       (SELECT COUNT(*) FROM detections d WHERE d.run_id = r.run_id),
		       (SELECT COUNT(*) FROM worker_events w WHERE w.run_id = r.run_id)
		FROM runs r
		ORDER BY r.started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var (
			s       RunSummary
			id      string
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&id, &started, &ended, &s.Poses, &s.TagPoses, &s.Corrections, &s.Detections, &s.WorkerEvents); err != nil {
			return nil, fmt.Errorf("summary: %w", err)
		}
		if s.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("summary: run id %q: %w", id, err)
		}
		s.StartedAt = time.Unix(0, started)
		if ended.Valid {
			s.EndedAt = time.Unix(0, ended.Int64)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	rows.Close()

	for i := range out {
		workers, err := db.workers(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Workers = workers
	}
	return out, nil
}

func (db *DB) workers(ctx context.Context, run uuid.UUID) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT worker FROM poses WHERE run_id = ?
		UNION SELECT worker FROM detections WHERE run_id = ?
		UNION SELECT worker FROM worker_events WHERE run_id = ?
		ORDER BY worker`, run.String(), run.String(), run.String())
	if err != nil {
		return nil, fmt.Errorf("summary workers: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return nil, fmt.Errorf("summary workers: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
