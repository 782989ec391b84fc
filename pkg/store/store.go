// Package store persists head positions, landmarks and difficulty scores in
// a SQLite database, one per output directory. Every write is an upsert, so
// re-running a frame replaces its previous record.
package store

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"wormfeatures/internal/models"
)

// FileName is the database file created in the output directory.
const FileName = "wormfeatures.db"

//go:embed migrations/*.sql
var migrations embed.FS

// ErrLocked is returned by Open when another process holds the database.
var ErrLocked = errors.New("store is locked by another process")

// Store is an open result database.
type Store struct {
	db     *sql.DB
	lock   *flock.Flock
	logger *slog.Logger

	mu  sync.RWMutex
	run uuid.NullUUID
}

// Open creates dir if needed, locks the database in it and migrates the
// schema to the latest version.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("error creating output directory: %w", err)
	}
	path := filepath.Join(dir, FileName)

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", path, ErrLocked)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		lock.Unlock() //nolint:errcheck
		return nil, err
	}
	// SQLite allows a single writer; pipeline workers share one connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, lock: lock, logger: logger}
	if err := s.migrateUp(); err != nil {
		s.Close() //nolint:errcheck
		return nil, err
	}
	logger.Debug("store opened", "path", path)
	return s, nil
}

func (s *Store) migrateUp() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{logger: s.logger}
	// m is not closed: closing it would close the shared connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied migration version.
func (s *Store) SchemaVersion() (uint, error) {
	var v uint
	if err := s.db.QueryRow(`SELECT version FROM schema_migrations LIMIT 1`).Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

// Close closes the database and releases the lock.
func (s *Store) Close() error {
	err := s.db.Close()
	if uerr := s.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}

// PutHead stores the head result for its time point.
func (s *Store) PutHead(h models.HeadResult) error {
	_, err := s.db.Exec(`
		INSERT INTO head_positions (
			t, head_x, head_y, head_z, tail_x, tail_y, tail_z, flags,
			crop_x0, crop_x1, crop_y0, crop_y1, crop_z0, crop_z1,
			theta, centroid_x, centroid_y, centroid_z, run_id, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(t) DO UPDATE SET
			head_x = excluded.head_x, head_y = excluded.head_y, head_z = excluded.head_z,
			tail_x = excluded.tail_x, tail_y = excluded.tail_y, tail_z = excluded.tail_z,
			flags = excluded.flags,
			crop_x0 = excluded.crop_x0, crop_x1 = excluded.crop_x1,
			crop_y0 = excluded.crop_y0, crop_y1 = excluded.crop_y1,
			crop_z0 = excluded.crop_z0, crop_z1 = excluded.crop_z1,
			theta = excluded.theta,
			centroid_x = excluded.centroid_x, centroid_y = excluded.centroid_y, centroid_z = excluded.centroid_z,
			run_id = excluded.run_id, updated_at = CURRENT_TIMESTAMP`,
		h.Time, h.Head.X, h.Head.Y, h.Head.Z, h.Tail.X, h.Tail.Y, h.Tail.Z, h.Flags.String(),
		h.CropX[0], h.CropX[1], h.CropY[0], h.CropY[1], h.CropZ[0], h.CropZ[1],
		h.Theta, h.Centroid.X, h.Centroid.Y, h.Centroid.Z, s.runID(),
	)
	if err != nil {
		return fmt.Errorf("failed to store head for t=%d: %w", h.Time, err)
	}
	return nil
}

const headColumns = `t, head_x, head_y, head_z, tail_x, tail_y, tail_z, flags,
	crop_x0, crop_x1, crop_y0, crop_y1, crop_z0, crop_z1,
	theta, centroid_x, centroid_y, centroid_z`

type scanner interface {
	Scan(dest ...any) error
}

func scanHead(row scanner) (models.HeadResult, error) {
	var h models.HeadResult
	var flags string
	err := row.Scan(&h.Time, &h.Head.X, &h.Head.Y, &h.Head.Z, &h.Tail.X, &h.Tail.Y, &h.Tail.Z, &flags,
		&h.CropX[0], &h.CropX[1], &h.CropY[0], &h.CropY[1], &h.CropZ[0], &h.CropZ[1],
		&h.Theta, &h.Centroid.X, &h.Centroid.Y, &h.Centroid.Z)
	if err != nil {
		return models.HeadResult{}, err
	}
	if h.Flags, err = models.ParseFlagSet(flags); err != nil {
		return models.HeadResult{}, err
	}
	return h, nil
}

// Head returns the stored head result for time point t.
func (s *Store) Head(t int) (models.HeadResult, error) {
	h, err := scanHead(s.db.QueryRow(`SELECT `+headColumns+` FROM head_positions WHERE t = ?`, t))
	if errors.Is(err, sql.ErrNoRows) {
		return models.HeadResult{}, fmt.Errorf("%w: head for t=%d", models.ErrNotFound, t)
	}
	return h, err
}

// Heads returns every stored head result ordered by time point.
func (s *Store) Heads() ([]models.HeadResult, error) {
	rows, err := s.db.Query(`SELECT ` + headColumns + ` FROM head_positions ORDER BY t`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.HeadResult
	for rows.Next() {
		h, err := scanHead(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// PutLandmark stores a landmark, replacing any record with the same kind,
// frame and channel.
func (s *Store) PutLandmark(rec models.LandmarkRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO landmarks (kind, frame, channel, x, y, z, source, run_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(kind, frame, channel) DO UPDATE SET
			x = excluded.x, y = excluded.y, z = excluded.z,
			source = excluded.source, run_id = excluded.run_id, updated_at = CURRENT_TIMESTAMP`,
		string(rec.Kind), rec.Frame, rec.Channel, rec.Position.X, rec.Position.Y, rec.Position.Z, rec.Source, s.runID(),
	)
	if err != nil {
		return fmt.Errorf("failed to store %s landmark for frame %d: %w", rec.Kind, rec.Frame, err)
	}
	return nil
}

// Landmark returns a stored landmark.
func (s *Store) Landmark(kind models.LandmarkKind, frame, channel int) (models.LandmarkRecord, error) {
	rec := models.LandmarkRecord{Kind: kind, Frame: frame, Channel: channel}
	err := s.db.QueryRow(`SELECT x, y, z, source FROM landmarks WHERE kind = ? AND frame = ? AND channel = ?`,
		string(kind), frame, channel).Scan(&rec.Position.X, &rec.Position.Y, &rec.Position.Z, &rec.Source)
	if errors.Is(err, sql.ErrNoRows) {
		return models.LandmarkRecord{}, fmt.Errorf("%w: %s landmark for frame %d channel %d", models.ErrNotFound, kind, frame, channel)
	}
	return rec, err
}

// Landmarks returns all landmarks of a kind and channel ordered by frame.
func (s *Store) Landmarks(kind models.LandmarkKind, channel int) ([]models.LandmarkRecord, error) {
	rows, err := s.db.Query(`SELECT frame, x, y, z, source FROM landmarks WHERE kind = ? AND channel = ? ORDER BY frame`,
		string(kind), channel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.LandmarkRecord
	for rows.Next() {
		rec := models.LandmarkRecord{Kind: kind, Channel: channel}
		if err := rows.Scan(&rec.Frame, &rec.Position.X, &rec.Position.Y, &rec.Position.Z, &rec.Source); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DifficultyRecord is a stored difficulty score.
type DifficultyRecord struct {
	Method  string
	T1, T2  int
	Channel int
	Score   models.DifficultyScore
}

// PutDifficulty stores a difficulty score, replacing any earlier score for
// the same method, pair and channel.
func (s *Store) PutDifficulty(rec DifficultyRecord) error {
	metrics, err := json.Marshal(rec.Score.Metrics)
	if err != nil {
		return fmt.Errorf("error marshaling metrics: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO difficulty_scores (method, t1, t2, channel, value, metrics, run_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(method, t1, t2, channel) DO UPDATE SET
			value = excluded.value, metrics = excluded.metrics,
			run_id = excluded.run_id, updated_at = CURRENT_TIMESTAMP`,
		rec.Method, rec.T1, rec.T2, rec.Channel, rec.Score.Value, string(metrics), s.runID(),
	)
	if err != nil {
		return fmt.Errorf("failed to store %s difficulty %d-%d: %w", rec.Method, rec.T1, rec.T2, err)
	}
	return nil
}

// Difficulty returns a stored difficulty score.
func (s *Store) Difficulty(method string, t1, t2, channel int) (DifficultyRecord, error) {
	rec := DifficultyRecord{Method: method, T1: t1, T2: t2, Channel: channel}
	var metrics string
	err := s.db.QueryRow(`SELECT value, metrics FROM difficulty_scores WHERE method = ? AND t1 = ? AND t2 = ? AND channel = ?`,
		method, t1, t2, channel).Scan(&rec.Score.Value, &metrics)
	if errors.Is(err, sql.ErrNoRows) {
		return DifficultyRecord{}, fmt.Errorf("%w: %s difficulty %d-%d", models.ErrNotFound, method, t1, t2)
	}
	if err != nil {
		return DifficultyRecord{}, err
	}
	if err := json.Unmarshal([]byte(metrics), &rec.Score.Metrics); err != nil {
		return DifficultyRecord{}, fmt.Errorf("error parsing metrics: %w", err)
	}
	return rec, nil
}

// RunSummary is the outcome of a batch run.
type RunSummary struct {
	Status   string
	Frames   int
	Flagged  int
	NotFound int
}

// Run is a recorded batch run.
type Run struct {
	ID         uuid.UUID
	Command    string
	StartedAt  time.Time
	FinishedAt *time.Time
	RunSummary
}

// BeginRun records a new batch run. Subsequent writes are tagged with its id
// until FinishRun.
func (s *Store) BeginRun(command string) (uuid.UUID, error) {
	id := uuid.New()
	if _, err := s.db.Exec(`INSERT INTO runs (id, command, started_at) VALUES (?, ?, ?)`,
		id.String(), command, time.Now().UTC()); err != nil {
		return uuid.Nil, fmt.Errorf("failed to record run: %w", err)
	}
	s.mu.Lock()
	s.run = uuid.NullUUID{UUID: id, Valid: true}
	s.mu.Unlock()
	return id, nil
}

// FinishRun stores the summary of run id.
func (s *Store) FinishRun(id uuid.UUID, sum RunSummary) error {
	res, err := s.db.Exec(`UPDATE runs SET finished_at = ?, status = ?, frames = ?, flagged = ?, not_found = ? WHERE id = ?`,
		time.Now().UTC(), sum.Status, sum.Frames, sum.Flagged, sum.NotFound, id.String())
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: run %s", models.ErrNotFound, id)
	}
	s.mu.Lock()
	if s.run.Valid && s.run.UUID == id {
		s.run = uuid.NullUUID{}
	}
	s.mu.Unlock()
	return nil
}

// Runs returns the recorded runs, oldest first.
func (s *Store) Runs() ([]Run, error) {
	rows, err := s.db.Query(`SELECT id, command, started_at, finished_at, status, frames, flagged, not_found
		FROM runs ORDER BY started_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var id string
		var finished sql.NullTime
		if err := rows.Scan(&id, &r.Command, &r.StartedAt, &finished, &r.Status, &r.Frames, &r.Flagged, &r.NotFound); err != nil {
			return nil, err
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) runID() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.run.Valid {
		return nil
	}
	return s.run.UUID.String()
}

// migrateLogger adapts slog to the migrate.Logger interface
type migrateLogger struct {
	logger *slog.Logger
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.logger.Debug(fmt.Sprintf("[migrate] "+format, v...))
}

func (l *migrateLogger) Verbose() bool {
	return false
}
