package modbus

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Recorder keeps a history of capture sessions in SQLite: the last value
// delivered for every mapped register, registers seen on the bus that
// the map does not cover, and one row per session.
//
// The database must have the capture_sessions, register_observations and
// unmapped_registers tables created (see migrations).
//
// Thread Safety: All methods are safe for concurrent use.
type Recorder struct {
	db     *sql.DB
	logger Logger

	// Prepared statements for upserts (created once, reused)
	obsUpsertStmt      *sql.Stmt
	unmappedUpsertStmt *sql.Stmt
	stmtMu             sync.Mutex

	closed bool
	mu     sync.RWMutex
}

// RegisterRecord is a stored last value.
type RegisterRecord struct {
	Key              string    `json:"key"`
	Address          int       `json:"address"`
	Topic            string    `json:"topic"`
	Datatype         string    `json:"datatype"`
	Value            string    `json:"value"`
	RawHex           string    `json:"raw_hex"`
	SessionID        string    `json:"session_id,omitempty"`
	ObservedAt       time.Time `json:"observed_at"`
	ObservationCount int       `json:"observation_count"`
}

// UnmappedRecord is a stored unmapped register sighting.
type UnmappedRecord struct {
	Address   int       `json:"address"`
	RawHex    string    `json:"last_raw_hex"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Sightings int       `json:"sighting_count"`
}

// SessionRecord is a stored capture session.
type SessionRecord struct {
	ID            string     `json:"id"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	MapGeneration uint64     `json:"map_generation"`
	Expected      int        `json:"expected"`
	Observed      int        `json:"observed"`
	Records       uint64     `json:"records"`
	Frames        uint64     `json:"frames"`
}

// NewRecorder creates a recorder on db.
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db, logger: nopLogger{}}
}

// SetLogger sets the logger for the recorder.
func (r *Recorder) SetLogger(logger Logger) {
	r.logger = orNop(logger)
}

// Start prepares the recorder for use.
// Must be called before RecordObservation and RecordUnmapped.
func (r *Recorder) Start() error {
	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	if r.obsUpsertStmt != nil {
		return nil // Already started
	}

	obsStmt, err := r.db.Prepare(`
		INSERT INTO register_observations
			(register_key, address, topic, datatype, value, raw_hex, session_id, observed_at, observation_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(register_key) DO UPDATE SET
			address = excluded.address,
			topic = excluded.topic,
			datatype = excluded.datatype,
			value = excluded.value,
			raw_hex = excluded.raw_hex,
			session_id = excluded.session_id,
			observed_at = excluded.observed_at,
			observation_count = observation_count + 1
	`)
	if err != nil {
		return fmt.Errorf("preparing observation upsert statement: %w", err)
	}

	unmappedStmt, err := r.db.Prepare(`
		INSERT INTO unmapped_registers (address, last_raw_hex, first_seen, last_seen, sighting_count)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(address) DO UPDATE SET
			last_raw_hex = excluded.last_raw_hex,
			last_seen = excluded.last_seen,
			sighting_count = sighting_count + 1
	`)
	if err != nil {
		obsStmt.Close()
		return fmt.Errorf("preparing unmapped upsert statement: %w", err)
	}

	r.obsUpsertStmt = obsStmt
	r.unmappedUpsertStmt = unmappedStmt
	r.logger.Info("capture recorder started")
	return nil
}

// Stop closes the prepared statements. Later records are dropped.
func (r *Recorder) Stop() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	if r.obsUpsertStmt != nil {
		r.obsUpsertStmt.Close()
		r.obsUpsertStmt = nil
	}
	if r.unmappedUpsertStmt != nil {
		r.unmappedUpsertStmt.Close()
		r.unmappedUpsertStmt = nil
	}
	r.logger.Info("capture recorder stopped")
}

func (r *Recorder) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Attach records everything s reports. Call before s.Start, then
// BeginSession once it has started.
func (r *Recorder) Attach(s *Session) {
	s.OnObservation(r.RecordObservation)
	s.OnUnmapped(r.RecordUnmapped)
	s.OnFinish(func(sum Summary) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.FinishSession(ctx, sum); err != nil {
			r.logger.Error("recording session finish", "session", sum.ID, "error", err)
		}
	})
}

// BeginSession inserts the session row.
func (r *Recorder) BeginSession(ctx context.Context, sum Summary) error {
	if r.isClosed() {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO capture_sessions (id, started_at, map_generation, expected_count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, sum.ID, sum.StartedAt.Unix(), int64(sum.Generation), sum.Expected)
	if err != nil {
		return fmt.Errorf("inserting capture session: %w", err)
	}
	return nil
}

// FinishSession stores a session's outcome.
func (r *Recorder) FinishSession(ctx context.Context, sum Summary) error {
	if r.isClosed() {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO capture_sessions
			(id, started_at, finished_at, reason, map_generation, expected_count, observed_count, record_count, frame_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished_at = excluded.finished_at,
			reason = excluded.reason,
			observed_count = excluded.observed_count,
			record_count = excluded.record_count,
			frame_count = excluded.frame_count
	`, sum.ID, sum.StartedAt.Unix(), sum.FinishedAt.Unix(), sum.Reason, int64(sum.Generation),
		sum.Expected, sum.Observed, int64(sum.Records), int64(sum.Frames))
	if err != nil {
		return fmt.Errorf("finishing capture session: %w", err)
	}
	return nil
}

// RecordObservation stores the latest value of a register.
func (r *Recorder) RecordObservation(obs Observation) {
	if r.isClosed() {
		return
	}
	r.stmtMu.Lock()
	stmt := r.obsUpsertStmt
	r.stmtMu.Unlock()
	if stmt == nil {
		return // Not started
	}

	var sessionID any
	if obs.SessionID != "" {
		sessionID = obs.SessionID
	}
	e := obs.Entry
	if _, err := stmt.Exec(e.Key, e.Address.Number, e.StateTopic(), e.Datatype,
		string(FormatValue(obs.Value)), hex.EncodeToString(obs.Raw), sessionID, obs.At.Unix()); err != nil {
		r.logger.Error("recording register observation", "register", e.Key, "error", err)
	}
}

// RecordUnmapped stores a sighting of an unmapped register.
func (r *Recorder) RecordUnmapped(u UnmappedRegister) {
	if r.isClosed() {
		return
	}
	r.stmtMu.Lock()
	stmt := r.unmappedUpsertStmt
	r.stmtMu.Unlock()
	if stmt == nil {
		return
	}

	at := u.At.Unix()
	if _, err := stmt.Exec(u.Address, hex.EncodeToString(u.Raw), at, at); err != nil {
		r.logger.Error("recording unmapped register", "address", u.Address, "error", err)
	}
}

// Observations returns stored register values, most recent first.
func (r *Recorder) Observations(ctx context.Context, limit int) ([]RegisterRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT register_key, address, topic, datatype, value, raw_hex,
			COALESCE(session_id, ''), observed_at, observation_count
		FROM register_observations
		ORDER BY observed_at DESC, register_key
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying observations: %w", err)
	}
	defer rows.Close()

	var out []RegisterRecord
	for rows.Next() {
		var (
			rec RegisterRecord
			at  int64
		)
		if err := rows.Scan(&rec.Key, &rec.Address, &rec.Topic, &rec.Datatype, &rec.Value,
			&rec.RawHex, &rec.SessionID, &at, &rec.ObservationCount); err != nil {
			return nil, fmt.Errorf("scanning observation: %w", err)
		}
		rec.ObservedAt = time.Unix(at, 0).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Unmapped returns stored unmapped registers, most frequently seen first.
func (r *Recorder) Unmapped(ctx context.Context, limit int) ([]UnmappedRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT address, last_raw_hex, first_seen, last_seen, sighting_count
		FROM unmapped_registers
		ORDER BY sighting_count DESC, address
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying unmapped registers: %w", err)
	}
	defer rows.Close()

	var out []UnmappedRecord
	for rows.Next() {
		var (
			rec         UnmappedRecord
			first, last int64
		)
		if err := rows.Scan(&rec.Address, &rec.RawHex, &first, &last, &rec.Sightings); err != nil {
			return nil, fmt.Errorf("scanning unmapped register: %w", err)
		}
		rec.FirstSeen = time.Unix(first, 0).UTC()
		rec.LastSeen = time.Unix(last, 0).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Sessions returns stored capture sessions, newest first.
func (r *Recorder) Sessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, COALESCE(reason, ''), map_generation,
			expected_count, observed_count, record_count, frame_count
		FROM capture_sessions
		ORDER BY started_at DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying capture sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var (
			rec      SessionRecord
			started  int64
			finished sql.NullInt64
			gen      int64
			records  int64
			frames   int64
		)
		if err := rows.Scan(&rec.ID, &started, &finished, &rec.Reason, &gen,
			&rec.Expected, &rec.Observed, &records, &frames); err != nil {
			return nil, fmt.Errorf("scanning capture session: %w", err)
		}
		rec.StartedAt = time.Unix(started, 0).UTC()
		if finished.Valid {
			t := time.Unix(finished.Int64, 0).UTC()
			rec.FinishedAt = &t
		}
		rec.MapGeneration = uint64(gen)
		rec.Records = uint64(records)
		rec.Frames = uint64(frames)
		out = append(out, rec)
	}
	return out, rows.Err()
}
