package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/flow-like/substrate/internal/domain"
	"github.com/flow-like/substrate/internal/objectstore"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id             TEXT PRIMARY KEY,
	app_id             TEXT NOT NULL,
	board_id           TEXT NOT NULL,
	board_version      TEXT,
	event_id           TEXT,
	mode               TEXT NOT NULL,
	status             TEXT NOT NULL,
	input_payload_len  INTEGER NOT NULL DEFAULT 0,
	output_payload_len INTEGER NOT NULL DEFAULT 0,
	progress           INTEGER NOT NULL DEFAULT 0,
	current_step       TEXT,
	started_at         TEXT,
	completed_at       TEXT,
	expires_at         TEXT NOT NULL,
	user_id            TEXT,
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL,
	error_message      TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_app_created ON runs(app_id, created_at);

CREATE TABLE IF NOT EXISTS events (
	event_id    TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	app_id      TEXT NOT NULL,
	sequence    INTEGER NOT NULL,
	type        TEXT NOT NULL,
	payload     BLOB,
	payload_ref TEXT,
	delivered   INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL,
	expires_at  TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_run_seq ON events(run_id, sequence);
`

// SQLiteStore is the embedded, single-writer state store backend. A single
// *sql.DB with SetMaxOpenConns(1) enforces the single-writer discipline at
// the connection-pool level; an additional in-process mutex guards write
// statements so the invariant holds even if a future change raised pool
// size.
type SQLiteStore struct {
	db   *sql.DB
	mu   sync.Mutex
	spill *spillover
}

// NewSQLiteStore opens (creating if absent) a SQLite database at path and
// applies the schema.
func NewSQLiteStore(path string, blobs objectstore.Store) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, newErr(ErrorDatabase, "NewSQLiteStore", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, newErr(ErrorDatabase, "NewSQLiteStore", err)
	}

	return &SQLiteStore{db: db, spill: newSpillover(blobs)}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) CreateRun(ctx context.Context, in domain.CreateRunInput) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	runID := in.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	expiresAt := now.Add(domain.DefaultRunTTL)
	if in.ExpiresAt != nil {
		expiresAt = *in.ExpiresAt
	}

	run := &domain.Run{
		RunID:           runID,
		AppID:           in.AppID,
		BoardID:         in.BoardID,
		BoardVersion:    in.BoardVersion,
		EventID:         in.EventID,
		Mode:            in.Mode,
		Status:          domain.StatusPending,
		InputPayloadLen: in.InputPayloadLen,
		ExpiresAt:       expiresAt,
		UserID:          in.UserID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	bv, err := encodeBoardVersion(run.BoardVersion)
	if err != nil {
		return nil, newErr(ErrorSerialization, "CreateRun", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, app_id, board_id, board_version, event_id, mode, status,
			input_payload_len, output_payload_len, progress, expires_at, user_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?, ?)`,
		run.RunID, run.AppID, run.BoardID, bv, run.EventID, string(run.Mode), string(run.Status),
		run.InputPayloadLen, formatTime(run.ExpiresAt), run.UserID, formatTime(run.CreatedAt), formatTime(run.UpdatedAt))
	if err != nil {
		return nil, newErr(ErrorDatabase, "CreateRun", err)
	}
	return run, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, app_id, board_id, board_version, event_id, mode, status,
			input_payload_len, output_payload_len, progress, current_step, started_at, completed_at,
			expires_at, user_id, created_at, updated_at, error_message
		FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, newErr(ErrorNotFound, "GetRun", fmt.Errorf("run %q", runID))
	}
	if err != nil {
		return nil, newErr(ErrorDatabase, "GetRun", err)
	}
	return run, nil
}

func (s *SQLiteStore) GetRunForApp(ctx context.Context, runID, appID string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, app_id, board_id, board_version, event_id, mode, status,
			input_payload_len, output_payload_len, progress, current_step, started_at, completed_at,
			expires_at, user_id, created_at, updated_at, error_message
		FROM runs WHERE run_id = ? AND app_id = ?`, runID, appID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, newErr(ErrorNotFound, "GetRunForApp", fmt.Errorf("run %q for app %q", runID, appID))
	}
	if err != nil {
		return nil, newErr(ErrorDatabase, "GetRunForApp", err)
	}
	return run, nil
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, runID string, in domain.UpdateRunInput) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, newErr(ErrorTerminalRun, "UpdateRun", fmt.Errorf("run %q is already %s", runID, run.Status))
	}

	if in.Status != nil {
		run.Status = *in.Status
	}
	if in.OutputPayloadLen != nil {
		run.OutputPayloadLen = *in.OutputPayloadLen
	}
	if in.Progress != nil {
		run.Progress = *in.Progress
	}
	if in.CurrentStep != nil {
		run.CurrentStep = *in.CurrentStep
	}
	if in.StartedAt != nil {
		run.StartedAt = in.StartedAt
	}
	if in.CompletedAt != nil {
		run.CompletedAt = in.CompletedAt
	}
	if in.ErrorMessage != nil {
		run.ErrorMessage = *in.ErrorMessage
	}
	run.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		UPDATE runs SET status=?, output_payload_len=?, progress=?, current_step=?, started_at=?,
			completed_at=?, error_message=?, updated_at=?
		WHERE run_id=?`,
		string(run.Status), run.OutputPayloadLen, run.Progress, run.CurrentStep,
		formatTimePtr(run.StartedAt), formatTimePtr(run.CompletedAt), run.ErrorMessage,
		formatTime(run.UpdatedAt), run.RunID)
	if err != nil {
		return nil, newErr(ErrorDatabase, "UpdateRun", err)
	}
	return run, nil
}

func (s *SQLiteStore) ListRunsByApp(ctx context.Context, appID string, limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, app_id, board_id, board_version, event_id, mode, status,
			input_payload_len, output_payload_len, progress, current_step, started_at, completed_at,
			expires_at, user_id, created_at, updated_at, error_message
		FROM runs WHERE app_id = ? ORDER BY created_at DESC LIMIT ?`, appID, limit)
	if err != nil {
		return nil, newErr(ErrorDatabase, "ListRunsByApp", err)
	}
	defer rows.Close()

	var out []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, newErr(ErrorDatabase, "ListRunsByApp", err)
		}
		out = append(out, run)
	}
	return out, nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev domain.Event) (*domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.ExpiresAt.IsZero() {
		ev.ExpiresAt = ev.CreatedAt.Add(domain.DefaultRunTTL)
	}

	// COALESCE(MAX(sequence), -1) + 1 so the first event in a run gets
	// sequence 0, matching the spec's "monotonic i32 per run, starting at
	// 0" and the contiguous [0..n-1] property get_events must hold.
	var nextSeq int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), -1) + 1 FROM events WHERE run_id = ?`, ev.RunID).Scan(&nextSeq)
	if err != nil {
		return nil, newErr(ErrorDatabase, "AppendEvent", err)
	}
	ev.Sequence = nextSeq

	evPtr, err := s.spill.apply(ctx, &ev)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, run_id, app_id, sequence, type, payload, payload_ref, delivered, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		evPtr.EventID, evPtr.RunID, evPtr.AppID, evPtr.Sequence, evPtr.Type,
		[]byte(evPtr.Payload), evPtr.PayloadRef, formatTime(evPtr.CreatedAt), formatTime(evPtr.ExpiresAt))
	if err != nil {
		return nil, newErr(ErrorDatabase, "AppendEvent", err)
	}
	return evPtr, nil
}

// PushEvents appends a batch of events in one transaction, assigning each
// its run's next monotonic sequence number in order. SQLite's embedded
// backend has no analogue to DynamoDB's BatchWriteItem cap, so the whole
// batch is written as a single transaction regardless of size.
func (s *SQLiteStore) PushEvents(ctx context.Context, ins []domain.CreateEventInput) (int, error) {
	if len(ins) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, newErr(ErrorDatabase, "PushEvents", err)
	}
	defer tx.Rollback()

	nextSeq := make(map[string]int64)
	written := 0
	for _, in := range ins {
		seq, ok := nextSeq[in.RunID]
		if !ok {
			var maxSeq sql.NullInt64
			if err := tx.QueryRowContext(ctx, `SELECT MAX(sequence) FROM events WHERE run_id = ?`, in.RunID).Scan(&maxSeq); err != nil {
				return written, newErr(ErrorDatabase, "PushEvents", err)
			}
			if maxSeq.Valid {
				seq = maxSeq.Int64 + 1
			}
		}

		now := time.Now().UTC()
		ev := &domain.Event{
			EventID:   uuid.New().String(),
			RunID:     in.RunID,
			AppID:     in.AppID,
			Type:      in.Type,
			Payload:   in.Payload,
			Sequence:  seq,
			CreatedAt: now,
			ExpiresAt: now.Add(domain.DefaultRunTTL),
		}
		evPtr, err := s.spill.apply(ctx, ev)
		if err != nil {
			return written, err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO events (event_id, run_id, app_id, sequence, type, payload, payload_ref, delivered, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			evPtr.EventID, evPtr.RunID, evPtr.AppID, evPtr.Sequence, evPtr.Type,
			[]byte(evPtr.Payload), evPtr.PayloadRef, formatTime(evPtr.CreatedAt), formatTime(evPtr.ExpiresAt))
		if err != nil {
			return written, newErr(ErrorDatabase, "PushEvents", err)
		}

		nextSeq[in.RunID] = seq + 1
		written++
	}

	if err := tx.Commit(); err != nil {
		return written, newErr(ErrorDatabase, "PushEvents", err)
	}
	return written, nil
}

func (s *SQLiteStore) ListEventsByRun(ctx context.Context, runID string, afterSequence int64, onlyUndelivered bool, limit int) ([]*domain.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `
		SELECT event_id, run_id, app_id, sequence, type, payload, payload_ref, delivered, created_at, expires_at
		FROM events WHERE run_id = ? AND sequence > ?`
	args := []any{runID, afterSequence}
	if onlyUndelivered {
		query += ` AND delivered = 0`
	}
	query += ` ORDER BY sequence ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, newErr(ErrorDatabase, "ListEventsByRun", err)
	}
	defer rows.Close()

	var out []*domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, newErr(ErrorDatabase, "ListEventsByRun", err)
		}
		// A spilled payload is transparently fetched here, matching the
		// spec's get_events contract: callers never see a bare reference
		// unless the object store itself is unreachable.
		if ev.PayloadRef != "" {
			data, rerr := s.spill.resolve(ctx, ev)
			if rerr != nil {
				return nil, rerr
			}
			ev.Payload = data
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *SQLiteStore) GetMaxSequence(ctx context.Context, runID string) (int64, error) {
	var maxSeq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM events WHERE run_id = ?`, runID).Scan(&maxSeq); err != nil {
		return 0, newErr(ErrorDatabase, "GetMaxSequence", err)
	}
	if !maxSeq.Valid {
		return 0, nil
	}
	return maxSeq.Int64, nil
}

func (s *SQLiteStore) MarkEventsDelivered(ctx context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := make([]string, len(eventIDs))
	args := make([]any, len(eventIDs))
	for i, id := range eventIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`UPDATE events SET delivered = 1 WHERE event_id IN (%s)`, strings.Join(placeholders, ","))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return newErr(ErrorDatabase, "MarkEventsDelivered", err)
	}
	return nil
}

func (s *SQLiteStore) ResolveEventPayload(ctx context.Context, ev *domain.Event) ([]byte, error) {
	return s.spill.resolve(ctx, ev)
}

func (s *SQLiteStore) DeleteExpiredRuns(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE expires_at < ?`, formatTime(now))
	if err != nil {
		return 0, newErr(ErrorDatabase, "DeleteExpiredRuns", err)
	}
	n, _ := res.RowsAffected()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE expires_at < ?`, formatTime(now)); err != nil {
		return int(n), newErr(ErrorDatabase, "DeleteExpiredRuns", err)
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*domain.Run, error) {
	var r domain.Run
	var boardVersion sql.NullString
	var mode, status string
	var currentStep, startedAt, completedAt, userID, errorMessage sql.NullString
	var expiresAt, createdAt, updatedAt string

	err := row.Scan(&r.RunID, &r.AppID, &r.BoardID, &boardVersion, &r.EventID, &mode, &status,
		&r.InputPayloadLen, &r.OutputPayloadLen, &r.Progress, &currentStep, &startedAt, &completedAt,
		&expiresAt, &userID, &createdAt, &updatedAt, &errorMessage)
	if err != nil {
		return nil, err
	}

	r.Mode = domain.RunMode(mode)
	r.Status = domain.RunStatus(status)
	r.CurrentStep = currentStep.String
	r.UserID = userID.String
	r.ErrorMessage = errorMessage.String
	if boardVersion.Valid && boardVersion.String != "" {
		var bv domain.BoardVersion
		if err := json.Unmarshal([]byte(boardVersion.String), &bv); err == nil {
			r.BoardVersion = &bv
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, expiresAt); err == nil {
		r.ExpiresAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		r.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		r.UpdatedAt = t
	}
	if startedAt.Valid && startedAt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, startedAt.String)
		if err == nil {
			r.StartedAt = &t
		}
	}
	if completedAt.Valid && completedAt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err == nil {
			r.CompletedAt = &t
		}
	}
	return &r, nil
}

func scanEvent(row scanner) (*domain.Event, error) {
	var ev domain.Event
	var payload []byte
	var payloadRef sql.NullString
	var delivered int
	var createdAt, expiresAt string

	err := row.Scan(&ev.EventID, &ev.RunID, &ev.AppID, &ev.Sequence, &ev.Type, &payload, &payloadRef, &delivered, &createdAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	ev.Payload = payload
	ev.PayloadRef = payloadRef.String
	ev.Delivered = delivered != 0
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		ev.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, expiresAt); err == nil {
		ev.ExpiresAt = t
	}
	return &ev, nil
}

func encodeBoardVersion(bv *domain.BoardVersion) (any, error) {
	if bv == nil {
		return nil, nil
	}
	data, err := json.Marshal(bv)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
