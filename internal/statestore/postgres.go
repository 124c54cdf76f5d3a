package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flow-like/substrate/internal/domain"
	"github.com/flow-like/substrate/internal/objectstore"
)

// PostgresStore is the third state store backend: a shared, horizontally
// scalable SQL store for deployments that run a real Postgres instance but
// don't want DynamoDB's provisioning model. Unlike SQLiteStore it takes no
// in-process write lock — concurrent writers are Postgres' job — and unlike
// DynamoStore it has no native TTL, so DeleteExpiredRuns does real work here.
type PostgresStore struct {
	pool  *pgxpool.Pool
	spill *spillover
}

// NewPostgresStore connects to dsn, verifies connectivity, and applies the
// schema.
func NewPostgresStore(ctx context.Context, dsn string, blobs objectstore.Store) (*PostgresStore, error) {
	if dsn == "" {
		return nil, newErr(ErrorConfiguration, "NewPostgresStore", fmt.Errorf("postgres DSN is required"))
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, newErr(ErrorDatabase, "NewPostgresStore", fmt.Errorf("create postgres pool: %w", err))
	}

	s := &PostgresStore{pool: pool, spill: newSpillover(blobs)}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return newErr(ErrorConfiguration, "Ping", fmt.Errorf("postgres not initialized"))
	}
	if err := s.pool.Ping(ctx); err != nil {
		return newErr(ErrorDatabase, "Ping", err)
	}
	return nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id             TEXT PRIMARY KEY,
			app_id             TEXT NOT NULL,
			board_id           TEXT NOT NULL,
			board_version      JSONB,
			event_id           TEXT,
			mode               TEXT NOT NULL,
			status             TEXT NOT NULL,
			input_payload_len  INTEGER NOT NULL DEFAULT 0,
			output_payload_len INTEGER NOT NULL DEFAULT 0,
			progress           INTEGER NOT NULL DEFAULT 0,
			current_step       TEXT,
			started_at         TIMESTAMPTZ,
			completed_at       TIMESTAMPTZ,
			expires_at         TIMESTAMPTZ NOT NULL,
			user_id            TEXT,
			created_at         TIMESTAMPTZ NOT NULL,
			updated_at         TIMESTAMPTZ NOT NULL,
			error_message      TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_app_created ON runs(app_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id    TEXT PRIMARY KEY,
			run_id      TEXT NOT NULL,
			app_id      TEXT NOT NULL,
			sequence    BIGINT NOT NULL,
			type        TEXT NOT NULL,
			payload     BYTEA,
			payload_ref TEXT,
			delivered   BOOLEAN NOT NULL DEFAULT FALSE,
			created_at  TIMESTAMPTZ NOT NULL,
			expires_at  TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_run_seq ON events(run_id, sequence)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run_delivered ON events(run_id, delivered)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return newErr(ErrorDatabase, "ensureSchema", fmt.Errorf("ensure schema: %w", err))
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, in domain.CreateRunInput) (*domain.Run, error) {
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

	bv, err := encodePgBoardVersion(run.BoardVersion)
	if err != nil {
		return nil, newErr(ErrorSerialization, "CreateRun", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO runs (run_id, app_id, board_id, board_version, event_id, mode, status,
			input_payload_len, output_payload_len, progress, expires_at, user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, 0, $9, $10, $11, $12)`,
		run.RunID, run.AppID, run.BoardID, bv, run.EventID, string(run.Mode), string(run.Status),
		run.InputPayloadLen, run.ExpiresAt, run.UserID, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return nil, newErr(ErrorDatabase, "CreateRun", err)
	}
	return run, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT run_id, app_id, board_id, board_version, event_id, mode, status,
			input_payload_len, output_payload_len, progress, current_step, started_at, completed_at,
			expires_at, user_id, created_at, updated_at, error_message
		FROM runs WHERE run_id = $1`, runID)
	run, err := scanPgRun(row)
	if err == pgx.ErrNoRows {
		return nil, newErr(ErrorNotFound, "GetRun", fmt.Errorf("run %q", runID))
	}
	if err != nil {
		return nil, newErr(ErrorDatabase, "GetRun", err)
	}
	return run, nil
}

func (s *PostgresStore) GetRunForApp(ctx context.Context, runID, appID string) (*domain.Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT run_id, app_id, board_id, board_version, event_id, mode, status,
			input_payload_len, output_payload_len, progress, current_step, started_at, completed_at,
			expires_at, user_id, created_at, updated_at, error_message
		FROM runs WHERE run_id = $1 AND app_id = $2`, runID, appID)
	run, err := scanPgRun(row)
	if err == pgx.ErrNoRows {
		return nil, newErr(ErrorNotFound, "GetRunForApp", fmt.Errorf("run %q for app %q", runID, appID))
	}
	if err != nil {
		return nil, newErr(ErrorDatabase, "GetRunForApp", err)
	}
	return run, nil
}

func (s *PostgresStore) UpdateRun(ctx context.Context, runID string, in domain.UpdateRunInput) (*domain.Run, error) {
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

	_, err = s.pool.Exec(ctx, `
		UPDATE runs SET status=$1, output_payload_len=$2, progress=$3, current_step=$4, started_at=$5,
			completed_at=$6, error_message=$7, updated_at=$8
		WHERE run_id=$9`,
		string(run.Status), run.OutputPayloadLen, run.Progress, run.CurrentStep,
		run.StartedAt, run.CompletedAt, run.ErrorMessage, run.UpdatedAt, run.RunID)
	if err != nil {
		return nil, newErr(ErrorDatabase, "UpdateRun", err)
	}
	return run, nil
}

func (s *PostgresStore) ListRunsByApp(ctx context.Context, appID string, limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, app_id, board_id, board_version, event_id, mode, status,
			input_payload_len, output_payload_len, progress, current_step, started_at, completed_at,
			expires_at, user_id, created_at, updated_at, error_message
		FROM runs WHERE app_id = $1 ORDER BY created_at DESC LIMIT $2`, appID, limit)
	if err != nil {
		return nil, newErr(ErrorDatabase, "ListRunsByApp", err)
	}
	defer rows.Close()

	var out []*domain.Run
	for rows.Next() {
		run, err := scanPgRun(rows)
		if err != nil {
			return nil, newErr(ErrorDatabase, "ListRunsByApp", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, newErr(ErrorDatabase, "ListRunsByApp", err)
	}
	return out, nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev domain.Event) (*domain.Event, error) {
	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.ExpiresAt.IsZero() {
		ev.ExpiresAt = ev.CreatedAt.Add(domain.DefaultRunTTL)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, newErr(ErrorDatabase, "AppendEvent", err)
	}
	defer tx.Rollback(ctx)

	// COALESCE(MAX(sequence), -1) + 1 so the first event in a run gets
	// sequence 0, matching the monotonic-per-run, starting-at-0 contract.
	var nextSeq int64
	err = tx.QueryRow(ctx, `SELECT COALESCE(MAX(sequence), -1) + 1 FROM events WHERE run_id = $1`, ev.RunID).Scan(&nextSeq)
	if err != nil {
		return nil, newErr(ErrorDatabase, "AppendEvent", err)
	}
	ev.Sequence = nextSeq

	evPtr, err := s.spill.apply(ctx, &ev)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO events (event_id, run_id, app_id, sequence, type, payload, payload_ref, delivered, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8, $9)`,
		evPtr.EventID, evPtr.RunID, evPtr.AppID, evPtr.Sequence, evPtr.Type,
		[]byte(evPtr.Payload), evPtr.PayloadRef, evPtr.CreatedAt, evPtr.ExpiresAt)
	if err != nil {
		return nil, newErr(ErrorDatabase, "AppendEvent", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, newErr(ErrorDatabase, "AppendEvent", err)
	}
	return evPtr, nil
}

// PushEvents appends a batch within a single transaction, assigning each
// event its run's next monotonic sequence in order. Postgres has no
// analogue to DynamoDB's BatchWriteItem cap, so the whole batch commits or
// rolls back together regardless of size.
func (s *PostgresStore) PushEvents(ctx context.Context, ins []domain.CreateEventInput) (int, error) {
	if len(ins) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, newErr(ErrorDatabase, "PushEvents", err)
	}
	defer tx.Rollback(ctx)

	nextSeq := make(map[string]int64)
	written := 0
	for _, in := range ins {
		seq, ok := nextSeq[in.RunID]
		if !ok {
			var maxSeq *int64
			if err := tx.QueryRow(ctx, `SELECT MAX(sequence) FROM events WHERE run_id = $1`, in.RunID).Scan(&maxSeq); err != nil {
				return written, newErr(ErrorDatabase, "PushEvents", err)
			}
			if maxSeq != nil {
				seq = *maxSeq + 1
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

		_, err = tx.Exec(ctx, `
			INSERT INTO events (event_id, run_id, app_id, sequence, type, payload, payload_ref, delivered, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8, $9)`,
			evPtr.EventID, evPtr.RunID, evPtr.AppID, evPtr.Sequence, evPtr.Type,
			[]byte(evPtr.Payload), evPtr.PayloadRef, evPtr.CreatedAt, evPtr.ExpiresAt)
		if err != nil {
			return written, newErr(ErrorDatabase, "PushEvents", err)
		}

		nextSeq[in.RunID] = seq + 1
		written++
	}

	if err := tx.Commit(ctx); err != nil {
		return written, newErr(ErrorDatabase, "PushEvents", err)
	}
	return written, nil
}

func (s *PostgresStore) ListEventsByRun(ctx context.Context, runID string, afterSequence int64, onlyUndelivered bool, limit int) ([]*domain.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `
		SELECT event_id, run_id, app_id, sequence, type, payload, payload_ref, delivered, created_at, expires_at
		FROM events WHERE run_id = $1 AND sequence > $2`
	args := []any{runID, afterSequence}
	if onlyUndelivered {
		query += ` AND delivered = FALSE`
	}
	query += ` ORDER BY sequence ASC LIMIT $3`
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, newErr(ErrorDatabase, "ListEventsByRun", err)
	}
	defer rows.Close()

	var out []*domain.Event
	for rows.Next() {
		ev, err := scanPgEvent(rows)
		if err != nil {
			return nil, newErr(ErrorDatabase, "ListEventsByRun", err)
		}
		// A spilled payload is transparently fetched here: callers never
		// see a bare reference unless the object store itself is
		// unreachable.
		if ev.PayloadRef != "" {
			data, rerr := s.spill.resolve(ctx, ev)
			if rerr != nil {
				return nil, rerr
			}
			ev.Payload = data
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, newErr(ErrorDatabase, "ListEventsByRun", err)
	}
	return out, nil
}

func (s *PostgresStore) GetMaxSequence(ctx context.Context, runID string) (int64, error) {
	var maxSeq *int64
	if err := s.pool.QueryRow(ctx, `SELECT MAX(sequence) FROM events WHERE run_id = $1`, runID).Scan(&maxSeq); err != nil {
		return 0, newErr(ErrorDatabase, "GetMaxSequence", err)
	}
	if maxSeq == nil {
		return 0, nil
	}
	return *maxSeq, nil
}

func (s *PostgresStore) MarkEventsDelivered(ctx context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE events SET delivered = TRUE WHERE event_id = ANY($1)`, eventIDs)
	if err != nil {
		return newErr(ErrorDatabase, "MarkEventsDelivered", err)
	}
	return nil
}

func (s *PostgresStore) ResolveEventPayload(ctx context.Context, ev *domain.Event) ([]byte, error) {
	return s.spill.resolve(ctx, ev)
}

func (s *PostgresStore) DeleteExpiredRuns(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM runs WHERE expires_at < $1`, now)
	if err != nil {
		return 0, newErr(ErrorDatabase, "DeleteExpiredRuns", err)
	}
	n := int(tag.RowsAffected())

	if _, err := s.pool.Exec(ctx, `DELETE FROM events WHERE expires_at < $1`, now); err != nil {
		return n, newErr(ErrorDatabase, "DeleteExpiredRuns", err)
	}
	return n, nil
}

type pgScanner interface {
	Scan(dest ...any) error
}

func scanPgRun(row pgScanner) (*domain.Run, error) {
	var r domain.Run
	var boardVersion []byte
	var mode, status string
	var currentStep, userID, errorMessage *string
	var startedAt, completedAt *time.Time

	err := row.Scan(&r.RunID, &r.AppID, &r.BoardID, &boardVersion, &r.EventID, &mode, &status,
		&r.InputPayloadLen, &r.OutputPayloadLen, &r.Progress, &currentStep, &startedAt, &completedAt,
		&r.ExpiresAt, &userID, &r.CreatedAt, &r.UpdatedAt, &errorMessage)
	if err != nil {
		return nil, err
	}

	r.Mode = domain.RunMode(mode)
	r.Status = domain.RunStatus(status)
	if currentStep != nil {
		r.CurrentStep = *currentStep
	}
	if userID != nil {
		r.UserID = *userID
	}
	if errorMessage != nil {
		r.ErrorMessage = *errorMessage
	}
	r.StartedAt = startedAt
	r.CompletedAt = completedAt
	if len(boardVersion) > 0 {
		var bv domain.BoardVersion
		if err := json.Unmarshal(boardVersion, &bv); err == nil {
			r.BoardVersion = &bv
		}
	}
	return &r, nil
}

func scanPgEvent(row pgScanner) (*domain.Event, error) {
	var ev domain.Event
	var payload []byte
	var payloadRef *string

	err := row.Scan(&ev.EventID, &ev.RunID, &ev.AppID, &ev.Sequence, &ev.Type, &payload, &payloadRef,
		&ev.Delivered, &ev.CreatedAt, &ev.ExpiresAt)
	if err != nil {
		return nil, err
	}
	ev.Payload = payload
	if payloadRef != nil {
		ev.PayloadRef = *payloadRef
	}
	return &ev, nil
}

func encodePgBoardVersion(bv *domain.BoardVersion) ([]byte, error) {
	if bv == nil {
		return nil, nil
	}
	return json.Marshal(bv)
}
