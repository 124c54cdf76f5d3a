package eventsink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

const registrationSchema = `
CREATE TABLE IF NOT EXISTS registrations (
	event_id              TEXT PRIMARY KEY,
	app_id                TEXT NOT NULL,
	type_tag              TEXT NOT NULL,
	config                TEXT NOT NULL,
	offline               INTEGER NOT NULL DEFAULT 0,
	personal_access_token TEXT
);
CREATE INDEX IF NOT EXISTS idx_registrations_app ON registrations(app_id);
`

// RegistrationStore is the single-table embedded store backing the event
// sink manager's Store contract: one *sql.DB guarded by a mutex, same
// single-writer discipline internal/statestore.SQLiteStore applies.
type RegistrationStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewRegistrationStore opens (creating if absent) a SQLite database at path
// and applies the registration schema.
func NewRegistrationStore(path string) (*RegistrationStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open registration store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(registrationSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply registration schema: %w", err)
	}
	return &RegistrationStore{db: db}, nil
}

func (s *RegistrationStore) SaveRegistration(ctx context.Context, reg Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := json.Marshal(reg.Config)
	if err != nil {
		return fmt.Errorf("marshal registration config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO registrations (event_id, app_id, type_tag, config, offline, personal_access_token)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			app_id = excluded.app_id,
			type_tag = excluded.type_tag,
			config = excluded.config,
			offline = excluded.offline,
			personal_access_token = excluded.personal_access_token
	`, reg.EventID, reg.AppID, reg.TypeTag, string(cfg), boolToInt(reg.Offline), reg.PersonalAccessToken)
	if err != nil {
		return fmt.Errorf("save registration: %w", err)
	}
	return nil
}

func (s *RegistrationStore) DeleteRegistration(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM registrations WHERE event_id = ?`, eventID); err != nil {
		return fmt.Errorf("delete registration: %w", err)
	}
	return nil
}

func (s *RegistrationStore) ListRegistrations(ctx context.Context) ([]Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT event_id, app_id, type_tag, config, offline, personal_access_token FROM registrations`)
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	defer rows.Close()

	var out []Registration
	for rows.Next() {
		var reg Registration
		var cfg string
		var offline int
		var pat sql.NullString
		if err := rows.Scan(&reg.EventID, &reg.AppID, &reg.TypeTag, &cfg, &offline, &pat); err != nil {
			return nil, fmt.Errorf("scan registration: %w", err)
		}
		reg.Config = json.RawMessage(cfg)
		reg.Offline = offline != 0
		reg.PersonalAccessToken = pat.String
		out = append(out, reg)
	}
	return out, rows.Err()
}

func (s *RegistrationStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
