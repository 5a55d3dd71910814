// Package persistence implements the data service: durable storage
// for conversation history and user profiles behind SQLite.
//
// Grounded on the teacher's internal/usage/store.go for the Go idiom
// (database/sql + github.com/mattn/go-sqlite3, an explicit migrate()
// step run from NewStore, parameterized queries throughout) and on
// original_source/crates/data-service for the table shape. The
// original's repository layer builds some queries by string
// concatenation; spec.md explicitly forbids reproducing that, so
// every query here is parameterized.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"aimanager/internal/bus"
	"aimanager/internal/messages"
)

// Store is the SQLite-backed data collaborator.
type Store struct {
	db  *sql.DB
	bus *bus.Bus
	log *slog.Logger
}

// NewStore opens (creating if necessary) the SQLite database at
// dbPath and applies the schema.
func NewStore(dbPath string, b *bus.Bus, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open persistence database: %w", err)
	}

	s := &Store{db: db, bus: b, log: log.With("service", "data")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate persistence schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		user_id       TEXT PRIMARY KEY,
		messages_json TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS user_profiles (
		user_id           TEXT PRIMARY KEY,
		name              TEXT,
		preferences_json  TEXT NOT NULL,
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS schema_migrations (
		name       TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)
		 ON CONFLICT(name) DO NOTHING`,
		"initial_schema", time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// Run is the data service's ServiceFunc.
func (s *Store) Run(ctx context.Context, inbox <-chan messages.ServiceMessage, self chan<- messages.ServiceMessage) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbox:
			if !ok {
				return nil
			}
			s.handle(ctx, msg)
		}
	}
}

func (s *Store) handle(ctx context.Context, msg messages.ServiceMessage) {
	switch msg.Kind {
	case messages.KindStoreConversation:
		if err := s.storeConversation(ctx, *msg.StoreConversation); err != nil {
			s.log.Error("failed to store conversation", "user_id", msg.StoreConversation.UserID, "error", err)
		}
	case messages.KindLoadUserProfile:
		s.loadUserProfile(ctx, *msg.LoadUserProfile)
	case messages.KindServiceHealthCheck:
		s.handleHealthCheck(ctx, *msg.ServiceHealthCheck)
	case messages.KindShutdownService:
	default:
		s.log.Warn("data service received an unhandled message kind", "kind", msg.Kind)
	}
}

func (s *Store) handleHealthCheck(ctx context.Context, check messages.ServiceHealthCheck) {
	resp := messages.ServiceMessage{
		Kind: messages.KindServiceHealthResponse,
		ServiceHealthResponse: &messages.ServiceHealthResponse{
			ServiceID: check.ServiceID,
			Status:    messages.Healthy(),
		},
	}
	if err := s.bus.RouteMessage(ctx, resp, nil); err != nil {
		s.log.Error("failed to route health response", "error", err)
	}
}

// storeConversation appends msg's messages onto the user's stored
// history and upserts the row.
func (s *Store) storeConversation(ctx context.Context, sc messages.StoreConversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existingJSON string
	err = tx.QueryRowContext(ctx, `SELECT messages_json FROM conversations WHERE user_id = ?`, sc.UserID).Scan(&existingJSON)
	var history []messages.Message
	switch {
	case err == sql.ErrNoRows:
		history = nil
	case err != nil:
		return fmt.Errorf("query existing conversation: %w", err)
	default:
		if err := json.Unmarshal([]byte(existingJSON), &history); err != nil {
			return fmt.Errorf("decode existing conversation: %w", err)
		}
	}

	history = append(history, sc.Messages...)

	encoded, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversations (user_id, messages_json, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET messages_json = excluded.messages_json, updated_at = excluded.updated_at`,
		sc.UserID, string(encoded), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	return tx.Commit()
}

// loadUserProfile answers a LoadUserProfile with a UserProfileResponse
// routed to "ui"; Profile is nil when no row exists for the user.
func (s *Store) loadUserProfile(ctx context.Context, lp messages.LoadUserProfile) {
	profile, err := s.queryUserProfile(ctx, lp.UserID)
	if err != nil {
		s.log.Error("failed to load user profile", "user_id", lp.UserID, "error", err)
		return
	}

	resp := messages.ServiceMessage{
		Kind:                messages.KindUserProfileResponse,
		UserProfileResponse: &messages.UserProfileResponse{Profile: profile},
	}
	if err := s.bus.RouteMessage(ctx, resp, nil); err != nil {
		s.log.Error("failed to route user profile response", "error", err)
	}
}

func (s *Store) queryUserProfile(ctx context.Context, userID string) (*messages.UserProfile, error) {
	var (
		name            sql.NullString
		preferencesJSON string
		createdAt       string
		updatedAt       string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT name, preferences_json, created_at, updated_at FROM user_profiles WHERE user_id = ?`,
		userID,
	).Scan(&name, &preferencesJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query user profile: %w", err)
	}

	var preferences map[string]any
	if err := json.Unmarshal([]byte(preferencesJSON), &preferences); err != nil {
		return nil, fmt.Errorf("decode preferences: %w", err)
	}
	createdTime, _ := time.Parse(time.RFC3339, createdAt)
	updatedTime, _ := time.Parse(time.RFC3339, updatedAt)

	return &messages.UserProfile{
		ID:          userID,
		Name:        name.String,
		Preferences: preferences,
		CreatedAt:   createdTime,
		UpdatedAt:   updatedTime,
	}, nil
}

// UpsertUserProfile writes or replaces a user's stored profile. No bus
// message drives it; it is exposed for direct administrative use.
func (s *Store) UpsertUserProfile(ctx context.Context, profile messages.UserProfile) error {
	preferences, err := json.Marshal(profile.Preferences)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_profiles (user_id, name, preferences_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET name = excluded.name, preferences_json = excluded.preferences_json, updated_at = excluded.updated_at`,
		profile.ID, profile.Name, string(preferences), now, now,
	)
	return err
}
