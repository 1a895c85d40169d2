package settings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists voice preferences in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS voice_preferences (
			user_id TEXT PRIMARY KEY,
			language TEXT NOT NULL,
			speaking_rate DOUBLE PRECISION NOT NULL,
			volume DOUBLE PRECISION NOT NULL,
			voice_id TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, prefs Preferences) error {
	if err := prefs.Validate(); err != nil {
		return err
	}
	if prefs.UpdatedAt.IsZero() {
		prefs.UpdatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO voice_preferences (user_id, language, speaking_rate, volume, voice_id, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id) DO UPDATE SET
			language = EXCLUDED.language,
			speaking_rate = EXCLUDED.speaking_rate,
			volume = EXCLUDED.volume,
			voice_id = EXCLUDED.voice_id,
			updated_at = EXCLUDED.updated_at`,
		prefs.UserID,
		prefs.Language,
		prefs.SpeakingRate,
		prefs.Volume,
		prefs.VoiceID,
		prefs.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (Preferences, error) {
	var p Preferences
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, language, speaking_rate, volume, voice_id, updated_at
		 FROM voice_preferences WHERE user_id=$1`,
		userID,
	).Scan(&p.UserID, &p.Language, &p.SpeakingRate, &p.Volume, &p.VoiceID, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Preferences{}, ErrNotFound
		}
		return Preferences{}, fmt.Errorf("query preferences: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
