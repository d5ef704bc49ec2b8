package selection

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultSchema = "arc_client"

var validSchemaRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema overrides the default "arc_client" schema.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		if !validSchemaRe.MatchString(schema) {
			return fmt.Errorf("invalid schema name: %q", schema)
		}
		s.schema = schema
		return nil
	}
}

// PostgresStore implements Store using PostgreSQL
// (arc_client.project_selection). Schema management is handled externally.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresStore creates a Postgres-backed selection store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("selection: nil db pool")
	}
	s := &PostgresStore{pool: pool, schema: defaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

var _ Store = (*PostgresStore)(nil)

// Get returns the selected project id for userID, or ErrNoSelection.
func (s *PostgresStore) Get(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", ErrInvalidInput
	}

	var projectID string
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT project_id
		FROM %s.project_selection
		WHERE user_id = $1
	`, s.schema), userID).Scan(&projectID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNoSelection
	}
	if err != nil {
		return "", err
	}
	return projectID, nil
}

// Set upserts userID's selection.
func (s *PostgresStore) Set(ctx context.Context, userID, projectID string) error {
	if userID == "" || projectID == "" {
		return ErrInvalidInput
	}

	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s.project_selection (user_id, project_id, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id)
		DO UPDATE SET project_id = EXCLUDED.project_id, updated_at = EXCLUDED.updated_at
	`, s.schema), userID, projectID, now)
	return err
}

// Clear removes userID's selection (idempotent).
func (s *PostgresStore) Clear(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrInvalidInput
	}

	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s.project_selection
		WHERE user_id = $1
	`, s.schema), userID)
	return err
}
