package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/abkawan/venue-payments/internal/models"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Postgres holds the owner directory
type Postgres struct {
	db *sqlx.DB
}

// creates a new Postgres instance
func NewPostgres(connStr string) (*Postgres, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

// closes the database connection
func (p *Postgres) Close() error {
	return p.db.Close()
}

// initialize the database schema
func (p *Postgres) InitSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS owners (
		email VARCHAR(255) PRIMARY KEY,
		name VARCHAR(255) NOT NULL DEFAULT '',
		role VARCHAR(20) NOT NULL DEFAULT 'owner',
		pending BOOLEAN NOT NULL DEFAULT FALSE,
		has_withdrawn BOOLEAN NOT NULL DEFAULT FALSE,
		total_balance DECIMAL(20, 2) NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`

	_, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to create owners table: %w", err)
	}
	return nil
}

// inserts an owner or refreshes its profile fields
func (p *Postgres) UpsertOwner(ctx context.Context, owner *models.Owner) error {
	owner.Email = models.NormalizeEmail(owner.Email)
	now := time.Now().UTC()
	owner.UpdatedAt = now
	if owner.CreatedAt.IsZero() {
		owner.CreatedAt = now
	}

	query := `
	INSERT INTO owners (email, name, role, pending, has_withdrawn, total_balance, created_at, updated_at)
	VALUES (:email, :name, :role, :pending, :has_withdrawn, :total_balance, :created_at, :updated_at)
	ON CONFLICT (email) DO UPDATE
	SET name = EXCLUDED.name, role = EXCLUDED.role, pending = EXCLUDED.pending, updated_at = EXCLUDED.updated_at`

	if _, err := p.db.NamedExecContext(ctx, query, owner); err != nil {
		return fmt.Errorf("failed to upsert owner: %w", err)
	}
	return nil
}

// retrieves an owner by email
func (p *Postgres) GetOwner(ctx context.Context, email string) (*models.Owner, error) {
	query := `
	SELECT email, name, role, pending, has_withdrawn, total_balance, created_at, updated_at
	FROM owners
	WHERE email = $1`

	var owner models.Owner
	if err := p.db.GetContext(ctx, &owner, query, models.NormalizeEmail(email)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOwnerNotFound
		}
		return nil, fmt.Errorf("failed to get owner: %w", err)
	}

	return &owner, nil
}

// sets the legacy single-withdrawal flag
func (p *Postgres) MarkWithdrawn(ctx context.Context, email string) error {
	res, err := p.db.ExecContext(ctx,
		"UPDATE owners SET has_withdrawn = TRUE, updated_at = $1 WHERE email = $2",
		time.Now().UTC(), models.NormalizeEmail(email),
	)
	if err != nil {
		return fmt.Errorf("failed to mark owner withdrawn: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrOwnerNotFound
	}
	return nil
}
