// Package caserepo resolves case identifiers against the case registry
// table that lives alongside the run checkpoints.
package caserepo

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS cases (
    case_id    TEXT PRIMARY KEY,
    title      TEXT,
    created_at TIMESTAMP NOT NULL
);
`

// Case is one registered research case.
type Case struct {
	CaseID    string    `db:"case_id" json:"case_id"`
	Title     string    `db:"title" json:"title,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Repository implements capabilities.CaseRepository over SQL.
type Repository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// New ensures the cases table exists and returns the repository. The
// connection is shared with the checkpoint store.
func New(db *sqlx.DB, logger *zap.Logger) (*Repository, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply cases schema: %w", err)
	}
	return &Repository{db: db, logger: logger}, nil
}

// CaseExists reports whether the case id is registered.
func (r *Repository) CaseExists(ctx context.Context, caseID string) (bool, error) {
	var count int
	q := r.db.Rebind(`SELECT COUNT(1) FROM cases WHERE case_id = ?`)
	if err := r.db.GetContext(ctx, &count, q, caseID); err != nil {
		return false, fmt.Errorf("lookup case %s: %w", caseID, err)
	}
	return count > 0, nil
}

// Register inserts or refreshes a case entry.
func (r *Repository) Register(ctx context.Context, c Case) error {
	if c.CaseID == "" {
		return fmt.Errorf("case_id is required")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	q := r.db.Rebind(`INSERT INTO cases (case_id, title, created_at) VALUES (?, ?, ?)
        ON CONFLICT (case_id) DO UPDATE SET title = excluded.title`)
	if _, err := r.db.ExecContext(ctx, q, c.CaseID, c.Title, c.CreatedAt); err != nil {
		return fmt.Errorf("register case %s: %w", c.CaseID, err)
	}
	r.logger.Debug("Case registered", zap.String("case_id", c.CaseID))
	return nil
}

// Get returns one case by id.
func (r *Repository) Get(ctx context.Context, caseID string) (*Case, error) {
	var c Case
	q := r.db.Rebind(`SELECT case_id, title, created_at FROM cases WHERE case_id = ?`)
	if err := r.db.GetContext(ctx, &c, q, caseID); err != nil {
		return nil, fmt.Errorf("get case %s: %w", caseID, err)
	}
	return &c, nil
}
