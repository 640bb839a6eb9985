// Package patients is the contact directory used to address notifications.
package patients

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/clinic-scheduler/internal/scheduling"
)

// Patient is the minimal profile the scheduler needs.
type Patient struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the profile before it is stored.
func (p *Patient) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return scheduling.Validation("patient name is required")
	}
	if !strings.Contains(p.Email, "@") {
		return scheduling.Validation("patient email %q is invalid", p.Email)
	}
	return nil
}

// Repository defines the interface for patient storage
type Repository interface {
	Get(ctx context.Context, id string) (*Patient, error)
	Upsert(ctx context.Context, p *Patient) (*Patient, error)
}

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresRepository struct {
	db DB
}

func NewPostgresRepository(db DB) *PostgresRepository {
	if db == nil {
		panic("patients: db required")
	}
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Patient, error) {
	var p Patient
	err := r.db.QueryRow(ctx, `SELECT id, name, email, created_at FROM patients WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Email, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, scheduling.NotFound("patient %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("patients: get: %w", err)
	}
	return &p, nil
}

func (r *PostgresRepository) Upsert(ctx context.Context, p *Patient) (*Patient, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	var saved Patient
	err := r.db.QueryRow(ctx, `
		INSERT INTO patients (id, name, email)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, email = EXCLUDED.email
		RETURNING id, name, email, created_at
	`, p.ID, strings.TrimSpace(p.Name), strings.TrimSpace(p.Email)).Scan(&saved.ID, &saved.Name, &saved.Email, &saved.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("patients: upsert: %w", err)
	}
	return &saved, nil
}

// InMemoryRepository is a map-backed repository for tests and local runs.
type InMemoryRepository struct {
	mu       sync.RWMutex
	patients map[string]*Patient
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{patients: make(map[string]*Patient)}
}

func (r *InMemoryRepository) Get(ctx context.Context, id string) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, scheduling.NotFound("patient %s not found", id)
	}
	cp := *p
	return &cp, nil
}

func (r *InMemoryRepository) Upsert(ctx context.Context, p *Patient) (*Patient, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	saved := *p
	if saved.ID == "" {
		saved.ID = uuid.NewString()
	}
	if existing, ok := r.patients[saved.ID]; ok {
		saved.CreatedAt = existing.CreatedAt
	} else {
		saved.CreatedAt = time.Now().UTC()
	}
	r.patients[saved.ID] = &saved
	cp := saved
	return &cp, nil
}
