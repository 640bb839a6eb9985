package doctors

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/clinic-scheduler/internal/scheduling"
)

// Repository defines the interface for doctor storage
type Repository interface {
	Get(ctx context.Context, id string) (*Doctor, error)
	List(ctx context.Context, filter ListFilter) ([]*Doctor, error)
	Upsert(ctx context.Context, d *Doctor) (*Doctor, error)
	SetAvailable(ctx context.Context, id string, available bool) error
}

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresRepository struct {
	db DB
}

func NewPostgresRepository(db DB) *PostgresRepository {
	if db == nil {
		panic("doctors: db required")
	}
	return &PostgresRepository{db: db}
}

const doctorColumns = `id, name, email, speciality, base_fee, available, accepted_insurances, created_at, updated_at`

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	if err := row.Scan(&d.ID, &d.Name, &d.Email, &d.Speciality, &d.BaseFee, &d.Available, &d.AcceptedInsurances, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Doctor, error) {
	d, err := scanDoctor(r.db.QueryRow(ctx, `SELECT `+doctorColumns+` FROM doctors WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, scheduling.NotFound("doctor %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("doctors: get: %w", err)
	}
	return d, nil
}

func (r *PostgresRepository) List(ctx context.Context, filter ListFilter) ([]*Doctor, error) {
	query := `SELECT ` + doctorColumns + ` FROM doctors WHERE 1=1`
	var args []any
	if p := strings.TrimSpace(filter.InsuranceProvider); p != "" {
		args = append(args, strings.ToLower(p))
		query += fmt.Sprintf(` AND EXISTS (SELECT 1 FROM unnest(accepted_insurances) AS ins WHERE lower(ins) = $%d)`, len(args))
	}
	if filter.AvailableOnly {
		query += ` AND available`
	}
	query += ` ORDER BY name`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("doctors: list: %w", err)
	}
	defer rows.Close()

	var out []*Doctor
	for rows.Next() {
		d, err := scanDoctor(rows)
		if err != nil {
			return nil, fmt.Errorf("doctors: scan: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) Upsert(ctx context.Context, d *Doctor) (*Doctor, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.AcceptedInsurances == nil {
		d.AcceptedInsurances = []string{}
	}
	saved, err := scanDoctor(r.db.QueryRow(ctx, `
		INSERT INTO doctors (id, name, email, speciality, base_fee, available, accepted_insurances)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			speciality = EXCLUDED.speciality,
			base_fee = EXCLUDED.base_fee,
			available = EXCLUDED.available,
			accepted_insurances = EXCLUDED.accepted_insurances,
			updated_at = now()
		RETURNING `+doctorColumns,
		d.ID, d.Name, d.Email, d.Speciality, d.BaseFee, d.Available, d.AcceptedInsurances))
	if err != nil {
		return nil, fmt.Errorf("doctors: upsert: %w", err)
	}
	return saved, nil
}

func (r *PostgresRepository) SetAvailable(ctx context.Context, id string, available bool) error {
	ct, err := r.db.Exec(ctx, `UPDATE doctors SET available = $2, updated_at = now() WHERE id = $1`, id, available)
	if err != nil {
		return fmt.Errorf("doctors: set available: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return scheduling.NotFound("doctor %s not found", id)
	}
	return nil
}

// InMemoryRepository is a map-backed repository for tests and local runs.
type InMemoryRepository struct {
	mu      sync.RWMutex
	doctors map[string]*Doctor
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{doctors: make(map[string]*Doctor)}
}

func cloneDoctor(d *Doctor) *Doctor {
	cp := *d
	cp.AcceptedInsurances = append([]string(nil), d.AcceptedInsurances...)
	return &cp
}

func (r *InMemoryRepository) Get(ctx context.Context, id string) (*Doctor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.doctors[id]
	if !ok {
		return nil, scheduling.NotFound("doctor %s not found", id)
	}
	return cloneDoctor(d), nil
}

func (r *InMemoryRepository) List(ctx context.Context, filter ListFilter) ([]*Doctor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Doctor
	for _, d := range r.doctors {
		if filter.AvailableOnly && !d.Available {
			continue
		}
		if filter.InsuranceProvider != "" && !d.Accepts(filter.InsuranceProvider) {
			continue
		}
		out = append(out, cloneDoctor(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *InMemoryRepository) Upsert(ctx context.Context, d *Doctor) (*Doctor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	saved := cloneDoctor(d)
	if saved.ID == "" {
		saved.ID = uuid.NewString()
	}
	if existing, ok := r.doctors[saved.ID]; ok {
		saved.CreatedAt = existing.CreatedAt
	} else {
		saved.CreatedAt = now
	}
	saved.UpdatedAt = now
	r.doctors[saved.ID] = saved
	return cloneDoctor(saved), nil
}

func (r *InMemoryRepository) SetAvailable(ctx context.Context, id string, available bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.doctors[id]
	if !ok {
		return scheduling.NotFound("doctor %s not found", id)
	}
	d.Available = available
	d.UpdatedAt = time.Now().UTC()
	return nil
}
