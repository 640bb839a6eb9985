package insurance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/clinic-scheduler/internal/scheduling"
)

// Repository defines the interface for policy storage
type Repository interface {
	Get(ctx context.Context, id string) (*Policy, error)
	ListByPatient(ctx context.Context, patientID string) ([]*Policy, error)
	Create(ctx context.Context, req *CreatePolicyRequest) (*Policy, error)
}

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository stores policies in the insurance_policies table.
type PostgresRepository struct {
	db DB
}

// NewPostgresRepository creates a policy repository backed by pgx.
func NewPostgresRepository(db DB) *PostgresRepository {
	if db == nil {
		panic("insurance: db required")
	}
	return &PostgresRepository{db: db}
}

const policyColumns = `id, patient_id, provider, policy_number, coverage_details, valid_till, created_at`

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Policy, error) {
	var p Policy
	err := r.db.QueryRow(ctx, `SELECT `+policyColumns+` FROM insurance_policies WHERE id = $1`, id).
		Scan(&p.ID, &p.PatientID, &p.Provider, &p.PolicyNumber, &p.CoverageDetails, &p.ValidTill, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, scheduling.NotFound("insurance policy %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("insurance: get policy: %w", err)
	}
	return &p, nil
}

func (r *PostgresRepository) ListByPatient(ctx context.Context, patientID string) ([]*Policy, error) {
	rows, err := r.db.Query(ctx, `SELECT `+policyColumns+` FROM insurance_policies WHERE patient_id = $1 ORDER BY created_at`, patientID)
	if err != nil {
		return nil, fmt.Errorf("insurance: list policies: %w", err)
	}
	defer rows.Close()

	var out []*Policy
	for rows.Next() {
		var p Policy
		if err := rows.Scan(&p.ID, &p.PatientID, &p.Provider, &p.PolicyNumber, &p.CoverageDetails, &p.ValidTill, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("insurance: scan policy: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) Create(ctx context.Context, req *CreatePolicyRequest) (*Policy, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	p := newPolicy(req)
	_, err := r.db.Exec(ctx, `
		INSERT INTO insurance_policies (`+policyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.PatientID, p.Provider, p.PolicyNumber, p.CoverageDetails, p.ValidTill, p.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, scheduling.Conflict("policy number %s already registered", p.PolicyNumber)
		}
		return nil, fmt.Errorf("insurance: create policy: %w", err)
	}
	return p, nil
}

// InMemoryRepository keeps policies in a map; used by tests and local runs.
type InMemoryRepository struct {
	mu       sync.RWMutex
	policies map[string]*Policy
}

// NewInMemoryRepository creates an empty in-memory repository
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{policies: make(map[string]*Policy)}
}

func (r *InMemoryRepository) Get(ctx context.Context, id string) (*Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[id]
	if !ok {
		return nil, scheduling.NotFound("insurance policy %s not found", id)
	}
	cp := *p
	return &cp, nil
}

func (r *InMemoryRepository) ListByPatient(ctx context.Context, patientID string) ([]*Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Policy
	for _, p := range r.policies {
		if p.PatientID == patientID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *InMemoryRepository) Create(ctx context.Context, req *CreatePolicyRequest) (*Policy, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.policies {
		if existing.PolicyNumber == req.PolicyNumber {
			return nil, scheduling.Conflict("policy number %s already registered", req.PolicyNumber)
		}
	}
	p := newPolicy(req)
	r.policies[p.ID] = p
	cp := *p
	return &cp, nil
}

// Put stores a policy as-is, keeping its ID.
func (r *InMemoryRepository) Put(p *Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.policies[p.ID] = &cp
}

func newPolicy(req *CreatePolicyRequest) *Policy {
	return &Policy{
		ID:              uuid.NewString(),
		PatientID:       req.PatientID,
		Provider:        req.Provider,
		PolicyNumber:    req.PolicyNumber,
		CoverageDetails: req.CoverageDetails,
		ValidTill:       req.ValidTill.UTC(),
		CreatedAt:       time.Now().UTC(),
	}
}
