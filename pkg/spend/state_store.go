package spend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// StateStore persists controller counters and the approval queue.
type StateStore interface {
	// LoadState returns nil, nil when no state has been saved.
	LoadState(ctx context.Context) (*State, error)
	SaveState(ctx context.Context, s *State) error
	PutApproval(ctx context.Context, a *Approval) error
	GetApproval(ctx context.Context, id string) (*Approval, error)
	ListApprovals(ctx context.Context, statuses ...ApprovalStatus) ([]*Approval, error)
}

func matchApproval(a *Approval, statuses []ApprovalStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if a.Status == s {
			return true
		}
	}
	return false
}

func sortApprovals(as []*Approval) {
	sort.SliceStable(as, func(i, j int) bool {
		if as[i].CreatedAt.Equal(as[j].CreatedAt) {
			return as[i].ID < as[j].ID
		}
		return as[i].CreatedAt.Before(as[j].CreatedAt)
	})
}

// MemoryStateStore keeps encoded state in process.
type MemoryStateStore struct {
	mu        sync.Mutex
	state     []byte
	approvals map[string][]byte
}

// NewMemoryStateStore returns an empty store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{approvals: make(map[string][]byte)}
}

func (m *MemoryStateStore) LoadState(_ context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, nil
	}
	var s State
	if err := json.Unmarshal(m.state, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (m *MemoryStateStore) SaveState(_ context.Context, s *State) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.state = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStateStore) PutApproval(_ context.Context, a *Approval) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.approvals[a.ID] = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStateStore) GetApproval(_ context.Context, id string) (*Approval, error) {
	m.mu.Lock()
	data, ok := m.approvals[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrApprovalNotFound, id)
	}
	var a Approval
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (m *MemoryStateStore) ListApprovals(_ context.Context, statuses ...ApprovalStatus) ([]*Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Approval
	for _, data := range m.approvals {
		var a Approval
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, err
		}
		if matchApproval(&a, statuses) {
			out = append(out, &a)
		}
	}
	sortApprovals(out)
	return out, nil
}

// FileStateStore keeps spending-state.json and one file per approval
// under approval-queue/.
type FileStateStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStateStore creates the directory layout under dir.
func NewFileStateStore(dir string) (*FileStateStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "approval-queue"), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create spend state directory: %w", err)
	}
	return &FileStateStore{dir: dir}, nil
}

func (f *FileStateStore) statePath() string {
	return filepath.Join(f.dir, "spending-state.json")
}

func (f *FileStateStore) approvalPath(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("%w: %s", ErrApprovalNotFound, id)
	}
	return filepath.Join(f.dir, "approval-queue", id+".json"), nil
}

func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (f *FileStateStore) LoadState(_ context.Context) (*State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.statePath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read spend state: %w", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse spend state: %w", err)
	}
	return &s, nil
}

func (f *FileStateStore) SaveState(_ context.Context, s *State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return writeAtomic(f.statePath(), s)
}

func (f *FileStateStore) PutApproval(_ context.Context, a *Approval) error {
	p, err := f.approvalPath(a.ID)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return writeAtomic(p, a)
}

func (f *FileStateStore) GetApproval(_ context.Context, id string) (*Approval, error) {
	p, err := f.approvalPath(id)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	data, err := os.ReadFile(p)
	f.mu.Unlock()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrApprovalNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var a Approval
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (f *FileStateStore) ListApprovals(_ context.Context, statuses ...ApprovalStatus) ([]*Approval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dir := filepath.Join(f.dir, "approval-queue")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []*Approval
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var a Approval
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", e.Name(), err)
		}
		if matchApproval(&a, statuses) {
			out = append(out, &a)
		}
	}
	sortApprovals(out)
	return out, nil
}

// PostgresStateStore keeps the state document in a single row and
// approvals in their own table.
type PostgresStateStore struct {
	db *sql.DB
}

// NewPostgresStateStore wraps db. Call Migrate on a fresh database.
func NewPostgresStateStore(db *sql.DB) *PostgresStateStore {
	return &PostgresStateStore{db: db}
}

// Migrate creates the spend tables if they do not exist.
func (p *PostgresStateStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kx_spend_state (id INTEGER PRIMARY KEY, document JSONB NOT NULL, updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW())`,
		`CREATE TABLE IF NOT EXISTS kx_spend_approvals (approval_id TEXT PRIMARY KEY, status TEXT NOT NULL, created_at TIMESTAMPTZ NOT NULL, document JSONB NOT NULL)`,
	}
	for _, s := range stmts {
		if _, err := p.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("spend migration failed: %w", err)
		}
	}
	return nil
}

func (p *PostgresStateStore) LoadState(ctx context.Context) (*State, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx, `SELECT document FROM kx_spend_state WHERE id = 1`).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load spend state: %w", err)
	}
	var s State
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, fmt.Errorf("failed to parse spend state: %w", err)
	}
	return &s, nil
}

func (p *PostgresStateStore) SaveState(ctx context.Context, s *State) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO kx_spend_state (id, document, updated_at) VALUES (1, $1, NOW())
		 ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document, updated_at = NOW()`,
		doc)
	if err != nil {
		return fmt.Errorf("failed to save spend state: %w", err)
	}
	return nil
}

func (p *PostgresStateStore) PutApproval(ctx context.Context, a *Approval) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO kx_spend_approvals (approval_id, status, created_at, document) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (approval_id) DO UPDATE SET status = EXCLUDED.status, document = EXCLUDED.document`,
		a.ID, string(a.Status), a.CreatedAt, doc)
	if err != nil {
		return fmt.Errorf("failed to save approval: %w", err)
	}
	return nil
}

func (p *PostgresStateStore) GetApproval(ctx context.Context, id string) (*Approval, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx, `SELECT document FROM kx_spend_approvals WHERE approval_id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrApprovalNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load approval: %w", err)
	}
	var a Approval
	if err := json.Unmarshal(doc, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *PostgresStateStore) ListApprovals(ctx context.Context, statuses ...ApprovalStatus) ([]*Approval, error) {
	query := `SELECT document FROM kx_spend_approvals`
	var args []any
	if len(statuses) > 0 {
		ph := make([]string, len(statuses))
		for i, s := range statuses {
			ph[i] = fmt.Sprintf("$%d", i+1)
			args = append(args, string(s))
		}
		query += ` WHERE status IN (` + strings.Join(ph, ", ") + `)`
	}
	query += ` ORDER BY created_at, approval_id`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*Approval
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var a Approval
		if err := json.Unmarshal(doc, &a); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

var (
	_ StateStore = (*MemoryStateStore)(nil)
	_ StateStore = (*FileStateStore)(nil)
	_ StateStore = (*PostgresStateStore)(nil)
)
