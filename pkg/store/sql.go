package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/kpjmd/Kinetix/pkg/contracts"
)

// Dialect selects placeholder syntax.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS kx_commitments (
	commitment_id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	verification_type TEXT NOT NULL,
	status TEXT NOT NULL,
	end_date TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	document TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS kx_commitments_status ON kx_commitments (status);
CREATE TABLE IF NOT EXISTS kx_receipts (
	receipt_id TEXT PRIMARY KEY,
	commitment_id TEXT NOT NULL,
	issued_at TEXT NOT NULL,
	document TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS kx_publications (
	receipt_id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	document TEXT NOT NULL
);`

// SQLStore stores records as JSON documents in SQLite or Postgres, with
// the columns needed for lookups and filtering broken out.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps db. Call Migrate before first use on a fresh database.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// OpenSQLite opens (or creates) a SQLite database at path and migrates it.
// An empty path opens a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	dsn := path
	if dsn == "" {
		dsn = "file::memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps an
	// in-memory database alive for the life of the store.
	db.SetMaxOpenConns(1)
	s := NewSQLStore(db, DialectSQLite)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres connects to url and migrates the schema.
func OpenPostgres(ctx context.Context, url string) (*SQLStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	s := NewSQLStore(db, DialectPostgres)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders as $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sortableTime is fixed width so text columns order chronologically.
const sortableTime = "2006-01-02T15:04:05.000000000Z"

func ts(t time.Time) string {
	return t.UTC().Format(sortableTime)
}

func inClause(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (s *SQLStore) CreateCommitment(ctx context.Context, c *contracts.Commitment) error {
	if err := requireID("commitment", c.CommitmentID); err != nil {
		return err
	}
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode commitment: %w", err)
	}
	query := s.rebind(`INSERT INTO kx_commitments
		(commitment_id, agent_id, verification_type, status, end_date, created_at, updated_at, document)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (commitment_id) DO NOTHING`)
	res, err := s.db.ExecContext(ctx, query,
		c.CommitmentID, c.AgentID, string(c.VerificationType), string(c.Status),
		ts(c.EndDate), ts(c.CreatedAt), ts(c.UpdatedAt), string(doc))
	if err != nil {
		return fmt.Errorf("failed to insert commitment: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("commitment %s: %w", c.CommitmentID, ErrAlreadyExists)
	}
	return nil
}

func (s *SQLStore) GetCommitment(ctx context.Context, id string) (*contracts.Commitment, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT document FROM kx_commitments WHERE commitment_id = ?`), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("commitment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load commitment: %w", err)
	}
	return decodeCommitment([]byte(doc))
}

func (s *SQLStore) UpdateCommitment(ctx context.Context, c *contracts.Commitment) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode commitment: %w", err)
	}
	query := s.rebind(`UPDATE kx_commitments SET status = ?, updated_at = ?, document = ? WHERE commitment_id = ?`)
	res, err := s.db.ExecContext(ctx, query, string(c.Status), ts(c.UpdatedAt), string(doc), c.CommitmentID)
	if err != nil {
		return fmt.Errorf("failed to update commitment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update commitment: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("commitment %s: %w", c.CommitmentID, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) ListCommitments(ctx context.Context, statuses ...contracts.Status) ([]*contracts.Commitment, error) {
	query := `SELECT document FROM kx_commitments`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + inClause(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at, commitment_id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list commitments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Commitment
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		c, err := decodeCommitment([]byte(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) PutReceipt(ctx context.Context, r *contracts.Receipt) error {
	if err := requireID("receipt", r.ReceiptID); err != nil {
		return err
	}
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}
	query := s.rebind(`INSERT INTO kx_receipts (receipt_id, commitment_id, issued_at, document)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (receipt_id) DO NOTHING`)
	res, err := s.db.ExecContext(ctx, query, r.ReceiptID, r.Commitment.CommitmentID, ts(r.Metadata.IssuedAt), string(doc))
	if err != nil {
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("receipt %s: %w", r.ReceiptID, ErrAlreadyExists)
	}
	return nil
}

func (s *SQLStore) GetReceipt(ctx context.Context, receiptID string) (*contracts.Receipt, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT document FROM kx_receipts WHERE receipt_id = ?`), receiptID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("receipt %s: %w", receiptID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load receipt: %w", err)
	}
	return decodeReceipt([]byte(doc))
}

func (s *SQLStore) PutPublication(ctx context.Context, p *contracts.PublicationStatus) error {
	if err := requireID("receipt", p.ReceiptID); err != nil {
		return err
	}
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode publication: %w", err)
	}
	query := s.rebind(`INSERT INTO kx_publications (receipt_id, state, updated_at, document)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (receipt_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at, document = excluded.document`)
	if _, err := s.db.ExecContext(ctx, query, p.ReceiptID, string(p.State), ts(p.UpdatedAt), string(doc)); err != nil {
		return fmt.Errorf("failed to upsert publication: %w", err)
	}
	return nil
}

func (s *SQLStore) GetPublication(ctx context.Context, receiptID string) (*contracts.PublicationStatus, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT document FROM kx_publications WHERE receipt_id = ?`), receiptID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("publication %s: %w", receiptID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load publication: %w", err)
	}
	return decodePublication([]byte(doc))
}

func (s *SQLStore) ListPublications(ctx context.Context, states ...contracts.PublicationState) ([]*contracts.PublicationStatus, error) {
	query := `SELECT document FROM kx_publications`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		query += ` WHERE state IN (` + inClause(len(states)) + `)`
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY updated_at, receipt_id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list publications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.PublicationStatus
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		p, err := decodePublication([]byte(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
