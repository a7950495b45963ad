package escrowd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	_ "modernc.org/sqlite"

	"crowdescrow/native/payout"
	telemetry "crowdescrow/observability/otel"
)

var storeTracer = telemetry.Tracer("escrowd/store")

// SQLiteStore manages idempotency keys, the audit log and the settlement
// outbox drained by the ledger submission worker.
type SQLiteStore struct {
	db *sql.DB
}

// ErrIdempotencyMismatch is returned when a key is reused with a different payload.
var ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request body")

// Outbox row states.
const (
	OutboxPending   = "pending"
	OutboxSubmitted = "submitted"
)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Writers are serialised through a single connection.
	db.SetMaxOpenConns(1)
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            scope TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY(scope, idempotency_key)
        );`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            subject TEXT,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            request_body BLOB,
            response_status INTEGER,
            response_body BLOB
        );`,
		`CREATE TABLE IF NOT EXISTS outbox (
            id TEXT PRIMARY KEY,
            source TEXT NOT NULL,
            kind TEXT NOT NULL,
            campaign_id TEXT,
            destination TEXT NOT NULL,
            amount TEXT NOT NULL,
            currency TEXT,
            issuer TEXT,
            memo TEXT,
            status TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS outbox_status ON outbox(status, created_at);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// StoredResponse represents a cached response for an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

func (s *SQLiteStore) LookupIdempotency(ctx context.Context, scope, key, requestHash string) (*StoredResponse, error) {
	const query = `SELECT response_status, response_body, request_hash FROM idempotency_keys WHERE scope = ? AND idempotency_key = ?`
	row := s.db.QueryRowContext(ctx, query, scope, key)
	var status int
	var body []byte
	var storedHash string
	err := row.Scan(&status, &body, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &StoredResponse{Status: status, Body: body}, nil
}

// AuditEntry is a single request/response pair written to the audit log.
type AuditEntry struct {
	Subject        string
	Method         string
	Path           string
	RequestBody    []byte
	ResponseBody   []byte
	ResponseStatus int
	Timestamp      time.Time
}

func (s *SQLiteStore) InsertAuditLog(ctx context.Context, entry AuditEntry) error {
	const stmt = `INSERT INTO audit_log(subject, method, path, request_body, response_status, response_body, occurred_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, entry.Subject, entry.Method, entry.Path, entry.RequestBody, entry.ResponseStatus, entry.ResponseBody, entry.Timestamp)
	return err
}

// CountAuditLog returns the number of audit rows for path.
func (s *SQLiteStore) CountAuditLog(ctx context.Context, path string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log WHERE path = ?`, path).Scan(&count)
	return count, err
}

// OutboxEntry is a transfer awaiting submission to the ledger.
type OutboxEntry struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	Kind        string    `json:"kind"`
	CampaignID  string    `json:"campaign_id,omitempty"`
	Destination string    `json:"destination"`
	Amount      uint64    `json:"amount"`
	Currency    string    `json:"currency,omitempty"`
	Issuer      string    `json:"issuer,omitempty"`
	Memo        string    `json:"memo,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// EnqueueOutbox inserts the entry unless a row with the same id exists, so
// retried submissions of deterministic instructions are absorbed.
func (s *SQLiteStore) EnqueueOutbox(ctx context.Context, entry OutboxEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("outbox: id required")
	}
	if entry.Status == "" {
		entry.Status = OutboxPending
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	const stmt = `INSERT OR IGNORE INTO outbox(id, source, kind, campaign_id, destination, amount, currency, issuer, memo, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, entry.ID, entry.Source, entry.Kind, entry.CampaignID, entry.Destination,
		strconv.FormatUint(entry.Amount, 10), entry.Currency, entry.Issuer, entry.Memo, entry.Status, entry.CreatedAt)
	return err
}

// IdempotencyRecord is a cached response committed together with the
// outbox rows of the decision it describes.
type IdempotencyRecord struct {
	Scope       string
	Key         string
	RequestHash string
	Status      int
	Body        []byte
}

// EnqueueInstructions writes campaign payout instructions to the outbox in a
// single transaction.
func (s *SQLiteStore) EnqueueInstructions(ctx context.Context, instructions []payout.Instruction) error {
	return s.CommitDecision(ctx, instructions, nil)
}

// CommitDecision writes the decision's outbox rows and, when record is set,
// its cached idempotent response in one transaction. Rows already present
// are left untouched.
func (s *SQLiteStore) CommitDecision(ctx context.Context, instructions []payout.Instruction, record *IdempotencyRecord) (err error) {
	if len(instructions) == 0 && record == nil {
		return nil
	}
	ctx, span := storeTracer.Start(ctx, "outbox.commit_decision")
	span.SetAttributes(
		attribute.Int("escrow.instructions", len(instructions)),
		attribute.Bool("escrow.idempotent", record != nil))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	const stmt = `INSERT OR IGNORE INTO outbox(id, source, kind, campaign_id, destination, amount, currency, issuer, memo, status, created_at) VALUES (?, 'campaign', ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	now := time.Now().UTC()
	for _, ins := range instructions {
		if _, err := tx.ExecContext(ctx, stmt, ins.ID, string(ins.Kind), ins.CampaignID, ins.Destination,
			strconv.FormatUint(ins.Amount, 10), ins.Currency, ins.Issuer, ins.Memo, OutboxPending, now); err != nil {
			return err
		}
	}
	if record != nil {
		const idem = `INSERT OR REPLACE INTO idempotency_keys(scope, idempotency_key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, idem, record.Scope, record.Key, record.RequestHash, record.Status, record.Body, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DiscardDecision removes what CommitDecision wrote for a decision whose
// campaign snapshot could not be stored. Rows already submitted are kept.
func (s *SQLiteStore) DiscardDecision(ctx context.Context, instructions []payout.Instruction, record *IdempotencyRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, ins := range instructions {
		if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE id = ? AND status = ?`, ins.ID, OutboxPending); err != nil {
			return err
		}
	}
	if record != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE scope = ? AND idempotency_key = ?`, record.Scope, record.Key); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListOutbox returns entries in the given status ordered by creation time.
func (s *SQLiteStore) ListOutbox(ctx context.Context, status string) ([]OutboxEntry, error) {
	const query = `SELECT id, source, kind, campaign_id, destination, amount, currency, issuer, memo, status, created_at FROM outbox WHERE status = ? ORDER BY created_at, rowid`
	rows, err := s.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []OutboxEntry
	for rows.Next() {
		var (
			entry                              OutboxEntry
			amount                             string
			campaignID, currency, issuer, memo sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.Source, &entry.Kind, &campaignID, &entry.Destination, &amount,
			&currency, &issuer, &memo, &entry.Status, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Amount, err = strconv.ParseUint(amount, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("outbox: amount for %s: %w", entry.ID, err)
		}
		entry.CampaignID = campaignID.String
		entry.Currency = currency.String
		entry.Issuer = issuer.String
		entry.Memo = memo.String
		out = append(out, entry)
	}
	return out, rows.Err()
}

// MarkOutboxSubmitted flags an entry as handed to the ledger.
func (s *SQLiteStore) MarkOutboxSubmitted(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE outbox SET status = ? WHERE id = ?`, OutboxSubmitted, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("outbox: entry %s not found", id)
	}
	return nil
}
