package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ggonzalez94/payagent/internal/ens"
	clierr "github.com/ggonzalez94/payagent/internal/errors"
	"github.com/ggonzalez94/payagent/internal/model"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const lockTimeout = 5 * time.Second

// Store persists payment receipts and invoices in sqlite. Writes are
// serialized across processes with a file lock.
type Store struct {
	db     *sql.DB
	lock   *flock.Flock
	parent string
	now    func() time.Time
}

func Open(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create store lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS receipts (
			tx_hash TEXT PRIMARY KEY,
			subname TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS invoices (
			invoice_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_invoices_status_updated ON invoices(status, updated_at DESC);",
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init store schema: %w", err)
		}
	}
	return &Store{db: db, lock: flock.New(lockPath), parent: ens.DefaultReceiptParent, now: time.Now}, nil
}

// WithReceiptParent sets the ENS name receipt subnames are created under.
func (s *Store) WithReceiptParent(parent string) *Store {
	if strings.TrimSpace(parent) != "" {
		s.parent = strings.TrimSpace(parent)
	}
	return s
}

func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) withLock(ctx context.Context, fn func() error) error {
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "lock store", err)
	}
	if !locked {
		return clierr.New(clierr.CodeUnavailable, "lock store: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

// SaveReceipt records a payment receipt keyed by its lowercased hash and
// returns it with its subname and text records. Saving the same hash again
// replaces the earlier entry.
func (s *Store) SaveReceipt(ctx context.Context, req model.ReceiptRequest) (model.Receipt, error) {
	if err := ValidateReceipt(req); err != nil {
		return model.Receipt{}, err
	}
	now := s.now().UTC()
	hash := strings.ToLower(strings.TrimSpace(req.TxHash))
	receipt := model.Receipt{
		TxHash:      req.TxHash,
		Subname:     ens.ReceiptSubname(hash, s.parent),
		Amount:      req.Amount,
		Token:       req.Token,
		Chain:       req.Chain,
		Recipient:   req.Recipient,
		From:        strings.ToLower(req.From),
		TextRecords: ens.ReceiptTextRecords(req.TxHash, req.Amount, req.Token, req.Chain, req.Recipient, now),
		CreatedAt:   now,
	}
	payload, err := json.Marshal(receipt)
	if err != nil {
		return model.Receipt{}, clierr.Wrap(clierr.CodeInternal, "marshal receipt", err)
	}
	err = s.withLock(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO receipts (tx_hash, subname, created_at, payload)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(tx_hash) DO UPDATE SET
				subname=excluded.subname,
				created_at=excluded.created_at,
				payload=excluded.payload
		`, hash, receipt.Subname, now.Unix(), payload)
		return err
	})
	if err != nil {
		return model.Receipt{}, wrapDB("save receipt", err)
	}
	return receipt, nil
}

func ValidateReceipt(req model.ReceiptRequest) error {
	if blank(req.TxHash, req.Amount, req.Token, req.Chain, req.Recipient, req.From) {
		return clierr.New(clierr.CodeUsage, "Missing required fields: txHash, amount, token, chain, recipient, from")
	}
	return nil
}

// Subname is the receipt name SaveReceipt assigns to txHash.
func (s *Store) Subname(txHash string) string {
	return ens.ReceiptSubname(txHash, s.parent)
}

func (s *Store) GetReceipt(ctx context.Context, txHash string) (model.Receipt, error) {
	if strings.TrimSpace(txHash) == "" {
		return model.Receipt{}, clierr.New(clierr.CodeUsage, "Missing txHash")
	}
	var payload []byte
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM receipts WHERE tx_hash = ?", strings.ToLower(strings.TrimSpace(txHash))).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Receipt{}, clierr.New(clierr.CodeNotFound, "Receipt not found")
		}
		return model.Receipt{}, wrapDB("read receipt", err)
	}
	var receipt model.Receipt
	if err := json.Unmarshal(payload, &receipt); err != nil {
		return model.Receipt{}, clierr.Wrap(clierr.CodeInternal, "decode receipt payload", err)
	}
	return receipt, nil
}

func (s *Store) CreateInvoice(ctx context.Context, req model.CreateInvoiceRequest) (model.Invoice, error) {
	if blank(req.ReceiverAddress, req.Amount) {
		return model.Invoice{}, clierr.New(clierr.CodeUsage, "Missing required fields: receiverAddress, amount")
	}
	now := s.now().UTC()
	inv := model.Invoice{
		ID:              uuid.NewString()[:8],
		ReceiverAddress: req.ReceiverAddress,
		ReceiverEns:     req.ReceiverEns,
		Amount:          req.Amount,
		Token:           strings.TrimSpace(req.Token),
		Memo:            req.Memo,
		Status:          model.InvoicePending,
		CreatedAt:       now.Format(model.TimeFormat),
	}
	if inv.Token == "" {
		inv.Token = "USDC"
	}
	if req.ExpiresInHours != nil && *req.ExpiresInHours > 0 {
		expires := now.Add(time.Duration(*req.ExpiresInHours * float64(time.Hour)))
		inv.ExpiresAt = expires.Format(model.TimeFormat)
	}
	if err := s.withLock(ctx, func() error { return s.putInvoice(ctx, inv) }); err != nil {
		return model.Invoice{}, wrapDB("save invoice", err)
	}
	return inv, nil
}

// GetInvoice loads an invoice. A pending invoice past its expiry is moved
// to expired and saved that way.
func (s *Store) GetInvoice(ctx context.Context, invoiceID string) (model.Invoice, error) {
	if strings.TrimSpace(invoiceID) == "" {
		return model.Invoice{}, clierr.New(clierr.CodeUsage, "Missing invoice ID")
	}
	inv, err := s.readInvoice(ctx, invoiceID)
	if err != nil {
		return model.Invoice{}, err
	}
	if inv.Status != model.InvoicePending || !s.expired(inv) {
		return inv, nil
	}
	inv.Status = model.InvoiceExpired
	if err := s.withLock(ctx, func() error { return s.putInvoice(ctx, inv) }); err != nil {
		return model.Invoice{}, wrapDB("expire invoice", err)
	}
	return inv, nil
}

// MarkInvoicePaid applies a status update. Only the paid status is accepted
// and an invoice is paid at most once.
func (s *Store) MarkInvoicePaid(ctx context.Context, req model.UpdateInvoiceRequest) (model.Invoice, error) {
	if strings.TrimSpace(req.ID) == "" || req.Status != model.InvoicePaid {
		return model.Invoice{}, clierr.New(clierr.CodeUsage, `Missing id or invalid status (only "paid" supported)`)
	}
	var out model.Invoice
	err := s.withLock(ctx, func() error {
		inv, err := s.readInvoice(ctx, req.ID)
		if err != nil {
			return err
		}
		if inv.Status == model.InvoicePaid {
			return clierr.New(clierr.CodeUsage, "Invoice already paid")
		}
		inv.Status = model.InvoicePaid
		inv.PaidAt = s.now().UTC().Format(model.TimeFormat)
		inv.PaidTxHash = req.TxHash
		if err := s.putInvoice(ctx, inv); err != nil {
			return err
		}
		out = inv
		return nil
	})
	if err != nil {
		return model.Invoice{}, wrapDB("update invoice", err)
	}
	return out, nil
}

func (s *Store) ListInvoices(ctx context.Context, status model.InvoiceStatus, limit int) ([]model.Invoice, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.QueryContext(ctx, "SELECT payload FROM invoices ORDER BY updated_at DESC LIMIT ?", limit)
	} else {
		rows, err = s.db.QueryContext(ctx, "SELECT payload FROM invoices WHERE status = ? ORDER BY updated_at DESC LIMIT ?", string(status), limit)
	}
	if err != nil {
		return nil, wrapDB("list invoices", err)
	}
	defer rows.Close()

	invoices := make([]model.Invoice, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, wrapDB("scan invoice row", err)
		}
		var inv model.Invoice
		if err := json.Unmarshal(payload, &inv); err != nil {
			return nil, clierr.Wrap(clierr.CodeInternal, "decode invoice row", err)
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDB("iterate invoice rows", err)
	}
	return invoices, nil
}

func (s *Store) readInvoice(ctx context.Context, invoiceID string) (model.Invoice, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM invoices WHERE invoice_id = ?", strings.TrimSpace(invoiceID)).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Invoice{}, clierr.New(clierr.CodeNotFound, "Invoice not found")
		}
		return model.Invoice{}, wrapDB("read invoice", err)
	}
	var inv model.Invoice
	if err := json.Unmarshal(payload, &inv); err != nil {
		return model.Invoice{}, clierr.Wrap(clierr.CodeInternal, "decode invoice payload", err)
	}
	return inv, nil
}

func (s *Store) putInvoice(ctx context.Context, inv model.Invoice) error {
	payload, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	createdUnix := s.now().UTC().Unix()
	if t, err := time.Parse(time.RFC3339, inv.CreatedAt); err == nil {
		createdUnix = t.Unix()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO invoices (invoice_id, status, created_at, updated_at, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(invoice_id) DO UPDATE SET
			status=excluded.status,
			updated_at=excluded.updated_at,
			payload=excluded.payload
	`, inv.ID, string(inv.Status), createdUnix, s.now().UTC().Unix(), payload)
	return err
}

func (s *Store) expired(inv model.Invoice) bool {
	if inv.ExpiresAt == "" {
		return false
	}
	at, err := time.Parse(time.RFC3339, inv.ExpiresAt)
	if err != nil {
		return false
	}
	return at.Before(s.now())
}

// wrapDB keeps typed errors and marks the rest as store failures.
func wrapDB(op string, err error) error {
	if _, ok := clierr.As(err); ok {
		return err
	}
	return clierr.Wrap(clierr.CodeInternal, op, err)
}

func blank(values ...string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			return true
		}
	}
	return false
}
