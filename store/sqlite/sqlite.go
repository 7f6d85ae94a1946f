/*
Package sqlite provides a SQLite-backed implementation of the ledger store.

PURPOSE:
  Implements ledger.IndexedStore on SQLite. The same schema runs on
  PostgreSQL with minor dialect changes.

INTERFACES IMPLEMENTED:
  ledger.Store:        Chain persistence and batch metadata
  ledger.IndexedStore: Listing, content-address lookup, notarization

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on ledger_transactions
  - Triggers abort any attempt to rewrite a record
  - On-chain hashes live in notarizations and are joined on read

KEY TABLES:
  batches:             Static harvest metadata
  ledger_transactions: Hash-linked records, UNIQUE(batch_id, sequence)
  notarizations:       Record id -> on-chain transaction hash

CONCURRENCY:
  The per-batch lease serializes writers above this layer. The
  UNIQUE(batch_id, sequence) constraint is the backstop: a writer whose
  lease expired cannot take a position someone else already appended.

MIGRATION:
  Versioned migrations are embedded and applied with golang-migrate on New().

USAGE:
  st, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()

  builder := ledger.NewBuilder(st, locker)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/warp/harvest-ledger/ledger"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements ledger.IndexedStore using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

var _ ledger.IndexedStore = (*Store)(nil)

// New opens the database at dbPath and applies pending migrations.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and avoids
	// SQLITE_BUSY between our own connections.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection; used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	// m.Close would close s.db through the driver; only the source is released.
	defer src.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Debug("sqlite: schema up to date")
			return nil
		}
		return err
	}
	version, _, _ := m.Version()
	log.WithField("version", version).Info("sqlite: migrations applied")
	return nil
}

// =============================================================================
// BATCHES
// =============================================================================

// CreateBatch inserts metadata and the HARVEST record in one transaction.
func (s *Store) CreateBatch(ctx context.Context, meta ledger.BatchMetadata, harvest ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if harvest.Sequence != 0 || !harvest.IsHarvest() || harvest.BatchID != meta.BatchID {
		return ledger.ErrConflict
	}

	productJSON, err := json.Marshal(meta.Product)
	if err != nil {
		return fmt.Errorf("failed to encode product: %w", err)
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO batches (batch_id, farmer_id, farm_name, farm_location, product_json, registered_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		meta.BatchID,
		meta.FarmerID,
		meta.FarmName,
		meta.FarmLocation,
		string(productJSON),
		ledger.CanonicalTime(meta.RegisteredAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateHarvest
		}
		return fmt.Errorf("failed to insert batch: %w", err)
	}

	if err := s.insertTx(ctx, sqlTx, harvest); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) GetBatchMetadata(ctx context.Context, batchID ledger.BatchID) (ledger.BatchMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT batch_id, farmer_id, farm_name, farm_location, product_json, registered_at
		FROM batches WHERE batch_id = ?
	`, batchID)
	meta, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.BatchMetadata{}, ledger.ErrBatchNotFound
	}
	return meta, err
}

// ListBatches returns every batch, newest first.
func (s *Store) ListBatches(ctx context.Context) ([]ledger.BatchMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT batch_id, farmer_id, farm_name, farm_location, product_json, registered_at
		FROM batches
		ORDER BY registered_at DESC, batch_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	var result []ledger.BatchMetadata
	for rows.Next() {
		meta, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, meta)
	}
	return result, rows.Err()
}

// =============================================================================
// TRANSACTIONS (append-only)
// =============================================================================

// AppendTransaction inserts tx at position tx.Sequence. The position must be
// exactly the current chain length.
func (s *Store) AppendTransaction(ctx context.Context, batchID ledger.BatchID, tx ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.BatchID != batchID {
		return ledger.ErrConflict
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	var length int
	err = sqlTx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_transactions WHERE batch_id = ?`, batchID,
	).Scan(&length)
	if err != nil {
		return fmt.Errorf("failed to count chain: %w", err)
	}
	if length == 0 || tx.Sequence != length {
		return ledger.ErrConflict
	}

	if err := s.insertTx(ctx, sqlTx, tx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) insertTx(ctx context.Context, db interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, tx ledger.Transaction) error {
	productJSON, err := json.Marshal(tx.ProductDetails)
	if err != nil {
		return fmt.Errorf("failed to encode product: %w", err)
	}
	metadataJSON, err := json.Marshal(tx.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO ledger_transactions
		(id, batch_id, sequence, tx_type, from_party, to_party, quantity, price, timestamp,
		 previous_hash, product_json, metadata_json, ipfs_hash, certificate_digest, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID,
		tx.BatchID,
		tx.Sequence,
		tx.Type,
		tx.From,
		tx.To,
		tx.Quantity.String(),
		tx.Price.String(),
		ledger.CanonicalTime(tx.Timestamp),
		tx.PreviousTransactionHash,
		string(productJSON),
		string(metadataJSON),
		tx.IPFSHash,
		tx.CertificateDigest,
		s.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrConflict
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

const txColumns = `
	t.id, t.batch_id, t.sequence, t.tx_type, t.from_party, t.to_party, t.quantity, t.price,
	t.timestamp, t.previous_hash, t.product_json, t.metadata_json, t.ipfs_hash,
	t.certificate_digest, COALESCE(n.chain_tx_hash, '')
`

// GetChain returns the batch in sequence order with notarizations joined.
func (s *Store) GetChain(ctx context.Context, batchID ledger.BatchID) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txs, err := s.queryTransactions(ctx, `
		SELECT `+txColumns+`
		FROM ledger_transactions t
		LEFT JOIN notarizations n ON n.transaction_id = t.id
		WHERE t.batch_id = ?
		ORDER BY t.sequence ASC
	`, batchID)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, ledger.ErrBatchNotFound
	}
	return txs, nil
}

func (s *Store) FindByContentAddress(ctx context.Context, address string) (ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txs, err := s.queryTransactions(ctx, `
		SELECT `+txColumns+`
		FROM ledger_transactions t
		LEFT JOIN notarizations n ON n.transaction_id = t.id
		WHERE t.ipfs_hash = ?
		ORDER BY t.rowid ASC
		LIMIT 1
	`, address)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if len(txs) == 0 {
		return ledger.Transaction{}, ledger.ErrBatchNotFound
	}
	return txs[0], nil
}

// =============================================================================
// NOTARIZATIONS
// =============================================================================

// RecordNotarization attaches chainTxHash to a record. The first hash wins.
func (s *Store) RecordNotarization(ctx context.Context, txID ledger.TransactionID, chainTxHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO notarizations (transaction_id, chain_tx_hash, recorded_at)
		SELECT id, ?, ? FROM ledger_transactions WHERE id = ?
		ON CONFLICT(transaction_id) DO NOTHING
	`, chainTxHash, s.now().UTC().Format(time.RFC3339), txID)
	if err != nil {
		return fmt.Errorf("failed to record notarization: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_transactions WHERE id = ?`, txID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check transaction: %w", err)
	}
	if exists == 0 {
		return ledger.ErrBatchNotFound
	}
	return nil
}

// Unnotarized returns up to limit records without an on-chain hash in
// append order.
func (s *Store) Unnotarized(ctx context.Context, limit int) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	return s.queryTransactions(ctx, `
		SELECT `+txColumns+`
		FROM ledger_transactions t
		LEFT JOIN notarizations n ON n.transaction_id = t.id
		WHERE n.transaction_id IS NULL
		ORDER BY t.rowid ASC
		LIMIT ?
	`, limit)
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func scanTransaction(row scanner) (ledger.Transaction, error) {
	var (
		tx           ledger.Transaction
		txType       string
		quantity     string
		price        string
		timestamp    string
		productJSON  string
		metadataJSON string
	)
	err := row.Scan(
		&tx.ID,
		&tx.BatchID,
		&tx.Sequence,
		&txType,
		&tx.From,
		&tx.To,
		&quantity,
		&price,
		&timestamp,
		&tx.PreviousTransactionHash,
		&productJSON,
		&metadataJSON,
		&tx.IPFSHash,
		&tx.CertificateDigest,
		&tx.BlockchainHash,
	)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.Type = ledger.TransactionType(txType)
	if tx.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return ledger.Transaction{}, fmt.Errorf("transaction %s: bad quantity %q: %w", tx.ID, quantity, err)
	}
	if tx.Price, err = decimal.NewFromString(price); err != nil {
		return ledger.Transaction{}, fmt.Errorf("transaction %s: bad price %q: %w", tx.ID, price, err)
	}
	if tx.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp); err != nil {
		return ledger.Transaction{}, fmt.Errorf("transaction %s: bad timestamp %q: %w", tx.ID, timestamp, err)
	}
	if err := json.Unmarshal([]byte(productJSON), &tx.ProductDetails); err != nil {
		return ledger.Transaction{}, fmt.Errorf("transaction %s: bad product: %w", tx.ID, err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &tx.Metadata); err != nil {
		return ledger.Transaction{}, fmt.Errorf("transaction %s: bad metadata: %w", tx.ID, err)
	}
	return tx, nil
}

func scanBatch(row scanner) (ledger.BatchMetadata, error) {
	var (
		meta         ledger.BatchMetadata
		productJSON  string
		registeredAt string
	)
	err := row.Scan(&meta.BatchID, &meta.FarmerID, &meta.FarmName, &meta.FarmLocation, &productJSON, &registeredAt)
	if err != nil {
		return ledger.BatchMetadata{}, err
	}
	if err := json.Unmarshal([]byte(productJSON), &meta.Product); err != nil {
		return ledger.BatchMetadata{}, fmt.Errorf("batch %s: bad product: %w", meta.BatchID, err)
	}
	if meta.RegisteredAt, err = time.Parse(time.RFC3339Nano, registeredAt); err != nil {
		return ledger.BatchMetadata{}, fmt.Errorf("batch %s: bad registered_at: %w", meta.BatchID, err)
	}
	return meta, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: UNIQUE"))
}
