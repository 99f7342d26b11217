package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"carrybot/internal/exchange"
)

// ErrNotFound reports a missing credential record.
var ErrNotFound = errors.New("凭证不存在")

// Record is one stored credential set for a (user, exchange) pair.
// Secret fields are plaintext in memory only; the store encrypts them
// before they touch disk.
type Record struct {
	ID            int64
	UserID        string
	Exchange      string
	APIKey        string
	APISecret     string
	Passphrase    string
	WalletAddress string
	IsTestnet     bool
	IsValid       bool
	LastValidated *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Credentials converts the record into the adapter credential shape.
func (r *Record) Credentials() exchange.Credentials {
	return exchange.Credentials{
		APIKey:        r.APIKey,
		APISecret:     r.APISecret,
		Passphrase:    r.Passphrase,
		WalletAddress: r.WalletAddress,
		Testnet:       r.IsTestnet,
	}
}

// Store persists credential records in sqlite, one row per
// (user, exchange), secrets sealed by the cipher.
type Store struct {
	db     *sql.DB
	cipher *Cipher
}

// NewStore opens (and if needed creates) the credential database at path.
func NewStore(path string, cipher *Cipher) (*Store, error) {
	if cipher == nil {
		return nil, errors.New("credential: cipher 不能为空")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开凭证数据库失败: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化凭证表失败: %w", err)
	}
	return &Store{db: db, cipher: cipher}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS api_credentials (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	exchange TEXT NOT NULL,
	api_key TEXT NOT NULL,
	api_secret TEXT NOT NULL,
	passphrase TEXT NOT NULL DEFAULT '',
	wallet_address TEXT NOT NULL DEFAULT '',
	is_testnet INTEGER NOT NULL DEFAULT 0,
	is_valid INTEGER NOT NULL DEFAULT 1,
	last_validated TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE(user_id, exchange)
);
`

func (s *Store) Close() error { return s.db.Close() }

// Save inserts or replaces the credentials for (UserID, Exchange).
// Re-registering after a soft invalidation resets is_valid; records for
// other exchanges of the same user are untouched.
func (s *Store) Save(ctx context.Context, rec *Record) error {
	apiKey, err := s.cipher.Encrypt(rec.APIKey)
	if err != nil {
		return err
	}
	apiSecret, err := s.cipher.Encrypt(rec.APISecret)
	if err != nil {
		return err
	}
	passphrase, err := s.cipher.Encrypt(rec.Passphrase)
	if err != nil {
		return err
	}
	wallet, err := s.cipher.Encrypt(rec.WalletAddress)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE api_credentials
		SET api_key = ?, api_secret = ?, passphrase = ?, wallet_address = ?,
		    is_testnet = ?, is_valid = 1, last_validated = NULL, updated_at = ?
		WHERE user_id = ? AND exchange = ?`,
		apiKey, apiSecret, passphrase, wallet, rec.IsTestnet, now, rec.UserID, rec.Exchange)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO api_credentials
				(user_id, exchange, api_key, api_secret, passphrase, wallet_address,
				 is_testnet, is_valid, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			rec.UserID, rec.Exchange, apiKey, apiSecret, passphrase, wallet,
			rec.IsTestnet, now, now)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var (
		rec           Record
		apiKey        string
		apiSecret     string
		passphrase    string
		wallet        string
		lastValidated sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.UserID, &rec.Exchange, &apiKey, &apiSecret,
		&passphrase, &wallet, &rec.IsTestnet, &rec.IsValid, &lastValidated,
		&rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastValidated.Valid {
		t := lastValidated.Time.UTC()
		rec.LastValidated = &t
	}
	if rec.APIKey, err = s.cipher.Decrypt(apiKey); err != nil {
		return nil, err
	}
	if rec.APISecret, err = s.cipher.Decrypt(apiSecret); err != nil {
		return nil, err
	}
	if rec.Passphrase, err = s.cipher.Decrypt(passphrase); err != nil {
		return nil, err
	}
	if rec.WalletAddress, err = s.cipher.Decrypt(wallet); err != nil {
		return nil, err
	}
	return &rec, nil
}

const selectColumns = `id, user_id, exchange, api_key, api_secret, passphrase,
	wallet_address, is_testnet, is_valid, last_validated, created_at, updated_at`

// Get returns the decrypted record for (userID, exchangeName).
func (s *Store) Get(ctx context.Context, userID, exchangeName string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM api_credentials WHERE user_id = ? AND exchange = ?`,
		userID, exchangeName)
	return s.scanRecord(row)
}

// ListByUser returns all records of one user, valid or not.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM api_credentials WHERE user_id = ? ORDER BY exchange`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collect(rows)
}

// ListValid returns every valid record across all users, the working set
// of a trading cycle.
func (s *Store) ListValid(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM api_credentials WHERE is_valid = 1 ORDER BY user_id, exchange`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collect(rows)
}

func (s *Store) collect(rows *sql.Rows) ([]*Record, error) {
	var records []*Record
	for rows.Next() {
		rec, err := s.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// MarkValidated stamps a successful credential check.
func (s *Store) MarkValidated(ctx context.Context, userID, exchangeName string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_credentials SET is_valid = 1, last_validated = ?, updated_at = ? WHERE user_id = ? AND exchange = ?`,
		now, now, userID, exchangeName)
	return err
}

// Invalidate soft-disables the record after an auth rejection. The row is
// kept so the user can re-register without losing history.
func (s *Store) Invalidate(ctx context.Context, userID, exchangeName string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_credentials SET is_valid = 0, updated_at = ? WHERE user_id = ? AND exchange = ?`,
		time.Now().UTC(), userID, exchangeName)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the record entirely.
func (s *Store) Delete(ctx context.Context, userID, exchangeName string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM api_credentials WHERE user_id = ? AND exchange = ?`,
		userID, exchangeName)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
