package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/phronetic-ai/agentic-payments-research/pkg/domain"
)

// Postgres is the durable Store. It upholds the same atomicity
// requirements as the in-memory reference: single-use via conditional
// UPDATE, idempotency keys via unique inserts with ON CONFLICT.
type Postgres struct {
	db *pgxpool.Pool
}

func ConnectPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Postgres{db: pool}, nil
}

func (s *Postgres) Close() { s.db.Close() }

func (s *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
CREATE TABLE IF NOT EXISTS mandates(
  cart_id      text PRIMARY KEY,
  merchant_id  text NOT NULL,
  customer_id  text NOT NULL,
  items        jsonb NOT NULL,
  subtotal     numeric(18,2) NOT NULL,
  tax_total    numeric(18,2) NOT NULL,
  total_amount numeric(18,2) NOT NULL,
  currency     text NOT NULL,
  created_at   timestamptz NOT NULL,
  expires_at   timestamptz NOT NULL,
  signature    text NOT NULL,
  status       text NOT NULL,
  processed_at timestamptz,
  payment_id   text
);
CREATE TABLE IF NOT EXISTS mandate_idempotency_keys(
  idempotency_key text PRIMARY KEY,
  cart_id         text NOT NULL
);
CREATE TABLE IF NOT EXISTS payments(
  payment_id        text PRIMARY KEY,
  cart_id           text NOT NULL,
  merchant_id       text NOT NULL,
  customer_id       text NOT NULL,
  amount            numeric(18,2) NOT NULL,
  currency          text NOT NULL,
  mandate_signature text NOT NULL,
  created_at        timestamptz NOT NULL,
  signature_valid   boolean NOT NULL,
  not_expired       boolean NOT NULL,
  not_reused        boolean NOT NULL,
  mandate_verified  boolean NOT NULL,
  idempotency_key   text
);
CREATE UNIQUE INDEX IF NOT EXISTS payments_idempotency_key
  ON payments(idempotency_key) WHERE idempotency_key IS NOT NULL;
`)
	return err
}

const mandateColumns = `cart_id,merchant_id,customer_id,items,subtotal,tax_total,total_amount,currency,created_at,expires_at,signature,status,processed_at,payment_id`

func (s *Postgres) InsertMandate(ctx context.Context, m domain.Mandate) error {
	items, err := json.Marshal(m.Items)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `INSERT INTO mandates(`+mandateColumns+`)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NULL,NULL)
ON CONFLICT (cart_id) DO NOTHING`,
		m.CartID, m.MerchantID, m.CustomerID, items,
		m.Subtotal, m.TaxTotal, m.TotalAmount, m.Currency,
		m.CreatedAt, m.ExpiresAt, m.Signature, string(m.Status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDuplicateCart
	}
	return nil
}

func (s *Postgres) GetMandate(ctx context.Context, cartID string) (domain.Mandate, error) {
	row := s.db.QueryRow(ctx, `SELECT `+mandateColumns+` FROM mandates WHERE cart_id=$1`, cartID)
	return scanMandate(row)
}

func (s *Postgres) DeleteMandate(ctx context.Context, cartID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM mandates WHERE cart_id=$1`, cartID)
	return err
}

func (s *Postgres) TransitionStatus(ctx context.Context, cartID string, from, to domain.Status) (domain.Mandate, error) {
	if !domain.CanTransition(from, to) {
		return domain.Mandate{}, domain.ErrInvalidState
	}
	row := s.db.QueryRow(ctx, `UPDATE mandates SET status=$3 WHERE cart_id=$1 AND status=$2
RETURNING `+mandateColumns, cartID, string(from), string(to))
	m, err := scanMandate(row)
	if errors.Is(err, domain.ErrNotFound) {
		// Distinguish a missing mandate from a lost compare-and-set.
		if _, getErr := s.GetMandate(ctx, cartID); getErr != nil {
			return domain.Mandate{}, getErr
		}
		return domain.Mandate{}, domain.ErrInvalidState
	}
	return m, err
}

func (s *Postgres) MarkProcessed(ctx context.Context, cartID, paymentID string, at time.Time) error {
	_, err := s.db.Exec(ctx, `UPDATE mandates
SET status=$2, processed_at=$3, payment_id=$4
WHERE cart_id=$1 AND payment_id IS NULL AND processed_at IS NULL`,
		cartID, string(domain.StatusProcessed), at, paymentID)
	return err
}

func (s *Postgres) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := s.db.Query(ctx, `SELECT status, count(*) FROM mandates GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[domain.Status]int, 4)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[domain.Status(status)] = n
	}
	return out, rows.Err()
}

func (s *Postgres) PruneExpired(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM mandates WHERE status<>$1 AND expires_at<$2`,
		string(domain.StatusProcessed), cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) BindMandateKey(ctx context.Context, key, cartID string) (string, bool, error) {
	tag, err := s.db.Exec(ctx, `INSERT INTO mandate_idempotency_keys(idempotency_key,cart_id)
VALUES($1,$2) ON CONFLICT (idempotency_key) DO NOTHING`, key, cartID)
	if err != nil {
		return "", false, err
	}
	if tag.RowsAffected() == 1 {
		return cartID, true, nil
	}
	var existing string
	if err := s.db.QueryRow(ctx, `SELECT cart_id FROM mandate_idempotency_keys WHERE idempotency_key=$1`, key).Scan(&existing); err != nil {
		return "", false, err
	}
	return existing, false, nil
}

func (s *Postgres) LookupMandateKey(ctx context.Context, key string) (string, bool, error) {
	var cartID string
	err := s.db.QueryRow(ctx, `SELECT cart_id FROM mandate_idempotency_keys WHERE idempotency_key=$1`, key).Scan(&cartID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return cartID, true, nil
}

const paymentColumns = `payment_id,cart_id,merchant_id,customer_id,amount,currency,mandate_signature,created_at,signature_valid,not_expired,not_reused,mandate_verified,idempotency_key`

func (s *Postgres) InsertPayment(ctx context.Context, rec domain.PaymentRecord) error {
	var key any
	if rec.IdempotencyKey != "" {
		key = rec.IdempotencyKey
	}
	_, err := s.db.Exec(ctx, `INSERT INTO payments(`+paymentColumns+`)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		rec.PaymentID, rec.CartID, rec.MerchantID, rec.CustomerID,
		rec.Amount, rec.Currency, rec.MandateSignature, rec.CreatedAt,
		rec.SignatureValid, rec.NotExpired, rec.NotReused, rec.MandateVerified, key)
	return err
}

func (s *Postgres) GetPayment(ctx context.Context, paymentID string) (domain.PaymentRecord, error) {
	row := s.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE payment_id=$1`, paymentID)
	return scanPayment(row)
}

func (s *Postgres) LookupPaymentKey(ctx context.Context, key string) (domain.PaymentRecord, bool, error) {
	row := s.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE idempotency_key=$1`, key)
	rec, err := scanPayment(row)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.PaymentRecord{}, false, nil
	}
	if err != nil {
		return domain.PaymentRecord{}, false, err
	}
	return rec, true, nil
}

func (s *Postgres) ListPayments(ctx context.Context) ([]domain.PaymentRecord, error) {
	rows, err := s.db.Query(ctx, `SELECT `+paymentColumns+` FROM payments`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.PaymentRecord
	for rows.Next() {
		rec, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanMandate(row pgx.Row) (domain.Mandate, error) {
	var m domain.Mandate
	var items []byte
	var status string
	var processedAt *time.Time
	var paymentID *string
	err := row.Scan(&m.CartID, &m.MerchantID, &m.CustomerID, &items,
		&m.Subtotal, &m.TaxTotal, &m.TotalAmount, &m.Currency,
		&m.CreatedAt, &m.ExpiresAt, &m.Signature, &status, &processedAt, &paymentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Mandate{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Mandate{}, err
	}
	if err := json.Unmarshal(items, &m.Items); err != nil {
		return domain.Mandate{}, err
	}
	m.Status = domain.Status(status)
	if !m.Status.Valid() {
		return domain.Mandate{}, fmt.Errorf("mandate %s: unknown status %q", m.CartID, status)
	}
	m.ProcessedAt = processedAt
	if paymentID != nil {
		m.PaymentID = *paymentID
	}
	return m, nil
}

func scanPayment(row pgx.Row) (domain.PaymentRecord, error) {
	var rec domain.PaymentRecord
	var key *string
	var amount decimal.Decimal
	err := row.Scan(&rec.PaymentID, &rec.CartID, &rec.MerchantID, &rec.CustomerID,
		&amount, &rec.Currency, &rec.MandateSignature, &rec.CreatedAt,
		&rec.SignatureValid, &rec.NotExpired, &rec.NotReused, &rec.MandateVerified, &key)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PaymentRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.PaymentRecord{}, err
	}
	rec.Amount = amount
	if key != nil {
		rec.IdempotencyKey = *key
	}
	return rec, nil
}
