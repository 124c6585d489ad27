package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ninjadotorg/coin-exchange-backend/internal/models"
	"github.com/ninjadotorg/coin-exchange-backend/internal/quote"
	"github.com/ninjadotorg/coin-exchange-backend/internal/tracking"
)

type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

// Orders

const orderColumns = `
	id, user_id, direction, order_type, payment_method, status,
	amount::text, currency, fiat_amount::text, fiat_currency,
	fiat_local_amount::text, fiat_local_currency, price::text, address,
	tx_hash, payment_result, underpaid_at, created_at, expires_at, updated_at`

func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO orders (
			id, user_id, direction, order_type, payment_method, status,
			amount, currency, fiat_amount, fiat_currency,
			fiat_local_amount, fiat_local_currency, price, address,
			created_at, expires_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`,
		order.ID,
		order.UserID,
		order.Direction,
		order.Type,
		order.PaymentMethod,
		order.Status,
		order.Amount.String(),
		order.Currency,
		order.FiatAmount.String(),
		order.FiatCurrency,
		order.FiatLocalAmount.String(),
		order.FiatLocalCurrency,
		order.Price.String(),
		order.Address,
		order.CreatedAt,
		order.ExpiresAt,
		order.UpdatedAt,
	)
	return err
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, orderID)
	return scanOrder(row)
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	var order models.Order
	var amount, fiatAmount, fiatLocalAmount, price string
	var txHash, paymentResult sql.NullString
	var underpaidAt sql.NullTime

	err := row.Scan(
		&order.ID,
		&order.UserID,
		&order.Direction,
		&order.Type,
		&order.PaymentMethod,
		&order.Status,
		&amount,
		&order.Currency,
		&fiatAmount,
		&order.FiatCurrency,
		&fiatLocalAmount,
		&order.FiatLocalCurrency,
		&price,
		&order.Address,
		&txHash,
		&paymentResult,
		&underpaidAt,
		&order.CreatedAt,
		&order.ExpiresAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if order.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	if order.FiatAmount, err = decimal.NewFromString(fiatAmount); err != nil {
		return nil, err
	}
	if order.FiatLocalAmount, err = decimal.NewFromString(fiatLocalAmount); err != nil {
		return nil, err
	}
	if order.Price, err = decimal.NewFromString(price); err != nil {
		return nil, err
	}
	if txHash.Valid {
		order.TxHash = &txHash.String
	}
	if paymentResult.Valid {
		result := models.MatchResult(paymentResult.String)
		order.PaymentResult = &result
	}
	if underpaidAt.Valid {
		order.UnderpaidAt = &underpaidAt.Time
	}
	return &order, nil
}

func (s *Store) TransitionOrder(ctx context.Context, orderID string, from, to models.OrderStatus) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders SET status=$3, updated_at=now()
		WHERE id=$1 AND status=$2
	`, orderID, from, to)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (s *Store) SetOrderTxHash(ctx context.Context, orderID, txHash string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE orders SET tx_hash=$2, updated_at=now() WHERE id=$1
	`, orderID, txHash)
	return err
}

func (s *Store) SetPaymentResult(ctx context.Context, orderID string, result models.MatchResult, underpaidAt *time.Time) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE orders SET payment_result=$2, underpaid_at=$3, updated_at=now() WHERE id=$1
	`, orderID, result, underpaidAt)
	return err
}

// ListExpiredPending feeds the worker sweep; the service owns the actual
// transition so releases and side effects still apply.
func (s *Store) ListExpiredPending(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id FROM orders WHERE status='pending' AND expires_at < $1
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

// ListUnderpaidBefore returns transferring orders whose underpayment grace ran
// out.
func (s *Store) ListUnderpaidBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id FROM orders
		WHERE status='transferring' AND payment_result='under' AND underpaid_at < $1
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (s *Store) ListOrdersByUser(ctx context.Context, userID string) ([]*models.Order, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE user_id=$1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func scanIDs(rows pgx.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Tracking addresses

const addressColumns = `id, user_id, currency, address, status, order_id, created_at, updated_at`

func (s *Store) ActiveAddress(ctx context.Context, userID, currency string) (*models.TrackingAddress, error) {
	// Prefer an unbound address so reuse wins over pool growth.
	row := s.Pool.QueryRow(ctx, `
		SELECT `+addressColumns+` FROM tracking_addresses
		WHERE user_id=$1 AND currency=$2
		ORDER BY (status='created') DESC, created_at DESC
		LIMIT 1
	`, userID, currency)
	addr, err := scanAddress(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, tracking.ErrAddressNotFound
	}
	return addr, err
}

func (s *Store) AddressByID(ctx context.Context, id string) (*models.TrackingAddress, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+addressColumns+` FROM tracking_addresses WHERE id=$1`, id)
	addr, err := scanAddress(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, tracking.ErrAddressNotFound
	}
	return addr, err
}

func (s *Store) AddressByChainAddress(ctx context.Context, currency, address string) (*models.TrackingAddress, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT `+addressColumns+` FROM tracking_addresses WHERE currency=$1 AND address=$2
	`, currency, address)
	addr, err := scanAddress(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, tracking.ErrAddressNotFound
	}
	return addr, err
}

func scanAddress(row pgx.Row) (*models.TrackingAddress, error) {
	var addr models.TrackingAddress
	var orderID sql.NullString
	err := row.Scan(
		&addr.ID,
		&addr.UserID,
		&addr.Currency,
		&addr.Address,
		&addr.Status,
		&orderID,
		&addr.CreatedAt,
		&addr.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if orderID.Valid {
		addr.OrderID = &orderID.String
	}
	return &addr, nil
}

func (s *Store) InsertAddress(ctx context.Context, addr *models.TrackingAddress) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO tracking_addresses (id, user_id, currency, address, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, addr.ID, addr.UserID, addr.Currency, addr.Address, addr.Status, addr.CreatedAt, addr.UpdatedAt)
	return err
}

func (s *Store) ClaimAddress(ctx context.Context, addressID, orderID string) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE tracking_addresses SET status='has_order', order_id=$2, updated_at=now()
		WHERE id=$1 AND status='created'
	`, addressID, orderID)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (s *Store) MarkHasPayment(ctx context.Context, addressID, orderID string) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE tracking_addresses SET status='has_payment', updated_at=now()
		WHERE id=$1 AND status='has_order' AND order_id=$2
	`, addressID, orderID)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (s *Store) MarkCompleted(ctx context.Context, addressID string) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE tracking_addresses SET status='completed', updated_at=now()
		WHERE id=$1 AND status='has_payment'
	`, addressID)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (s *Store) ReleaseAddress(ctx context.Context, addressID string) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE tracking_addresses SET status='created', order_id=NULL, updated_at=now()
		WHERE id=$1
	`, addressID); err != nil {
		return err
	}
	// No transaction state may survive into the next binding.
	if _, err := tx.Exec(ctx, `
		UPDATE tracking_transactions SET status='failed', updated_at=now()
		WHERE address_id=$1 AND status='pending'
	`, addressID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) InsertTransaction(ctx context.Context, t *models.TrackingTransaction) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO tracking_transactions (id, address_id, direction, status, amount, currency, tx_hash, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (tx_hash, direction) DO NOTHING
	`, t.ID, t.AddressID, t.Direction, t.Status, t.Amount.String(), t.Currency, t.TxHash, t.CreatedAt, t.UpdatedAt)
	return err
}

func (s *Store) NextAddressIndex(ctx context.Context) (int64, error) {
	var idx int64
	err := s.Pool.QueryRow(ctx, "SELECT nextval('address_derivation_index_seq')").Scan(&idx)
	return idx, err
}

// Limits

func (s *Store) UserLevel(ctx context.Context, userID string) (int, error) {
	var level int
	err := s.Pool.QueryRow(ctx, `SELECT verification_level FROM users WHERE id=$1`, userID).Scan(&level)
	return level, err
}

func (s *Store) SetUserLevel(ctx context.Context, userID string, level int) error {
	_, err := s.Pool.Exec(ctx, `UPDATE users SET verification_level=$2 WHERE id=$1`, userID, level)
	return err
}

func (s *Store) ConfigValue(ctx context.Context, key string) (decimal.Decimal, error) {
	var value string
	if err := s.Pool.QueryRow(ctx, `SELECT value FROM configs WHERE key=$1`, key).Scan(&value); err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromString(value)
}

func (s *Store) EnsureUserLimit(ctx context.Context, userID, currency string, limit decimal.Decimal, level int) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO user_limits (user_id, currency, limit_amount, usage_amount, level, updated_at)
		VALUES ($1,$2,$3,0,$4,now())
		ON CONFLICT (user_id, currency) DO NOTHING
	`, userID, currency, limit.String(), level)
	return err
}

// ReserveUsage is the single-winner increment: the WHERE clause re-evaluates
// usage under row lock, so two concurrent reservations cannot both pass
// against a stale value.
func (s *Store) ReserveUsage(ctx context.Context, userID, currency string, amount decimal.Decimal) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE user_limits
		SET usage_amount = usage_amount + $3, updated_at=now()
		WHERE user_id=$1 AND currency=$2 AND usage_amount + $3 <= limit_amount
	`, userID, currency, amount.String())
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (s *Store) ReplaceUserLimit(ctx context.Context, userID, currency string, limit decimal.Decimal, level int) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO user_limits (user_id, currency, limit_amount, usage_amount, level, updated_at)
		VALUES ($1,$2,$3,0,$4,now())
		ON CONFLICT (user_id, currency)
		DO UPDATE SET limit_amount=EXCLUDED.limit_amount, level=EXCLUDED.level, updated_at=now()
	`, userID, currency, limit.String(), level)
	return err
}

func (s *Store) ResetUsage(ctx context.Context, userID, currency string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE user_limits SET usage_amount=0, updated_at=now()
		WHERE user_id=$1 AND currency=$2
	`, userID, currency)
	return err
}

func (s *Store) UserLimits(ctx context.Context, userID string) ([]*models.UserLimit, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT user_id, currency, limit_amount::text, usage_amount::text, level, updated_at
		FROM user_limits WHERE user_id=$1 ORDER BY currency
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var limits []*models.UserLimit
	for rows.Next() {
		var ul models.UserLimit
		var limit, usage string
		if err := rows.Scan(&ul.UserID, &ul.Currency, &limit, &usage, &ul.Level, &ul.UpdatedAt); err != nil {
			return nil, err
		}
		if ul.Limit, err = decimal.NewFromString(limit); err != nil {
			return nil, err
		}
		if ul.Usage, err = decimal.NewFromString(usage); err != nil {
			return nil, err
		}
		limits = append(limits, &ul)
	}
	return limits, rows.Err()
}

// Fees

func (s *Store) Fee(ctx context.Context, key string) (quote.Fee, error) {
	var feeType string
	var value string
	err := s.Pool.QueryRow(ctx, `SELECT fee_type, value::text FROM fees WHERE key=$1`, key).
		Scan(&feeType, &value)
	if err != nil {
		return quote.Fee{}, err
	}
	v, err := decimal.NewFromString(value)
	if err != nil {
		return quote.Fee{}, err
	}
	return quote.Fee{Type: quote.FeeType(feeType), Value: v}, nil
}

// Users / referral

func (s *Store) ReferrerOf(ctx context.Context, userID string) (string, error) {
	var referrer sql.NullString
	err := s.Pool.QueryRow(ctx, `SELECT referrer_id FROM users WHERE id=$1`, userID).Scan(&referrer)
	if err != nil {
		return "", err
	}
	if !referrer.Valid {
		return "", nil
	}
	return referrer.String, nil
}

func (s *Store) TwoFASecret(ctx context.Context, userID string) (string, error) {
	var secret string
	err := s.Pool.QueryRow(ctx, `SELECT security_2fa_secret FROM users WHERE id=$1`, userID).Scan(&secret)
	return secret, err
}

func (s *Store) InsertReferralOrder(ctx context.Context, ro *models.ReferralOrder) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		INSERT INTO referral_orders (id, referrer_id, referee_id, order_id, bonus, currency, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (order_id) DO NOTHING
	`, ro.ID, ro.ReferrerID, ro.RefereeID, ro.OrderID, ro.Bonus.String(), ro.Currency, ro.Status, ro.CreatedAt, ro.UpdatedAt)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (s *Store) UpdateReferralStatus(ctx context.Context, id string, status models.ReferralStatus, txHash *string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE referral_orders SET status=$2, tx_hash=COALESCE($3, tx_hash), updated_at=now()
		WHERE id=$1 AND status='pending'
	`, id, status, txHash)
	return err
}
