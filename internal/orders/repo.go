package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// Repo is the Postgres Store.
type Repo struct{ DB *pgxpool.Pool }

var _ Store = (*Repo)(nil)

func (r *Repo) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr(err)
	}
	return nil
}

func (r *Repo) GetOrder(ctx context.Context, id string) (*Order, error) {
	return getOrder(ctx, r.DB, id, false)
}

func (r *Repo) GetOrderItems(ctx context.Context, orderID string) ([]OrderItem, error) {
	return orderItems(ctx, r.DB, orderID)
}

func (r *Repo) GetPayment(ctx context.Context, id string) (*Payment, error) {
	return scanPayment(r.DB.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1`, id))
}

func (r *Repo) ListPayments(ctx context.Context, orderID string) ([]Payment, error) {
	return queryPayments(ctx, r.DB, `SELECT `+paymentColumns+` FROM payments WHERE order_id=$1 ORDER BY created_at`, orderID)
}

func (r *Repo) FindPaymentByCharge(ctx context.Context, chargeID string) (*Payment, error) {
	p, err := scanPayment(r.DB.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE charge_id=$1`, chargeID))
	if !errors.Is(err, ErrNotFound) {
		return p, err
	}
	return scanPayment(r.DB.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE gateway_order_id=$1 ORDER BY created_at DESC LIMIT 1`, chargeID))
}

func (r *Repo) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+productColumns+` FROM products ORDER BY sku`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repo) ListExpiredPixPayments(ctx context.Context, cutoff time.Time, limit int) ([]Payment, error) {
	return queryPayments(ctx, r.DB, `SELECT `+paymentColumns+` FROM payments
		WHERE method=$1 AND status IN ($2,$3) AND stock_reserved AND stock_committed_at IS NULL AND created_at < $4
		ORDER BY created_at LIMIT $5`,
		MethodPix, PaymentPending, PaymentWaiting, cutoff, limit)
}

func (r *Repo) ListOverdueOrders(ctx context.Context, cutoff time.Time, limit int) ([]Order, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE status=$1 AND first_payment_attempt_at < $2
		ORDER BY first_payment_attempt_at LIMIT $3`, StatusPending, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (r *Repo) SaveWebhookEvent(ctx context.Context, ev *WebhookEvent) error {
	_, err := r.DB.Exec(ctx, `INSERT INTO webhook_events(id, provider, payload, received_at)
		VALUES ($1,$2,$3,$4)`, ev.ID, ev.Provider, ev.Payload, ev.ReceivedAt)
	return err
}

func (r *Repo) MarkWebhookEvent(ctx context.Context, id string, processedAt time.Time, procErr string) error {
	ct, err := r.DB.Exec(ctx, `UPDATE webhook_events SET processed_at=$2, error=$3 WHERE id=$1`, id, processedAt, procErr)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) GetWebhookEvent(ctx context.Context, id string) (*WebhookEvent, error) {
	var ev WebhookEvent
	err := r.DB.QueryRow(ctx, `SELECT id, provider, payload, received_at, processed_at, error
		FROM webhook_events WHERE id=$1`, id).
		Scan(&ev.ID, &ev.Provider, &ev.Payload, &ev.ReceivedAt, &ev.ProcessedAt, &ev.Error)
	if err != nil {
		return nil, mapErr(err)
	}
	return &ev, nil
}

type pgTx struct{ q querier }

func (t *pgTx) LockProducts(ctx context.Context, ids []string) (map[string]Product, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	rows, err := t.q.Query(ctx, `SELECT `+productColumns+` FROM products
		WHERE id = ANY($1) ORDER BY id FOR UPDATE`, sorted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Product, len(ids))
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func (t *pgTx) DecrementStock(ctx context.Context, productID string, qty int) (bool, error) {
	ct, err := t.q.Exec(ctx, `UPDATE products SET stock = stock - $2, updated_at = now()
		WHERE id=$1 AND stock >= $2`, productID, qty)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (t *pgTx) IncrementStock(ctx context.Context, productID string, qty int) error {
	ct, err := t.q.Exec(ctx, `UPDATE products SET stock = stock + $2, updated_at = now() WHERE id=$1`, productID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("increment stock %s: %w", productID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) LastOrderSequence(ctx context.Context, prefix string, year int) (int, error) {
	head := fmt.Sprintf("%s-%d-", prefix, year)
	if _, err := t.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "order-number:"+head); err != nil {
		return 0, err
	}
	var last int
	err := t.q.QueryRow(ctx, `SELECT COALESCE(MAX(CAST(substr(number, $2) AS INTEGER)), 0)
		FROM orders WHERE number LIKE $1`, head+"%", len(head)+1).Scan(&last)
	return last, err
}

func (t *pgTx) GetCustomer(ctx context.Context, userID string) (*Customer, error) {
	var c Customer
	err := t.q.QueryRow(ctx, `SELECT id, name, email, tax_id, phone FROM customers WHERE id=$1`, userID).
		Scan(&c.ID, &c.Name, &c.Email, &c.TaxID, &c.Phone)
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (t *pgTx) GetAddress(ctx context.Context, userID, addressID string) (*Address, error) {
	var a Address
	err := t.q.QueryRow(ctx, `SELECT id, user_id, street, number, complement, district, city, state, postal_code
		FROM addresses WHERE id=$1 AND user_id=$2`, addressID, userID).
		Scan(&a.ID, &a.UserID, &a.Street, &a.Number, &a.Complement, &a.District, &a.City, &a.State, &a.PostalCode)
	if err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

func (t *pgTx) GetShippingMethod(ctx context.Context, id string) (*ShippingMethod, error) {
	var m ShippingMethod
	err := t.q.QueryRow(ctx, `SELECT id, name, base_cents, per_kg_cents, estimated_days, active
		FROM shipping_methods WHERE id=$1`, id).
		Scan(&m.ID, &m.Name, &m.BaseCents, &m.PerKgCents, &m.EstimatedDays, &m.Active)
	if err != nil {
		return nil, mapErr(err)
	}
	return &m, nil
}

func (t *pgTx) GetCouponForUpdate(ctx context.Context, code string) (*Coupon, error) {
	var c Coupon
	err := t.q.QueryRow(ctx, `SELECT code, type, value::text, max_discount_cents, min_order_cents,
			usage_limit, used_count, expires_at, active
		FROM coupons WHERE code=$1 FOR UPDATE`, code).
		Scan(&c.Code, &c.Type, &c.Value, &c.MaxDiscountCents, &c.MinOrderCents,
			&c.UsageLimit, &c.UsedCount, &c.ExpiresAt, &c.Active)
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (t *pgTx) IncrementCouponUsage(ctx context.Context, code string) error {
	_, err := t.q.Exec(ctx, `UPDATE coupons SET used_count = used_count + 1 WHERE code=$1`, code)
	return err
}

func (t *pgTx) ClearCartItems(ctx context.Context, userID string, productIDs []string) (int64, error) {
	ct, err := t.q.Exec(ctx, `DELETE FROM cart_items WHERE user_id=$1 AND product_id = ANY($2)`, userID, productIDs)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o *Order, items []OrderItem) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO orders(id, number, user_id, address_id, shipping_method_id, coupon_code, status,
			payment_status, payment_method, subtotal_cents, shipping_cents, discount_cents, total_cents,
			first_payment_attempt_at, tracking_code, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		o.ID, o.Number, o.UserID, o.AddressID, o.ShippingMethodID, o.CouponCode, o.Status,
		o.PaymentStatus, o.PaymentMethod, o.SubtotalCents, o.ShippingCents, o.DiscountCents, o.TotalCents,
		o.FirstPaymentAttemptAt, o.TrackingCode, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	for _, it := range items {
		if _, err := t.q.Exec(ctx, `
			INSERT INTO order_items(id, order_id, product_id, name, image_url, qty, price_cents)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			it.ID, o.ID, it.ProductID, it.Name, it.ImageURL, it.Qty, it.PriceCents); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) GetOrderForUpdate(ctx context.Context, id string) (*Order, error) {
	return getOrder(ctx, t.q, id, true)
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *Order) error {
	ct, err := t.q.Exec(ctx, `UPDATE orders SET status=$2, payment_status=$3, payment_method=$4,
			first_payment_attempt_at=$5, tracking_code=$6, updated_at=$7
		WHERE id=$1`,
		o.ID, o.Status, o.PaymentStatus, o.PaymentMethod, o.FirstPaymentAttemptAt, o.TrackingCode, o.UpdatedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) OrderItems(ctx context.Context, orderID string) ([]OrderItem, error) {
	return orderItems(ctx, t.q, orderID)
}

func (t *pgTx) InsertPayment(ctx context.Context, p *Payment) error {
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("encode payment metadata: %w", err)
	}
	_, err = t.q.Exec(ctx, `
		INSERT INTO payments(id, order_id, method, status, charge_id, gateway_order_id, amount_cents,
			installments, stock_reserved, stock_committed_at, stock_released_at, qr_code_text, qr_code_url,
			qr_expires_at, failure_reason, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,NULLIF($5,''),NULLIF($6,''),$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		p.ID, p.OrderID, p.Method, p.Status, p.ChargeID, p.GatewayOrderID, p.AmountCents,
		p.Installments, p.StockReserved, p.StockCommittedAt, p.StockReleasedAt, p.QRCodeText, p.QRCodeURL,
		p.QRExpiresAt, p.FailureReason, meta, p.CreatedAt, p.UpdatedAt)
	return mapErr(err)
}

func (t *pgTx) GetPaymentForUpdate(ctx context.Context, id string) (*Payment, error) {
	return scanPayment(t.q.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1 FOR UPDATE`, id))
}

func (t *pgTx) PaymentsForUpdate(ctx context.Context, orderID string) ([]Payment, error) {
	return queryPayments(ctx, t.q, `SELECT `+paymentColumns+` FROM payments
		WHERE order_id=$1 ORDER BY created_at FOR UPDATE`, orderID)
}

func (t *pgTx) UpdatePayment(ctx context.Context, p *Payment) error {
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("encode payment metadata: %w", err)
	}
	ct, err := t.q.Exec(ctx, `UPDATE payments SET status=$2, charge_id=NULLIF($3,''), gateway_order_id=NULLIF($4,''),
			stock_reserved=$5, stock_committed_at=$6, stock_released_at=$7, qr_code_text=$8, qr_code_url=$9,
			qr_expires_at=$10, failure_reason=$11, metadata=$12, updated_at=$13
		WHERE id=$1`,
		p.ID, p.Status, p.ChargeID, p.GatewayOrderID, p.StockReserved, p.StockCommittedAt, p.StockReleasedAt,
		p.QRCodeText, p.QRCodeURL, p.QRExpiresAt, p.FailureReason, meta, p.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	if ct.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

const productColumns = `id, sku, name, image_url, stock, price_cents, weight_grams, created_at, updated_at`

func scanProduct(s scanner) (Product, error) {
	var p Product
	err := s.Scan(&p.ID, &p.SKU, &p.Name, &p.ImageURL, &p.Stock, &p.PriceCents, &p.WeightGrams, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

const orderColumns = `id, number, user_id, address_id, shipping_method_id, coupon_code, status, payment_status,
	payment_method, subtotal_cents, shipping_cents, discount_cents, total_cents, first_payment_attempt_at,
	tracking_code, created_at, updated_at`

func scanOrder(s scanner) (*Order, error) {
	var o Order
	err := s.Scan(&o.ID, &o.Number, &o.UserID, &o.AddressID, &o.ShippingMethodID, &o.CouponCode, &o.Status,
		&o.PaymentStatus, &o.PaymentMethod, &o.SubtotalCents, &o.ShippingCents, &o.DiscountCents, &o.TotalCents,
		&o.FirstPaymentAttemptAt, &o.TrackingCode, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &o, nil
}

func getOrder(ctx context.Context, q querier, id string, lock bool) (*Order, error) {
	sql := `SELECT ` + orderColumns + ` FROM orders WHERE id=$1`
	if lock {
		sql += ` FOR UPDATE`
	}
	return scanOrder(q.QueryRow(ctx, sql, id))
}

func orderItems(ctx context.Context, q querier, orderID string) ([]OrderItem, error) {
	rows, err := q.Query(ctx, `SELECT id, order_id, product_id, name, image_url, qty, price_cents
		FROM order_items WHERE order_id=$1 ORDER BY product_id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderItem
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Name, &it.ImageURL, &it.Qty, &it.PriceCents); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

const paymentColumns = `id, order_id, method, status, COALESCE(charge_id,''), COALESCE(gateway_order_id,''),
	amount_cents, installments, stock_reserved, stock_committed_at, stock_released_at, qr_code_text,
	qr_code_url, qr_expires_at, failure_reason, metadata, created_at, updated_at`

func scanPayment(s scanner) (*Payment, error) {
	var (
		p    Payment
		meta []byte
	)
	err := s.Scan(&p.ID, &p.OrderID, &p.Method, &p.Status, &p.ChargeID, &p.GatewayOrderID,
		&p.AmountCents, &p.Installments, &p.StockReserved, &p.StockCommittedAt, &p.StockReleasedAt, &p.QRCodeText,
		&p.QRCodeURL, &p.QRExpiresAt, &p.FailureReason, &meta, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &p.Metadata); err != nil {
			return nil, fmt.Errorf("decode payment metadata: %w", err)
		}
	}
	return &p, nil
}

func queryPayments(ctx context.Context, q querier, sql string, args ...any) ([]Payment, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "orders_number_key" {
		return fmt.Errorf("%w: %s", ErrDuplicateNumber, pgErr.Detail)
	}
	return err
}
