package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tillcloud/reconciler/internal/domain"
)

// ─── Product Operations ─────────────────────────────────────────────────────

// InsertProduct stores a catalog product.
func (c conn) InsertProduct(ctx context.Context, p domain.Product) error {
	_, err := c.exec(ctx, `
		INSERT INTO products (id, tenant_id, name, price, stock_quantity)
		VALUES (?, ?, ?, ?, ?)
	`, p.ID, p.TenantID, p.Name, p.Price, p.StockQuantity)
	return err
}

// GetProduct looks a product up by id within a tenant, or nil.
func (c conn) GetProduct(ctx context.Context, tenantID, id string) (*domain.Product, error) {
	var p domain.Product
	err := c.queryRow(ctx, `
		SELECT id, tenant_id, name, price, stock_quantity FROM products
		WHERE tenant_id = ? AND id = ?
	`, tenantID, id).Scan(&p.ID, &p.TenantID, &p.Name, &p.Price, &p.StockQuantity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ProductOrder is one paid product purchase.
type ProductOrder struct {
	TenantID   string
	ProductID  string
	Quantity   int
	Amount     int64
	PaymentRef string
}

// RecordProductOrder inserts the order keyed on (tenant, payment ref) and,
// only when the insert took, decrements stock (floored at zero). The
// product lookup is tenant-scoped; a missing product is ErrNotFound.
// Run it inside a transaction so the two writes commit together.
func (c conn) RecordProductOrder(ctx context.Context, o ProductOrder) (*domain.Product, bool, error) {
	p, err := c.GetProduct(ctx, o.TenantID, o.ProductID)
	if err != nil {
		return nil, false, err
	}
	if p == nil {
		return nil, false, domain.ErrNotFound
	}
	qty := o.Quantity
	if qty < 1 {
		qty = 1
	}

	res, err := c.exec(ctx, `
		INSERT INTO product_orders (id, tenant_id, product_id, quantity, amount, provider_payment_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, provider_payment_ref) DO NOTHING
	`, uuid.New().String(), o.TenantID, o.ProductID, qty, o.Amount, o.PaymentRef, ts(time.Now()))
	if err != nil {
		return nil, false, err
	}
	inserted, err := affected(res)
	if err != nil || !inserted {
		return p, false, err
	}

	_, err = c.exec(ctx, `
		UPDATE products
		SET stock_quantity = CASE WHEN stock_quantity >= ? THEN stock_quantity - ? ELSE 0 END
		WHERE tenant_id = ? AND id = ?
	`, qty, qty, o.TenantID, o.ProductID)
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

// CountProductOrders counts orders recorded for a payment reference.
func (c conn) CountProductOrders(ctx context.Context, tenantID, paymentRef string) (int, error) {
	var n int
	err := c.queryRow(ctx, `SELECT COUNT(*) FROM product_orders WHERE tenant_id = ? AND provider_payment_ref = ?`,
		tenantID, paymentRef).Scan(&n)
	return n, err
}
