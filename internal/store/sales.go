package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gabri117/libreria/internal/domain"
	"github.com/gabri117/libreria/internal/events"
	"github.com/gabri117/libreria/internal/pricing"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CreateSale records a sale against an open cash session. Stock is locked
// and decremented, unit prices are resolved from the client's tier, and a
// sale.created event is written to the outbox, all in one transaction.
func (s *Store) CreateSale(ctx context.Context, req *domain.SaleRequest) (*domain.Sale, error) {
	var sale *domain.Sale
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status domain.SessionStatus
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM cash_sessions WHERE id = $1 FOR SHARE`, req.SessionID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("lock session: %w", err)
		}
		if status != domain.SessionStatusOpen {
			return ErrSessionClosed
		}

		client, err := getClient(ctx, tx, req.ClientID)
		if err != nil {
			return err
		}
		if !client.Active {
			return ErrInactiveClient
		}

		products, err := lockProducts(ctx, tx, requestProductIDs(req))
		if err != nil {
			return err
		}

		sale = &domain.Sale{
			SessionID:     req.SessionID,
			UserID:        req.UserID,
			ClientID:      client.ID,
			ClientName:    client.Name,
			PaymentMethod: req.PaymentMethod,
			Status:        domain.SaleStatusCompleted,
			Total:         decimal.Zero,
			Items:         make([]domain.SaleItem, 0, len(req.Items)),
		}

		remaining := make(map[int64]int, len(products))
		for id, p := range products {
			remaining[id] = p.Stock
		}

		for _, item := range req.Items {
			p, ok := products[item.ProductID]
			if !ok {
				return fmt.Errorf("%w: %d", ErrProductNotFound, item.ProductID)
			}
			if !p.Active {
				return fmt.Errorf("%w: %s", ErrInactiveProduct, p.Name)
			}
			if remaining[p.ID] < item.Quantity {
				return fmt.Errorf("%w: %s has %d, requested %d",
					ErrInsufficientStock, p.Name, remaining[p.ID], item.Quantity)
			}
			remaining[p.ID] -= item.Quantity

			price, err := pricing.ResolvePrice(p, client.Tier)
			if err != nil {
				return err
			}
			if !item.UnitPrice.IsZero() && !item.UnitPrice.Equal(price) {
				s.log.Info("terminal price differs from catalog, using catalog",
					zap.Int64("product_id", p.ID),
					zap.String("terminal", item.UnitPrice.String()),
					zap.String("catalog", price.String()))
			}

			gross := price.Mul(decimal.NewFromInt(int64(item.Quantity)))
			if item.Discount.GreaterThan(gross) {
				return fmt.Errorf("%w: product %d", ErrInvalidDiscount, p.ID)
			}
			subtotal := gross.Sub(item.Discount)
			sale.Items = append(sale.Items, domain.SaleItem{
				ProductID:   p.ID,
				ProductName: p.Name,
				Quantity:    item.Quantity,
				UnitPrice:   price,
				Discount:    item.Discount,
				Subtotal:    subtotal,
			})
			sale.Total = sale.Total.Add(subtotal)
		}

		for id, left := range remaining {
			if left == products[id].Stock {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE products SET stock = $1 WHERE id = $2`, left, id); err != nil {
				return fmt.Errorf("update stock: %w", err)
			}
		}

		err = tx.QueryRowContext(ctx, `
			INSERT INTO sales (session_id, user_id, client_id, total, payment_method, status)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, created_at`,
			sale.SessionID, sale.UserID, sale.ClientID, sale.Total, sale.PaymentMethod, sale.Status,
		).Scan(&sale.ID, &sale.CreatedAt)
		if err != nil {
			if pqCode(err) == pqForeignKeyViolation {
				return ErrUserNotFound
			}
			return fmt.Errorf("insert sale: %w", err)
		}

		for i := range sale.Items {
			item := &sale.Items[i]
			err := tx.QueryRowContext(ctx, `
				INSERT INTO sale_items (sale_id, product_id, quantity, unit_price, discount, subtotal)
				VALUES ($1, $2, $3, $4, $5, $6)
				RETURNING id`,
				sale.ID, item.ProductID, item.Quantity, item.UnitPrice, item.Discount, item.Subtotal,
			).Scan(&item.ID)
			if err != nil {
				return fmt.Errorf("insert sale item: %w", err)
			}
		}

		env, err := events.SaleCreated(sale)
		if err != nil {
			return err
		}
		return insertOutbox(ctx, tx, env)
	})
	if err != nil {
		return nil, err
	}
	return sale, nil
}

func requestProductIDs(req *domain.SaleRequest) []int64 {
	seen := make(map[int64]struct{}, len(req.Items))
	ids := make([]int64, 0, len(req.Items))
	for _, item := range req.Items {
		if _, ok := seen[item.ProductID]; ok {
			continue
		}
		seen[item.ProductID] = struct{}{}
		ids = append(ids, item.ProductID)
	}
	return ids
}

// lockProducts takes row locks in id order so concurrent sales cannot deadlock.
func lockProducts(ctx context.Context, tx *sql.Tx, ids []int64) (map[int64]*domain.Product, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = ANY($1) ORDER BY id FOR UPDATE`,
		pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("lock products: %w", err)
	}
	defer rows.Close()

	products := make(map[int64]*domain.Product, len(ids))
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product row: %w", err)
		}
		products[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return products, nil
}

// VoidSale marks a completed sale as voided and puts its items back in stock.
func (s *Store) VoidSale(ctx context.Context, id, userID int64, reason string) (*domain.Sale, error) {
	var sale *domain.Sale
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status domain.SaleStatus
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM sales WHERE id = $1 FOR UPDATE`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrSaleNotFound
		}
		if err != nil {
			return fmt.Errorf("lock sale: %w", err)
		}
		if status == domain.SaleStatusVoided {
			return ErrAlreadyVoided
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE products p SET stock = p.stock + i.qty
			FROM (SELECT product_id, SUM(quantity) AS qty FROM sale_items
			      WHERE sale_id = $1 GROUP BY product_id) i
			WHERE p.id = i.product_id`, id)
		if err != nil {
			return fmt.Errorf("restore stock: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE sales SET status = $1, void_reason = $2, voided_at = NOW(), voided_by = $3
			WHERE id = $4`,
			domain.SaleStatusVoided, reason, userID, id)
		if err != nil {
			if pqCode(err) == pqForeignKeyViolation {
				return ErrUserNotFound
			}
			return fmt.Errorf("void sale: %w", err)
		}

		sale, err = getSale(ctx, tx, id)
		if err != nil {
			return err
		}
		env, err := events.SaleVoided(sale)
		if err != nil {
			return err
		}
		return insertOutbox(ctx, tx, env)
	})
	if err != nil {
		return nil, err
	}
	return sale, nil
}

const saleColumns = `s.id, s.session_id, s.user_id, s.client_id, c.name, s.created_at, s.total,
	s.payment_method, s.status, COALESCE(s.void_reason, ''), s.voided_at, s.voided_by`

func scanSale(row rowScanner) (*domain.Sale, error) {
	var (
		sale     domain.Sale
		voidedAt sql.NullTime
		voidedBy sql.NullInt64
	)
	err := row.Scan(
		&sale.ID,
		&sale.SessionID,
		&sale.UserID,
		&sale.ClientID,
		&sale.ClientName,
		&sale.CreatedAt,
		&sale.Total,
		&sale.PaymentMethod,
		&sale.Status,
		&sale.VoidReason,
		&voidedAt,
		&voidedBy,
	)
	if err != nil {
		return nil, err
	}
	if voidedAt.Valid {
		sale.VoidedAt = &voidedAt.Time
	}
	if voidedBy.Valid {
		sale.VoidedBy = &voidedBy.Int64
	}
	return &sale, nil
}

func (s *Store) GetSale(ctx context.Context, id int64) (*domain.Sale, error) {
	return getSale(ctx, s.db, id)
}

func getSale(ctx context.Context, q querier, id int64) (*domain.Sale, error) {
	sale, err := scanSale(q.QueryRowContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales s JOIN clients c ON c.id = s.client_id
		WHERE s.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSaleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query sale: %w", err)
	}

	items, err := loadItems(ctx, q, []int64{id})
	if err != nil {
		return nil, err
	}
	sale.Items = items[id]
	if sale.Items == nil {
		sale.Items = []domain.SaleItem{}
	}
	return sale, nil
}

// ListSales returns sales matching the filter, newest first, with their items.
func (s *Store) ListSales(ctx context.Context, f domain.SaleFilter) ([]domain.Sale, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.From != nil {
		add("s.created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("s.created_at < $%d", *f.To)
	}
	if f.ClientID != nil {
		add("s.client_id = $%d", *f.ClientID)
	}
	if f.PaymentMethod != nil {
		add("s.payment_method = $%d", string(*f.PaymentMethod))
	}
	if f.Status != nil {
		add("s.status = $%d", string(*f.Status))
	}

	query := `SELECT ` + saleColumns + ` FROM sales s JOIN clients c ON c.id = s.client_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY s.created_at DESC, s.id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sales: %w", err)
	}
	defer rows.Close()

	sales := []domain.Sale{}
	var ids []int64
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sale row: %w", err)
		}
		sales = append(sales, *sale)
		ids = append(ids, sale.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	if len(ids) == 0 {
		return sales, nil
	}

	items, err := loadItems(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range sales {
		sales[i].Items = items[sales[i].ID]
		if sales[i].Items == nil {
			sales[i].Items = []domain.SaleItem{}
		}
	}
	return sales, nil
}

func loadItems(ctx context.Context, q querier, saleIDs []int64) (map[int64][]domain.SaleItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT i.sale_id, i.id, i.product_id, p.name, i.quantity, i.unit_price, i.discount, i.subtotal
		FROM sale_items i JOIN products p ON p.id = i.product_id
		WHERE i.sale_id = ANY($1)
		ORDER BY i.sale_id, i.id`, pq.Array(saleIDs))
	if err != nil {
		return nil, fmt.Errorf("query sale items: %w", err)
	}
	defer rows.Close()

	items := make(map[int64][]domain.SaleItem, len(saleIDs))
	for rows.Next() {
		var (
			saleID int64
			item   domain.SaleItem
		)
		if err := rows.Scan(
			&saleID,
			&item.ID,
			&item.ProductID,
			&item.ProductName,
			&item.Quantity,
			&item.UnitPrice,
			&item.Discount,
			&item.Subtotal,
		); err != nil {
			return nil, fmt.Errorf("scan sale item row: %w", err)
		}
		items[saleID] = append(items[saleID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return items, nil
}

// SalesByMethod aggregates completed sales in [from, to) per payment method.
func (s *Store) SalesByMethod(ctx context.Context, from, to time.Time) ([]domain.MethodTotal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payment_method, COUNT(*), COALESCE(SUM(total), 0)
		FROM sales
		WHERE status = $1 AND created_at >= $2 AND created_at < $3
		GROUP BY payment_method
		ORDER BY payment_method`,
		domain.SaleStatusCompleted, from, to)
	if err != nil {
		return nil, fmt.Errorf("query sales by method: %w", err)
	}
	defer rows.Close()

	totals := []domain.MethodTotal{}
	for rows.Next() {
		var mt domain.MethodTotal
		if err := rows.Scan(&mt.PaymentMethod, &mt.Count, &mt.Total); err != nil {
			return nil, fmt.Errorf("scan method total: %w", err)
		}
		totals = append(totals, mt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return totals, nil
}

// TopProducts ranks products by units sold in completed sales in [from, to),
// then by amount.
func (s *Store) TopProducts(ctx context.Context, from, to time.Time, limit int) ([]domain.ProductSales, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT si.product_id, p.name, SUM(si.quantity), SUM(si.subtotal)
		FROM sale_items si
		JOIN sales s ON s.id = si.sale_id
		JOIN products p ON p.id = si.product_id
		WHERE s.status = $1 AND s.created_at >= $2 AND s.created_at < $3
		GROUP BY si.product_id, p.name
		ORDER BY SUM(si.quantity) DESC, SUM(si.subtotal) DESC, si.product_id
		LIMIT $4`,
		domain.SaleStatusCompleted, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("query top products: %w", err)
	}
	defer rows.Close()

	top := []domain.ProductSales{}
	for rows.Next() {
		var ps domain.ProductSales
		if err := rows.Scan(&ps.ProductID, &ps.Name, &ps.Quantity, &ps.Total); err != nil {
			return nil, fmt.Errorf("scan product sales: %w", err)
		}
		top = append(top, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return top, nil
}
