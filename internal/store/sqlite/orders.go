package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradeledger/internal/model"
)

const orderColumns = `order_id, user_id, symbol, name, mode, order_type, quantity,
	purchase_price, actual_price, change_percent, total_amount, status, placed_at,
	executed_at, settlement_date, is_settled, in_demat, squared_off_by, fill_id, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(r rowScanner) (*model.Order, error) {
	var (
		o                               model.Order
		purchase, actual, total, placed int64
		executed                        sql.NullInt64
		settlement, squaredOff, fillID  sql.NullString
		isSettled, inDemat              int
		mode, orderType, status         string
	)
	err := r.Scan(&o.OrderID, &o.UserID, &o.Symbol, &o.Name, &mode, &orderType, &o.Quantity,
		&purchase, &actual, &o.ChangePercent, &total, &status, &placed,
		&executed, &settlement, &isSettled, &inDemat, &squaredOff, &fillID, &o.Version)
	if err != nil {
		return nil, err
	}
	o.Mode = model.Mode(mode)
	o.OrderType = model.OrderType(orderType)
	o.Status = model.OrderStatus(status)
	o.PurchasePrice = model.FromMinor(purchase)
	o.ActualPrice = model.FromMinor(actual)
	o.TotalAmount = model.FromMinor(total)
	o.PlacedAt = fromNanos(placed)
	if executed.Valid {
		t := fromNanos(executed.Int64)
		o.ExecutedAt = &t
	}
	o.SettlementDate = settlement.String
	o.IsSettled = isSettled == 1
	o.InDematAccount = inDemat == 1
	o.SquaredOffBy = squaredOff.String
	o.FillID = fillID.String
	return &o, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: nanos(*t), Valid: true}
}

// orderAmounts converts purchase price, actual price and total to minor units.
func orderAmounts(o *model.Order) (purchase, actual, total int64, err error) {
	fields := []struct {
		name string
		v    decimal.Decimal
		dst  *int64
	}{
		{"purchasePrice", o.PurchasePrice, &purchase},
		{"actualPrice", o.ActualPrice, &actual},
		{"totalAmount", o.TotalAmount, &total},
	}
	for _, f := range fields {
		m, err := model.ToMinor(f.v)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("order %s %s: %w", o.OrderID, f.name, err)
		}
		*f.dst = m
	}
	return purchase, actual, total, nil
}

func insertOrder(ctx context.Context, ex execer, o *model.Order) error {
	purchase, actual, total, err := orderAmounts(o)
	if err != nil {
		return err
	}
	if o.Version == 0 {
		o.Version = 1
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OrderID, o.UserID, o.Symbol, o.Name, string(o.Mode), string(o.OrderType), o.Quantity,
		purchase, actual, o.ChangePercent,
		total, string(o.Status), nanos(o.PlacedAt),
		nullNanos(o.ExecutedAt), nullString(o.SettlementDate), boolInt(o.IsSettled),
		boolInt(o.InDematAccount), nullString(o.SquaredOffBy), nullString(o.FillID), o.Version,
	)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.OrderID, err)
	}
	return nil
}

func getOrder(ctx context.Context, q queryer, orderID string) (*model.Order, error) {
	row := q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = ?`, orderID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", orderID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return o, nil
}

// InsertOrder persists a new order.
func (s *Store) InsertOrder(ctx context.Context, o *model.Order) error {
	return insertOrder(ctx, s.db, o)
}

// GetOrder loads one order.
func (s *Store) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	return getOrder(ctx, s.db, orderID)
}

// ListOrders returns orders matching f, oldest first.
func (s *Store) ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if len(f.OrderTypes) > 0 {
		ph := make([]string, len(f.OrderTypes))
		for i, t := range f.OrderTypes {
			ph[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "order_type IN ("+strings.Join(ph, ",")+")")
	}
	if f.Mode != "" {
		where = append(where, "mode = ?")
		args = append(args, string(f.Mode))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.OpenOnly {
		where = append(where, "squared_off_by IS NULL")
	}
	if f.UnsettledDue != "" {
		where = append(where, "order_type = ? AND is_settled = 0 AND settlement_date IS NOT NULL AND settlement_date <= ?")
		args = append(args, string(model.OrderTypeDelivery), f.UnsettledDue)
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY placed_at ASC, order_id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// UnbookedSales returns SELL orders placed at or before placedBefore that
// have no processed fill event. Fill rows carry a fill id and square-off
// legs are referenced by their BUY, so neither is returned.
func (s *Store) UnbookedSales(ctx context.Context, placedBefore time.Time) ([]model.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders o
		WHERE o.mode = ? AND o.fill_id IS NULL AND o.status <> ? AND o.placed_at <= ?
		  AND NOT EXISTS (SELECT 1 FROM orders b WHERE b.squared_off_by = o.order_id)
		  AND NOT EXISTS (SELECT 1 FROM processed_events e WHERE e.event_id = ? || o.order_id)
		ORDER BY o.placed_at ASC, o.order_id ASC`,
		string(model.ModeSell), string(model.StatusCancelled), nanos(placedBefore), model.FillIDForOrder(""))
	if err != nil {
		return nil, fmt.Errorf("list unbooked sales: %w", err)
	}
	defer rows.Close()

	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// UpdateOrderStatus sets status and executedAt if the row is at expectedVersion.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID string, status model.OrderStatus, executedAt *time.Time, expectedVersion int64) (*model.Order, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = ?, executed_at = ?, version = version + 1
		WHERE order_id = ? AND version = ?`,
		string(status), nullNanos(executedAt), orderID, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("update order %s: %w", orderID, err)
	}
	if err := s.checkVersioned(ctx, res, orderID); err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, orderID)
}

// SettleOrder marks an unsettled delivery order settled and in demat.
func (s *Store) SettleOrder(ctx context.Context, orderID string, expectedVersion int64) (*model.Order, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET is_settled = 1, in_demat = 1, version = version + 1
		WHERE order_id = ? AND version = ? AND is_settled = 0 AND order_type = ?`,
		orderID, expectedVersion, string(model.OrderTypeDelivery))
	if err != nil {
		return nil, fmt.Errorf("settle order %s: %w", orderID, err)
	}
	if err := s.checkVersioned(ctx, res, orderID); err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, orderID)
}

// checkVersioned maps a zero-row guarded update to ErrNotFound or ErrConflict.
func (s *Store) checkVersioned(ctx context.Context, res sql.Result, orderID string) error {
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetOrder(ctx, orderID); err != nil {
		return err
	}
	return fmt.Errorf("order %s: %w", orderID, model.ErrConflict)
}

// SquareOff inserts sell and links buyID to it. Both happen or neither does.
func (s *Store) SquareOff(ctx context.Context, buyID string, sell *model.Order) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE orders SET squared_off_by = ?, version = version + 1
			WHERE order_id = ? AND squared_off_by IS NULL`,
			sell.OrderID, buyID)
		if err != nil {
			return fmt.Errorf("mark squared off %s: %w", buyID, err)
		}
		n, err := affected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			if _, err := getOrder(ctx, tx, buyID); err != nil {
				return err
			}
			return fmt.Errorf("order %s already squared off: %w", buyID, model.ErrConflict)
		}
		return insertOrder(ctx, tx, sell)
	})
}

// DeleteOrder removes an order. Administrative path only.
func (s *Store) DeleteOrder(ctx context.Context, orderID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM orders WHERE order_id = ?`, orderID)
	if err != nil {
		return fmt.Errorf("delete order %s: %w", orderID, err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("order %s: %w", orderID, model.ErrNotFound)
	}
	return nil
}
