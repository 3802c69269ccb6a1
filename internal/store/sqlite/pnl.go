package sqlite

import (
	"context"
	"fmt"
	"strings"

	"tradeledger/internal/model"
)

// UpsertPnL writes one daily snapshot, replacing any existing row for the
// same user, date and category.
func (s *Store) UpsertPnL(ctx context.Context, p model.PnLSnapshot) error {
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = s.Now()
	}
	total, err := model.ToMinor(p.TotalPL)
	if err != nil {
		return fmt.Errorf("pnl %s/%s/%s: %w", p.UserID, p.Date, p.Category, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pnl_snapshots (user_id, date, category, total_pl, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, date, category) DO UPDATE SET
			total_pl = excluded.total_pl,
			updated_at = excluded.updated_at`,
		p.UserID, p.Date, string(p.Category), total, nanos(updated))
	if err != nil {
		return fmt.Errorf("upsert pnl %s/%s/%s: %w", p.UserID, p.Date, p.Category, err)
	}
	return nil
}

// ListPnL returns a user's snapshots in date order. Empty category, from or
// to leave that bound open.
func (s *Store) ListPnL(ctx context.Context, userID string, category model.PnLCategory, from, to string) ([]model.PnLSnapshot, error) {
	where := []string{"user_id = ?"}
	args := []any{userID}
	if category != "" {
		where = append(where, "category = ?")
		args = append(args, string(category))
	}
	if from != "" {
		where = append(where, "date >= ?")
		args = append(args, from)
	}
	if to != "" {
		where = append(where, "date <= ?")
		args = append(args, to)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, date, category, total_pl, updated_at FROM pnl_snapshots
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY date ASC, category ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list pnl: %w", err)
	}
	defer rows.Close()

	var out []model.PnLSnapshot
	for rows.Next() {
		var (
			p         model.PnLSnapshot
			cat       string
			total     int64
			updatedAt int64
		)
		if err := rows.Scan(&p.UserID, &p.Date, &cat, &total, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan pnl: %w", err)
		}
		p.Category = model.PnLCategory(cat)
		p.TotalPL = model.FromMinor(total)
		p.UpdatedAt = fromNanos(updatedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// UsersWithOrders lists every user that has placed at least one order.
func (s *Store) UsersWithOrders(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM orders ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("users with orders: %w", err)
	}
	defer rows.Close()

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
