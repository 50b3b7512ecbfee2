package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

var _ domain.OrderStore = (*OrderStore)(nil)

// terminalStatuses is the SQL list of statuses ListPending treats as done.
var terminalStatuses = []string{
	string(domain.OrderStatusFilled),
	string(domain.OrderStatusCanceled),
	string(domain.OrderStatusRejected),
	string(domain.OrderStatusExpired),
}

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool   *pgxpool.Pool
	window time.Duration
}

// NewOrderStore creates an OrderStore. Terminal orders stay pending for
// window after their last update.
func NewOrderStore(pool *pgxpool.Pool, window time.Duration) *OrderStore {
	if window <= 0 {
		window = time.Hour
	}
	return &OrderStore{pool: pool, window: window}
}

const orderSelectCols = `client_order_id, venue_order_id, venue, symbol, side, order_type,
	status, quantity, price, filled_qty, avg_price, strategy, created_at, updated_at`

func scanOrder(row pgx.Row) (domain.LocalOrder, error) {
	var o domain.LocalOrder
	var venue, side, typ, status string
	err := row.Scan(
		&o.ClientOrderID, &o.VenueOrderID, &venue, &o.Symbol, &side, &typ,
		&status, &o.Quantity, &o.Price, &o.FilledQty, &o.AvgPrice, &o.Strategy,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.LocalOrder{}, err
	}
	o.Venue = domain.Venue(venue)
	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(typ)
	o.Status = domain.OrderStatus(status)
	return o, nil
}

// ListPending returns open orders plus terminal orders updated within the
// window, oldest first.
func (s *OrderStore) ListPending(ctx context.Context) ([]domain.LocalOrder, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders
		WHERE status <> ALL($1) OR updated_at > $2
		ORDER BY created_at, client_order_id`
	rows, err := s.pool.Query(ctx, query, terminalStatuses, time.Now().Add(-s.window))
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending orders: %w", err)
	}
	defer rows.Close()

	var out []domain.LocalOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan order: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list pending orders rows: %w", err)
	}
	return out, nil
}

// ApplyOrderUpdate upserts the order. Empty identity fields in u keep their
// stored value; state fields are always overwritten.
func (s *OrderStore) ApplyOrderUpdate(ctx context.Context, u domain.OrderUpdate) error {
	if u.ClientOrderID == "" {
		return fmt.Errorf("postgres: apply order update: %w: empty client order id", domain.ErrInvalidOrder)
	}
	ts := u.UpdatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	strategy := ""
	if id, err := domain.ParseClientOrderID(u.ClientOrderID); err == nil {
		strategy = id.Strategy
	}

	const query = `
		INSERT INTO orders (
			client_order_id, venue_order_id, venue, symbol, side, order_type,
			status, quantity, price, filled_qty, avg_price, strategy, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		ON CONFLICT (client_order_id) DO UPDATE SET
			venue_order_id = COALESCE(NULLIF(EXCLUDED.venue_order_id, ''), orders.venue_order_id),
			venue          = COALESCE(NULLIF(EXCLUDED.venue, ''), orders.venue),
			symbol         = COALESCE(NULLIF(EXCLUDED.symbol, ''), orders.symbol),
			side           = COALESCE(NULLIF(EXCLUDED.side, ''), orders.side),
			order_type     = COALESCE(NULLIF(EXCLUDED.order_type, ''), orders.order_type),
			quantity       = CASE WHEN EXCLUDED.quantity > 0 THEN EXCLUDED.quantity ELSE orders.quantity END,
			price          = CASE WHEN EXCLUDED.price > 0 THEN EXCLUDED.price ELSE orders.price END,
			status         = EXCLUDED.status,
			filled_qty     = EXCLUDED.filled_qty,
			avg_price      = EXCLUDED.avg_price,
			updated_at     = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, query,
		u.ClientOrderID, u.VenueOrderID, string(u.Venue), u.Symbol, string(u.Side), string(u.Type),
		string(u.Status), u.Quantity, u.Price, u.FilledQty, u.AvgPrice, strategy, ts,
	)
	if err != nil {
		return fmt.Errorf("postgres: apply order update %s: %w", u.ClientOrderID, err)
	}
	return nil
}

// ApplyFill adds one fill under a row lock, recomputing the average price
// and advancing the status.
func (s *OrderStore) ApplyFill(ctx context.Context, clientOrderID string, qty, price float64, ts time.Time) error {
	if qty <= 0 {
		return nil
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var quantity, filled, avg float64
		var status string
		err := tx.QueryRow(ctx,
			`SELECT quantity, filled_qty, avg_price, status FROM orders WHERE client_order_id = $1 FOR UPDATE`,
			clientOrderID,
		).Scan(&quantity, &filled, &avg, &status)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrOrderNotFound
		}
		if err != nil {
			return err
		}

		total := filled + qty
		avg = (filled*avg + qty*price) / total
		next := domain.OrderStatus(status)
		switch {
		case quantity > 0 && total >= quantity-1e-12:
			next = domain.OrderStatusFilled
		case !next.IsTerminal():
			next = domain.OrderStatusPartiallyFilled
		}
		_, err = tx.Exec(ctx,
			`UPDATE orders SET filled_qty = $1, avg_price = $2, status = $3, updated_at = $4 WHERE client_order_id = $5`,
			total, avg, string(next), ts, clientOrderID,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres: apply fill %s: %w", clientOrderID, err)
	}
	return nil
}

// Get returns one order.
func (s *OrderStore) Get(ctx context.Context, clientOrderID string) (domain.LocalOrder, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderSelectCols+` FROM orders WHERE client_order_id = $1`, clientOrderID)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.LocalOrder{}, fmt.Errorf("postgres: get order %s: %w", clientOrderID, domain.ErrOrderNotFound)
	}
	if err != nil {
		return domain.LocalOrder{}, fmt.Errorf("postgres: get order %s: %w", clientOrderID, err)
	}
	return o, nil
}

// ListByStrategy returns the most recent orders placed by one strategy.
func (s *OrderStore) ListByStrategy(ctx context.Context, strategy string, opts domain.ListOpts) ([]domain.LocalOrder, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders WHERE strategy = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		strategy, limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders by strategy %s: %w", strategy, err)
	}
	defer rows.Close()

	var out []domain.LocalOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan order: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list orders by strategy rows: %w", err)
	}
	return out, nil
}
