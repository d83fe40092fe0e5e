// Package db persists an audit/query mirror of the platform in PostgreSQL.
// The in-memory platform is authoritative; rows here are written after the
// fact so users, orders, fills, rounds and events survive restarts and can
// be queried without taking the platform lock.
package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/acdm/platform/internal/models"

	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// CreateUser inserts a new user with its assigned platform address
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string, address models.Address) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash, address) VALUES ($1, $2, $3) RETURNING id, username, password_hash, address, created_at",
		username, passwordHash, string(address)).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Address, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, address, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Address, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetUserByAddress retrieves a user by platform address
func (db *DB) GetUserByAddress(ctx context.Context, address models.Address) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, address, created_at FROM users WHERE address = $1",
		string(address)).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Address, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// InsertOrder mirrors a newly created order. The id comes from the platform,
// not a sequence.
func (db *DB) InsertOrder(ctx context.Context, order *models.Order) error {
	_, err := db.Pool.Exec(ctx,
		"INSERT INTO orders (id, seller_address, amount, filled, price, open, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		order.ID, string(order.Seller), order.Amount.Dec(), order.Filled.Dec(), order.Price.Dec(), order.Open, order.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

// RecordFill updates the mirrored order's fill state and inserts the fill row
func (db *DB) RecordFill(ctx context.Context, order *models.Order, fill *models.Fill) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		"UPDATE orders SET filled = $1, open = $2 WHERE id = $3",
		order.Filled.Dec(), order.Open, order.ID)
	if err != nil {
		return fmt.Errorf("failed to update order fill: %w", err)
	}

	_, err = tx.Exec(ctx,
		"INSERT INTO fills (order_id, buyer_address, amount, value) VALUES ($1, $2, $3, $4)",
		fill.OrderID, string(fill.Buyer), fill.Amount.Dec(), fill.Value.Dec())
	if err != nil {
		return fmt.Errorf("failed to insert fill: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CloseOrder marks a mirrored order closed
func (db *DB) CloseOrder(ctx context.Context, orderID uint64) error {
	_, err := db.Pool.Exec(ctx, "UPDATE orders SET open = false WHERE id = $1", orderID)
	if err != nil {
		return fmt.Errorf("failed to close order: %w", err)
	}
	return nil
}

// InsertRound mirrors a new sale round
func (db *DB) InsertRound(ctx context.Context, round *models.Round) error {
	_, err := db.Pool.Exec(ctx,
		"INSERT INTO rounds (id, price, supply, started_at) VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING",
		round.ID, round.Price.Dec(), round.Supply.Dec(), round.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert round: %w", err)
	}
	return nil
}

// InsertEvent appends a platform event to the audit log
func (db *DB) InsertEvent(ctx context.Context, event *models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = db.Pool.Exec(ctx,
		"INSERT INTO events (id, type, payload, occurred_at) VALUES ($1, $2, $3, $4)",
		event.ID, event.Type, payload, event.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// GetOpenOrders retrieves all open mirrored orders
func (db *DB) GetOpenOrders(ctx context.Context) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, seller_address, amount::text, filled::text, price::text, open, created_at
		FROM orders
		WHERE open
		ORDER BY price ASC, created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get open orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// GetUserOrders retrieves all orders placed by an address
func (db *DB) GetUserOrders(ctx context.Context, seller models.Address) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, seller_address, amount::text, filled::text, price::text, open, created_at
		FROM orders
		WHERE seller_address = $1
		ORDER BY created_at ASC
	`, string(seller))
	if err != nil {
		return nil, fmt.Errorf("failed to get user orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// GetOrderFills retrieves all fills recorded against an order
func (db *DB) GetOrderFills(ctx context.Context, orderID uint64) ([]models.Fill, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, order_id, buyer_address, amount::text, value::text, executed_at
		FROM fills
		WHERE order_id = $1
		ORDER BY executed_at ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order fills: %w", err)
	}
	defer rows.Close()

	var fills []models.Fill
	for rows.Next() {
		var (
			fill          models.Fill
			amount, value string
		)
		if err := rows.Scan(&fill.ID, &fill.OrderID, &fill.Buyer, &amount, &value, &fill.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fill: %w", err)
		}
		if fill.Amount, err = uint256.FromDecimal(amount); err != nil {
			return nil, fmt.Errorf("failed to parse fill amount: %w", err)
		}
		if fill.Value, err = uint256.FromDecimal(value); err != nil {
			return nil, fmt.Errorf("failed to parse fill value: %w", err)
		}
		fills = append(fills, fill)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return fills, nil
}

type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanOrders(rows pgxRows) ([]models.Order, error) {
	var orders []models.Order
	for rows.Next() {
		var (
			order                 models.Order
			amount, filled, price string
		)
		if err := rows.Scan(&order.ID, &order.Seller, &amount, &filled, &price, &order.Open, &order.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		var err error
		if order.Amount, err = uint256.FromDecimal(amount); err != nil {
			return nil, fmt.Errorf("failed to parse order amount: %w", err)
		}
		if order.Filled, err = uint256.FromDecimal(filled); err != nil {
			return nil, fmt.Errorf("failed to parse order filled: %w", err)
		}
		if order.Price, err = uint256.FromDecimal(price); err != nil {
			return nil, fmt.Errorf("failed to parse order price: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}
