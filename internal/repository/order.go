package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rookgm/esimhub/internal/models"
	"github.com/rookgm/esimhub/internal/repository/postgres"
)

const pgErrUniqueViolationCode = "23505"

const (
	orderColumns = `id, package_id, provider_package_id, quantity, customer_ref, status,
						iccid, activation_code, qr_code, smdp_address, provider_order_id,
						original_provider_id, current_provider_id, final_provider_id,
						created_at, updated_at, completed_at`

	insertOrderQuery = `
						INSERT INTO orders (id, package_id, provider_package_id, quantity, customer_ref, status, created_at, updated_at)
						VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
`
	selectOrderByIDQuery = `
						SELECT ` + orderColumns + ` FROM orders
						WHERE id = $1
`
	selectOrderForUpdateQuery = selectOrderByIDQuery + ` FOR UPDATE`

	selectOrderByProviderOrderQuery = `
						SELECT ` + orderColumns + ` FROM orders
						WHERE provider_order_id = $1
						AND (current_provider_id = $2 OR final_provider_id = $2)
						ORDER BY created_at DESC
						LIMIT 1
`
	selectOrderByICCIDQuery = `
						SELECT ` + orderColumns + ` FROM orders
						WHERE iccid = $1
						ORDER BY created_at DESC
						LIMIT 1
`
	selectOrdersByStatusQuery = `
						SELECT ` + orderColumns + ` FROM orders
						WHERE status IN (%s)
						ORDER BY created_at
`
	updateOrderQuery = `
						UPDATE orders
						SET status = $2, provider_package_id = $3, iccid = $4, activation_code = $5,
						qr_code = $6, smdp_address = $7, provider_order_id = $8,
						original_provider_id = $9, current_provider_id = $10, final_provider_id = $11,
						updated_at = $12, completed_at = $13
						WHERE id = $1
`
	selectAttemptsQuery = `
						SELECT provider_id, provider_slug, provider_order_id, success, margin, error,
						source, duration_ms, attempted_at
						FROM order_attempts
						WHERE order_id = $1
						ORDER BY seq
`
	insertAttemptQuery = `
						INSERT INTO order_attempts (order_id, seq, provider_id, provider_slug, provider_order_id,
						success, margin, error, source, duration_ms, attempted_at)
						VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`
)

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OrderRepository implements OrderRepository interface
type OrderRepository struct {
	db  *postgres.DB
	now func() time.Time
}

// NewOrderRepository creates new OrderRepository instance
func NewOrderRepository(db *postgres.DB) *OrderRepository {
	return &OrderRepository{db: db, now: time.Now}
}

// CreateOrder inserts new order to database
func (or *OrderRepository) CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	_, err := or.db.ExecContext(ctx, insertOrderQuery,
		order.ID, order.PackageID, order.ProviderPackageID, order.Quantity, order.CustomerRef, order.Status, order.CreatedAt)
	if err != nil {
		if errCode := or.db.ErrorCode(err); errCode == pgErrUniqueViolationCode {
			return nil, models.ErrConflictData
		}
		return nil, err
	}

	created := order.Clone()
	created.UpdatedAt = created.CreatedAt
	created.Attempts = nil
	return created, nil
}

// GetOrder returns order with its attempts
func (or *OrderRepository) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	return or.getOrder(ctx, or.db, selectOrderByIDQuery, id)
}

// GetOrderByProviderOrderID returns the order a provider knows by providerOrderID
func (or *OrderRepository) GetOrderByProviderOrderID(ctx context.Context, providerID, providerOrderID string) (*models.Order, error) {
	return or.getOrder(ctx, or.db, selectOrderByProviderOrderQuery, providerOrderID, providerID)
}

// GetOrderByICCID returns the latest order allocated with iccid
func (or *OrderRepository) GetOrderByICCID(ctx context.Context, iccid string) (*models.Order, error) {
	return or.getOrder(ctx, or.db, selectOrderByICCIDQuery, iccid)
}

// GetOrdersByStatus returns orders in any of statuses, oldest first
func (or *OrderRepository) GetOrdersByStatus(ctx context.Context, statuses ...models.OrderStatus) ([]models.Order, error) {
	if len(statuses) == 0 {
		return []models.Order{}, nil
	}

	params := make([]string, 0, len(statuses))
	args := make([]any, 0, len(statuses))
	for i, s := range statuses {
		params = append(params, fmt.Sprintf("$%d", i+1))
		args = append(args, string(s))
	}

	query := fmt.Sprintf(selectOrdersByStatusQuery, strings.Join(params, ", "))
	rows, err := or.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := []models.Order{}

	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range orders {
		attempts, err := or.attempts(ctx, or.db, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Attempts = attempts
	}

	return orders, nil
}

// UpdateOrder applies patch to the order in one transaction: the row is
// locked, the patch is checked against the status machine, attempts are
// appended after the existing ones.
func (or *OrderRepository) UpdateOrder(ctx context.Context, id string, patch models.OrderPatch) (*models.Order, error) {
	tx, err := or.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	order, err := or.getOrder(ctx, tx, selectOrderForUpdateQuery, id)
	if err != nil {
		return nil, err
	}

	seq := len(order.Attempts)
	if err := order.Apply(patch, or.now()); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, updateOrderQuery,
		order.ID,
		order.Status,
		order.ProviderPackageID,
		order.Allocation.ICCID,
		order.Allocation.ActivationCode,
		order.Allocation.QRCode,
		order.Allocation.SMDPAddress,
		order.ProviderOrderID,
		order.OriginalProviderID,
		order.CurrentProviderID,
		order.FinalProviderID,
		order.UpdatedAt,
		order.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	for i, a := range patch.AppendAttempts {
		_, err := tx.ExecContext(ctx, insertAttemptQuery,
			order.ID, seq+i+1, a.ProviderID, a.ProviderSlug, a.ProviderOrderID,
			a.Success, a.Margin, a.Error, a.Source, a.Duration.Milliseconds(), a.AttemptedAt)
		if err != nil {
			return nil, fmt.Errorf("insert attempt: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return order, nil
}

func (or *OrderRepository) getOrder(ctx context.Context, q queryer, query string, args ...any) (*models.Order, error) {
	order, err := scanOrder(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrDataNotFound
		}
		return nil, err
	}

	order.Attempts, err = or.attempts(ctx, q, order.ID)
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (or *OrderRepository) attempts(ctx context.Context, q queryer, orderID string) ([]models.FailoverAttempt, error) {
	rows, err := q.QueryContext(ctx, selectAttemptsQuery, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []models.FailoverAttempt

	for rows.Next() {
		a := models.FailoverAttempt{}
		var durationMs int64
		err := rows.Scan(&a.ProviderID, &a.ProviderSlug, &a.ProviderOrderID, &a.Success, &a.Margin,
			&a.Error, &a.Source, &durationMs, &a.AttemptedAt)
		if err != nil {
			return nil, err
		}
		a.Duration = time.Duration(durationMs) * time.Millisecond
		attempts = append(attempts, a)
	}

	return attempts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (*models.Order, error) {
	o := models.Order{}
	err := s.Scan(
		&o.ID,
		&o.PackageID,
		&o.ProviderPackageID,
		&o.Quantity,
		&o.CustomerRef,
		&o.Status,
		&o.Allocation.ICCID,
		&o.Allocation.ActivationCode,
		&o.Allocation.QRCode,
		&o.Allocation.SMDPAddress,
		&o.ProviderOrderID,
		&o.OriginalProviderID,
		&o.CurrentProviderID,
		&o.FinalProviderID,
		&o.CreatedAt,
		&o.UpdatedAt,
		&o.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}
